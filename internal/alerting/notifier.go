package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification describes a flagged transaction.
type Notification struct {
	TransactionID string
	EntityID      string
	Amount        decimal.Decimal
	RiskScore     float64
	RiskLevel     string
	Threshold     float64
	Action        string
	Reasons       []string
	NearestMule   string
	MuleHops      int
	VPN           bool
	ScoredAt      time.Time
}

// Notifier delivers flagged-transaction alerts.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered alert.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().Str("transaction_id", note.TransactionID).
		Str("entity_id", note.EntityID).
		Str("action", note.Action).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[fraudshield] %s %s\n", strings.ToUpper(note.Action), note.RiskLevel))
	builder.WriteString(fmt.Sprintf("Transaction: %s\n", note.TransactionID))
	builder.WriteString(fmt.Sprintf("Entity: %s\n", note.EntityID))
	builder.WriteString(fmt.Sprintf("Amount: %s\n", note.Amount.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Risk: %.2f (threshold %.2f)\n", note.RiskScore, note.Threshold*100))
	if !note.ScoredAt.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.ScoredAt.UTC().Format(time.RFC3339)))
	}
	if note.NearestMule != "" {
		builder.WriteString(fmt.Sprintf("Mule proximity: %s (%d hops)\n", note.NearestMule, note.MuleHops))
	}
	if note.VPN {
		builder.WriteString("VPN/proxy suspected\n")
	}
	for _, reason := range note.Reasons {
		builder.WriteString("- " + reason + "\n")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
