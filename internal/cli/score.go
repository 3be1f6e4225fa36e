package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"fraudshield/internal/app"
)

var (
	scoreInput           string
	scoreContinueOnError bool

	feedbackFraud   bool
	feedbackLegit   bool
	feedbackAnalyst string
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score JSON transactions from a file or stdin",
	Long:  "Reads one or more JSON transactions and prints one JSON decision per line.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if scoreInput != "" && scoreInput != "-" {
			f, err := os.Open(scoreInput)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer f.Close()
			in = f
		}
		return getApp().Score(cmd.Context(), app.ScoreOptions{
			Input:           in,
			ContinueOnError: scoreContinueOnError,
		})
	},
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <transaction-id>",
	Short: "Label a scored transaction as fraud or legitimate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if feedbackFraud == feedbackLegit {
			return fmt.Errorf("exactly one of --fraud or --legit must be set")
		}
		return getApp().Feedback(cmd.Context(), app.FeedbackOptions{
			TransactionID: args[0],
			Fraud:         feedbackFraud,
			Analyst:       feedbackAnalyst,
		})
	},
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreInput, "input", "i", "-", "File with JSON transactions, - for stdin")
	scoreCmd.Flags().BoolVar(&scoreContinueOnError, "continue-on-error", false, "Print an error object and keep going on rejected transactions")

	feedbackCmd.Flags().BoolVar(&feedbackFraud, "fraud", false, "Confirm the transaction as fraud")
	feedbackCmd.Flags().BoolVar(&feedbackLegit, "legit", false, "Confirm the transaction as legitimate")
	feedbackCmd.Flags().StringVar(&feedbackAnalyst, "analyst", "", "Analyst id (defaults to admin)")
}
