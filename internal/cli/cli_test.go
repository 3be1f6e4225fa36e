package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("--from", "2024-06-01T03:15:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 3, 15, 0, 0, time.UTC), ts)

	_, err = parseTimestamp("--from", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --from value")
}

func TestParseOptionalDuration(t *testing.T) {
	d, err := parseOptionalDuration("--lookback", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = parseOptionalDuration("--lookback", "168h")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	_, err = parseOptionalDuration("--lookback", "-1h")
	assert.Error(t, err)
	_, err = parseOptionalDuration("--lookback", "soon")
	assert.Error(t, err)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	appHandle = nil
	t.Cleanup(func() { appHandle = nil })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fraudshield dev")
}

func TestFeedbackNeedsOneVerdict(t *testing.T) {
	_, err := execute(t, "feedback", "tx-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --fraud or --legit")
}

func TestCommandsAreRegistered(t *testing.T) {
	want := []string{"run", "train", "train-challenger", "evaluate", "promote", "retrain", "score", "feedback", "simulate", "show", "export", "rescore", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
