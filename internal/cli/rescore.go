package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fraudshield/internal/app"
)

var (
	rescoreFrom string
	rescoreTo   string
)

var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Replay stored transactions against the current champion",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rescoreFrom == "" || rescoreTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := parseTimestamp("--from", rescoreFrom)
		if err != nil {
			return err
		}
		to, err := parseTimestamp("--to", rescoreTo)
		if err != nil {
			return err
		}
		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		return getApp().Rescore(cmd.Context(), app.RescoreOptions{From: from, To: to})
	},
}

func init() {
	rescoreCmd.Flags().StringVar(&rescoreFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	rescoreCmd.Flags().StringVar(&rescoreTo, "to", "", "End timestamp (RFC3339, exclusive)")
}
