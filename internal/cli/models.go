package cli

import (
	"github.com/spf13/cobra"

	"fraudshield/internal/app"
)

var (
	trainSamples int
	trainSeed    uint64
	trainForce   bool

	challengerSamples  int
	challengerSeed     uint64
	challengerLookback string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the champion models on synthetic data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Train(cmd.Context(), app.TrainOptions{
			Samples: trainSamples,
			Seed:    trainSeed,
			Force:   trainForce,
		})
	},
}

var trainChallengerCmd = &cobra.Command{
	Use:   "train-challenger",
	Short: "Train a challenger from synthetic data and analyst labels",
	RunE: func(cmd *cobra.Command, args []string) error {
		lookback, err := parseOptionalDuration("--lookback", challengerLookback)
		if err != nil {
			return err
		}
		return getApp().TrainChallenger(cmd.Context(), app.TrainChallengerOptions{
			Samples:  challengerSamples,
			Seed:     challengerSeed,
			Lookback: lookback,
		})
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Compare champion and challenger and swap if the challenger wins",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Evaluate(cmd.Context())
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Force the challenger into the champion slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Promote()
	},
}

var retrainCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Run one retraining cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Retrain(cmd.Context())
	},
}

func init() {
	trainCmd.Flags().IntVar(&trainSamples, "samples", 0, "Synthetic rows to train on (defaults to config)")
	trainCmd.Flags().Uint64Var(&trainSeed, "seed", 0, "Dataset seed (defaults to config)")
	trainCmd.Flags().BoolVar(&trainForce, "force", false, "Replace an existing champion")

	trainChallengerCmd.Flags().IntVar(&challengerSamples, "samples", 0, "Synthetic rows to mix with labels (defaults to config)")
	trainChallengerCmd.Flags().Uint64Var(&challengerSeed, "seed", 0, "Dataset seed (defaults to config)")
	trainChallengerCmd.Flags().StringVar(&challengerLookback, "lookback", "", "How far back to read analyst labels, e.g. 168h (defaults to config)")
}
