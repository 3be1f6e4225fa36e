package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"fraudshield/internal/app"
)

var (
	simulateCount     int
	simulateEntities  int
	simulateFraudRate float64
	simulateWorkers   int
	simulateSeed      uint64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Push synthetic traffic through the scoring pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateFraudRate < 0 || simulateFraudRate > 1 {
			return errors.New("--fraud-rate must be between 0 and 1")
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Count:     simulateCount,
			Entities:  simulateEntities,
			FraudRate: simulateFraudRate,
			Workers:   simulateWorkers,
			Seed:      simulateSeed,
		})
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simulateCount, "count", 500, "Number of transactions to generate")
	simulateCmd.Flags().IntVar(&simulateEntities, "entities", 25, "Number of distinct accounts")
	simulateCmd.Flags().Float64Var(&simulateFraudRate, "fraud-rate", 0.1, "Share of injected fraudulent transactions")
	simulateCmd.Flags().IntVar(&simulateWorkers, "workers", 4, "Concurrent scoring workers")
	simulateCmd.Flags().Uint64Var(&simulateSeed, "seed", 0, "Traffic seed (defaults to models.seed)")
}
