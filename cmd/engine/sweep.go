package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.close()

			sweeper, err := newRetentionSweeper(b, nil)
			if err != nil {
				return err
			}

			deleted, err := sweeper.ProcessNow(cmd.Context())
			if err != nil {
				b.logger.Error("retention sweep failed", zap.Error(err))
				return err
			}
			b.logger.Info("retention sweep finished", zap.Int("deleted", deleted))
			return nil
		},
	}
}
