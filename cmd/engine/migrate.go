package main

import (
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	var rollback bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer b.close()

			if rollback {
				if err := migrations.RollbackLast(b.db); err != nil {
					b.logger.Error("migration rollback failed", zap.Error(err))
					return err
				}
				b.logger.Info("last migration rolled back")
				return nil
			}

			if err := migrations.Migrate(b.db); err != nil {
				b.logger.Error("database migrations failed", zap.Error(err))
				return err
			}
			b.logger.Info("database migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "Roll back the most recent migration instead")
	return cmd
}
