package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the admin API and run the outbox, fan-out, webhook and retention jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply pending migrations on start")
	return cmd
}

func run(ctx context.Context, skipMigrations bool) error {
	b, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer b.close()
	logger := b.logger

	if !skipMigrations {
		if err := migrations.Migrate(b.db); err != nil {
			logger.Error("database migrations failed", zap.Error(err))
			return err
		}
	}

	e, err := buildEngine(b)
	if err != nil {
		logger.Error("engine wiring failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := e.publisher.Close(); err != nil {
			logger.Warn("event bus close failed", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	for _, runner := range e.runners {
		runner := runner
		g.Go(func() error {
			return runner.Start(gctx)
		})
	}

	addr := fmt.Sprintf(":%d", b.cfg.APIPort)
	g.Go(func() error {
		logger.Info("delivery-engine api started", zap.Int("port", b.cfg.APIPort))
		if err := e.app.Listen(addr); err != nil {
			return fmt.Errorf("api server stopped: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return e.app.ShutdownWithTimeout(shutdownTimeout)
	})

	err = g.Wait()
	e.writer.Wait()
	if err != nil && ctx.Err() == nil {
		logger.Error("engine stopped with error", zap.Error(err))
		return err
	}
	logger.Info("engine stopped")
	return nil
}
