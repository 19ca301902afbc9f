package main

import (
	"context"
	"fmt"
	"log"

	"github.com/kursadbilgin/delivery-engine/internal/config"
	"github.com/kursadbilgin/delivery-engine/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/delivery-engine/internal/infra/redis"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// base holds the connections every subcommand shares.
type base struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB
	rdb    *redis.Client
}

func bootstrap(ctx context.Context, withRedis bool) (*base, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Printf("failed to initialize logger: %v", err)
		return nil, err
	}

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.PoolConfig{})
	if err != nil {
		logger.Error("postgres initialization failed", zap.Error(err))
		return nil, err
	}

	b := &base{cfg: cfg, logger: logger, db: db}
	if !withRedis {
		return b, nil
	}

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("redis initialization failed", zap.Error(err))
		b.close()
		return nil, fmt.Errorf("redis initialization failed: %w", err)
	}
	b.rdb = rdb
	return b, nil
}

func (b *base) close() {
	if b.rdb != nil {
		if err := b.rdb.Close(); err != nil {
			b.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if sqlDB, err := b.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			b.logger.Warn("postgres close failed", zap.Error(err))
		}
	}
	_ = b.logger.Sync()
}
