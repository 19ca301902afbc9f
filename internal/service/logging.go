package service

import (
	"context"

	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"go.uber.org/zap"
)

// requestLogger scopes logger to the tenant and correlation ids of a call.
// Ids already on ctx win; the arguments fill the gaps for callers outside
// the admin API.
func requestLogger(ctx context.Context, logger *zap.Logger, tenantID, correlationID string) *zap.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := observability.TenantIDFromContext(ctx); !ok && tenantID != "" {
		ctx = observability.WithTenantID(ctx, tenantID)
	}
	if _, ok := observability.CorrelationIDFromContext(ctx); !ok && correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}
	return observability.WithContextLogger(logger, ctx)
}
