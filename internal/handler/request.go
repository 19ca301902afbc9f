package handler

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	HeaderTenantID = "X-Tenant-Id"
)

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

// tenantID reads the calling tenant from the request header and stores it on
// the user context so service logs carry it.
func tenantID(c *fiber.Ctx) (string, error) {
	tenant := strings.TrimSpace(c.Get(HeaderTenantID))
	if tenant == "" {
		return "", fmt.Errorf("%w: %s header is required", domain.ErrValidation, HeaderTenantID)
	}

	ctx := observability.WithTenantID(c.UserContext(), tenant)
	if correlationID := requestCorrelationID(c); correlationID != "" {
		ctx = observability.WithCorrelationID(ctx, correlationID)
	}
	c.SetUserContext(ctx)
	return tenant, nil
}

func pathID(c *fiber.Ctx) (string, error) {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return "", fmt.Errorf("%w: id is required", domain.ErrValidation)
	}
	return id, nil
}

func parsePage(c *fiber.Ctx) (int, int, error) {
	page := c.QueryInt("page", defaultPage)
	pageSize := c.QueryInt("pageSize", defaultPageSize)

	if page < 1 {
		return 0, 0, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return 0, 0, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}
	return page, pageSize, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
