package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type EndpointService interface {
	Create(ctx context.Context, tenantID string, in service.EndpointInput) (*service.EndpointWithSecret, error)
	Update(ctx context.Context, tenantID, id string, in service.EndpointUpdate) (*domain.WebhookEndpoint, error)
	SetEnabled(ctx context.Context, tenantID, id string, enabled bool) (*domain.WebhookEndpoint, error)
	Delete(ctx context.Context, tenantID, id string) error
	Get(ctx context.Context, tenantID, id string) (*domain.WebhookEndpoint, error)
	List(ctx context.Context, tenantID string) ([]domain.WebhookEndpoint, error)
	RotateSecret(ctx context.Context, tenantID, id string) (*service.EndpointWithSecret, error)
}

type SignatureChecker interface {
	Verify(ctx context.Context, tenantID, endpointID string, body []byte, timestamp int64, signature string) (bool, error)
}

type EndpointHandler struct {
	service  EndpointService
	verifier SignatureChecker
}

func NewEndpointHandler(service EndpointService, verifier SignatureChecker) (*EndpointHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("endpoint service is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("signature verifier is required")
	}
	return &EndpointHandler{service: service, verifier: verifier}, nil
}

func RegisterEndpointRoutes(router fiber.Router, service EndpointService, verifier SignatureChecker) error {
	h, err := NewEndpointHandler(service, verifier)
	if err != nil {
		return err
	}

	g := router.Group("/v1/webhooks/endpoints")
	g.Post("/", h.CreateEndpoint)
	g.Get("/", h.ListEndpoints)
	g.Get("/:id", h.GetEndpoint)
	g.Patch("/:id", h.UpdateEndpoint)
	g.Delete("/:id", h.DeleteEndpoint)
	g.Post("/:id/enable", h.EnableEndpoint)
	g.Post("/:id/disable", h.DisableEndpoint)
	g.Post("/:id/rotate-secret", h.RotateSecret)
	g.Post("/:id/verify", h.VerifySignature)

	return nil
}

type endpointResponse struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenantId"`
	Name               string     `json:"name"`
	URL                string     `json:"url"`
	EventTypes         []string   `json:"eventTypes"`
	Enabled            bool       `json:"enabled"`
	TimeoutMs          int        `json:"timeoutMs"`
	MaxAttempts        int        `json:"maxAttempts"`
	BackoffBaseSeconds int        `json:"backoffBaseSeconds"`
	SecretRotatedAt    *time.Time `json:"secretRotatedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// endpointSecretResponse is the only response that ever carries a plaintext
// secret.
type endpointSecretResponse struct {
	endpointResponse
	Secret string `json:"secret"`
}

type verifySignatureRequest struct {
	Body      json.RawMessage `json:"body"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature"`
}

func (h *EndpointHandler) CreateEndpoint(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	var req service.EndpointInput
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	created, err := h.service.Create(c.UserContext(), tenant, req)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(toEndpointSecretResponse(created))
}

func (h *EndpointHandler) ListEndpoints(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}

	endpoints, err := h.service.List(c.UserContext(), tenant)
	if err != nil {
		return err
	}

	data := make([]endpointResponse, 0, len(endpoints))
	for i := range endpoints {
		data = append(data, toEndpointResponse(&endpoints[i]))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *EndpointHandler) GetEndpoint(c *fiber.Ctx) error {
	return h.withEndpoint(c, h.service.Get)
}

func (h *EndpointHandler) UpdateEndpoint(c *fiber.Ctx) error {
	var req service.EndpointUpdate
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	return h.withEndpoint(c, func(ctx context.Context, tenant, id string) (*domain.WebhookEndpoint, error) {
		return h.service.Update(ctx, tenant, id, req)
	})
}

func (h *EndpointHandler) EnableEndpoint(c *fiber.Ctx) error {
	return h.withEndpoint(c, func(ctx context.Context, tenant, id string) (*domain.WebhookEndpoint, error) {
		return h.service.SetEnabled(ctx, tenant, id, true)
	})
}

func (h *EndpointHandler) DisableEndpoint(c *fiber.Ctx) error {
	return h.withEndpoint(c, func(ctx context.Context, tenant, id string) (*domain.WebhookEndpoint, error) {
		return h.service.SetEnabled(ctx, tenant, id, false)
	})
}

func (h *EndpointHandler) DeleteEndpoint(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	if err := h.service.Delete(c.UserContext(), tenant, id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *EndpointHandler) RotateSecret(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	rotated, err := h.service.RotateSecret(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toEndpointSecretResponse(rotated))
}

func (h *EndpointHandler) VerifySignature(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var req verifySignatureRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.Body) == 0 || req.Timestamp <= 0 || req.Signature == "" {
		return fmt.Errorf("%w: body, timestamp and signature are required", domain.ErrValidation)
	}

	valid, err := h.verifier.Verify(c.UserContext(), tenant, id, req.Body, req.Timestamp, req.Signature)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"valid": valid})
}

func (h *EndpointHandler) withEndpoint(
	c *fiber.Ctx,
	fn func(ctx context.Context, tenant, id string) (*domain.WebhookEndpoint, error),
) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}

	endpoint, err := fn(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(toEndpointResponse(endpoint))
}

func toEndpointResponse(e *domain.WebhookEndpoint) endpointResponse {
	if e == nil {
		return endpointResponse{}
	}
	return endpointResponse{
		ID:                 e.ID,
		TenantID:           e.TenantID,
		Name:               e.Name,
		URL:                e.URL,
		EventTypes:         e.EventTypes,
		Enabled:            e.Enabled,
		TimeoutMs:          e.TimeoutMs,
		MaxAttempts:        e.MaxAttempts,
		BackoffBaseSeconds: e.BackoffBaseSeconds,
		SecretRotatedAt:    e.SecretRotatedAt,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

func toEndpointSecretResponse(e *service.EndpointWithSecret) endpointSecretResponse {
	return endpointSecretResponse{
		endpointResponse: toEndpointResponse(&e.Endpoint),
		Secret:           e.Secret,
	}
}
