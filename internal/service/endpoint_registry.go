package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/repository"
	"github.com/kursadbilgin/delivery-engine/internal/secrets"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// EndpointInput is the payload for registering an endpoint. Zero policy
// fields fall back to the registry defaults.
type EndpointInput struct {
	Name               string   `json:"name" validate:"required,max=200"`
	URL                string   `json:"url" validate:"required,https_url"`
	EventTypes         []string `json:"eventTypes" validate:"required,min=1,dive,required,max=200"`
	Enabled            *bool    `json:"enabled"`
	TimeoutMs          int      `json:"timeoutMs" validate:"omitempty,min=100,max=60000"`
	MaxAttempts        int      `json:"maxAttempts" validate:"omitempty,min=1,max=50"`
	BackoffBaseSeconds int      `json:"backoffBaseSeconds" validate:"omitempty,min=1,max=86400"`
}

// EndpointUpdate changes only the fields that are set.
type EndpointUpdate struct {
	Name               *string  `json:"name" validate:"omitempty,min=1,max=200"`
	URL                *string  `json:"url" validate:"omitempty,https_url"`
	EventTypes         []string `json:"eventTypes" validate:"omitempty,min=1,dive,required,max=200"`
	Enabled            *bool    `json:"enabled"`
	TimeoutMs          *int     `json:"timeoutMs" validate:"omitempty,min=100,max=60000"`
	MaxAttempts        *int     `json:"maxAttempts" validate:"omitempty,min=1,max=50"`
	BackoffBaseSeconds *int     `json:"backoffBaseSeconds" validate:"omitempty,min=1,max=86400"`
}

// EndpointDefaults is the delivery policy applied when an input leaves it out.
type EndpointDefaults struct {
	TimeoutMs          int
	MaxAttempts        int
	BackoffBaseSeconds int
}

// EndpointWithSecret carries a freshly minted secret. The plaintext is only
// ever returned here, once.
type EndpointWithSecret struct {
	Endpoint domain.WebhookEndpoint
	Secret   string
}

var (
	endpointValidator     *validator.Validate
	endpointValidatorOnce sync.Once
)

func getEndpointValidator() *validator.Validate {
	endpointValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("https_url", func(fl validator.FieldLevel) bool {
			return domain.ValidateEndpointURL(fl.Field().String()) == nil
		})
		endpointValidator = v
	})
	return endpointValidator
}

func validateInput(payload any) error {
	err := getEndpointValidator().Struct(payload)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		fe := validationErrors[0]
		return fmt.Errorf("%w: field %s failed %q", domain.ErrValidation, lowerFirst(fe.Field()), fe.Tag())
	}
	return fmt.Errorf("%w: %v", domain.ErrValidation, err)
}

// EndpointRegistry owns the lifecycle of tenant webhook endpoints.
type EndpointRegistry struct {
	endpoints repository.EndpointRepository
	secrets   secrets.Store
	defaults  EndpointDefaults
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

func NewEndpointRegistry(
	endpoints repository.EndpointRepository,
	store secrets.Store,
	defaults EndpointDefaults,
	logger *zap.Logger,
) (*EndpointRegistry, error) {
	if endpoints == nil {
		return nil, fmt.Errorf("endpoint repository is required")
	}
	if store == nil {
		return nil, fmt.Errorf("secret store is required")
	}
	if defaults.TimeoutMs <= 0 {
		defaults.TimeoutMs = domain.DefaultEndpointTimeoutMs
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = domain.DefaultEndpointMaxAttempts
	}
	if defaults.BackoffBaseSeconds <= 0 {
		defaults.BackoffBaseSeconds = domain.DefaultBackoffBaseSeconds
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EndpointRegistry{
		endpoints: endpoints,
		secrets:   store,
		defaults:  defaults,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func (r *EndpointRegistry) Create(ctx context.Context, tenantID string, in EndpointInput) (*EndpointWithSecret, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenantId is required", domain.ErrValidation)
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	url := strings.TrimSpace(in.URL)
	if err := r.ensureURLAvailable(ctx, tenantID, url, ""); err != nil {
		return nil, err
	}

	ref, secret, err := r.secrets.CreateSecret(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint secret: %w", err)
	}

	now := r.now().UTC()
	endpoint := domain.WebhookEndpoint{
		ID:                 r.newID(),
		TenantID:           tenantID,
		Name:               strings.TrimSpace(in.Name),
		URL:                url,
		SecretRef:          ref,
		EventTypes:         normalizeEventTypes(in.EventTypes),
		Enabled:            in.Enabled == nil || *in.Enabled,
		TimeoutMs:          lo.Ternary(in.TimeoutMs > 0, in.TimeoutMs, r.defaults.TimeoutMs),
		MaxAttempts:        lo.Ternary(in.MaxAttempts > 0, in.MaxAttempts, r.defaults.MaxAttempts),
		BackoffBaseSeconds: lo.Ternary(in.BackoffBaseSeconds > 0, in.BackoffBaseSeconds, r.defaults.BackoffBaseSeconds),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := endpoint.Validate(); err != nil {
		r.discardSecret(ctx, tenantID, ref)
		return nil, err
	}

	if err := r.endpoints.Create(ctx, &endpoint); err != nil {
		r.discardSecret(ctx, tenantID, ref)
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: endpoint url already registered for tenant", domain.ErrConflict)
		}
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}

	requestLogger(ctx, r.logger, tenantID, "").Info("webhook endpoint registered",
		zap.String("endpointId", endpoint.ID),
		zap.Strings("eventTypes", endpoint.EventTypes),
	)
	return &EndpointWithSecret{Endpoint: endpoint, Secret: secret}, nil
}

func (r *EndpointRegistry) Update(ctx context.Context, tenantID, id string, in EndpointUpdate) (*domain.WebhookEndpoint, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	endpoint, err := r.endpoints.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		endpoint.Name = strings.TrimSpace(*in.Name)
	}
	if in.URL != nil {
		url := strings.TrimSpace(*in.URL)
		if url != endpoint.URL {
			if err := r.ensureURLAvailable(ctx, tenantID, url, endpoint.ID); err != nil {
				return nil, err
			}
			endpoint.URL = url
		}
	}
	if in.EventTypes != nil {
		endpoint.EventTypes = normalizeEventTypes(in.EventTypes)
	}
	if in.Enabled != nil {
		endpoint.Enabled = *in.Enabled
	}
	if in.TimeoutMs != nil {
		endpoint.TimeoutMs = *in.TimeoutMs
	}
	if in.MaxAttempts != nil {
		endpoint.MaxAttempts = *in.MaxAttempts
	}
	if in.BackoffBaseSeconds != nil {
		endpoint.BackoffBaseSeconds = *in.BackoffBaseSeconds
	}
	endpoint.UpdatedAt = r.now().UTC()

	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	if err := r.endpoints.Update(ctx, endpoint); err != nil {
		return nil, err
	}
	return endpoint, nil
}

func (r *EndpointRegistry) SetEnabled(ctx context.Context, tenantID, id string, enabled bool) (*domain.WebhookEndpoint, error) {
	return r.Update(ctx, tenantID, id, EndpointUpdate{Enabled: &enabled})
}

// Delete soft-deletes the endpoint. Deliveries already created for it are
// still attempted; no new ones are fanned out.
func (r *EndpointRegistry) Delete(ctx context.Context, tenantID, id string) error {
	if err := r.endpoints.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	requestLogger(ctx, r.logger, tenantID, "").Info("webhook endpoint deleted",
		zap.String("endpointId", id),
	)
	return nil
}

func (r *EndpointRegistry) Get(ctx context.Context, tenantID, id string) (*domain.WebhookEndpoint, error) {
	return r.endpoints.GetByID(ctx, tenantID, id)
}

// List returns every live endpoint of the tenant, enabled or not.
func (r *EndpointRegistry) List(ctx context.Context, tenantID string) ([]domain.WebhookEndpoint, error) {
	return r.endpoints.ListByTenant(ctx, tenantID, false)
}

func (r *EndpointRegistry) ListActiveEndpoints(ctx context.Context, tenantID string) ([]domain.WebhookEndpoint, error) {
	return r.endpoints.ListByTenant(ctx, tenantID, true)
}

// GetEndpointsForEventType returns the enabled endpoints subscribed to eventType.
func (r *EndpointRegistry) GetEndpointsForEventType(ctx context.Context, tenantID, eventType string) ([]domain.WebhookEndpoint, error) {
	endpoints, err := r.endpoints.ListForEventType(ctx, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	return lo.Filter(endpoints, func(e domain.WebhookEndpoint, _ int) bool {
		return e.Eligible() && e.Subscribes(eventType)
	}), nil
}

// RotateSecret mints a new signing secret. The old one stays valid for
// verification during the rotation grace window.
func (r *EndpointRegistry) RotateSecret(ctx context.Context, tenantID, id string) (*EndpointWithSecret, error) {
	endpoint, err := r.endpoints.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	ref, secret, err := r.secrets.CreateSecret(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint secret: %w", err)
	}

	now := r.now().UTC()
	previous := endpoint.SecretRef
	endpoint.PreviousSecretRef = &previous
	endpoint.SecretRef = ref
	endpoint.SecretRotatedAt = &now
	endpoint.UpdatedAt = now

	if err := r.endpoints.Update(ctx, endpoint); err != nil {
		r.discardSecret(ctx, tenantID, ref)
		return nil, err
	}

	requestLogger(ctx, r.logger, tenantID, "").Info("webhook endpoint secret rotated",
		zap.String("endpointId", id),
	)
	return &EndpointWithSecret{Endpoint: *endpoint, Secret: secret}, nil
}

// discardSecret removes a secret minted for a write that did not persist.
func (r *EndpointRegistry) discardSecret(ctx context.Context, tenantID, ref string) {
	if err := r.secrets.DeleteSecret(context.WithoutCancel(ctx), ref); err != nil {
		requestLogger(ctx, r.logger, tenantID, "").Warn("failed to discard unused endpoint secret", zap.Error(err))
	}
}

func (r *EndpointRegistry) ensureURLAvailable(ctx context.Context, tenantID, url, selfID string) error {
	existing, err := r.endpoints.GetByURL(ctx, tenantID, url)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check endpoint url: %w", err)
	}
	if existing.ID == selfID {
		return nil
	}
	return fmt.Errorf("%w: endpoint url already registered for tenant", domain.ErrConflict)
}

func normalizeEventTypes(eventTypes []string) []string {
	trimmed := lo.Map(eventTypes, func(t string, _ int) string { return strings.TrimSpace(t) })
	return lo.Uniq(lo.Compact(trimmed))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
