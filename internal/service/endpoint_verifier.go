package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/signing"
)

// SignatureVerifier checks a signature against an endpoint's current and,
// within the rotation grace window, previous secret.
type SignatureVerifier interface {
	VerifyWithRotation(ctx context.Context, payload any, refs signing.SecretRefs, timestamp int64, signature string) bool
}

// EndpointVerifier answers "did this endpoint's secret sign this body".
type EndpointVerifier struct {
	endpoints interface {
		Get(ctx context.Context, tenantID, id string) (*domain.WebhookEndpoint, error)
	}
	verifier SignatureVerifier
}

func NewEndpointVerifier(registry *EndpointRegistry, verifier SignatureVerifier) (*EndpointVerifier, error) {
	if registry == nil {
		return nil, fmt.Errorf("endpoint registry is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("signature verifier is required")
	}
	return &EndpointVerifier{endpoints: registry, verifier: verifier}, nil
}

func (v *EndpointVerifier) Verify(ctx context.Context, tenantID, endpointID string, body []byte, timestamp int64, signature string) (bool, error) {
	endpoint, err := v.endpoints.Get(ctx, tenantID, endpointID)
	if err != nil {
		return false, err
	}

	refs := signing.SecretRefs{
		Current:   endpoint.SecretRef,
		Previous:  endpoint.PreviousSecretRef,
		RotatedAt: endpoint.SecretRotatedAt,
	}
	return v.verifier.VerifyWithRotation(ctx, body, refs, timestamp, signature), nil
}
