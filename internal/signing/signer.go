// Package signing computes and verifies webhook HMAC signatures.
//
// A signature is "sha256=" followed by the lowercase hex HMAC-SHA256 of
// "{timestamp}.{canonical JSON}", keyed by the endpoint secret. Canonical JSON
// has object keys sorted lexicographically and no HTML escaping.
package signing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kursadbilgin/delivery-engine/internal/secrets"
)

const SignaturePrefix = "sha256="

// SecretRefs describes the current and, during rotation, previous key of an endpoint.
type SecretRefs struct {
	Current   string
	Previous  *string
	RotatedAt *time.Time
}

type Signer struct {
	secrets       secrets.Resolver
	rotationGrace time.Duration
	now           func() time.Time
}

func NewSigner(resolver secrets.Resolver, rotationGrace time.Duration) (*Signer, error) {
	if resolver == nil {
		return nil, fmt.Errorf("secret resolver is required")
	}
	return &Signer{
		secrets:       resolver,
		rotationGrace: rotationGrace,
		now:           time.Now,
	}, nil
}

// Sign resolves secretRef and signs payload at timestamp (unix seconds).
func (s *Signer) Sign(ctx context.Context, payload any, secretRef string, timestamp int64) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}

	secret, err := s.secrets.GetSecret(ctx, secretRef)
	if err != nil {
		return "", fmt.Errorf("failed to resolve signing secret: %w", err)
	}

	return ComputeSignature(secret, timestamp, canonical), nil
}

// Verify reports whether signature matches payload under secretRef.
func (s *Signer) Verify(ctx context.Context, payload any, secretRef string, timestamp int64, signature string) bool {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return false
	}
	return s.verifyCanonical(ctx, canonical, secretRef, timestamp, signature)
}

// VerifyWithRotation tries the current secret, then the previous one while
// the rotation grace window is open.
func (s *Signer) VerifyWithRotation(ctx context.Context, payload any, refs SecretRefs, timestamp int64, signature string) bool {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return false
	}

	if s.verifyCanonical(ctx, canonical, refs.Current, timestamp, signature) {
		return true
	}
	if refs.Previous == nil || *refs.Previous == "" || !s.withinGrace(refs.RotatedAt) {
		return false
	}
	return s.verifyCanonical(ctx, canonical, *refs.Previous, timestamp, signature)
}

func (s *Signer) verifyCanonical(ctx context.Context, canonical []byte, secretRef string, timestamp int64, signature string) bool {
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return false
	}

	secret, err := s.secrets.GetSecret(ctx, secretRef)
	if err != nil {
		return false
	}

	expected := ComputeSignature(secret, timestamp, canonical)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *Signer) withinGrace(rotatedAt *time.Time) bool {
	if rotatedAt == nil || s.rotationGrace <= 0 {
		return false
	}
	return s.now().Sub(*rotatedAt) <= s.rotationGrace
}

// ComputeSignature signs already-canonical bytes.
func ComputeSignature(secret []byte, timestamp int64, canonical []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(canonical)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Canonicalize renders payload as JSON with sorted object keys. Raw JSON
// ([]byte, json.RawMessage) is re-encoded rather than trusted as-is.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		raw = encoded
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid UTF-8")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("payload has trailing data")
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode canonical payload: %w", err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
