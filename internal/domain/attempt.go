package domain

import (
	"time"
	"unicode/utf8"
)

// MaxResponseSnippetBytes bounds the stored response body of an attempt.
const MaxResponseSnippetBytes = 2048

// WebhookAttempt is the append-only audit record of a single HTTP try.
type WebhookAttempt struct {
	ID                  string
	TenantID            string
	DeliveryID          string
	AttemptNumber       int
	RequestTimestamp    time.Time
	ResponseStatus      *int
	ResponseBodySnippet *string
	DurationMs          int64
	ErrorMessage        *string
	CreatedAt           time.Time
}

// TruncateSnippet cuts s to at most limit bytes without splitting a rune.
func TruncateSnippet(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
