package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const (
	defaultTimeout = 10 * time.Second
	UserAgent      = "delivery-engine-webhooks/1.0"
)

const (
	HeaderSignature     = "X-Webhook-Signature"
	HeaderTimestamp     = "X-Webhook-Timestamp"
	HeaderEvent         = "X-Webhook-Event"
	HeaderDeliveryID    = "X-Webhook-Delivery-Id"
	HeaderTenantID      = "X-Tenant-Id"
	HeaderCorrelationID = "X-Correlation-Id"
)

// Sender is the outbound webhook delivery port.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Request is a fully signed webhook POST.
type Request struct {
	URL     string
	Body    []byte
	Headers map[string]string
	Timeout time.Duration
}

// Response carries the audit data of one POST. It is returned alongside a
// SendError for non-2xx statuses.
type Response struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// HTTPSender POSTs webhooks with resty. Retries are owned by the dispatcher,
// so the client itself never retries.
type HTTPSender struct {
	client *resty.Client
	now    func() time.Time
}

func NewHTTPSender() *HTTPSender {
	client := resty.New()
	client.SetTimeout(defaultTimeout)
	client.SetRetryCount(0)
	client.SetHeader("User-Agent", UserAgent)

	sender, _ := NewHTTPSenderWithClient(client)
	return sender
}

func NewHTTPSenderWithClient(client *resty.Client) (*HTTPSender, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTimeout)
	}
	client.SetRetryCount(0)

	return &HTTPSender{client: client, now: time.Now}, nil
}

func (s *HTTPSender) Send(ctx context.Context, req Request) (*Response, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("sender is not initialized")
	}
	if err := domain.ValidateEndpointURL(req.URL); err != nil {
		return nil, &SendError{Message: "invalid endpoint url", Cause: err}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := s.now()
	response, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", UserAgent).
		SetHeaders(req.Headers).
		SetBody(req.Body).
		Post(req.URL)
	duration := s.now().Sub(start)

	if err != nil {
		return &Response{Duration: duration}, &SendError{
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &Response{Duration: duration}, &SendError{
			Message:   "empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	body := domain.TruncateSnippet(strings.TrimSpace(response.String()), domain.MaxResponseSnippetBytes)
	result := &Response{StatusCode: statusCode, Body: body, Duration: duration}

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return result, nil
	}

	return result, &SendError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("subscriber returned status %d", statusCode),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}
