package httpmail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alpredoben/flash-sale-sub001/internal/mailer"
	"github.com/alpredoben/flash-sale-sub001/pkg/httpclient"
)

// Sender delivers emails through an HTTP mail provider API. Calls go through
// a circuit breaker so a degraded provider fails fast instead of tying up
// consumer workers.
type Sender struct {
	client *httpclient.CircuitBreakerClient
	url    string
	apiKey string
	logger *slog.Logger
}

// New creates an HTTP mail sender.
func New(url, apiKey string, logger *slog.Logger) *Sender {
	base := httpclient.New(httpclient.DefaultConfig())
	cb := httpclient.NewCircuitBreakerClient(base, httpclient.DefaultCircuitBreakerConfig("mail-provider"), logger)

	return &Sender{
		client: cb,
		url:    url,
		apiKey: apiKey,
		logger: logger,
	}
}

// Name returns the provider name.
func (s *Sender) Name() string { return "http" }

// Send posts the email to the provider API.
func (s *Sender) Send(ctx context.Context, email *mailer.Email) error {
	body, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return httpclient.ParseResponseError(resp, "mail-provider")
	}

	s.logger.DebugContext(ctx, "email delivered",
		slog.String("to", email.To),
		slog.String("subject", email.Subject),
	)

	return nil
}
