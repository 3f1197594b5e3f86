package mock

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alpredoben/flash-sale-sub001/internal/mailer"
)

// Sender is an in-memory mailer for development and tests. Sent emails are
// recorded and can be inspected.
type Sender struct {
	mu     sync.Mutex
	sent   []mailer.Email
	logger *slog.Logger
}

// New creates a mock sender.
func New(logger *slog.Logger) *Sender {
	return &Sender{logger: logger}
}

// Name returns the provider name.
func (s *Sender) Name() string { return "mock" }

// Send records the email and logs it instead of delivering.
func (s *Sender) Send(ctx context.Context, email *mailer.Email) error {
	s.mu.Lock()
	s.sent = append(s.sent, *email)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "mock email sent",
		slog.String("to", email.To),
		slog.String("subject", email.Subject),
	)
	return nil
}

// Sent returns a copy of all recorded emails.
func (s *Sender) Sent() []mailer.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mailer.Email, len(s.sent))
	copy(out, s.sent)
	return out
}

// Reset clears the recorded emails.
func (s *Sender) Reset() {
	s.mu.Lock()
	s.sent = nil
	s.mu.Unlock()
}
