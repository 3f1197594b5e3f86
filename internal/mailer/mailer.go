package mailer

import (
	"context"
)

// Email is a rendered message ready for delivery.
type Email struct {
	To       string `json:"to"`
	ToName   string `json:"to_name,omitempty"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	TextBody string `json:"text_body"`
}

// Sender delivers rendered emails through a specific provider.
type Sender interface {
	Name() string
	Send(ctx context.Context, email *Email) error
}
