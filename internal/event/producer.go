package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpredoben/flash-sale-sub001/internal/domain"
	"github.com/alpredoben/flash-sale-sub001/pkg/bus"
)

// ReservationEventData is the payload shared by all reservation.* messages.
// It carries enough context for downstream email rendering without another
// database round-trip.
type ReservationEventData struct {
	ReservationID   string `json:"reservationId"`
	ReservationCode string `json:"reservationCode"`
	UserID          string `json:"userId"`
	UserEmail       string `json:"userEmail,omitempty"`
	UserName        string `json:"userName,omitempty"`
	ItemID          string `json:"itemId"`
	ItemName        string `json:"itemName"`
	Quantity        int    `json:"quantity"`
	TotalPrice      string `json:"totalPrice"`
	Status          string `json:"status"`
	ExpiresAt       string `json:"expiresAt,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Recipient identifies the user a reservation message should be rendered for.
type Recipient struct {
	Email string
	Name  string
}

// Publisher publishes reservation lifecycle messages onto the bus.
type Publisher struct {
	producer *bus.Producer
	logger   *slog.Logger
}

// NewPublisher creates a new reservation event publisher.
func NewPublisher(producer *bus.Producer, logger *slog.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		logger:   logger,
	}
}

// publishReservation builds the envelope for a routing key and publishes it,
// partitioned by reservation ID so redeliveries and replays stay ordered per
// reservation.
func (p *Publisher) publishReservation(ctx context.Context, routingKey string, res *domain.Reservation, item *domain.Item, rcpt Recipient, reason string) error {
	data := ReservationEventData{
		ReservationID:   res.ID,
		ReservationCode: res.ReservationCode,
		UserID:          res.UserID,
		UserEmail:       rcpt.Email,
		UserName:        rcpt.Name,
		ItemID:          res.ItemID,
		ItemName:        item.Name,
		Quantity:        res.Quantity,
		TotalPrice:      res.TotalPrice.String(),
		Status:          res.Status,
		Reason:          reason,
	}
	if res.Status == domain.ReservationStatusPending {
		data.ExpiresAt = res.ExpiresAt.UTC().Format(time.RFC3339)
	}

	msg, err := bus.NewMessage(routingKey, data)
	if err != nil {
		return fmt.Errorf("build %s message: %w", routingKey, err)
	}
	msg.WithUserID(res.UserID).WithRecipient(rcpt.Email)

	if err := p.producer.Publish(ctx, msg, res.ID); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	p.logger.DebugContext(ctx, "published reservation event",
		slog.String("routing_key", routingKey),
		slog.String("reservation_id", res.ID),
		slog.String("reservation_code", res.ReservationCode),
	)

	return nil
}

// ReservationCreated publishes reservation.created.
func (p *Publisher) ReservationCreated(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt Recipient) error {
	return p.publishReservation(ctx, bus.KeyReservationCreated, res, item, rcpt, "")
}

// ReservationConfirmed publishes reservation.confirmed.
func (p *Publisher) ReservationConfirmed(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt Recipient) error {
	return p.publishReservation(ctx, bus.KeyReservationConfirmed, res, item, rcpt, "")
}

// ReservationCancelled publishes reservation.cancelled.
func (p *Publisher) ReservationCancelled(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt Recipient, reason string) error {
	return p.publishReservation(ctx, bus.KeyReservationCancelled, res, item, rcpt, reason)
}

// ReservationExpired publishes reservation.expired.
func (p *Publisher) ReservationExpired(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt Recipient) error {
	return p.publishReservation(ctx, bus.KeyReservationExpired, res, item, rcpt, "hold expired")
}

// EmailPayload is the payload for direct email.* messages (verification,
// password reset, and similar identity flows).
type EmailPayload struct {
	UserID  string            `json:"userId"`
	Email   string            `json:"email"`
	Name    string            `json:"name"`
	Token   string            `json:"token,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// Email publishes a direct email.* message on the given routing key.
func (p *Publisher) Email(ctx context.Context, routingKey string, payload EmailPayload) error {
	msg, err := bus.NewMessage(routingKey, payload)
	if err != nil {
		return fmt.Errorf("build %s message: %w", routingKey, err)
	}
	msg.WithUserID(payload.UserID).WithRecipient(payload.Email)

	if err := p.producer.Publish(ctx, msg, payload.UserID); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	return nil
}
