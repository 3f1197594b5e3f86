package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpredoben/flash-sale-sub001/internal/auth"
	"github.com/alpredoben/flash-sale-sub001/internal/cache"
	"github.com/alpredoben/flash-sale-sub001/internal/mailer"
	"github.com/alpredoben/flash-sale-sub001/pkg/bus"
)

// Consumer group IDs. Reservation and email queues drain independently so a
// slow mail provider on one cannot starve the other.
const (
	ReservationConsumerGroup = "flashsale-reservation-mailer"
	EmailConsumerGroup       = "flashsale-email-mailer"
)

// Handler turns bus messages into emails. Deduplication is keyed on
// (reservationId, status): at-least-once delivery never produces a second
// email for the same terminal transition.
type Handler struct {
	sender mailer.Sender
	auth   *auth.Service
	from   string
	logger *slog.Logger
}

// NewHandler creates a consumer handler.
func NewHandler(sender mailer.Sender, authSvc *auth.Service, from string, logger *slog.Logger) *Handler {
	return &Handler{
		sender: sender,
		auth:   authSvc,
		from:   from,
		logger: logger,
	}
}

// DedupKey derives the idempotency key for a message. Reservation messages
// key on reservation ID plus status; email messages have no natural key and
// pass through.
func DedupKey(msg *bus.Message) string {
	switch msg.Type {
	case bus.KeyReservationCreated, bus.KeyReservationConfirmed,
		bus.KeyReservationCancelled, bus.KeyReservationExpired:
		var data ReservationEventData
		if err := msg.UnmarshalData(&data); err != nil || data.ReservationID == "" {
			return ""
		}
		return data.ReservationID + ":" + data.Status
	default:
		return ""
	}
}

// HandleReservation processes a reservation.* message.
func (h *Handler) HandleReservation(ctx context.Context, msg *bus.Message) error {
	var data ReservationEventData
	if err := msg.UnmarshalData(&data); err != nil {
		return fmt.Errorf("decode reservation event: %w", err)
	}

	to, toName := data.UserEmail, data.UserName
	if to == "" {
		// Older producers omitted the address; fall back to the cached principal.
		p, err := h.auth.GetPrincipal(ctx, data.UserID)
		if err != nil {
			if errors.Is(err, cache.ErrMiss) {
				h.logger.WarnContext(ctx, "no recipient for reservation event, dropping",
					slog.String("routing_key", msg.Type),
					slog.String("reservation_id", data.ReservationID),
					slog.String("user_id", data.UserID),
				)
				return nil
			}
			return fmt.Errorf("resolve recipient: %w", err)
		}
		to, toName = p.Email, p.Name
	}

	subject, body := h.renderReservation(msg.Type, &data)
	email := &mailer.Email{
		To:       to,
		ToName:   toName,
		From:     h.from,
		Subject:  subject,
		TextBody: body,
	}

	if err := h.sender.Send(ctx, email); err != nil {
		return fmt.Errorf("send %s email: %w", msg.Type, err)
	}

	h.logger.InfoContext(ctx, "reservation email sent",
		slog.String("routing_key", msg.Type),
		slog.String("reservation_id", data.ReservationID),
		slog.String("to", to),
	)

	return nil
}

// renderReservation produces the subject and plain-text body for a
// reservation lifecycle email.
func (h *Handler) renderReservation(routingKey string, data *ReservationEventData) (string, string) {
	name := data.UserName
	if name == "" {
		name = "there"
	}

	switch routingKey {
	case bus.KeyReservationCreated:
		expires := data.ExpiresAt
		if t, err := time.Parse(time.RFC3339, data.ExpiresAt); err == nil {
			expires = t.Format("15:04 MST, Jan 2 2006")
		}
		return fmt.Sprintf("Reservation %s confirmed - complete checkout before it expires", data.ReservationCode),
			fmt.Sprintf("Hi %s,\n\nWe are holding %d x %s for you (total %s).\nYour reservation code is %s.\n\nComplete checkout before %s or the hold will be released.\n",
				name, data.Quantity, data.ItemName, data.TotalPrice, data.ReservationCode, expires)
	case bus.KeyReservationConfirmed:
		return fmt.Sprintf("Order %s confirmed", data.ReservationCode),
			fmt.Sprintf("Hi %s,\n\nYour purchase of %d x %s is confirmed. Total charged: %s.\nOrder reference: %s.\n\nThank you for shopping with us.\n",
				name, data.Quantity, data.ItemName, data.TotalPrice, data.ReservationCode)
	case bus.KeyReservationCancelled:
		reason := data.Reason
		if reason == "" {
			reason = "cancelled at your request"
		}
		return fmt.Sprintf("Reservation %s cancelled", data.ReservationCode),
			fmt.Sprintf("Hi %s,\n\nYour reservation for %d x %s was cancelled (%s). The stock has been released.\n",
				name, data.Quantity, data.ItemName, reason)
	case bus.KeyReservationExpired:
		return fmt.Sprintf("Reservation %s expired", data.ReservationCode),
			fmt.Sprintf("Hi %s,\n\nYour hold on %d x %s expired before checkout and has been released.\nIf stock remains you can place a new reservation.\n",
				name, data.Quantity, data.ItemName)
	default:
		return "Reservation update", fmt.Sprintf("Hi %s,\n\nYour reservation %s was updated to %s.\n", name, data.ReservationCode, data.Status)
	}
}

// HandleEmail processes a direct email.* message.
func (h *Handler) HandleEmail(ctx context.Context, msg *bus.Message) error {
	var payload EmailPayload
	if err := msg.UnmarshalData(&payload); err != nil {
		return fmt.Errorf("decode email event: %w", err)
	}

	to := payload.Email
	if to == "" {
		to = msg.To
	}
	if to == "" {
		h.logger.WarnContext(ctx, "email event without recipient, dropping",
			slog.String("routing_key", msg.Type),
			slog.String("user_id", payload.UserID),
		)
		return nil
	}

	subject, body := h.renderEmail(msg.Type, &payload)
	email := &mailer.Email{
		To:       to,
		ToName:   payload.Name,
		From:     h.from,
		Subject:  subject,
		TextBody: body,
	}

	if err := h.sender.Send(ctx, email); err != nil {
		return fmt.Errorf("send %s email: %w", msg.Type, err)
	}

	return nil
}

func (h *Handler) renderEmail(routingKey string, payload *EmailPayload) (string, string) {
	name := payload.Name
	if name == "" {
		name = "there"
	}

	switch routingKey {
	case bus.KeyEmailVerification:
		return "Verify your email address",
			fmt.Sprintf("Hi %s,\n\nUse this token to verify your email address: %s\n", name, payload.Token)
	case bus.KeyEmailPasswordReset:
		return "Reset your password",
			fmt.Sprintf("Hi %s,\n\nUse this token to reset your password: %s\nIf you did not request this, ignore this email.\n", name, payload.Token)
	case bus.KeyEmailPasswordChanged:
		return "Your password was changed",
			fmt.Sprintf("Hi %s,\n\nYour password was just changed. If this was not you, contact support immediately.\n", name)
	case bus.KeyEmailAccountApproval:
		return "Your account has been approved",
			fmt.Sprintf("Hi %s,\n\nYour account has been approved. You can now participate in flash sales.\n", name)
	default:
		return "Notification", fmt.Sprintf("Hi %s,\n\nYou have a new notification.\n", name)
	}
}

// ConsumerSet holds the consumers draining the reservation and email queues.
type ConsumerSet struct {
	consumers []*bus.Consumer
}

// ConsumerSetConfig configures the consumer pool.
type ConsumerSetConfig struct {
	Brokers             []string
	PrefetchReservation int
	PrefetchEmail       int
	ReconnectInterval   time.Duration
	DedupTTL            time.Duration
	// Store is the shared idempotency store. With multiple instances this
	// should be Redis-backed so a redelivery after a consumer-group rebalance
	// is still deduplicated; nil falls back to an in-memory store.
	Store bus.IdempotencyStore
}

// NewConsumerSet builds one consumer per routing key, wrapping the handler in
// the idempotency guard and enabling the dead-letter queue.
func NewConsumerSet(cfg ConsumerSetConfig, handler *Handler, logger *slog.Logger) *ConsumerSet {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	store := cfg.Store
	if store == nil {
		store = bus.NewMemoryIdempotencyStore(cfg.DedupTTL)
	}

	reservationHandler := bus.IdempotentHandler(store, DedupKey, handler.HandleReservation, logger)

	reservationKeys := []string{
		bus.KeyReservationCreated,
		bus.KeyReservationConfirmed,
		bus.KeyReservationCancelled,
		bus.KeyReservationExpired,
	}
	emailKeys := []string{
		bus.KeyEmailVerification,
		bus.KeyEmailPasswordReset,
		bus.KeyEmailPasswordChanged,
		bus.KeyEmailAccountApproval,
	}

	set := &ConsumerSet{}

	for _, key := range reservationKeys {
		set.consumers = append(set.consumers, bus.NewConsumer(bus.ConsumerConfig{
			Brokers:           cfg.Brokers,
			GroupID:           ReservationConsumerGroup,
			RoutingKey:        key,
			Prefetch:          cfg.PrefetchReservation,
			ReconnectInterval: cfg.ReconnectInterval,
			EnableDLQ:         true,
		}, reservationHandler, logger))
	}

	for _, key := range emailKeys {
		set.consumers = append(set.consumers, bus.NewConsumer(bus.ConsumerConfig{
			Brokers:           cfg.Brokers,
			GroupID:           EmailConsumerGroup,
			RoutingKey:        key,
			Prefetch:          cfg.PrefetchEmail,
			ReconnectInterval: cfg.ReconnectInterval,
			EnableDLQ:         true,
		}, handler.HandleEmail, logger))
	}

	return set
}

// Start launches every consumer and blocks until the context is cancelled.
func (s *ConsumerSet) Start(ctx context.Context) {
	for _, c := range s.consumers {
		go func(c *bus.Consumer) {
			_ = c.Start(ctx)
		}(c)
	}
	<-ctx.Done()
}

// Close shuts down every consumer.
func (s *ConsumerSet) Close() {
	for _, c := range s.consumers {
		_ = c.Close()
	}
}
