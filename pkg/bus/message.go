package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Routing keys for all messages published by the reservation engine. Consumers
// bind handlers to these keys; the key also selects the destination topic.
const (
	KeyReservationCreated   = "reservation.created"
	KeyReservationConfirmed = "reservation.confirmed"
	KeyReservationCancelled = "reservation.cancelled"
	KeyReservationExpired   = "reservation.expired"

	KeyEmailVerification    = "email.verification"
	KeyEmailPasswordReset   = "email.password_reset"
	KeyEmailPasswordChanged = "email.password_changed"
	KeyEmailAccountApproval = "email.account_approval"
)

// TopicPrefix is the prefix for all flash-sale Kafka topics.
const TopicPrefix = "flashsale"

// Topic constructs the fully-qualified topic name for a routing key.
func Topic(routingKey string) string {
	return fmt.Sprintf("%s.%s", TopicPrefix, routingKey)
}

// Metadata carries delivery bookkeeping alongside the payload.
type Metadata struct {
	UserID     string `json:"userId,omitempty"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	RetryCount int    `json:"retryCount"`
}

// Message is the wire envelope for all bus traffic. Type is the routing key,
// Data the JSON payload, and To an optional recipient address (email messages).
type Message struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
	To       string          `json:"to,omitempty"`
}

// NewMessage builds an envelope for the given routing key and payload.
func NewMessage(routingKey string, data any) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal message data: %w", err)
	}

	return &Message{
		Type: routingKey,
		Data: dataBytes,
		Metadata: Metadata{
			Timestamp: time.Now().UnixMilli(),
		},
	}, nil
}

// WithUserID sets the acting user on the envelope metadata.
func (m *Message) WithUserID(id string) *Message {
	m.Metadata.UserID = id
	return m
}

// WithRecipient sets the destination address for email messages.
func (m *Message) WithRecipient(to string) *Message {
	m.To = to
	return m
}

// Marshal serializes the envelope to JSON bytes.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage deserializes an envelope from JSON bytes.
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UnmarshalData deserializes the payload into the given target.
func (m *Message) UnmarshalData(target any) error {
	return json.Unmarshal(m.Data, target)
}
