package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "flashsale.reservation.created", Topic(KeyReservationCreated))
	assert.Equal(t, "flashsale.email.verification", Topic(KeyEmailVerification))
}

func TestMessage_Roundtrip(t *testing.T) {
	type payload struct {
		ReservationID string `json:"reservationId"`
		Status        string `json:"status"`
	}

	msg, err := NewMessage(KeyReservationConfirmed, payload{ReservationID: "res-1", Status: "CONFIRMED"})
	require.NoError(t, err)
	msg.WithUserID("user-1").WithRecipient("u1@example.com")

	assert.Equal(t, KeyReservationConfirmed, msg.Type)
	assert.Equal(t, "user-1", msg.Metadata.UserID)
	assert.Equal(t, "u1@example.com", msg.To)
	assert.NotZero(t, msg.Metadata.Timestamp)

	raw, err := msg.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.To, decoded.To)

	var p payload
	require.NoError(t, decoded.UnmarshalData(&p))
	assert.Equal(t, "res-1", p.ReservationID)
	assert.Equal(t, "CONFIRMED", p.Status)
}

func TestNewMessage_UnmarshalableData(t *testing.T) {
	_, err := NewMessage(KeyReservationCreated, make(chan int))
	assert.Error(t, err)
}

func TestUnmarshalMessage_Malformed(t *testing.T) {
	_, err := UnmarshalMessage([]byte("{not json"))
	assert.Error(t, err)
}
