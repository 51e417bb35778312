package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSendMessage(t *testing.T) {
	raw := []byte(`{"event":"send_message","data":{"receiver_id":2,"content":"hi","metadata":{"k":"v"}}}`)

	ev, err := DecodeClientEvent(raw)
	require.NoError(t, err)

	msg, ok := ev.(SendMessage)
	require.True(t, ok)
	assert.Equal(t, UserID("2"), msg.ReceiverID)
	assert.Equal(t, "hi", msg.Content)
	assert.JSONEq(t, `{"k":"v"}`, string(msg.Metadata))
	assert.NoError(t, msg.Validate())
}

func TestDecodeTaggedVariants(t *testing.T) {
	ev, err := DecodeClientEvent([]byte(`{"event":"typing_start","data":{"receiver_id":"5"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventTypingStart, ev.Name())

	ev, err = DecodeClientEvent([]byte(`{"event":"typing_stop","data":{"receiver_id":"5"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventTypingStop, ev.Name())

	ev, err = DecodeClientEvent([]byte(`{"event":"message_read","data":{"message_id":"17"}}`))
	require.NoError(t, err)
	ack := ev.(MessageAck)
	assert.True(t, ack.Read)
	assert.Equal(t, MessageID(17), ack.MessageID)

	ev, err = DecodeClientEvent([]byte(`{"event":"get_online_users"}`))
	require.NoError(t, err)
	assert.Equal(t, EventGetOnlineUsers, ev.Name())
}

func TestDecodeMissingContentFailsValidation(t *testing.T) {
	ev, err := DecodeClientEvent([]byte(`{"event":"send_message","data":{"receiver_id":"2"}}`))
	require.NoError(t, err)

	var vErr *ValidationError
	require.True(t, errors.As(ev.Validate(), &vErr))
	assert.Equal(t, "content", vErr.Field)
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"invalid json":    `{"event":`,
		"missing event":   `{"data":{}}`,
		"unknown event":   `{"event":"launch_rockets","data":{}}`,
		"data not object": `{"event":"join_room","data":"room"}`,
		"bad field type":  `{"event":"message_delivered","data":{"message_id":"abc"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeClientEvent([]byte(raw))
			var dErr *DecodeError
			require.True(t, errors.As(err, &dErr))
		})
	}

	_, err := DecodeClientEvent([]byte(`{"event":"launch_rockets"}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestEncodeFrame(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := EncodeFrame(EventUserStatus, UserStatus{UserID: "1", Status: StatusOnline, Timestamp: ts})
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, EventUserStatus, frame.Event)
	assert.JSONEq(t, `{"user_id":"1","status":"online","timestamp":"2026-01-02T03:04:05Z"}`, string(frame.Data))
}

func TestMetadataScan(t *testing.T) {
	var m Metadata
	require.NoError(t, m.Scan(nil))
	assert.True(t, m.IsZero())

	require.NoError(t, m.Scan([]byte(`{"a":1}`)))
	assert.JSONEq(t, `{"a":1}`, string(m))

	v, err := Metadata(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
