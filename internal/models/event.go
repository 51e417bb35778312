package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Client to server event names.
const (
	EventAuthenticate     = "authenticate"
	EventJoinRoom         = "join_room"
	EventLeaveRoom        = "leave_room"
	EventSendMessage      = "send_message"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
	EventGetOnlineUsers   = "get_online_users"
)

// Server to client event names.
const (
	EventAuthenticated       = "authenticated"
	EventUserStatus          = "user_status"
	EventUndeliveredMessages = "undelivered_messages"
	EventRoomJoined          = "room_joined"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventNewMessage          = "new_message"
	EventMessageSent         = "message_sent"
	EventUserTyping          = "user_typing"
	EventMessageReadReceipt  = "message_read"
	EventOnlineUsers         = "online_users"
	EventError               = "error"
)

// Error codes reported in error events.
const (
	CodeAuthRequired      = "AUTH_REQUIRED"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeNotAuthenticated  = "NOT_AUTHENTICATED"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeMessageSaveFailed = "MESSAGE_SAVE_FAILED"
	CodeRateLimited       = "RATE_LIMITED"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Frame is the JSON envelope used on the wire in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an outbound event.
func EncodeFrame(event string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: body})
}

var ErrUnknownEvent = errors.New("unknown event")

// ValidationError reports a missing or invalid field in a client event.
type ValidationError struct {
	Event string
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s is required", e.Event, e.Field)
}

// DecodeError reports a frame that could not be decoded into its event type.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ClientEvent is implemented by every client to server event payload.
type ClientEvent interface {
	Name() string
	Validate() error
}

type Authenticate struct {
	Token string `json:"token"`
}

func (Authenticate) Name() string { return EventAuthenticate }

// Validate is a no-op: a missing token has its own error code.
func (Authenticate) Validate() error { return nil }

type JoinRoom struct {
	RoomID string `json:"room_id"`
}

func (JoinRoom) Name() string { return EventJoinRoom }

func (e JoinRoom) Validate() error {
	if strings.TrimSpace(e.RoomID) == "" {
		return &ValidationError{Event: EventJoinRoom, Field: "room_id"}
	}
	return nil
}

type LeaveRoom struct {
	RoomID string `json:"room_id"`
}

func (LeaveRoom) Name() string { return EventLeaveRoom }

func (e LeaveRoom) Validate() error {
	if strings.TrimSpace(e.RoomID) == "" {
		return &ValidationError{Event: EventLeaveRoom, Field: "room_id"}
	}
	return nil
}

type SendMessage struct {
	ReceiverID  UserID   `json:"receiver_id"`
	Content     string   `json:"content"`
	MessageType string   `json:"message_type,omitempty"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

func (SendMessage) Name() string { return EventSendMessage }

func (e SendMessage) Validate() error {
	if e.ReceiverID == "" {
		return &ValidationError{Event: EventSendMessage, Field: "receiver_id"}
	}
	if e.Content == "" {
		return &ValidationError{Event: EventSendMessage, Field: "content"}
	}
	return nil
}

// Typing covers both typing_start and typing_stop.
type Typing struct {
	ReceiverID UserID `json:"receiver_id"`
	Active     bool   `json:"-"`
}

func (e Typing) Name() string {
	if e.Active {
		return EventTypingStart
	}
	return EventTypingStop
}

func (e Typing) Validate() error {
	if e.ReceiverID == "" {
		return &ValidationError{Event: e.Name(), Field: "receiver_id"}
	}
	return nil
}

// MessageAck covers both message_delivered and message_read.
type MessageAck struct {
	MessageID MessageID `json:"message_id"`
	Read      bool      `json:"-"`
}

func (e MessageAck) Name() string {
	if e.Read {
		return EventMessageRead
	}
	return EventMessageDelivered
}

func (e MessageAck) Validate() error {
	if e.MessageID <= 0 {
		return &ValidationError{Event: e.Name(), Field: "message_id"}
	}
	return nil
}

type GetOnlineUsers struct{}

func (GetOnlineUsers) Name() string    { return EventGetOnlineUsers }
func (GetOnlineUsers) Validate() error { return nil }

var eventDecoders = map[string]func(data []byte) (ClientEvent, error){
	EventAuthenticate:     decodeInto[Authenticate](nil),
	EventJoinRoom:         decodeInto[JoinRoom](nil),
	EventLeaveRoom:        decodeInto[LeaveRoom](nil),
	EventSendMessage:      decodeInto[SendMessage](nil),
	EventTypingStart:      decodeInto(func(e *Typing) { e.Active = true }),
	EventTypingStop:       decodeInto(func(e *Typing) { e.Active = false }),
	EventMessageDelivered: decodeInto(func(e *MessageAck) { e.Read = false }),
	EventMessageRead:      decodeInto(func(e *MessageAck) { e.Read = true }),
	EventGetOnlineUsers:   decodeInto[GetOnlineUsers](nil),
}

func decodeInto[T ClientEvent](tag func(*T)) func([]byte) (ClientEvent, error) {
	return func(data []byte) (ClientEvent, error) {
		var ev T
		if len(data) > 0 && gjson.ParseBytes(data).Type != gjson.Null {
			if err := json.Unmarshal(data, &ev); err != nil {
				return nil, err
			}
		}
		if tag != nil {
			tag(&ev)
		}
		return ev, nil
	}
}

// DecodeClientEvent parses a raw frame into its typed event. It does not validate required
// fields; callers decide how validation failures are reported per event.
func DecodeClientEvent(raw []byte) (ClientEvent, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &DecodeError{Err: errors.New("invalid json")}
	}
	name := gjson.GetBytes(raw, "event")
	if name.Type != gjson.String || name.Str == "" {
		return nil, &DecodeError{Err: errors.New("missing event name")}
	}
	decode, ok := eventDecoders[name.Str]
	if !ok {
		return nil, &DecodeError{Event: name.Str, Err: ErrUnknownEvent}
	}

	data := gjson.GetBytes(raw, "data")
	var payload []byte
	if data.Exists() {
		if !data.IsObject() && data.Type != gjson.Null {
			return nil, &DecodeError{Event: name.Str, Err: errors.New("data must be an object")}
		}
		payload = []byte(data.Raw)
	}

	ev, err := decode(payload)
	if err != nil {
		return nil, &DecodeError{Event: name.Str, Err: err}
	}
	return ev, nil
}

// EventNameOf returns the event name of a raw frame, or "" when it cannot be read.
func EventNameOf(raw []byte) string {
	return gjson.GetBytes(raw, "event").String()
}

// Server to client payloads.

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Authenticated struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type UserStatus struct {
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type UndeliveredMessages struct {
	Messages []Message `json:"messages"`
}

type RoomJoined struct {
	RoomID string `json:"room_id"`
}

// RoomMembership is the payload of user_joined and user_left.
type RoomMembership struct {
	UserID    string    `json:"user_id"`
	RoomID    string    `json:"room_id"`
	Timestamp time.Time `json:"timestamp"`
}

type NewMessage struct {
	MessageID   int64     `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	ReceiverID  string    `json:"receiver_id"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	Metadata    Metadata  `json:"metadata"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewMessageFrom builds the broadcast payload of a persisted message.
func NewMessageFrom(m Message) NewMessage {
	return NewMessage{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		MessageType: m.MessageType,
		Metadata:    m.Metadata,
		Timestamp:   m.CreatedAt,
	}
}

type MessageSent struct {
	MessageID int64     `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

type UserTyping struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

type MessageReadReceipt struct {
	MessageID int64     `json:"message_id"`
	ReadBy    string    `json:"read_by"`
	Timestamp time.Time `json:"timestamp"`
}

type OnlineUsers struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}
