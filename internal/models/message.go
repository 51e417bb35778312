package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultMessageType is applied when a sender omits message_type.
const DefaultMessageType = "text"

// Message represents a persisted direct message.
type Message struct {
	ID          int64      `db:"id" json:"message_id"`
	SenderID    string     `db:"sender_id" json:"sender_id"`
	ReceiverID  string     `db:"receiver_id" json:"receiver_id"`
	Content     string     `db:"content" json:"content"`
	MessageType string     `db:"message_type" json:"message_type"`
	Metadata    Metadata   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"timestamp"`
	Delivered   bool       `db:"delivered" json:"delivered"`
	DeliveredAt *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	Read        bool       `db:"read" json:"read"`
	ReadAt      *time.Time `db:"read_at" json:"read_at,omitempty"`
}

// MessageID is a message identifier that clients may send either as a JSON number or a string.
type MessageID int64

func (id *MessageID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*id = MessageID(v)
	return nil
}

// UserID is a user identifier; numeric JSON values are accepted and kept in decimal form.
type UserID string

func (u *UserID) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" {
		*u = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*u = UserID(n.String())
	return nil
}

// Metadata is optional structured data attached to a message, stored as JSONB.
type Metadata json.RawMessage

// IsZero reports whether no metadata was supplied.
func (m Metadata) IsZero() bool {
	return len(m) == 0 || string(m) == "null"
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	if m.IsZero() {
		return []byte("null"), nil
	}
	return m, nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = nil
		return nil
	}
	*m = append((*m)[:0], data...)
	return nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
	case []byte:
		*m = append(Metadata(nil), v...)
	case string:
		*m = Metadata(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	return nil
}

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	return []byte(m), nil
}
