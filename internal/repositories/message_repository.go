package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"relay-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository persists direct messages and their delivery state.
type MessageRepository interface {
	SaveMessage(ctx context.Context, senderID, receiverID, content, messageType string, metadata models.Metadata) (models.Message, error)
	// MarkDelivered is idempotent. Only the receiver can acknowledge a message:
	// ErrMessageNotFound is returned for unknown ids and for messages addressed to someone else.
	MarkDelivered(ctx context.Context, messageID int64, receiverID string) error
	// MarkRead is idempotent and returns the sender of the message. It is scoped to the
	// receiver like MarkDelivered.
	MarkRead(ctx context.Context, messageID int64, receiverID string) (string, error)
	// FetchUndelivered returns up to limit undelivered messages of the receiver, newest first.
	FetchUndelivered(ctx context.Context, userID string, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, sender_id, receiver_id, content, message_type, metadata, created_at, delivered, delivered_at, read, read_at`

// SaveMessage stores a new message and returns it with its id and timestamp.
func (r *MessageRepo) SaveMessage(ctx context.Context, senderID, receiverID, content, messageType string, metadata models.Metadata) (models.Message, error) {
	if messageType == "" {
		messageType = models.DefaultMessageType
	}
	var msg models.Message
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO messages (sender_id, receiver_id, content, message_type, metadata) VALUES ($1, $2, $3, $4, $5) RETURNING `+messageColumns,
		senderID, receiverID, content, messageType, metadata,
	).StructScan(&msg)
	return msg, err
}

// MarkDelivered sets the delivered flag once.
func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID int64, receiverID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET delivered = TRUE, delivered_at = NOW() WHERE id=$1 AND receiver_id=$2 AND delivered = FALSE`, messageID, receiverID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return r.ensureReceived(ctx, messageID, receiverID)
}

// MarkRead sets the read flag once and returns the sender.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID int64, receiverID string) (string, error) {
	var senderID string
	err := r.db.QueryRowxContext(ctx, `UPDATE messages SET read = TRUE, read_at = NOW() WHERE id=$1 AND receiver_id=$2 AND read = FALSE RETURNING sender_id`, messageID, receiverID).Scan(&senderID)
	if err == nil {
		return senderID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	err = r.db.GetContext(ctx, &senderID, `SELECT sender_id FROM messages WHERE id=$1 AND receiver_id=$2`, messageID, receiverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	return senderID, err
}

// FetchUndelivered returns the receiver's backlog, newest first.
func (r *MessageRepo) FetchUndelivered(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
        FROM messages
        WHERE receiver_id=$1
        AND delivered = FALSE
        ORDER BY created_at DESC, id DESC
        LIMIT $2`
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, query, userID, limit)
	return msgs, err
}

func (r *MessageRepo) ensureReceived(ctx context.Context, messageID int64, receiverID string) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM messages WHERE id=$1 AND receiver_id=$2)`, messageID, receiverID); err != nil {
		return err
	}
	if !exists {
		return ErrMessageNotFound
	}
	return nil
}
