package repositories

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"relay-service/internal/models"
	"relay-service/internal/observability"
)

// PersistenceError reports a failed message store operation after retries.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RetryPolicy controls how failed store calls are retried with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy retries 3 times starting at 50ms, doubling up to 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
	}
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Postgres data and constraint errors fail the same way on every attempt.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return false
		}
	}
	return true
}

// Execute runs fn until it succeeds, fails permanently, runs out of attempts or ctx ends.
func (p RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == attempts {
			break
		}
		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

// RetryingMessageStore retries transient failures of the wrapped repository and reports the
// final failure as a *PersistenceError.
type RetryingMessageStore struct {
	next   MessageRepository
	policy RetryPolicy
}

func NewRetryingMessageStore(next MessageRepository, policy RetryPolicy) *RetryingMessageStore {
	return &RetryingMessageStore{next: next, policy: policy}
}

var _ MessageRepository = (*RetryingMessageStore)(nil)

func (s *RetryingMessageStore) SaveMessage(ctx context.Context, senderID, receiverID, content, messageType string, metadata models.Metadata) (models.Message, error) {
	var msg models.Message
	err := s.run(ctx, "save message", func(ctx context.Context) error {
		var err error
		msg, err = s.next.SaveMessage(ctx, senderID, receiverID, content, messageType, metadata)
		return err
	})
	return msg, err
}

func (s *RetryingMessageStore) MarkDelivered(ctx context.Context, messageID int64, receiverID string) error {
	return s.run(ctx, "mark delivered", func(ctx context.Context) error {
		return s.next.MarkDelivered(ctx, messageID, receiverID)
	})
}

func (s *RetryingMessageStore) MarkRead(ctx context.Context, messageID int64, receiverID string) (string, error) {
	var senderID string
	err := s.run(ctx, "mark read", func(ctx context.Context) error {
		var err error
		senderID, err = s.next.MarkRead(ctx, messageID, receiverID)
		return err
	})
	return senderID, err
}

func (s *RetryingMessageStore) FetchUndelivered(ctx context.Context, userID string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := s.run(ctx, "fetch undelivered", func(ctx context.Context) error {
		var err error
		msgs, err = s.next.FetchUndelivered(ctx, userID, limit)
		return err
	})
	return msgs, err
}

func (s *RetryingMessageStore) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := s.policy.Execute(ctx, fn); err != nil {
		observability.IncPersistenceError(op)
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}
