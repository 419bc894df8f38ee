package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is a persisted chat message. UserID is nil for messages whose
// author is unknown.
type Message struct {
	ID        int64
	Text      string
	Timestamp time.Time
	UserID    *int64
}

// MessageRepository provides chat message persistence operations.
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository creates a MessageRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a new message.
//
// Precondition: text must be non-empty.
// Postcondition: Returns the created Message with ID set.
func (r *MessageRepository) Create(ctx context.Context, text string, ts time.Time, userID int64) (Message, error) {
	var m Message
	err := r.db.QueryRow(ctx,
		`INSERT INTO messages (text, timestamp, user_id)
		 VALUES ($1, $2, $3)
		 RETURNING id, text, timestamp, user_id`,
		text, ts.UTC(), userID,
	).Scan(&m.ID, &m.Text, &m.Timestamp, &m.UserID)
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	return m, nil
}

// FindByTimeRange returns all messages with timestamps in [start, end],
// in chronological order.
func (r *MessageRepository) FindByTimeRange(ctx context.Context, start, end time.Time) ([]Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, text, timestamp, user_id
		 FROM messages
		 WHERE timestamp >= $1 AND timestamp <= $2
		 ORDER BY timestamp, id`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Text, &m.Timestamp, &m.UserID); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}
