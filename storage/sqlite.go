package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kravtsov-ilia/simple-event-service/domain"
)

// SQLStore persists notifications to an embedded SQLite database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens the database at dsn and applies the schema.
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases shared across queries.
	db.SetMaxOpenConns(1)
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// Save inserts the notification.
func (s *SQLStore) Save(ctx context.Context, n domain.Notification) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notifications (id, kind, actor, event_id, event_title, event_action, event_user, event_timestamp, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Kind, n.Actor,
		n.Event.ID, n.Event.Title, string(n.Event.Action), n.Event.User, n.Event.Timestamp,
		n.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	return nil
}

// Recent returns up to limit notifications, newest first.
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, actor, event_id, event_title, event_action, event_user, event_timestamp, created_at
FROM notifications
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Notification, 0, limit)
	for rows.Next() {
		var (
			n       domain.Notification
			action  string
			created string
		)
		if err := rows.Scan(&n.ID, &n.Kind, &n.Actor, &n.Event.ID, &n.Event.Title, &action, &n.Event.User, &n.Event.Timestamp, &created); err != nil {
			return nil, err
		}
		n.Event.Action = domain.Topic(action)
		if n.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("created at: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
