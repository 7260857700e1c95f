package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sciffer/labrange/pkg/models"
)

// SaveSessionEvent persists a lifecycle or reconciliation event for a session
func (db *DB) SaveSessionEvent(ctx context.Context, sessionID, eventType, message, details string) (*models.SessionEvent, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	query := `
		INSERT INTO session_events (id, session_id, event_type, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := db.ExecContext(ctx, query, id, sessionID, eventType, message, nullIfEmpty(details), now)
	if err != nil {
		return nil, fmt.Errorf("failed to save session event: %w", err)
	}

	return &models.SessionEvent{
		ID:        id,
		SessionID: sessionID,
		EventType: eventType,
		Message:   message,
		Details:   details,
		CreatedAt: now,
	}, nil
}

// ListSessionEvents returns events for a session, oldest first
func (db *DB) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]models.SessionEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	query := `
		SELECT id, session_id, event_type, message, COALESCE(details, ''), created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()

	var events []models.SessionEvent
	for rows.Next() {
		var e models.SessionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Message, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
