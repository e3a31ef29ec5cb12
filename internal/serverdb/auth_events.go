package serverdb

import (
	"context"
	"fmt"
	"time"

	"github.com/vertexads/finsync/internal/models"
)

// AuthEvent represents a row in the auth_events table.
type AuthEvent struct {
	ID        int64  `json:"id"`
	UserID    string `json:"userId,omitempty"`
	Email     string `json:"email"`
	EventType string `json:"eventType"`
	IP        string `json:"ip,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Auth event type constants.
const (
	AuthEventRegistered  = "registered"
	AuthEventLogin       = "login"
	AuthEventLoginFailed = "login_failed"
	AuthEventSeeded      = "seeded"
	AuthEventImported    = "imported"
)

// InsertAuthEvent inserts an auth event row.
func (db *ServerDB) InsertAuthEvent(ctx context.Context, userID, email, eventType, ip string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO auth_events (user_id, email, event_type, ip, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, email, eventType, ip, db.stamp(),
	)
	if err != nil {
		return fmt.Errorf("insert auth event: %w", err)
	}
	return nil
}

// ListAuthEvents returns the newest auth events, optionally for one email.
func (db *ServerDB) ListAuthEvents(ctx context.Context, email string, limit int) ([]AuthEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, user_id, email, event_type, ip, created_at FROM auth_events`
	args := []any{}
	if email != "" {
		query += ` WHERE LOWER(email) = LOWER(?)`
		args = append(args, email)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list auth events: %w", err)
	}
	defer rows.Close()

	var out []AuthEvent
	for rows.Next() {
		var e AuthEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Email, &e.EventType, &e.IP, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan auth event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupAuthEvents deletes auth events older than the given duration.
// Returns the number of rows deleted.
func (db *ServerDB) CleanupAuthEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := models.Timestamp(db.now().Add(-olderThan))
	res, err := db.conn.ExecContext(ctx, `DELETE FROM auth_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup auth events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
