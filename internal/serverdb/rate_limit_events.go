package serverdb

import (
	"context"
	"fmt"
	"time"

	"github.com/vertexads/finsync/internal/models"
)

// RateLimitEvent represents a rate limit violation event.
type RateLimitEvent struct {
	ID            int64  `json:"id"`
	IP            string `json:"ip"`
	EndpointClass string `json:"endpointClass"` // auth, sync
	CreatedAt     string `json:"createdAt"`
}

// InsertRateLimitEvent records a rejected request.
func (db *ServerDB) InsertRateLimitEvent(ctx context.Context, ip, endpointClass string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO rate_limit_events (ip, endpoint_class, created_at) VALUES (?, ?, ?)`,
		ip, endpointClass, db.stamp(),
	)
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

// CountRateLimitEvents returns how many violations ip caused since the given time.
func (db *ServerDB) CountRateLimitEvents(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_events WHERE ip = ? AND created_at >= ?`,
		ip, models.Timestamp(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rate limit events: %w", err)
	}
	return n, nil
}

// CleanupRateLimitEvents deletes events older than the given duration.
// Returns the number of rows deleted.
func (db *ServerDB) CleanupRateLimitEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := models.Timestamp(db.now().Add(-olderThan))
	res, err := db.conn.ExecContext(ctx, `DELETE FROM rate_limit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
