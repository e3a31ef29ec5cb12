package serverdb

import (
	"context"
	"testing"
	"time"
)

func TestRateLimitEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return base })
	db.InsertRateLimitEvent(ctx, "1.1.1.1", "auth")

	db.SetClock(func() time.Time { return base.Add(time.Hour) })
	db.InsertRateLimitEvent(ctx, "1.1.1.1", "sync")
	db.InsertRateLimitEvent(ctx, "2.2.2.2", "sync")

	n, err := db.CountRateLimitEvents(ctx, "1.1.1.1", base)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count since base = %d, want 2", n)
	}
	n, _ = db.CountRateLimitEvents(ctx, "1.1.1.1", base.Add(30*time.Minute))
	if n != 1 {
		t.Errorf("count since base+30m = %d, want 1", n)
	}

	deleted, err := db.CleanupRateLimitEvents(ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d, want 1", deleted)
	}
}
