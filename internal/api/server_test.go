package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/serverdb"
)

func entry(id, updatedAt string, value models.Amount) models.LedgerEntry {
	return models.LedgerEntry{
		ID:          id,
		Date:        "2025-03-10",
		Description: "entry " + id,
		Value:       value,
		Type:        models.DirectionOut,
		Domain:      models.DomainBusiness,
		Status:      models.StatusPaid,
		UpdatedAt:   updatedAt,
	}
}

func TestHealth(t *testing.T) {
	h := newTestHarness(t)
	resp := h.Do("GET", "/health", "", nil)
	expectStatus(t, resp, http.StatusOK)

	var out HealthResponse
	decodeResp(t, resp, &out)
	if !out.OK {
		t.Fatal("expected ok")
	}
	if out.TS <= 0 {
		t.Fatalf("ts not epoch millis: %d", out.TS)
	}
}

func TestHealthReportsClosedDB(t *testing.T) {
	h := newTestHarness(t)
	h.Store.Close()
	resp := h.Do("GET", "/health", "", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
}

func TestPullEmptyReturnsDefaults(t *testing.T) {
	h := newTestHarness(t)
	token := h.Register("pull@example.com")

	resp := h.Do("GET", "/sync", token, nil)
	expectStatus(t, resp, http.StatusOK)

	var b models.Bundle
	decodeResp(t, resp, &b)
	if len(b.Entries) != 0 || len(b.Rules) != 0 {
		t.Fatalf("expected empty bundle, got %+v", b)
	}
	if len(b.Config.Statuses) != len(models.DefaultStatuses) {
		t.Fatalf("expected default statuses, got %+v", b.Config.Statuses)
	}
}

func TestPushThenPull(t *testing.T) {
	h := newTestHarness(t)
	token := h.Register("push@example.com")

	push := models.Bundle{
		Entries: []models.LedgerEntry{entry("t1", "2025-03-10T12:00:00.000Z", 1500)},
		Config:  models.Config{Categories: []string{"Vendas"}},
	}
	resp := h.Do("POST", "/sync", token, push)
	expectStatus(t, resp, http.StatusOK)
	var ack PushResponse
	decodeResp(t, resp, &ack)
	if !ack.OK || ack.AsOf == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	resp = h.Do("GET", "/sync", token, nil)
	expectStatus(t, resp, http.StatusOK)
	var b models.Bundle
	decodeResp(t, resp, &b)
	if len(b.Entries) != 1 || b.Entries[0].ID != "t1" || b.Entries[0].Value != 1500 {
		t.Fatalf("unexpected entries: %+v", b.Entries)
	}
	if len(b.Config.Categories) != 1 || b.Config.Categories[0] != "Vendas" {
		t.Fatalf("unexpected categories: %v", b.Config.Categories)
	}
	if b.Config.LastSyncedAt != ack.AsOf {
		t.Fatalf("lastSyncedAt: got %q, want %q", b.Config.LastSyncedAt, ack.AsOf)
	}
}

func TestPushMergesByTimestamp(t *testing.T) {
	h := newTestHarness(t)
	token := h.Register("merge@example.com")

	first := models.Bundle{Entries: []models.LedgerEntry{
		entry("t1", "2025-03-10T12:00:00.000Z", 100),
		entry("t2", "2025-03-10T12:00:00.000Z", 200),
	}}
	expectStatus(t, h.Do("POST", "/sync", token, first), http.StatusOK)

	second := models.Bundle{Entries: []models.LedgerEntry{
		entry("t1", "2025-03-11T12:00:00.000Z", 111),
		entry("t2", "2025-03-09T12:00:00.000Z", 999),
	}}
	expectStatus(t, h.Do("POST", "/sync", token, second), http.StatusOK)

	resp := h.Do("GET", "/sync", token, nil)
	var b models.Bundle
	decodeResp(t, resp, &b)
	values := map[string]models.Amount{}
	for _, e := range b.Entries {
		values[e.ID] = e.Value
	}
	if values["t1"] != 111 || values["t2"] != 200 {
		t.Fatalf("merge result: %v", values)
	}
}

func TestPullSince(t *testing.T) {
	h := newTestHarness(t)
	token := h.Register("since@example.com")

	push := models.Bundle{Entries: []models.LedgerEntry{
		entry("old", "2025-01-01T00:00:00.000Z", 1),
		entry("new", "2025-06-01T00:00:00.000Z", 2),
	}}
	expectStatus(t, h.Do("POST", "/sync", token, push), http.StatusOK)

	resp := h.Do("GET", "/sync?since=2025-03-01T00:00:00.000Z&_=123", token, nil)
	expectStatus(t, resp, http.StatusOK)
	var b models.Bundle
	decodeResp(t, resp, &b)
	if len(b.Entries) != 1 || b.Entries[0].ID != "new" {
		t.Fatalf("since filter: %+v", b.Entries)
	}
	if len(b.Config.Statuses) == 0 {
		t.Fatal("config must be complete on incremental pulls")
	}

	resp = h.Do("GET", "/sync?since=yesterday", token, nil)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestPushRejectsInvalidPayloads(t *testing.T) {
	h := newTestHarness(t)
	token := h.Register("bad@example.com")

	resp := h.Do("POST", "/sync", token, "not json")
	expectStatus(t, resp, http.StatusBadRequest)

	resp = h.Do("POST", "/sync", token, models.Bundle{Entries: []models.LedgerEntry{entry("", "", 1)}})
	expectStatus(t, resp, http.StatusBadRequest)
	expectErrCode(t, resp, ErrCodeInvalidPayload)

	resp = h.Do("POST", "/sync", token, models.Bundle{Rules: []models.RecurrenceRule{{Title: "x"}}})
	expectStatus(t, resp, http.StatusBadRequest)
	expectErrCode(t, resp, ErrCodeInvalidPayload)
}

func TestPushBodyTooLarge(t *testing.T) {
	h := newTestHarness(t, withConfig(func(c *Config) { c.MaxBodyBytes = 256 }))
	token := h.Register("big@example.com")

	body := `{"transacoes":[{"id":"t1","description":"` + strings.Repeat("x", 1024) + `"}]}`
	resp := h.Do("POST", "/sync", token, body)
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)
	expectErrCode(t, resp, ErrCodePayloadTooLarge)
}

func TestSyncRequiresAuth(t *testing.T) {
	h := newTestHarness(t)
	expectStatus(t, h.Do("GET", "/sync", "", nil), http.StatusUnauthorized)
	expectStatus(t, h.Do("POST", "/sync", "", models.Bundle{}), http.StatusUnauthorized)
	expectStatus(t, h.Do("GET", "/sync/status", "", nil), http.StatusUnauthorized)
}

func TestUsersAreIsolated(t *testing.T) {
	h := newTestHarness(t)
	a := h.Register("a@example.com")
	b := h.Register("b@example.com")

	push := models.Bundle{Entries: []models.LedgerEntry{entry("t1", "2025-03-10T12:00:00.000Z", 1)}}
	expectStatus(t, h.Do("POST", "/sync", a, push), http.StatusOK)

	resp := h.Do("GET", "/sync", b, nil)
	var got models.Bundle
	decodeResp(t, resp, &got)
	if len(got.Entries) != 0 {
		t.Fatalf("user b sees user a's data: %+v", got.Entries)
	}
}

func TestSyncStatus(t *testing.T) {
	h := newTestHarness(t)
	token := h.Register("status@example.com")

	for i := 0; i < 3; i++ {
		req := h.Do("POST", "/sync", token, models.Bundle{})
		expectStatus(t, req, http.StatusOK)
	}
	req, _ := http.NewRequest("POST", h.BaseURL+"/sync", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Device-ID", "laptop")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	resp.Body.Close()

	resp = h.Do("GET", "/sync/status", token, nil)
	expectStatus(t, resp, http.StatusOK)
	var st StatusResponse
	decodeResp(t, resp, &st)
	if st.Snapshots != 4 {
		t.Fatalf("snapshots: got %d, want 4", st.Snapshots)
	}
	if st.Meta.DeviceID != "laptop" || st.Meta.LastSyncedAt == "" {
		t.Fatalf("meta: %+v", st.Meta)
	}
}

func TestConcurrentPushesKeepEveryRecord(t *testing.T) {
	h := newTestHarness(t)
	token := h.Register("race@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "t" + string(rune('a'+i))
			push := models.Bundle{Entries: []models.LedgerEntry{entry(id, "2025-03-10T12:00:00.000Z", models.Amount(i))}}
			resp := h.Do("POST", "/sync", token, push)
			if resp.StatusCode != http.StatusOK {
				t.Errorf("push %d: status %d", i, resp.StatusCode)
			}
		}(i)
	}
	wg.Wait()

	resp := h.Do("GET", "/sync", token, nil)
	var b models.Bundle
	decodeResp(t, resp, &b)
	if len(b.Entries) != 8 {
		t.Fatalf("expected 8 entries, got %d", len(b.Entries))
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	h := newTestHarness(t)
	resp := h.Do("GET", "/health", "", nil)

	for _, hdr := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy", "Strict-Transport-Security"} {
		if resp.Header.Get(hdr) == "" {
			t.Errorf("missing %s", hdr)
		}
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control: got %q", resp.Header.Get("Cache-Control"))
	}
}

func TestCORSAnyOrigin(t *testing.T) {
	h := newTestHarness(t)
	req, _ := http.NewRequest("OPTIONS", h.BaseURL+"/sync", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin: got %q", got)
	}
	if resp.Header.Get("Access-Control-Allow-Credentials") != "" {
		t.Fatal("wildcard origin must not allow credentials")
	}
}

func TestCORSConfiguredOrigins(t *testing.T) {
	h := newTestHarness(t, withConfig(func(c *Config) {
		c.CORSAllowedOrigins = []string{"https://app.example.com"}
	}))

	get := func(origin string) *http.Response {
		req, _ := http.NewRequest("GET", h.BaseURL+"/health", nil)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("https://app.example.com")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin: got %q", got)
	}
	if resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("expected credentials for listed origin")
	}

	resp = get("https://evil.example.com")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin allowed: %q", got)
	}
}

func TestNotFound(t *testing.T) {
	h := newTestHarness(t)
	resp := h.Do("GET", "/nope", "", nil)
	expectStatus(t, resp, http.StatusNotFound)
	expectErrCode(t, resp, ErrCodeNotFound)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHarness(t)
	token := h.Register("m@example.com")
	expectStatus(t, h.Do("POST", "/sync", token, models.Bundle{Entries: []models.LedgerEntry{entry("t1", "", 1)}}), http.StatusOK)
	expectStatus(t, h.Do("GET", "/sync", token, nil), http.StatusOK)

	resp := h.Do("GET", "/metricz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	var m MetricsSnapshot
	decodeResp(t, resp, &m)
	if m.Pushes != 1 || m.PushRecords != 1 || m.Pulls != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if m.Requests < 3 {
		t.Fatalf("requests: got %d", m.Requests)
	}
}

type memArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *memArchiver) Archive(_ context.Context, key string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.keys = append(m.keys, key)
	return nil
}

func TestRunRetentionArchivesPrunedSnapshots(t *testing.T) {
	arch := &memArchiver{}
	h := newTestHarness(t, withArchiver(arch), withConfig(func(c *Config) { c.RetentionKeep = 2 }))
	token := h.Register("ret@example.com")

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		h.Store.SetClock(func() time.Time { return at })
		expectStatus(t, h.Do("POST", "/sync", token, models.Bundle{}), http.StatusOK)
	}

	n, err := h.Server.RunRetention(t.Context())
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if n != 3 || len(arch.keys) != 3 {
		t.Fatalf("pruned %d, archived %d; want 3", n, len(arch.keys))
	}
	for _, k := range arch.keys {
		if !strings.HasPrefix(k, "snapshots/u_") || !strings.HasSuffix(k, ".json") {
			t.Fatalf("unexpected archive key %q", k)
		}
	}

	resp := h.Do("GET", "/sync/status", token, nil)
	var st StatusResponse
	decodeResp(t, resp, &st)
	if st.Snapshots != 2 {
		t.Fatalf("snapshots after retention: %d", st.Snapshots)
	}
	if got := h.Server.Metrics().Snapshot().SnapshotsPruned; got != 3 {
		t.Fatalf("pruned metric: %d", got)
	}
}

func TestRunRetentionKeepsRowsWhenArchiveFails(t *testing.T) {
	arch := &memArchiver{err: errors.New("bucket unavailable")}
	h := newTestHarness(t, withArchiver(arch), withConfig(func(c *Config) { c.RetentionKeep = 1 }))
	token := h.Register("fail@example.com")
	for i := 0; i < 3; i++ {
		expectStatus(t, h.Do("POST", "/sync", token, models.Bundle{}), http.StatusOK)
	}

	if _, err := h.Server.RunRetention(t.Context()); err == nil {
		t.Fatal("expected archive error")
	}
	u, _ := h.Store.GetUserByEmail(t.Context(), "fail@example.com")
	n, err := h.Store.SnapshotCount(t.Context(), u.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("snapshots: got %d, want 3", n)
	}
}

func TestNewServerRejectsBadSchedule(t *testing.T) {
	store, err := serverdb.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	cfg := DefaultConfig()
	cfg.RetentionSchedule = "every tuesday"
	if _, err := NewServer(cfg, store, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStartAndShutdown(t *testing.T) {
	store, err := serverdb.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv, err := NewServer(cfg, store, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
