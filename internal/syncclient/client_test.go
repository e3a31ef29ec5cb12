package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vertexads/finsync/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := New(srv.URL+"/", "tok", "dev-1")
	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return c, &sleeps
}

func TestPullSendsHeadersAndQuery(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync", r.URL.Path)
		assert.Equal(t, "2025-03-01T00:00:00.000Z", r.URL.Query().Get("since"))
		assert.NotEmpty(t, r.URL.Query().Get("_"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "dev-1", r.Header.Get("X-Device-ID"))
		assert.Equal(t, "no-store", r.Header.Get("Cache-Control"))
		w.Write([]byte(`{"transacoes":[{"id":"t1","value":1050}],"config":{"categorias":["Geral"]}}`))
	})

	b, err := c.Pull(context.Background(), "2025-03-01T00:00:00.000Z")
	require.NoError(t, err)
	require.Len(t, b.Entries, 1)
	assert.Equal(t, models.Amount(1050), b.Entries[0].Value)
	assert.NotNil(t, b.Rules, "rules normalized to empty slice")
	assert.Equal(t, []string{"Geral"}, b.Config.Categories)
}

func TestPullFullOmitsSince(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.URL.Query()["since"]
		assert.False(t, ok)
		w.Write([]byte(`{}`))
	})
	_, err := c.Pull(context.Background(), "")
	require.NoError(t, err)
}

func TestPushEncodesBundle(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var raw map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.JSONEq(t, `[]`, string(raw["recorrentes"]))
		w.Write([]byte(`{"ok":true,"asOf":"2025-03-01T00:00:00.000Z"}`))
	})

	resp, err := c.Push(context.Background(), models.Bundle{
		Entries: []models.LedgerEntry{{ID: "t1"}},
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "2025-03-01T00:00:00.000Z", resp.AsOf)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true,"ts":1740787200000}`))
	})

	_, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":"internal","message":"boom"}}`))
	})

	_, err := c.Pull(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 500, he.Status)
	assert.Equal(t, "internal", he.Code)
	assert.Equal(t, "boom", he.Message)
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	tests := []struct {
		status   int
		body     string
		sentinel error
	}{
		{http.StatusUnauthorized, `{"error":{"code":"unauthorized","message":"no"}}`, ErrUnauthorized},
		{http.StatusForbidden, `{"error":"Acesso negado"}`, ErrForbidden},
		{http.StatusNotFound, `not here`, ErrNotFound},
		{http.StatusBadRequest, `{"error":{"code":"bad_request","message":"bad"}}`, nil},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			var calls atomic.Int32
			c, sleeps := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})

			_, err := c.Pull(context.Background(), "")
			require.Error(t, err)
			assert.Equal(t, int32(1), calls.Load())
			assert.Empty(t, *sleeps)
			if tc.sentinel != nil {
				assert.ErrorIs(t, err, tc.sentinel)
			}
			assert.Equal(t, tc.status == 401 || tc.status == 403, IsAuthError(err))
		})
	}
}

func TestFlatErrorBody(t *testing.T) {
	e := parseErrorBody(403, []byte(`{"error":"Acesso negado"}`))
	assert.Equal(t, "Acesso negado", e.Message)
	assert.Empty(t, e.Code)
}

func TestRetriesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(url, "", "")
	var sleeps int
	c.sleep = func(context.Context, time.Duration) error { sleeps++; return nil }

	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, 2, sleeps)
}

func TestCancelStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Pull(ctx, "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPerAttemptTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c.Timeout = 50 * time.Millisecond
	c.Retries = 0

	start := time.Now()
	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || IsTransportError(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAuthFlow(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/register", "/auth/login":
			assert.Empty(t, r.Header.Get("Authorization"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ana@example.com", body["email"])
			w.Write([]byte(`{"token":"new-token","user":{"id":"u_1","email":"ana@example.com","nome":"Ana"}}`))
		case "/auth/me":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.Write([]byte(`{"user":{"id":"u_1","email":"ana@example.com","nome":"Ana"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	reg, err := c.Register(context.Background(), "ana@example.com", "secret123", "Ana")
	require.NoError(t, err)
	assert.Equal(t, "new-token", reg.Token)

	login, err := c.Login(context.Background(), "ana@example.com", "secret123")
	require.NoError(t, err)
	assert.Equal(t, "u_1", login.User.ID)

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ana", me.Name)
}

func TestSyncStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sync/status", r.URL.Path)
		w.Write([]byte(`{"meta":{"userId":"u_1","lastSyncedAt":"2025-03-01T00:00:00.000Z","schemaVersion":1},"snapshots":4}`))
	})
	st, err := c.SyncStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, st.Snapshots)
	assert.Equal(t, "u_1", st.Meta.UserID)
}
