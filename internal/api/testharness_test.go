package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/vertexads/finsync/internal/archive"
	"github.com/vertexads/finsync/internal/serverdb"
	"golang.org/x/crypto/bcrypt"
)

// TestHarness wraps a full Server with a real HTTP listener for integration tests.
type TestHarness struct {
	t       *testing.T
	Server  *Server
	Store   *serverdb.ServerDB
	BaseURL string
	client  *http.Client
	httpSrv *httptest.Server
}

type harnessOpts struct {
	cfg      func(*Config)
	archiver archive.Archiver
}

func withConfig(fn func(*Config)) func(*harnessOpts) {
	return func(o *harnessOpts) { o.cfg = fn }
}

func withArchiver(a archive.Archiver) func(*harnessOpts) {
	return func(o *harnessOpts) { o.archiver = a }
}

// newTestHarness creates a TestHarness with a real HTTP server on a random port.
func newTestHarness(t *testing.T, opts ...func(*harnessOpts)) *TestHarness {
	t.Helper()

	var o harnessOpts
	for _, opt := range opts {
		opt(&o)
	}

	dbPath := filepath.Join(t.TempDir(), "server.db")
	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}

	cfg := DefaultConfig()
	cfg.ListenAddr = ":0"
	cfg.ServerDBPath = dbPath
	cfg.BcryptCost = bcrypt.MinCost
	cfg.JWTSecret = "test-secret"
	cfg.RateLimitAuth = 100000
	cfg.RateLimitSync = 100000
	if o.cfg != nil {
		o.cfg(&cfg)
	}

	srv, err := NewServer(cfg, store, o.archiver, zerolog.Nop())
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	httpSrv := httptest.NewServer(srv.Handler())

	h := &TestHarness{
		t:       t,
		Server:  srv,
		Store:   store,
		BaseURL: httpSrv.URL,
		client:  &http.Client{},
		httpSrv: httpSrv,
	}

	t.Cleanup(func() {
		httpSrv.Close()
		store.Close()
	})

	return h
}

// Do sends a request with an optional bearer token and JSON body.
func (h *TestHarness) Do(method, path, token string, body any) *http.Response {
	h.t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.BaseURL+path, rdr)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// Register creates a user and returns its token.
func (h *TestHarness) Register(email string) string {
	h.t.Helper()
	resp := h.Do("POST", "/auth/register", "", map[string]string{"email": email, "password": "secret123"})
	if resp.StatusCode != http.StatusCreated {
		h.t.Fatalf("register %s: status %d", email, resp.StatusCode)
	}
	var out AuthResponse
	decodeResp(h.t, resp, &out)
	return out.Token
}

func decodeResp(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status: got %d, want %d (%s)", resp.StatusCode, want, body)
	}
}

func expectErrCode(t *testing.T, resp *http.Response, want string) {
	t.Helper()
	var er ErrorResponse
	decodeResp(t, resp, &er)
	if er.Error.Code != want {
		t.Fatalf("error code: got %q, want %q", er.Error.Code, want)
	}
}
