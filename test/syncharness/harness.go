// Package syncharness runs several devices against one in-process sync
// server so multi-device behavior can be tested end to end.
package syncharness

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vertexads/finsync/internal/api"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/serverdb"
	"github.com/vertexads/finsync/internal/store"
	"github.com/vertexads/finsync/internal/syncclient"
	"github.com/vertexads/finsync/internal/syncer"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail    = "owner@example.com"
	testPassword = "secret123"
)

// Device is one client: its own store, server client and syncer.
type Device struct {
	Name   string
	Store  *store.Store
	Client *syncclient.Client
	Syncer *syncer.Syncer
}

// Harness owns the server and the devices of one test.
type Harness struct {
	t       *testing.T
	Server  *api.Server
	DB      *serverdb.ServerDB
	BaseURL string
	Token   string
	Devices map[string]*Device

	clockMu sync.Mutex
	clock   time.Time
}

// Options tune a Harness.
type Options struct {
	// Incremental lets pulls ask for changes since the last sync. By
	// default every pull is full, which keeps convergence independent of
	// the wall clock.
	Incremental bool
}

// NewHarness starts a server, registers one user and creates a device
// per name, all logged in as that user.
func NewHarness(t *testing.T, names ...string) *Harness {
	return NewHarnessWithOptions(t, Options{}, names...)
}

// NewHarnessWithOptions is NewHarness with options.
func NewHarnessWithOptions(t *testing.T, opts Options, names ...string) *Harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "server.db")
	db, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}

	cfg := api.DefaultConfig()
	cfg.ListenAddr = ":0"
	cfg.ServerDBPath = dbPath
	cfg.BcryptCost = bcrypt.MinCost
	cfg.JWTSecret = "harness-secret"
	cfg.RateLimitAuth = 100000
	cfg.RateLimitSync = 100000

	srv, err := api.NewServer(cfg, db, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		httpSrv.Close()
		db.Close()
	})

	h := &Harness{
		t:       t,
		Server:  srv,
		DB:      db,
		BaseURL: httpSrv.URL,
		Devices: make(map[string]*Device),
		// Stamps start at wall time so incremental filters see them.
		clock: time.Now().UTC().Truncate(time.Second),
	}

	reg := syncclient.New(h.BaseURL, "", "registration")
	resp, err := reg.Register(context.Background(), testEmail, testPassword, "Owner")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h.Token = resp.Token

	maxAge := time.Nanosecond
	if opts.Incremental {
		maxAge = time.Hour
	}
	for _, name := range names {
		h.Devices[name] = h.newDevice(name, h.Token, maxAge)
	}
	return h
}

func (h *Harness) newDevice(name, token string, maxAge time.Duration) *Device {
	h.t.Helper()
	st, err := store.Open(filepath.Join(h.t.TempDir(), name))
	if err != nil {
		h.t.Fatalf("open store %s: %v", name, err)
	}
	h.t.Cleanup(func() { st.Close() })
	st.SetClock(h.tick)

	client := syncclient.New(h.BaseURL, token, "device-"+name)
	client.Retries = 0
	client.Timeout = 5 * time.Second

	s := syncer.New(st, client, syncer.NewTracker(), syncer.Options{
		IncrementalMaxAge: maxAge,
		Log:               zerolog.Nop(),
	})
	return &Device{Name: name, Store: st, Client: client, Syncer: s}
}

// tick returns the next stamp of the shared clock. Every write across all
// devices gets a distinct, increasing time.
func (h *Harness) tick() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.clock = h.clock.Add(time.Second)
	return h.clock
}

// Freeze makes fn's writes share one stamp, for equal-timestamp races.
func (h *Harness) Freeze(fn func()) {
	h.clockMu.Lock()
	h.clock = h.clock.Add(time.Second)
	frozen := h.clock
	h.clockMu.Unlock()

	for _, d := range h.Devices {
		d.Store.SetClock(func() time.Time { return frozen })
	}
	defer func() {
		for _, d := range h.Devices {
			d.Store.SetClock(h.tick)
		}
	}()
	fn()
}

// Device returns a device by name.
func (h *Harness) Device(name string) *Device {
	h.t.Helper()
	d, ok := h.Devices[name]
	if !ok {
		h.t.Fatalf("unknown device %q", name)
	}
	return d
}

// Put writes entries on a device, stamping them.
func (h *Harness) Put(device string, entries ...models.LedgerEntry) {
	h.t.Helper()
	if _, err := h.Device(device).Store.PutEntries(context.Background(), entries); err != nil {
		h.t.Fatalf("put on %s: %v", device, err)
	}
}

// PutRules writes rules on a device, stamping them.
func (h *Harness) PutRules(device string, rules ...models.RecurrenceRule) {
	h.t.Helper()
	if _, err := h.Device(device).Store.PutRules(context.Background(), rules); err != nil {
		h.t.Fatalf("put rules on %s: %v", device, err)
	}
}

// Entry reads one entry from a device; nil when absent.
func (h *Harness) Entry(device, id string) *models.LedgerEntry {
	h.t.Helper()
	e, err := h.Device(device).Store.Entry(context.Background(), id)
	if err != nil {
		h.t.Fatalf("read %s on %s: %v", id, device, err)
	}
	return e
}

// Push pushes a device's full state.
func (h *Harness) Push(device string) (syncer.Result, error) {
	return h.Device(device).Syncer.Push(context.Background())
}

// Pull pulls into a device.
func (h *Harness) Pull(device string) (syncer.Result, error) {
	return h.Device(device).Syncer.Pull(context.Background())
}

// Sync pulls and then pushes, failing the test on error.
func (h *Harness) Sync(device string) {
	h.t.Helper()
	if _, err := h.Pull(device); err != nil {
		h.t.Fatalf("pull %s: %v", device, err)
	}
	if _, err := h.Push(device); err != nil {
		h.t.Fatalf("push %s: %v", device, err)
	}
}

// SyncAll syncs every device twice in name order, enough for every change
// to reach every device.
func (h *Harness) SyncAll() {
	h.t.Helper()
	names := h.names()
	for range 2 {
		for _, n := range names {
			h.Sync(n)
		}
	}
}

// AssertConverged fails unless all devices hold the same entries and rules.
func (h *Harness) AssertConverged() {
	h.t.Helper()
	names := h.names()
	if len(names) < 2 {
		return
	}
	base := h.dump(names[0])
	for _, n := range names[1:] {
		if got := h.dump(n); got != base {
			h.t.Fatalf("devices %s and %s diverged:\n%s\n---\n%s", names[0], n, base, got)
		}
	}
}

// ServerBundle returns the latest server snapshot of the test user.
func (h *Harness) ServerBundle() models.Bundle {
	h.t.Helper()
	b, err := h.Device(h.names()[0]).Client.Pull(context.Background(), "")
	if err != nil {
		h.t.Fatalf("read server snapshot: %v", err)
	}
	return *b
}

// dump renders a device's records in id order.
func (h *Harness) dump(device string) string {
	h.t.Helper()
	ctx := context.Background()
	st := h.Device(device).Store
	entries, err := st.Entries(ctx, true)
	if err != nil {
		h.t.Fatalf("entries %s: %v", device, err)
	}
	rules, err := st.Rules(ctx)
	if err != nil {
		h.t.Fatalf("rules %s: %v", device, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	var sb strings.Builder
	for _, e := range entries {
		data, _ := json.Marshal(e)
		fmt.Fprintf(&sb, "%s\n", data)
	}
	for _, r := range rules {
		data, _ := json.Marshal(r)
		fmt.Fprintf(&sb, "%s\n", data)
	}
	return sb.String()
}

func (h *Harness) names() []string {
	names := make([]string, 0, len(h.Devices))
	for n := range h.Devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
