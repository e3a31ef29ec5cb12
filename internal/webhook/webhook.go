// Package webhook posts signed sync notifications to a user-configured URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/vertexads/finsync/internal/syncer"
)

// Header names set on every delivery.
const (
	HeaderTimestamp = "X-Finsync-Timestamp"
	HeaderSignature = "X-Finsync-Signature"
)

// Payload is the POST body.
type Payload struct {
	Event         string `json:"event"` // sync.pull or sync.push
	DeviceID      string `json:"deviceId"`
	Mode          string `json:"mode,omitempty"`
	Entries       int    `json:"entries"`
	Rules         int    `json:"rules"`
	PendingPushed bool   `json:"pendingPushed,omitempty"`
	SyncedAt      string `json:"syncedAt"`
	Timestamp     string `json:"timestamp"`
}

// BuildPayload describes one successful sync operation.
func BuildPayload(op, deviceID string, res syncer.Result, now time.Time) Payload {
	return Payload{
		Event:         "sync." + op,
		DeviceID:      deviceID,
		Mode:          string(res.Mode),
		Entries:       res.Entries,
		Rules:         res.Rules,
		PendingPushed: res.PendingPushed,
		SyncedAt:      res.SyncedAt,
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
}

// Dispatcher delivers payloads to one URL.
type Dispatcher struct {
	URL    string
	Secret string
	Client *http.Client
	now    func() time.Time
}

// New returns a Dispatcher with a 10s client timeout.
func New(url, secret string) *Dispatcher {
	return &Dispatcher{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Dispatch POSTs payload and returns nil on a 2xx response.
func (d *Dispatcher) Dispatch(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "finsync-webhook/1")

	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	if d.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(d.Secret, ts, body))
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", d.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", d.URL, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "<ts>.<body>".
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against body.
func Verify(secret, ts string, body []byte, header string) bool {
	want := "sha256=" + Sign(secret, ts, body)
	return hmac.Equal([]byte(want), []byte(header))
}

// Engine is the part of the sync engine a Notifier wraps.
type Engine interface {
	Pull(ctx context.Context) (syncer.Result, error)
	Push(ctx context.Context) (syncer.Result, error)
	SetOnline(online bool)
}

// Notifier wraps an Engine and reports every successful pull or push.
// Delivery failures are logged and never fail the sync.
type Notifier struct {
	Engine
	d        *Dispatcher
	deviceID string
	log      zerolog.Logger
}

// Wrap returns e reporting to d.
func Wrap(e Engine, d *Dispatcher, deviceID string, log zerolog.Logger) *Notifier {
	return &Notifier{Engine: e, d: d, deviceID: deviceID, log: log}
}

// Pull runs the wrapped pull and notifies on success.
func (n *Notifier) Pull(ctx context.Context) (syncer.Result, error) {
	res, err := n.Engine.Pull(ctx)
	if err == nil {
		n.notify(ctx, "pull", res)
	}
	return res, err
}

// Push runs the wrapped push and notifies on success.
func (n *Notifier) Push(ctx context.Context) (syncer.Result, error) {
	res, err := n.Engine.Push(ctx)
	if err == nil {
		n.notify(ctx, "push", res)
	}
	return res, err
}

func (n *Notifier) notify(ctx context.Context, op string, res syncer.Result) {
	p := BuildPayload(op, n.deviceID, res, n.d.now())
	if err := n.d.Dispatch(ctx, p); err != nil {
		n.log.Warn().Err(err).Str("event", p.Event).Msg("webhook delivery failed")
		return
	}
	n.log.Debug().Str("event", p.Event).Msg("webhook delivered")
}
