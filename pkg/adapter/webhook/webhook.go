// Package webhook implements the relay's HMAC-signed webhook adapter,
// the canonical reference adapter implementation.
package webhook

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dork-labs/relay/pkg/adapter"
	"github.com/dork-labs/relay/pkg/log"
	"github.com/dork-labs/relay/pkg/types"
)

const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Timestamp"
	headerNonce     = "X-Nonce"
)

// minSecretLen guards against trivially brute-forceable shared secrets.
const minSecretLen = 16

// defaultTimeout bounds outbound POSTs.
const defaultTimeout = 10 * time.Second

// Settings is the webhook adapter configuration.
type Settings struct {
	Secret string `json:"secret"`
	// PreviousSecret accepts inbound signatures during a key-rotation
	// window.
	PreviousSecret string `json:"previousSecret,omitempty"`
	// OutboundURL receives signed outbound deliveries.
	OutboundURL string `json:"outboundUrl,omitempty"`
	// CustomHeaders are added to every outbound request.
	CustomHeaders map[string]string `json:"customHeaders,omitempty"`
	TimeoutSecs   int               `json:"timeoutSecs,omitempty"`
}

// Webhook is an HMAC-authenticated HTTP channel adapter. Inbound
// requests are verified and published onto relay.webhook.{id}; outbound
// deliveries are signed with the same scheme.
type Webhook struct {
	id          string
	displayName string
	prefixes    []string
	settings    Settings
	verifier    *verifier
	nonces      *nonceCache
	client      *http.Client
	logger      zerolog.Logger

	mu       sync.Mutex
	pub      adapter.Publisher
	running  bool
	lastErr  string
	sent     atomic.Int64
	received atomic.Int64
}

// New creates a webhook adapter.
func New(id, displayName string, prefixes []string, settings Settings) (*Webhook, error) {
	if len(settings.Secret) < minSecretLen {
		return nil, fmt.Errorf("webhook secret must be at least %d characters", minSecretLen)
	}
	if displayName == "" {
		displayName = "Webhook " + id
	}
	if len(prefixes) == 0 {
		prefixes = []string{"relay.webhook." + id}
	}

	timeout := defaultTimeout
	if settings.TimeoutSecs > 0 {
		timeout = time.Duration(settings.TimeoutSecs) * time.Second
	}

	nonces := newNonceCache()
	return &Webhook{
		id:          id,
		displayName: displayName,
		prefixes:    prefixes,
		settings:    settings,
		nonces:      nonces,
		verifier: &verifier{
			secret:         []byte(settings.Secret),
			previousSecret: []byte(settings.PreviousSecret),
			nonces:         nonces,
			now:            time.Now,
		},
		client: &http.Client{Timeout: timeout},
		logger: log.Component("adapter").With().Str("adapter_id", id).Logger(),
	}, nil
}

// NewFromConfig is the adapter.Factory for type "webhook".
func NewFromConfig(cfg adapter.Config) (adapter.Adapter, error) {
	var settings Settings
	if len(cfg.Settings) > 0 {
		if err := json.Unmarshal(cfg.Settings, &settings); err != nil {
			return nil, fmt.Errorf("invalid webhook settings: %w", err)
		}
	}
	return New(cfg.ID, cfg.DisplayName, cfg.SubjectPrefixes, settings)
}

// ID implements adapter.Adapter.
func (w *Webhook) ID() string { return w.id }

// DisplayName implements adapter.Adapter.
func (w *Webhook) DisplayName() string { return w.displayName }

// SubjectPrefixes implements adapter.Adapter.
func (w *Webhook) SubjectPrefixes() []string { return w.prefixes }

// Start implements adapter.Adapter. Idempotent.
func (w *Webhook) Start(pub adapter.Publisher) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	w.pub = pub
	w.running = true
	w.nonces.startPruning()
	w.logger.Info().Msg("webhook adapter started")
	return nil
}

// Stop implements adapter.Adapter. Idempotent.
func (w *Webhook) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	w.nonces.stop()
	w.logger.Info().Msg("webhook adapter stopped")
	return nil
}

// Deliver implements adapter.Adapter: sign "{ts}.{body}" and POST it to
// the outbound URL with the signature headers plus any custom headers.
func (w *Webhook) Deliver(subj string, env *types.Envelope, actx *types.AdapterContext) types.DeliveryResult {
	start := time.Now()
	result := func(err error) types.DeliveryResult {
		d := time.Since(start)
		res := types.DeliveryResult{Success: err == nil, DurationMs: d.Milliseconds(), Duration: d}
		if err != nil {
			res.Error = err.Error()
			w.setLastError(err.Error())
		} else {
			w.sent.Add(1)
		}
		return res
	}

	if w.settings.OutboundURL == "" {
		return result(fmt.Errorf("no outbound URL configured"))
	}

	body, err := json.Marshal(env)
	if err != nil {
		return result(fmt.Errorf("failed to serialize envelope: %w", err))
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce, err := newNonce()
	if err != nil {
		return result(err)
	}

	req, err := http.NewRequest(http.MethodPost, w.settings.OutboundURL, bytes.NewReader(body))
	if err != nil {
		return result(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, sign([]byte(w.settings.Secret), timestamp, body))
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerNonce, nonce)
	for k, v := range w.settings.CustomHeaders {
		req.Header.Set(k, v)
	}
	if actx != nil {
		for k, v := range actx.Headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return result(fmt.Errorf("timeout or transport failure: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result(fmt.Errorf("remote returned %d", resp.StatusCode))
	}
	return result(nil)
}

// Status implements adapter.Adapter.
func (w *Webhook) Status() types.AdapterStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	state := types.AdapterDisconnected
	if w.running {
		state = types.AdapterConnected
	}
	if w.lastErr != "" {
		state = types.AdapterError
	}
	return types.AdapterStatus{
		State:            state,
		MessagesSent:     w.sent.Load(),
		MessagesReceived: w.received.Load(),
		LastError:        w.lastErr,
	}
}

// TestConnection implements adapter.ConnectionTester with a HEAD probe
// against the outbound URL.
func (w *Webhook) TestConnection() error {
	if w.settings.OutboundURL == "" {
		return fmt.Errorf("no outbound URL configured")
	}
	resp, err := w.client.Head(w.settings.OutboundURL)
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Handler returns the inbound HTTP handler. Mount it wherever the
// embedding process serves HTTP; the adapter itself opens no listener.
func (w *Webhook) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(rw, "failed to read body", http.StatusBadRequest)
			return
		}

		if err := w.verifier.verify(
			r.Header.Get(headerTimestamp),
			r.Header.Get(headerNonce),
			r.Header.Get(headerSignature),
			body,
		); err != nil {
			w.logger.Warn().Err(err).Msg("inbound webhook rejected")
			http.Error(rw, err.Error(), http.StatusUnauthorized)
			return
		}

		var data json.RawMessage
		if err := json.Unmarshal(body, &data); err != nil {
			http.Error(rw, "invalid JSON body", http.StatusBadRequest)
			return
		}

		w.mu.Lock()
		pub := w.pub
		w.mu.Unlock()
		if pub == nil {
			http.Error(rw, "adapter not started", http.StatusServiceUnavailable)
			return
		}

		subj := "relay.webhook." + w.id
		payload := map[string]any{"type": "webhook", "data": data}
		if _, err := pub.Publish(subj, payload, types.PublishOptions{From: subj}); err != nil {
			w.setLastError(err.Error())
			http.Error(rw, "publish failed", http.StatusInternalServerError)
			return
		}

		w.received.Add(1)
		rw.WriteHeader(http.StatusOK)
	})
}

func (w *Webhook) setLastError(msg string) {
	w.mu.Lock()
	w.lastErr = msg
	w.mu.Unlock()
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
