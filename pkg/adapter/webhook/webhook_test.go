package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dork-labs/relay/pkg/types"
)

const testSecret = "sixteen-chars-min"

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
	err      error
}

func (p *fakePublisher) Publish(subject string, payload any, opts types.PublishOptions) (*types.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	return &types.PublishResult{MessageID: "m", DeliveredTo: 1}, nil
}

func newTestAdapter(t *testing.T, settings Settings) *Webhook {
	t.Helper()
	if settings.Secret == "" {
		settings.Secret = testSecret
	}
	w, err := New("github", "", nil, settings)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func signedRequest(t *testing.T, secret, body, nonce string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(body))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, sign([]byte(secret), ts, []byte(body)))
	return req
}

// TestInboundValidSignature tests the accepted-request publish path
func TestInboundValidSignature(t *testing.T) {
	w := newTestAdapter(t, Settings{})
	pub := &fakePublisher{}
	require.NoError(t, w.Start(pub))

	body := `{"hello":"world"}`
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, signedRequest(t, testSecret, body, "nonce-1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "relay.webhook.github", pub.subjects[0])

	payload := pub.payloads[0].(map[string]any)
	assert.Equal(t, "webhook", payload["type"])
	assert.JSONEq(t, body, string(payload["data"].(json.RawMessage)))

	status := w.Status()
	assert.Equal(t, types.AdapterConnected, status.State)
	assert.Equal(t, int64(1), status.MessagesReceived)
}

// TestInboundNonceReplay tests replay rejection within the window
func TestInboundNonceReplay(t *testing.T) {
	w := newTestAdapter(t, Settings{})
	require.NoError(t, w.Start(&fakePublisher{}))

	body := `{"hello":"world"}`
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, signedRequest(t, testSecret, body, "nonce-dup"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, signedRequest(t, testSecret, body, "nonce-dup"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "nonce already seen (replay)")
}

// TestInboundBadSignature tests rejection and that the nonce is not burned
func TestInboundBadSignature(t *testing.T) {
	w := newTestAdapter(t, Settings{})
	require.NoError(t, w.Start(&fakePublisher{}))

	req := signedRequest(t, "wrong-secret-wrong", `{"hello":"world"}`, "nonce-x")
	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A rejected request must not consume the nonce.
	rec = httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, signedRequest(t, testSecret, `{"hello":"world"}`, "nonce-x"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestInboundRotatedSecret tests the previousSecret rotation window
func TestInboundRotatedSecret(t *testing.T) {
	w := newTestAdapter(t, Settings{
		Secret:         "new-secret-sixteen-chars",
		PreviousSecret: testSecret,
	})
	require.NoError(t, w.Start(&fakePublisher{}))

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, signedRequest(t, testSecret, `{"a":1}`, "nonce-rot"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestInboundStaleTimestamp tests the replay window on X-Timestamp
func TestInboundStaleTimestamp(t *testing.T) {
	w := newTestAdapter(t, Settings{})
	require.NoError(t, w.Start(&fakePublisher{}))

	body := `{"hello":"world"}`
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(body))
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerNonce, "nonce-old")
	req.Header.Set(headerSignature, sign([]byte(testSecret), ts, []byte(body)))

	rec := httptest.NewRecorder()
	w.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestVerifySignatureShape tests constant-time compare edge cases
func TestVerifySignatureShape(t *testing.T) {
	body := []byte("payload")
	good := sign([]byte(testSecret), "123", body)

	assert.True(t, verifySignature([]byte(testSecret), "123", body, good))
	assert.False(t, verifySignature([]byte(testSecret), "123", body, "deadbeef"))
	assert.False(t, verifySignature([]byte(testSecret), "123", body, "not-hex!"))
	assert.False(t, verifySignature([]byte(testSecret), "124", body, good))
}

// TestDeliverSignsOutbound tests the outbound signing round trip
func TestDeliverSignsOutbound(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := newTestAdapter(t, Settings{
		OutboundURL:   srv.URL,
		CustomHeaders: map[string]string{"X-Custom": "yes"},
	})
	require.NoError(t, w.Start(&fakePublisher{}))

	env := &types.Envelope{ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", Subject: "relay.human.webhook.github", From: "sys", Payload: json.RawMessage(`{}`)}
	res := w.Deliver(env.Subject, env, &types.AdapterContext{Headers: map[string]string{"X-Ctx": "1"}})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "yes", gotHeaders.Get("X-Custom"))
	assert.Equal(t, "1", gotHeaders.Get("X-Ctx"))
	assert.NotEmpty(t, gotHeaders.Get(headerNonce))

	ts := gotHeaders.Get(headerTimestamp)
	require.NotEmpty(t, ts)
	assert.Equal(t, sign([]byte(testSecret), ts, gotBody), gotHeaders.Get(headerSignature))

	var sent types.Envelope
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, env.ID, sent.ID)
}

// TestDeliverRemoteFailure tests non-2xx handling
func TestDeliverRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := newTestAdapter(t, Settings{OutboundURL: srv.URL})
	require.NoError(t, w.Start(&fakePublisher{}))

	res := w.Deliver("relay.human.webhook.github", &types.Envelope{ID: "x", Payload: json.RawMessage(`{}`)}, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "502")
	assert.Equal(t, types.AdapterError, w.Status().State)
}

// TestSecretTooShort tests the minimum secret length guard
func TestSecretTooShort(t *testing.T) {
	_, err := New("x", "", nil, Settings{Secret: "short"})
	assert.Error(t, err)
}

// TestStartStopIdempotent tests lifecycle idempotence
func TestStartStopIdempotent(t *testing.T) {
	w := newTestAdapter(t, Settings{})
	pub := &fakePublisher{}
	require.NoError(t, w.Start(pub))
	require.NoError(t, w.Start(pub))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.Equal(t, types.AdapterDisconnected, w.Status().State)
}

// TestNoncePrune tests cache pruning of expired entries
func TestNoncePrune(t *testing.T) {
	c := newNonceCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.insert("a")
	now = now.Add(25 * time.Hour)
	c.insert("b")
	c.prune()

	assert.Equal(t, 1, c.size())
	assert.False(t, c.contains("a"))
	assert.True(t, c.contains("b"))
}
