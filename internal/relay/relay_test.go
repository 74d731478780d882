package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var epoch = time.Unix(1700000000, 0)

type countingMetrics struct {
	mu       sync.Mutex
	open     int
	statuses []string
}

func (m *countingMetrics) ConnectionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open++
}

func (m *countingMetrics) ConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open--
}

func (m *countingMetrics) Envelope(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

type fixture struct {
	srv     *Server
	ts      *httptest.Server
	tokens  *Tokens
	metrics *countingMetrics
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(epoch)

	f := &fixture{
		tokens:  NewTokens([]byte("relay-secret"), time.Hour, clk),
		metrics: &countingMetrics{},
	}
	cfg := Config{
		ICE: ICEConfig{
			STUN:       []string{"stun:stun.example.org:3478"},
			TURN:       []string{"turn:turn.example.org:3478?transport=udp"},
			TURNSecret: "s3cret",
		},
		Metrics: f.metrics,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
		Clock: clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.srv = NewServer(cfg, f.tokens)
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		f.srv.Hub().Shutdown()
		f.ts.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T, id domain.Identity) *websocket.Conn {
	t.Helper()
	tok, err := f.tokens.Mint(id)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=" + tok
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	require.Eventually(t, func() bool { return f.srv.Online(id) }, time.Second, time.Millisecond)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, fr domain.Frame) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(fr))
}

func recv(t *testing.T, ws *websocket.Conn) domain.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var fr domain.Frame
	require.NoError(t, ws.ReadJSON(&fr))
	return fr
}

func TestTokens(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(epoch)
	tokens := NewTokens([]byte("k"), time.Minute, clk)

	tok, err := tokens.Mint("alice")
	require.NoError(t, err)

	id, err := tokens.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity("alice"), id)

	_, err = NewTokens([]byte("other"), time.Minute, clk).Validate(tok)
	assert.ErrorIs(t, err, ErrUnauthorized)

	clk.Add(2 * time.Minute)
	_, err = tokens.Validate(tok)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = tokens.Mint("")
	assert.Error(t, err)
}

func TestTicketOrdersServersAndSignsTURN(t *testing.T) {
	cfg := ICEConfig{
		TURN:       []string{"turn:turn.example.org:3478"},
		STUN:       []string{"stun:stun.example.org:3478"},
		TURNSecret: "s3cret",
	}
	tk := cfg.ticket("alice", "wss://relay.example.org/ws", epoch)

	require.Len(t, tk.ICEServers, 2)
	assert.False(t, tk.ICEServers[0].Relay())
	assert.True(t, tk.ICEServers[1].Relay())
	assert.Equal(t, "1700043200:alice", tk.ICEServers[1].Username)
	assert.Equal(t, "QwoaCWsbGyBTwZodZx/QxKnSykI=", tk.ICEServers[1].Credential)
	assert.Equal(t, epoch.Add(12*time.Hour).UTC(), tk.ExpiresAt)
	assert.Equal(t, domain.Identity("alice"), tk.Identity)
}

func TestTicketEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	tok, err := f.tokens.Mint("alice")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/ticket", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tk domain.Ticket
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tk))
	assert.Equal(t, "ws"+strings.TrimPrefix(f.ts.URL, "http")+"/ws", tk.RelayURL)
	require.Len(t, tk.ICEServers, 2)
	assert.NotEmpty(t, tk.ICEServers[1].Credential)
}

func TestTicketRequiresBearer(t *testing.T) {
	f := newFixture(t, nil)

	for _, auth := range []string{"", "Bearer ", "Bearer nope", "Basic abc"} {
		req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/ticket", nil)
		require.NoError(t, err)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "auth %q", auth)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(f.ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=garbage"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEnvelopeForwardedWithSenderStamped(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	send(t, alice, domain.Frame{
		Op:   domain.OpEnvelope,
		To:   "bob",
		From: "mallory",
		Data: json.RawMessage(`{"kind":"call-end"}`),
	})

	got := recv(t, bob)
	assert.Equal(t, domain.OpEnvelope, got.Op)
	assert.Equal(t, domain.Identity("alice"), got.From)
	assert.Equal(t, domain.Identity("bob"), got.To)
	assert.JSONEq(t, `{"kind":"call-end"}`, string(got.Data))
}

func TestEnvelopeFansOutToEveryConnection(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice")
	bob1 := f.dial(t, "bob")
	bob2 := f.dial(t, "bob")

	send(t, alice, domain.Frame{Op: domain.OpEnvelope, To: "bob", Data: json.RawMessage(`{}`)})

	assert.Equal(t, domain.Identity("alice"), recv(t, bob1).From)
	assert.Equal(t, domain.Identity("alice"), recv(t, bob2).From)
}

func TestEnvelopeToOfflineIdentity(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice")

	send(t, alice, domain.Frame{Op: domain.OpEnvelope, ID: "e1", To: "bob", Data: json.RawMessage(`{}`)})

	got := recv(t, alice)
	assert.Equal(t, domain.OpError, got.Op)
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, "recipient offline", got.Message)

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	assert.Equal(t, []string{StatusOffline}, f.metrics.statuses)
}

func TestPresence(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice")

	send(t, alice, domain.Frame{Op: domain.OpPresence, ID: "p1", Identity: "bob"})
	got := recv(t, alice)
	assert.Equal(t, domain.OpPresenceResult, got.Op)
	assert.Equal(t, "p1", got.ID)
	assert.False(t, got.Online)

	bob := f.dial(t, "bob")
	send(t, alice, domain.Frame{Op: domain.OpPresence, ID: "p2", Identity: "bob"})
	got = recv(t, alice)
	assert.Equal(t, "p2", got.ID)
	assert.True(t, got.Online)

	bob.Close()
	require.Eventually(t, func() bool { return !f.srv.Online("bob") }, time.Second, time.Millisecond)
}

func TestEnvelopeRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.RateLimit = rate.Limit(0.001)
		c.RateBurst = 1
	})
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	send(t, alice, domain.Frame{Op: domain.OpEnvelope, To: "bob", Data: json.RawMessage(`{"n":1}`)})
	send(t, alice, domain.Frame{Op: domain.OpEnvelope, ID: "second", To: "bob", Data: json.RawMessage(`{"n":2}`)})

	assert.JSONEq(t, `{"n":1}`, string(recv(t, bob).Data))
	got := recv(t, alice)
	assert.Equal(t, domain.OpError, got.Op)
	assert.Equal(t, "second", got.ID)
	assert.Equal(t, "rate limited", got.Message)
}

func TestUnknownOpAndMalformedFrames(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "unreadable frame", recv(t, alice).Message)

	send(t, alice, domain.Frame{Op: "teleport", ID: "x"})
	got := recv(t, alice)
	assert.Equal(t, domain.OpError, got.Op)
	assert.Equal(t, "x", got.ID)

	send(t, alice, domain.Frame{Op: domain.OpEnvelope, ID: "y"})
	assert.Equal(t, "envelope without target or data", recv(t, alice).Message)
}

func TestShutdownDisconnectsClients(t *testing.T) {
	f := newFixture(t, nil)
	alice := f.dial(t, "alice")

	f.srv.Hub().Shutdown()

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err)
	assert.False(t, f.srv.Online("alice"))

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	assert.Zero(t, f.metrics.open)
}
