package signal

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clubhouse/callengine/internal/domain"
	"github.com/clubhouse/callengine/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox chan domain.Envelope

func (b inbox) OnEnvelope(env domain.Envelope) { b <- env }

func (b inbox) next(t *testing.T) domain.Envelope {
	t.Helper()
	select {
	case env := <-b:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered")
		return domain.Envelope{}
	}
}

type relayFixture struct {
	srv    *relay.Server
	ts     *httptest.Server
	tokens *relay.Tokens
}

func newRelay(t *testing.T) *relayFixture {
	t.Helper()
	f := &relayFixture{tokens: relay.NewTokens([]byte("test"), time.Hour, nil)}
	f.srv = relay.NewServer(relay.Config{}, f.tokens)
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		f.srv.Hub().Shutdown()
		f.ts.Close()
	})
	return f
}

func (f *relayFixture) url() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
}

func (f *relayFixture) connect(t *testing.T, id domain.Identity, h domain.EnvelopeHandler) *Client {
	t.Helper()
	tok, err := f.tokens.Mint(id)
	require.NoError(t, err)

	c := NewClient(Config{URL: f.url(), Token: tok, Identity: id}, h)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return f.srv.Online(id) }, time.Second, time.Millisecond)
	return c
}

func TestIsOnline(t *testing.T) {
	f := newRelay(t)
	alice := f.connect(t, "alice", nil)
	ctx := context.Background()

	online, err := alice.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)

	f.connect(t, "bob", nil)
	online, err = alice.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestSendDeliversEnvelope(t *testing.T) {
	f := newRelay(t)
	alice := f.connect(t, "alice", nil)
	bobInbox := make(inbox, 4)
	f.connect(t, "bob", bobInbox)

	env := domain.NewEnvelope("s1", "alice", "bob", domain.ICECandidate{
		Candidate:  "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host",
		SDPMid:     "0",
		Generation: 2,
	})
	require.NoError(t, alice.Send(context.Background(), env))

	got := bobInbox.next(t)
	assert.Equal(t, env, got)
}

func TestSubscribeReplacesHandler(t *testing.T) {
	f := newRelay(t)
	alice := f.connect(t, "alice", nil)
	bob := f.connect(t, "bob", nil)

	b := make(inbox, 1)
	bob.Subscribe(b)
	require.NoError(t, alice.Send(context.Background(), domain.NewEnvelope("s1", "alice", "bob", domain.CallEnd{Reason: "bye"})))
	assert.Equal(t, domain.KindCallEnd, b.next(t).Kind())
}

func TestForgedAndMalformedEnvelopesDropped(t *testing.T) {
	f := newRelay(t)
	bobInbox := make(inbox, 4)
	f.connect(t, "bob", bobInbox)

	tok, err := f.tokens.Mint("alice")
	require.NoError(t, err)
	raw, _, err := websocket.DefaultDialer.Dial(f.url()+"?token="+tok, nil)
	require.NoError(t, err)
	defer raw.Close()

	forged, err := domain.EncodeEnvelope(domain.NewEnvelope("s1", "carol", "bob", domain.CallEnd{Reason: "spoof"}))
	require.NoError(t, err)
	require.NoError(t, raw.WriteJSON(domain.Frame{Op: domain.OpEnvelope, To: "bob", Data: forged}))
	require.NoError(t, raw.WriteJSON(domain.Frame{Op: domain.OpEnvelope, To: "bob", Data: json.RawMessage(`{"kind":"teleport"}`)}))

	genuine, err := domain.EncodeEnvelope(domain.NewEnvelope("s1", "alice", "bob", domain.CallEnd{Reason: "real"}))
	require.NoError(t, err)
	require.NoError(t, raw.WriteJSON(domain.Frame{Op: domain.OpEnvelope, To: "bob", Data: genuine}))

	got := bobInbox.next(t)
	assert.Equal(t, domain.CallEnd{Reason: "real"}, got.Payload)
	assert.Empty(t, bobInbox)
}

func TestConnectRejectedToken(t *testing.T) {
	f := newRelay(t)
	c := NewClient(Config{URL: f.url(), Token: "bogus", Identity: "alice"}, nil)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestSendAfterClose(t *testing.T) {
	f := newRelay(t)
	alice := f.connect(t, "alice", nil)
	require.NoError(t, alice.Close())

	err := alice.Send(context.Background(), domain.NewEnvelope("s1", "alice", "bob", domain.CallEnd{}))
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)

	_, err = alice.IsOnline(context.Background(), "bob")
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestDoneWhenRelayGoesAway(t *testing.T) {
	f := newRelay(t)
	alice := f.connect(t, "alice", nil)

	f.srv.Hub().Shutdown()

	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice relay shutdown")
	}

	_, err := alice.IsOnline(context.Background(), "bob")
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestRepeatedRepliesDoNotStallDispatch(t *testing.T) {
	c := NewClient(Config{Identity: "alice"}, nil)
	ch := make(chan domain.Frame, 1)
	c.pending["req-1"] = ch

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			c.dispatch(domain.Frame{Op: domain.OpPresenceResult, ID: "req-1", Online: i == 0})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on repeated replies")
	}
	f := <-ch
	assert.True(t, f.Online, "first reply wins")
}
