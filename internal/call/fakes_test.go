package call

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/clubhouse/callengine/internal/domain"
	"github.com/clubhouse/callengine/internal/quality"
	"github.com/clubhouse/callengine/internal/webrtc"

	pion "github.com/pion/webrtc/v4"
)

type mockSignaler struct {
	mu        sync.Mutex
	sent      []domain.Envelope
	online    bool
	onlineErr error
	sendErr   error
}

func (m *mockSignaler) Send(_ context.Context, env domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockSignaler) IsOnline(context.Context, domain.Identity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, m.onlineErr
}

func (m *mockSignaler) envelopes() []domain.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Envelope(nil), m.sent...)
}

func (m *mockSignaler) ofKind(k domain.Kind) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range m.envelopes() {
		if env.Kind() == k {
			out = append(out, env)
		}
	}
	return out
}

type mockHandle struct {
	mu         sync.Mutex
	id         int
	events     webrtc.HandleEvents
	calls      []string
	candidates []string
	kinds      []pion.RTPCodecType
	replaced   int
	closed     bool
	gatherDone chan struct{}
}

func (h *mockHandle) log(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, s)
}

func (h *mockHandle) CreateOffer(iceRestart bool) (string, error) {
	h.log(fmt.Sprintf("offer restart=%v", iceRestart))
	return "offer", nil
}

func (h *mockHandle) CreateAnswer() (string, error) {
	h.log("answer")
	return fmt.Sprintf("answer-%d", h.id), nil
}

func (h *mockHandle) SetRemoteDescription(_ webrtc.SDPType, sdp string) error {
	h.log("remote " + sdp)
	return nil
}

func (h *mockHandle) AddICECandidate(c domain.ICECandidate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.candidates = append(h.candidates, c.Candidate)
	return nil
}

func (h *mockHandle) GatheringDone() <-chan struct{} { return h.gatherDone }
func (h *mockHandle) LocalDescription() string       { return fmt.Sprintf("sdp-%d", h.id) }
func (h *mockHandle) Stats() webrtc.Stats            { return webrtc.Stats{} }

func (h *mockHandle) AddTrack(t pion.TrackLocal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kinds = append(h.kinds, t.Kind())
	return nil
}

func (h *mockHandle) ConnectionState() domain.ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ConnectionClosed
	}
	return domain.ConnectionNew
}

func (h *mockHandle) ReplaceTrack(t pion.TrackLocal) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !slices.Contains(h.kinds, t.Kind()) {
		return false, nil
	}
	h.replaced++
	return true, nil
}

func (h *mockHandle) replacements() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replaced
}

func (h *mockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *mockHandle) callLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *mockHandle) applied() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.candidates...)
}

func (h *mockHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type mockFactory struct {
	mu      sync.Mutex
	handles []*mockHandle
}

func (f *mockFactory) NewHandle(ev webrtc.HandleEvents) (webrtc.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &mockHandle{id: len(f.handles) + 1, events: ev, gatherDone: make(chan struct{})}
	close(h.gatherDone)
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *mockFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *mockFactory) last() *mockHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

type ended struct {
	info   domain.SessionInfo
	reason string
}

type recordingListener struct {
	mu        sync.Mutex
	incoming  []domain.SessionInfo
	connected []domain.SessionInfo
	tiers     []quality.Tier
	ended     []ended
}

func (l *recordingListener) OnIncomingCall(info domain.SessionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.incoming = append(l.incoming, info)
}

func (l *recordingListener) OnConnected(info domain.SessionInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = append(l.connected, info)
}

func (l *recordingListener) OnQualityChanged(t quality.Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tiers = append(l.tiers, t)
}

func (l *recordingListener) OnEnded(info domain.SessionInfo, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, ended{info: info, reason: reason})
}

func (l *recordingListener) endings() []ended {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ended(nil), l.ended...)
}

func (l *recordingListener) connectedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connected)
}

func (l *recordingListener) incomingCalls() []domain.SessionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.SessionInfo(nil), l.incoming...)
}

type metricsRecorder struct {
	mu       sync.Mutex
	started  []domain.Role
	outcomes []string
	attempts []bool
}

func (m *metricsRecorder) CallStarted(r domain.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, r)
}

func (m *metricsRecorder) CallEnded(o string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
}

func (m *metricsRecorder) ReconnectAttempt(full bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, full)
}

func (m *metricsRecorder) QualityChanged(string)             {}
func (m *metricsRecorder) NegotiationDuration(time.Duration) {}

// cancelingCapture acquires from inner and then cancels the caller's
// context, as if the deadline ran out while the devices were opening.
type cancelingCapture struct {
	inner  domain.MediaCapture
	cancel context.CancelFunc
}

func (c *cancelingCapture) Acquire(_ context.Context, cons domain.Constraints) ([]pion.TrackLocal, error) {
	tracks, err := c.inner.Acquire(context.Background(), cons)
	c.cancel()
	return tracks, err
}

func (c *cancelingCapture) Release(tracks []pion.TrackLocal) {
	c.inner.Release(tracks)
}
