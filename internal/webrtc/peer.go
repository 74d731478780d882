package webrtc

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// SDPType distinguishes the two session description roles.
type SDPType int

const (
	SDPOffer SDPType = iota
	SDPAnswer
)

// Handle is the single negotiation object of a call. Implementations invoke
// HandleEvents callbacks from their own goroutines and stop invoking them
// once Close returns.
type Handle interface {
	// CreateOffer creates an offer and applies it locally.
	CreateOffer(iceRestart bool) (string, error)
	// CreateAnswer creates an answer to the applied remote offer and applies it locally.
	CreateAnswer() (string, error)
	SetRemoteDescription(t SDPType, sdp string) error
	AddICECandidate(c domain.ICECandidate) error
	// GatheringDone is closed when candidate gathering for the latest local
	// description finished.
	GatheringDone() <-chan struct{}
	// LocalDescription returns the current local SDP including gathered candidates.
	LocalDescription() string
	ConnectionState() domain.ConnectionState
	Stats() Stats
	AddTrack(track pion.TrackLocal) error
	// ReplaceTrack swaps the track of the sender carrying the same kind.
	// It reports false when no such sender exists.
	ReplaceTrack(track pion.TrackLocal) (bool, error)
	Close() error
}

// HandleEvents are the callbacks a Handle reports through.
type HandleEvents struct {
	OnCandidate       func(domain.ICECandidate)
	OnConnectionState func(domain.ConnectionState)
	OnTrack           func(*pion.TrackRemote, *pion.RTPReceiver)
}

// HandleFactory creates handles. Each call returns an independent handle.
type HandleFactory interface {
	NewHandle(ev HandleEvents) (Handle, error)
}

// PeerConfig configures pion peer connections.
type PeerConfig struct {
	ICEServers []domain.ICEServer
	// FilterLoopback drops loopback candidates before they are signaled.
	FilterLoopback bool
}

// PeerFactory builds pion-backed handles sharing one API (codecs and interceptors).
type PeerFactory struct {
	api            *pion.API
	config         pion.Configuration
	filterLoopback bool
	log            *logrus.Entry
}

// NewPeerFactory registers codecs and interceptors and prepares the ICE
// configuration: reflexive discovery servers first, relays last.
func NewPeerFactory(cfg PeerConfig) (*PeerFactory, error) {
	m := &pion.MediaEngine{}

	opusCodec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opusCodec, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	h264Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}
	if err := m.RegisterCodec(h264Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	vp8Codec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:  pion.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}
	if err := m.RegisterCodec(vp8Codec, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register VP8: %w", err)
	}

	i := &interceptor.Registry{}
	// NACK, RTCP reports and the stats interceptor; the latter feeds GetStats.
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	var servers []pion.ICEServer
	for _, s := range domain.OrderICEServers(cfg.ICEServers) {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return &PeerFactory{
		api: api,
		config: pion.Configuration{
			ICEServers:   servers,
			BundlePolicy: pion.BundlePolicyMaxBundle,
		},
		filterLoopback: cfg.FilterLoopback,
		log:            logrus.WithField("component", "webrtc"),
	}, nil
}

// NewHandle creates a peer connection and wires ev to its callbacks.
func (f *PeerFactory) NewHandle(ev HandleEvents) (Handle, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:         pc,
		gatherDone: make(chan struct{}),
		log:        f.log,
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if p.detached.Load() {
			return
		}
		if c == nil {
			p.log.Debug("ICE gathering complete")
			return
		}

		init := c.ToJSON()
		if f.filterLoopback && isLoopback(init.Candidate) {
			p.log.Debug("filtering loopback ICE candidate")
			return
		}

		cand := domain.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		if init.UsernameFragment != nil {
			cand.UsernameFragment = *init.UsernameFragment
		}
		if ev.OnCandidate != nil {
			ev.OnCandidate(cand)
		}
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.WithField("state", state.String()).Debug("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		if p.detached.Load() {
			return
		}
		if ev.OnConnectionState != nil {
			ev.OnConnectionState(connectionStateFromPion(state))
		}
	})
	pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		if p.detached.Load() {
			return
		}
		codec := track.Codec()
		p.log.WithFields(logrus.Fields{
			"kind":  track.Kind().String(),
			"codec": codec.MimeType,
			"pt":    codec.PayloadType,
		}).Info("got remote track")
		if ev.OnTrack != nil {
			ev.OnTrack(track, receiver)
		}
	})

	return p, nil
}

// Peer wraps a pion PeerConnection.
type Peer struct {
	pc         *pion.PeerConnection
	gatherDone <-chan struct{}
	detached   atomic.Bool
	log        *logrus.Entry
}

func (p *Peer) CreateOffer(iceRestart bool) (string, error) {
	if p.detached.Load() {
		return "", domain.ErrHandleClosed
	}
	var opts *pion.OfferOptions
	if iceRestart {
		opts = &pion.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}

	gather := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.gatherDone = gather

	p.log.WithField("ice_restart", iceRestart).Debug("local SDP offer set")
	return offer.SDP, nil
}

func (p *Peer) CreateAnswer() (string, error) {
	if p.detached.Load() {
		return "", domain.ErrHandleClosed
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gather := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.gatherDone = gather

	p.log.Debug("local SDP answer set")
	return answer.SDP, nil
}

func (p *Peer) SetRemoteDescription(t SDPType, sdp string) error {
	if p.detached.Load() {
		return domain.ErrHandleClosed
	}
	desc := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp}
	if t == SDPAnswer {
		desc.Type = pion.SDPTypeAnswer
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.WithField("type", desc.Type.String()).Debug("remote SDP set")
	return nil
}

func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	if p.detached.Load() {
		return domain.ErrHandleClosed
	}

	mline := c.SDPMLineIndex
	init := pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMLineIndex: &mline,
	}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	if c.UsernameFragment != "" {
		ufrag := c.UsernameFragment
		init.UsernameFragment = &ufrag
	}

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *Peer) GatheringDone() <-chan struct{} {
	return p.gatherDone
}

func (p *Peer) LocalDescription() string {
	if desc := p.pc.LocalDescription(); desc != nil {
		return desc.SDP
	}
	return ""
}

func (p *Peer) ConnectionState() domain.ConnectionState {
	if p.detached.Load() {
		return domain.ConnectionClosed
	}
	return connectionStateFromPion(p.pc.ConnectionState())
}

func (p *Peer) Stats() Stats {
	return extractStats(p.pc.GetStats())
}

func (p *Peer) AddTrack(track pion.TrackLocal) error {
	if p.detached.Load() {
		return domain.ErrHandleClosed
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}

	// RTCP must be read for the interceptors to process receiver reports.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *Peer) ReplaceTrack(track pion.TrackLocal) (bool, error) {
	if p.detached.Load() {
		return false, domain.ErrHandleClosed
	}
	for _, sender := range p.pc.GetSenders() {
		current := sender.Track()
		if current == nil || current.Kind() != track.Kind() {
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			return true, fmt.Errorf("replace %s track: %w", track.Kind(), err)
		}
		return true, nil
	}
	return false, nil
}

// Close detaches every callback and closes the connection, which stops its
// senders. It is safe to call more than once.
func (p *Peer) Close() error {
	if !p.detached.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

func connectionStateFromPion(s pion.PeerConnectionState) domain.ConnectionState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case pion.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case pion.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
