package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/clubhouse/callengine/internal/api"
	"github.com/clubhouse/callengine/internal/call"
	"github.com/clubhouse/callengine/internal/config"
	"github.com/clubhouse/callengine/internal/domain"
	"github.com/clubhouse/callengine/internal/media"
	"github.com/clubhouse/callengine/internal/observe"
	"github.com/clubhouse/callengine/internal/quality"
	"github.com/clubhouse/callengine/internal/relay"
	sigclient "github.com/clubhouse/callengine/internal/signal"
	"github.com/clubhouse/callengine/internal/webrtc"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const helpText = `callclient - headless peer-to-peer call endpoint

Usage:
  callclient [options]

Without -call the endpoint waits for incoming calls and answers them.
Outgoing video is read from CALL_VIDEO_FILE (H264 Annex-B, looped); the
remote H264 stream is written to CALL_VIDEO_OUT.

Environment Variables:
  CALL_IDENTITY       local identity (required)
  CALL_RELAY_URL      relay base URL, e.g. http://localhost:8080 (required)
  CALL_TOKEN          relay token, or
  CALL_JWT_SECRET     relay secret to mint a development token
  CALL_DISPLAY_NAME   name shown to the callee
  CALL_ENGINE_CONFIG  YAML file with timeouts, reconnect and quality tuning
  CALL_VIDEO_FILE     H264 file to send as video
  CALL_VIDEO_OUT      file receiving the remote H264 stream
  CALL_METRICS_ADDR   serve Prometheus metrics on this address
  CALL_LOG_LEVEL      debug, info, warn, error (default info)
  CALL_LOG_FORMAT     text or json (default text)

Examples:
  # Wait for calls and play the remote video
  CALL_VIDEO_OUT=/dev/stdout callclient | ffplay -f h264 -

  # Call bob for one minute
  callclient -call bob -duration 1m

Options:
`

type options struct {
	callee   string
	duration time.Duration
	answer   bool
	once     bool
}

func main() {
	var opts options
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
		flag.PrintDefaults()
	}
	flag.StringVar(&opts.callee, "call", "", "identity to call")
	flag.DurationVar(&opts.duration, "duration", 0, "hang up after this long once connected (0 = never)")
	flag.BoolVar(&opts.answer, "answer", true, "answer incoming calls")
	flag.BoolVar(&opts.once, "once", false, "exit after the first call ends")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log := logger.WithField("component", "main")

	if err := run(cfg, opts, logger); err != nil {
		log.WithError(err).Fatal("callclient failed")
	}
	log.Info("done")
}

func run(cfg *config.Client, opts options, logger *logrus.Logger) error {
	log := logger.WithField("component", "main")

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// Step 1: Obtain a relay token
	token := cfg.Token
	if token == "" {
		var err error
		token, err = relay.NewTokens([]byte(cfg.JWTSecret), 0, nil).Mint(cfg.Identity)
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		log.Warn("using a locally minted development token")
	}

	// Step 2: Fetch ticket
	log.WithField("relay", cfg.RelayURL).Info("getting ticket")
	ticket, err := api.NewClient(cfg.RelayURL, nil).FetchTicket(ctx, token)
	if err != nil {
		return fmt.Errorf("get ticket: %w", err)
	}
	log.WithFields(logrus.Fields{
		"relay_url":   ticket.RelayURL,
		"ice_servers": len(ticket.ICEServers),
	}).Info("ticket obtained")

	// Step 3: Create the peer factory
	factory, err := webrtc.NewPeerFactory(webrtc.PeerConfig{
		ICEServers:     append(ticket.ICEServers, cfg.Engine.ICEServers...),
		FilterLoopback: cfg.Engine.FilterLoopback,
	})
	if err != nil {
		return fmt.Errorf("create peer factory: %w", err)
	}

	// Step 4: Local media
	capCfg := media.CaptureConfig{AudioDevices: []string{"default"}}
	var pump *media.FilePump
	if cfg.VideoFile != "" {
		pump = media.NewFilePump(cfg.VideoFile, nil)
		capCfg.VideoDevices = []string{cfg.VideoFile}
		capCfg.Video = pump
		g.Go(func() error { return pump.Run(ctx) })
	}
	capture := media.NewTrackCapture(capCfg)

	var sink *media.RenderSink
	if cfg.VideoOut != "" {
		out, err := os.Create(cfg.VideoOut)
		if err != nil {
			return fmt.Errorf("open video out: %w", err)
		}
		defer out.Close()
		sink = media.NewRenderSink(out)
	}

	// Step 5: Metrics
	var metrics call.Metrics
	if cfg.MetricsAddr != "" {
		provider, err := observe.NewProvider("callclient", "dev")
		if err != nil {
			return fmt.Errorf("metrics provider: %w", err)
		}
		defer provider.Shutdown(context.Background())
		m, err := observe.NewMetrics(provider)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		metrics = m
		serveMetrics(ctx, g, cfg.MetricsAddr, provider.Handler(), log)
	}

	qualityPolicy, err := cfg.Engine.QualityPolicy()
	if err != nil {
		return err
	}

	// Step 6: Create the engine
	ep := &endpoint{answer: opts.answer, once: opts.once, duration: opts.duration, stop: cancel, log: log}
	engCfg := call.Config{
		Identity:    cfg.Identity,
		DisplayName: cfg.DisplayName,
		Media:       domain.Constraints{Audio: true, Video: pump != nil},
		Factory:     factory,
		Capture:     capture,
		Listener:    ep,
		Metrics:     metrics,
		Timeouts:    cfg.Engine.Timeouts,
		Reconnect:   cfg.Engine.Reconnect,
		Quality:     qualityPolicy,
		Log:         logrus.NewEntry(logger),
	}
	if pump != nil {
		engCfg.Encoder = pump
	}
	if sink != nil {
		engCfg.RemoteMedia = sink
	}
	engine := call.NewEngine(engCfg)
	ep.engine = engine
	defer engine.Close()

	// Step 7: Create signal client with the engine as handler
	sc := sigclient.NewClient(sigclient.Config{
		URL:      ticket.RelayURL,
		Token:    token,
		Identity: cfg.Identity,
		Log:      logrus.NewEntry(logger),
	}, engine)

	// Step 8: Complete the circular dependency
	engine.SetSignaler(sc)

	// Step 9: Connect signaling
	if err := sc.Connect(ctx); err != nil {
		return fmt.Errorf("signal connect: %w", err)
	}
	defer sc.Close()

	g.Go(func() error {
		select {
		case <-sc.Done():
			return errors.New("relay connection lost")
		case <-ctx.Done():
			return nil
		}
	})

	// Step 10: Place the call, if asked to
	if opts.callee != "" {
		id, err := engine.RequestCall(ctx, domain.Identity(opts.callee))
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("call %s: %w", opts.callee, err)
		}
		log.WithField("session_id", id).Info("ringing")
	}

	<-ctx.Done()
	log.Info("shutting down")
	engine.Close()
	if sink != nil {
		sink.Wait()
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, h http.Handler, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.WithField("addr", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// endpoint reacts to engine events. Callbacks run on the engine's loop, so
// anything calling back into the engine is started on its own goroutine.
type endpoint struct {
	engine   *call.Engine
	answer   bool
	once     bool
	duration time.Duration
	stop     context.CancelFunc
	log      *logrus.Entry
}

func (p *endpoint) OnIncomingCall(info domain.SessionInfo) {
	log := p.log.WithFields(logrus.Fields{
		"session_id": info.ID,
		"from":       info.Remote,
		"name":       info.DisplayName,
		"video":      info.Video,
	})
	log.Info("incoming call")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if !p.answer {
			if err := p.engine.RejectIncoming(ctx, "declined"); err != nil {
				log.WithError(err).Warn("reject failed")
			}
			return
		}
		if err := p.engine.AcceptIncoming(ctx, info.ID); err != nil {
			log.WithError(err).Warn("accept failed")
		}
	}()
}

func (p *endpoint) OnConnected(info domain.SessionInfo) {
	p.log.WithFields(logrus.Fields{
		"session_id": info.ID,
		"remote":     info.Remote,
		"video":      info.Video,
	}).Info("connected")

	if p.duration <= 0 {
		return
	}
	id := info.ID
	time.AfterFunc(p.duration, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cur, err := p.engine.Info(ctx)
		if err != nil || cur.ID != id {
			return
		}
		_ = p.engine.EndCall(ctx, "")
	})
}

func (p *endpoint) OnQualityChanged(t quality.Tier) {
	p.log.WithField("tier", t.String()).Info("quality changed")
}

func (p *endpoint) OnEnded(info domain.SessionInfo, reason string) {
	p.log.WithFields(logrus.Fields{
		"session_id": info.ID,
		"phase":      info.Phase.String(),
		"reason":     reason,
		"duration":   info.Duration.Round(time.Second),
	}).Info("call ended")

	if p.once {
		p.stop()
	}
}
