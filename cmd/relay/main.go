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

	"github.com/clubhouse/callengine/internal/config"
	"github.com/clubhouse/callengine/internal/domain"
	"github.com/clubhouse/callengine/internal/observe"
	"github.com/clubhouse/callengine/internal/relay"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const helpText = `relay - signaling relay for callclient endpoints

Usage:
  relay [options]

Serves /ws (websocket signaling), /api/ticket (ICE servers), /healthz and
/metrics.

Environment Variables:
  RELAY_JWT_SECRET       token signing secret (required)
  RELAY_ADDR             listen address (default :8080)
  RELAY_PUBLIC_URL       websocket URL advertised in tickets
  RELAY_ALLOWED_ORIGINS  comma-separated CORS origins
  RELAY_STUN_URLS        comma-separated STUN URLs
  RELAY_TURN_URLS        comma-separated TURN URLs
  RELAY_TURN_SECRET      TURN REST shared secret
  RELAY_TURN_TTL         TURN credential lifetime (default 12h)
  RELAY_TOKEN_TTL        minted token lifetime (default 24h)
  RELAY_RATE_LIMIT       envelopes per second per connection (default 50)
  RELAY_RATE_BURST       envelope burst per connection (default 100)

Examples:
  # Print a development token for alice
  relay -mint alice

Options:
`

func main() {
	var mint string
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
		flag.PrintDefaults()
	}
	flag.StringVar(&mint, "mint", "", "print a token for this identity and exit")
	flag.Parse()

	cfg, err := config.LoadRelay()
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

	tokens := relay.NewTokens([]byte(cfg.JWTSecret), cfg.TokenTTL, nil)
	if mint != "" {
		tok, err := tokens.Mint(domain.Identity(mint))
		if err != nil {
			log.WithError(err).Fatal("mint token")
		}
		fmt.Println(tok)
		return
	}

	if err := run(cfg, tokens, logger); err != nil {
		log.WithError(err).Fatal("relay failed")
	}
	log.Info("server stopped gracefully")
}

func run(cfg *config.Relay, tokens *relay.Tokens, logger *logrus.Logger) error {
	log := logger.WithField("component", "main")

	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider, err := observe.NewProvider("relay", "dev")
	if err != nil {
		return fmt.Errorf("metrics provider: %w", err)
	}
	defer provider.Shutdown(context.Background())
	metrics, err := observe.NewMetrics(provider)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	srv := relay.NewServer(relay.Config{
		PublicURL:      cfg.PublicURL,
		AllowedOrigins: cfg.AllowedOrigins,
		ICE: relay.ICEConfig{
			STUN:       cfg.STUNURLs,
			TURN:       cfg.TURNURLs,
			TURNSecret: cfg.TURNSecret,
			TURNTTL:    cfg.TURNTTL,
		},
		RateLimit:      rate.Limit(cfg.RateLimit),
		RateBurst:      cfg.RateBurst,
		Metrics:        metrics,
		MetricsHandler: provider.Handler(),
		Log:            logrus.NewEntry(logger),
	}, tokens)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.Addr).Info("relay listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		// Close websockets first; Shutdown does not wait for hijacked connections.
		srv.Hub().Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
