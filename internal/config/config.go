package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Client holds the call endpoint configuration.
type Client struct {
	Identity    domain.Identity
	DisplayName string
	// RelayURL is the relay's HTTP base URL; tickets come from there.
	RelayURL string
	// Token authenticates against the relay. When empty it is minted from
	// JWTSecret, which only makes sense against a development relay.
	Token       string
	JWTSecret   string
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	VideoFile   string
	VideoOut    string
	Engine      Engine
}

// Relay holds the relay server configuration.
type Relay struct {
	Addr           string
	PublicURL      string
	JWTSecret      string
	TokenTTL       time.Duration
	AllowedOrigins []string
	STUNURLs       []string
	TURNURLs       []string
	TURNSecret     string
	TURNTTL        time.Duration
	RateLimit      float64
	RateBurst      int
	LogLevel       string
	LogFormat      string
}

// LoadClient reads configuration from a .env file (if present) and
// environment variables. Environment variables take precedence over .env
// values. CALL_ENGINE_CONFIG optionally names a YAML engine file.
func LoadClient() (*Client, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Client{
		Identity:    domain.Identity(os.Getenv("CALL_IDENTITY")),
		DisplayName: os.Getenv("CALL_DISPLAY_NAME"),
		RelayURL:    os.Getenv("CALL_RELAY_URL"),
		Token:       os.Getenv("CALL_TOKEN"),
		JWTSecret:   os.Getenv("CALL_JWT_SECRET"),
		LogLevel:    envOr("CALL_LOG_LEVEL", "info"),
		LogFormat:   envOr("CALL_LOG_FORMAT", "text"),
		MetricsAddr: os.Getenv("CALL_METRICS_ADDR"),
		VideoFile:   os.Getenv("CALL_VIDEO_FILE"),
		VideoOut:    os.Getenv("CALL_VIDEO_OUT"),
	}

	if cfg.Identity == "" {
		return nil, fmt.Errorf("CALL_IDENTITY environment variable is required")
	}
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("CALL_RELAY_URL environment variable is required")
	}
	if cfg.Token == "" && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("one of CALL_TOKEN or CALL_JWT_SECRET is required")
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = string(cfg.Identity)
	}

	cfg.Engine = DefaultEngine()
	if path := os.Getenv("CALL_ENGINE_CONFIG"); path != "" {
		eng, err := LoadEngine(path)
		if err != nil {
			return nil, err
		}
		cfg.Engine = eng
	}

	return cfg, nil
}

// LoadRelay reads the relay configuration the same way as LoadClient.
func LoadRelay() (*Relay, error) {
	_ = godotenv.Load()

	cfg := &Relay{
		Addr:           envOr("RELAY_ADDR", ":8080"),
		PublicURL:      os.Getenv("RELAY_PUBLIC_URL"),
		JWTSecret:      os.Getenv("RELAY_JWT_SECRET"),
		AllowedOrigins: list(os.Getenv("RELAY_ALLOWED_ORIGINS")),
		STUNURLs:       list(envOr("RELAY_STUN_URLS", "stun:stun.l.google.com:19302")),
		TURNURLs:       list(os.Getenv("RELAY_TURN_URLS")),
		TURNSecret:     os.Getenv("RELAY_TURN_SECRET"),
		LogLevel:       envOr("RELAY_LOG_LEVEL", "info"),
		LogFormat:      envOr("RELAY_LOG_FORMAT", "text"),
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("RELAY_JWT_SECRET environment variable is required")
	}

	var err error
	if cfg.TokenTTL, err = durationEnv("RELAY_TOKEN_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.TURNTTL, err = durationEnv("RELAY_TURN_TTL", 12*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = floatEnv("RELAY_RATE_LIMIT", 50); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = intEnv("RELAY_RATE_BURST", 100); err != nil {
		return nil, err
	}
	if len(cfg.TURNURLs) > 0 && cfg.TURNSecret == "" {
		return nil, fmt.Errorf("RELAY_TURN_SECRET is required when RELAY_TURN_URLS is set")
	}

	return cfg, nil
}

// NewLogger builds a logrus logger from a level name and a format
// ("text" or "json").
func NewLogger(level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	switch format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
	return log, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func list(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
