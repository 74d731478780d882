package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/clubhouse/callengine/internal/domain"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config holds relay server settings.
type Config struct {
	// PublicURL is the websocket URL advertised in tickets. When empty it is
	// derived from the ticket request's Host.
	PublicURL      string
	AllowedOrigins []string
	ICE            ICEConfig
	// RateLimit and RateBurst bound envelopes per connection.
	RateLimit rate.Limit
	RateBurst int
	Metrics   Metrics
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	Clock          clock.Clock
	Log            *logrus.Entry
}

// Server is the signaling relay: it authenticates identities, answers
// presence queries and forwards envelopes without reading them.
type Server struct {
	cfg      Config
	hub      *Hub
	tokens   *Tokens
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewServer creates a relay using tokens for authentication.
func NewServer(cfg Config, tokens *Tokens) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}

	s := &Server{
		cfg:    cfg,
		hub:    NewHub(cfg.Metrics, cfg.Log),
		tokens: tokens,
		log:    cfg.Log.WithField("component", "relay"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub exposes the connection registry.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the relay's HTTP routes wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleConnection)
	mux.HandleFunc("GET /api/ticket", s.handleTicket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}

	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(mux)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// handleConnection authenticates ws?token=JWT and upgrades.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	id, err := s.tokens.Validate(token)
	if err != nil {
		s.log.WithError(err).Debug("rejected connection")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("identity", id).Warn("upgrade failed")
		return
	}

	c := &conn{
		hub:      s.hub,
		ws:       ws,
		id:       uuid.NewString(),
		identity: id,
		send:     make(chan []byte, sendBufferSize),
		limiter:  rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst),
	}
	c.log = s.log.WithFields(logrus.Fields{"identity": id, "conn_id": c.id})

	s.hub.add(c)
	go c.writePump()
	c.readPump()
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	id, err := s.tokens.Validate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	t := s.cfg.ICE.ticket(id, s.relayURL(r), s.cfg.Clock.Now())
	s.log.WithFields(logrus.Fields{
		"identity":    id,
		"ice_servers": len(t.ICEServers),
		"expires_at":  t.ExpiresAt.Format(time.RFC3339),
	}).Debug("issued ticket")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(t)
}

func (s *Server) relayURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL
	}
	scheme := "ws"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + "/ws"
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}

// Online reports whether id is connected. Used by health tooling and tests.
func (s *Server) Online(id domain.Identity) bool {
	return s.hub.Online(id)
}
