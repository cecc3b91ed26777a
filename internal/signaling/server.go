package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lumenchat/signal-relay/internal/metrics"
	"github.com/lumenchat/signal-relay/internal/registry"
	"github.com/lumenchat/signal-relay/internal/store"
)

// bearerSubprotocolPrefix marks a WebSocket subprotocol entry carrying the
// bearer token, for clients that cannot set a query parameter.
const bearerSubprotocolPrefix = "bearer."

// Config carries the per-connection hardening knobs.
type Config struct {
	// MaxMessageBytes caps the size of one inbound frame.
	MaxMessageBytes int64
	// MessagesPerSecond caps the sustained inbound message rate per
	// connection; bursts up to one second's allowance are tolerated.
	MessagesPerSecond int
}

// Server terminates signaling WebSockets: it authenticates the upgrade,
// registers the connection, and runs the per-connection read/write loops.
type Server struct {
	cfg       Config
	router    *Router
	reg       *registry.Registry
	store     store.Store
	peers     PeerSessions
	validator TokenValidator
	log       *slog.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
}

func NewServer(
	cfg Config,
	router *Router,
	reg *registry.Registry,
	st store.Store,
	peers PeerSessions,
	validator TokenValidator,
	log *slog.Logger,
	m *metrics.Metrics,
) *Server {
	return &Server{
		cfg:       cfg,
		router:    router,
		reg:       reg,
		store:     st,
		peers:     peers,
		validator: validator,
		log:       log,
		metrics:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Signaling clients are native apps and test harnesses, not
			// browsers on an origin we control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /socket", s.handleSocket)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	token, fromSubprotocol := tokenFromRequest(r)
	if token == "" {
		s.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := s.validator.Validate(r.Context(), token)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		s.log.Info("rejected socket upgrade", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// Echo the token-bearing subprotocol back so the client's handshake
	// completes. gorilla takes the negotiated protocol from this header.
	var responseHeader http.Header
	if fromSubprotocol != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{fromSubprotocol}}
	}

	ws, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.Info("socket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	connID := uuid.NewString()
	log := s.log.With("conn_id", connID, "user_id", claims.UserID())

	// Metadata is visible before the connection can receive anything, so a
	// concurrent refresh or cleanup never sees a registered-but-unknown conn.
	if err := s.store.SetMetadata(r.Context(), connID, store.Metadata{
		UserID:         claims.UserID(),
		LastVerifiedAt: time.Now(),
	}); err != nil {
		log.Error("metadata write failed on connect", "error", err)
		_ = ws.Close()
		return
	}

	handle := s.reg.Register(connID)
	s.metrics.Inc(metrics.ConnectionOpened)
	log.Info("connection opened", "remote", r.RemoteAddr)

	// The request context dies when this handler returns; the connection
	// outlives it.
	conn := newClientConn(connID, ws, handle, s, log)
	go conn.run(context.Background())
}

// tokenFromRequest extracts the bearer token from the ?token= query parameter
// or, failing that, from a "bearer.<token>" WebSocket subprotocol entry. The
// second return is the matched subprotocol so the handshake can echo it.
func tokenFromRequest(r *http.Request) (token, subprotocol string) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}

	for _, entry := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(entry, ",") {
			proto = strings.TrimSpace(proto)
			if t, ok := strings.CutPrefix(proto, bearerSubprotocolPrefix); ok && t != "" {
				return t, proto
			}
		}
	}
	return "", ""
}
