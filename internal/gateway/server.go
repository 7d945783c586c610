// Package gateway terminates customer and agent websocket connections.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/moy-bank/support-gateway/internal/model"
	"github.com/moy-bank/support-gateway/internal/room"
	"github.com/moy-bank/support-gateway/pkg/logger"
	"github.com/moy-bank/support-gateway/pkg/metrics"
)

// Subprotocol is the application protocol negotiated with clients. Browser
// clients that cannot set headers offer it together with "bearer.<token>".
const Subprotocol = "support.v1"

const bearerProtocolPrefix = "bearer."

// Verifier turns a handshake token into an identity.
type Verifier interface {
	Verify(token string) (model.Identity, error)
}

// Sender runs the send pipeline for one message.
type Sender interface {
	Send(ctx context.Context, author model.Identity, conversationID, body string) (*model.Message, error)
}

// Config holds connection tuning.
type Config struct {
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	ReadLimit         int64
	OriginPatterns    []string
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 16 * 1024
	}
	return c
}

// Server accepts websocket connections and owns them until they close.
type Server struct {
	cfg      Config
	verifier Verifier
	rooms    *room.Registry
	sender   Sender
	logger   *logger.Logger

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	draining bool
	drained  chan struct{}
}

// NewServer creates a new gateway server.
func NewServer(cfg Config, verifier Verifier, rooms *room.Registry, sender Sender, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		rooms:    rooms,
		sender:   sender,
		logger:   log,
		conns:    make(map[*Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	identity, verifyErr := s.verifier.Verify(token)

	// The server's write timeout would cut long-lived sockets.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("Could not clear write deadline", zap.Error(err))
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     s.cfg.OriginPatterns,
		InsecureSkipVerify: allowsAnyOrigin(s.cfg.OriginPatterns),
	})
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	if verifyErr != nil {
		metrics.HandshakeFailures.Inc()
		s.logger.Info("Rejected websocket handshake",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(verifyErr),
		)
		s.reject(ws, verifyErr)
		return
	}

	c := newConn(s, ws, identity)
	if !s.track(c) {
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)

	c.run()
}

func (s *Server) reject(ws *websocket.Conn, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	_ = wsjson.Write(ctx, ws, model.NewErrorEvent(cause))
	_ = ws.Close(websocket.StatusPolicyViolation, string(model.CodeUnauthenticated))
}

// track registers c unless the server is shutting down.
func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	if s.draining && len(s.conns) == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting connections and closes every live connection
// with a going-away status. It waits for them to finish until ctx is done,
// then drops the rest without a close handshake.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	var drained chan struct{}
	if len(conns) > 0 {
		drained = make(chan struct{})
		s.drained = drained
	}
	s.mu.Unlock()

	s.logger.Info("Closing websocket connections", zap.Int("count", len(conns)))
	for _, c := range conns {
		c.requestClose(websocket.StatusGoingAway, "server shutting down")
	}
	if drained == nil {
		return nil
	}

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.CloseNow()
		}
		return ctx.Err()
	}
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(header, ",") {
			proto = strings.TrimSpace(proto)
			if strings.HasPrefix(proto, bearerProtocolPrefix) {
				return strings.TrimPrefix(proto, bearerProtocolPrefix)
			}
		}
	}
	return ""
}

func allowsAnyOrigin(patterns []string) bool {
	for _, p := range patterns {
		if p == "*" {
			return true
		}
	}
	return false
}

func newConnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
