// SPDX-License-Identifier: MIT

// Package transport owns the websocket endpoint: listener selection, TLS,
// connection upgrade and the per-connection read/write pumps.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/signagekit/signaged/internal/log"
	"github.com/signagekit/signaged/internal/router"
	"github.com/signagekit/signaged/internal/session"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a peer may stay silent before the read pump
	// gives up. Pings go out at a fraction of it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendQueueLen is the per-session outbound buffer.
	sendQueueLen = 64

	// upgradesPerMinute rate-limits connection attempts per source IP.
	upgradesPerMinute = 30
)

// Config holds the transport settings.
type Config struct {
	// Ports is tried in order until one binds.
	Ports []int
	// AutoSelectPort permits falling through to the alternative ports.
	AutoSelectPort bool
	// EndpointPath is the websocket endpoint, e.g. "/ws/".
	EndpointPath string
	// MaxMessageSize caps a single inbound frame in bytes.
	MaxMessageSize int64
	// TLS is the server TLS configuration. Required; the control channel
	// never runs in the clear.
	TLS *tls.Config
	// Healthz and Readyz serve the probe endpoints, optional.
	Healthz http.Handler
	// Readyz serves the readiness probe, optional.
	Readyz http.Handler
}

// DetachFunc is invoked after a session left the registry, with the session
// already closed. Wiring uses it to clear per-session state elsewhere.
type DetachFunc func(s *session.Session)

// Server accepts websocket connections and feeds inbound frames to the
// message router.
type Server struct {
	cfg      Config
	registry *session.Registry
	router   *router.Router
	onDetach DetachFunc

	upgrader websocket.Upgrader
	port     atomic.Int64
}

// New creates the transport server. onDetach may be nil.
func New(cfg Config, reg *session.Registry, rt *router.Router, onDetach DetachFunc) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		router:   rt,
		onDetach: onDetach,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Operator apps connect from arbitrary origins on the LAN;
			// authentication happens in-protocol, not via the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Port returns the bound port, or 0 before Run has a listener.
func (s *Server) Port() int {
	return int(s.port.Load())
}

// Run serves until ctx is cancelled. The listener is bound before Run
// returns control to the caller's goroutine scheduler, so Port is valid as
// soon as the first connection could arrive.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.TLS == nil {
		return fmt.Errorf("transport: TLS configuration is required")
	}

	ln, port, err := s.listen()
	if err != nil {
		return err
	}
	s.port.Store(int64(port))

	mux := chi.NewRouter()
	mux.Use(chimw.RealIP)
	mux.Use(httprate.LimitByIP(upgradesPerMinute, time.Minute))
	mux.Get(s.cfg.EndpointPath, func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	})
	if s.cfg.Healthz != nil {
		mux.Method(http.MethodGet, "/healthz", s.cfg.Healthz)
	}
	if s.cfg.Readyz != nil {
		mux.Method(http.MethodGet, "/readyz", s.cfg.Readyz)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger := log.WithComponent("transport")
	logger.Info().
		Int("port", port).
		Str("path", s.cfg.EndpointPath).
		Str(log.FieldEvent, "transport.listening").
		Msg("websocket endpoint listening")

	err = srv.Serve(tls.NewListener(ln, s.cfg.TLS))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// listen binds the first available configured port.
func (s *Server) listen() (net.Listener, int, error) {
	ports := s.cfg.Ports
	if !s.cfg.AutoSelectPort && len(ports) > 1 {
		ports = ports[:1]
	}

	var lastErr error
	for i, port := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			if i > 0 {
				logger := log.WithComponent("transport")
				logger.Warn().
					Int("port", port).
					Int("preferred", ports[0]).
					Str(log.FieldEvent, "transport.port_fallback").
					Msg("preferred port unavailable, using alternative")
			}
			actual := port
			if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
				actual = tcpAddr.Port
			}
			return ln, actual, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("transport: no usable port in %v: %w", ports, lastErr)
}

func (s *Server) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("transport")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Debug().
			Err(err).
			Str(log.FieldRemoteAddr, r.RemoteAddr).
			Str(log.FieldEvent, "transport.upgrade_failed").
			Msg("upgrade failed")
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	sess := session.New(uuid.NewString(), r.RemoteAddr, sendQueueLen, cancel)
	s.registry.Attach(sess)

	logger.Info().
		Str(log.FieldConnectionID, sess.ID).
		Str(log.FieldRemoteAddr, sess.RemoteAddr).
		Str(log.FieldEvent, "connection.opened").
		Msg("connection opened")

	go s.writePump(conn, sess)
	s.readPump(connCtx, conn, sess)
	s.teardown(sess)
}

// readPump reads frames until the connection dies or the session closes.
// Runs on the upgrade handler's goroutine.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		sess.Touch()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger := log.WithComponent("transport")
				logger.Debug().
					Err(err).
					Str(log.FieldConnectionID, sess.ID).
					Str(log.FieldEvent, "connection.read_error").
					Msg("read failed")
			}
			sess.Close("peer_gone")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msgCtx := log.ContextWithConnectionID(ctx, sess.ID)
		s.router.Dispatch(msgCtx, sess, data)
		if sess.Closed() {
			return
		}
	}
}

// writePump drains the session's outbound queue onto the wire and keeps the
// connection alive with pings. It owns all writes to conn.
func (s *Server) writePump(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-sess.Outbound():
			if !ok {
				// Session closed; tell the peer why before hanging up.
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, sess.CloseReason())
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				sess.Close("write_error")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.Close("ping_failed")
				return
			}
		}
	}
}

func (s *Server) teardown(sess *session.Session) {
	sess.Close("peer_gone")
	s.registry.Detach(sess.ID)
	s.router.Forget(sess.ID)
	if s.onDetach != nil {
		s.onDetach(sess)
	}
	logger := log.WithComponent("transport")
	logger.Info().
		Str(log.FieldConnectionID, sess.ID).
		Str("reason", sess.CloseReason()).
		Str(log.FieldSessionKind, string(sess.Kind())).
		Str(log.FieldEvent, "connection.closed").
		Msg("connection closed")
}
