package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/trinitas/tmws/internal/registry"
	"github.com/trinitas/tmws/internal/session"
	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/middleware"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second

	// wsRequestDeadline bounds a single tool dispatch, per spec.md §5:
	// "every suspension is cancellable via a per-request deadline
	// (default 30s)".
	wsRequestDeadline = 30 * time.Second
)

// WebSocketServer upgrades an HTTP connection and runs one Session per
// connection for its lifetime, the long-lived full-duplex carrier
// spec.md §6 describes for interactive agent clients.
type WebSocketServer struct {
	Router *session.Router
	Reg    *registry.Registry
	Auth   contracts.AuthProviderChain
	// Mgr is consulted only for the spec.md §5 1,024 concurrent session
	// ceiling; idle reaping for WS connections stays on the local
	// ticker below, not Mgr's sweep.
	Mgr *session.Manager

	upgrader websocket.Upgrader
}

// NewWebSocketServer builds a server with origin checking left to the
// caller's reverse proxy / CORS layer, matching the teacher's
// permissive-upgrade-then-authenticate ordering.
func NewWebSocketServer(router *session.Router, reg *registry.Registry, mgr *session.Manager, auth contracts.AuthProviderChain) *WebSocketServer {
	return &WebSocketServer{
		Router: router,
		Reg:    reg,
		Mgr:    mgr,
		Auth:   auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection, authenticates it, then pumps Frames
// until the socket closes or the session idles out.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var agentID string
	if s.Auth != nil {
		identity, err := s.Auth.Authenticate(ctx, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if identity != nil {
			agentID = identity.AgentID
			ctx = middleware.SetIdentity(ctx, identity)
		}
	}
	if ns := r.Header.Get("X-Namespace"); ns != "" {
		ctx = middleware.SetNamespace(ctx, ns)
	}

	if s.Mgr != nil && s.Mgr.AtCapacity() {
		http.Error(w, "too many concurrent sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(session.MaxFrameBytes)

	sess := session.New(s.Reg, agentID)
	sess.SetState(session.StateSteady)
	if s.Mgr != nil {
		s.Mgr.Add(sess)
		defer s.Mgr.Remove(sess.ID())
	}
	defer sess.Close()

	done := make(chan struct{})
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req session.Frame
			if err := json.Unmarshal(data, &req); err != nil {
				_ = s.writeFrame(conn, session.Frame{Error: &session.FrameError{Code: string(contracts.CodeValidation), Message: "malformed frame: " + err.Error()}})
				continue
			}

			reqCtx, cancel := context.WithTimeout(ctx, wsRequestDeadline)
			resp := s.Router.Dispatch(reqCtx, sess, req)
			cancel()
			if err := s.writeFrame(conn, resp); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if sess.IdleFor() > session.IdleTimeout {
				return
			}
		}
	}
}

func (s *WebSocketServer) writeFrame(conn *websocket.Conn, f session.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(f)
}
