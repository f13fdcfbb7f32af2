// Package transport adapts session.Router/session.Manager to the three
// wire carriers spec.md §6 names: stdio, WebSocket, and HTTP. Every
// carrier does the same thing — decode a Frame, hand it to
// Router.Dispatch, encode the response Frame back out — differing only
// in how bytes move.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trinitas/tmws/internal/registry"
	"github.com/trinitas/tmws/internal/session"
	"github.com/trinitas/tmws/pkg/contracts"
)

// requestDeadline bounds a single tool dispatch, per spec.md §5: "every
// suspension is cancellable via a per-request deadline (default 30s)".
const requestDeadline = 30 * time.Second

// StdioServer runs one session for the lifetime of the process, reading
// newline-delimited Frame requests from r and writing newline-delimited
// Frame responses to w. This is the single-client, no-network mode
// spec.md §6 describes for local/embedded use.
type StdioServer struct {
	Router *session.Router
	Reg    *registry.Registry
}

// Serve blocks until r is exhausted or ctx is cancelled. agentID seeds
// the session's initial current agent; it may be empty.
func (s *StdioServer) Serve(ctx context.Context, r io.Reader, w io.Writer, agentID string) error {
	sess := session.New(s.Reg, agentID)
	sess.SetState(session.StateSteady)
	defer sess.Close()

	enc := json.NewEncoder(w)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), session.MaxFrameBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req session.Frame
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(session.Frame{Error: &session.FrameError{Code: string(contracts.CodeValidation), Message: "malformed frame: " + err.Error()}})
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestDeadline)
		resp := s.Router.Dispatch(reqCtx, sess, req)
		cancel()
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("stdio transport read failed")
		return err
	}
	return nil
}
