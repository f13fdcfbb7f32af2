// Package session implements the Session & Tool Router from spec.md
// §4.G: the wire protocol frame types, a static tool-dispatch table,
// and the session lifecycle (open → authenticate? → steady → closing →
// closed) shared by every transport.
package session

import "encoding/json"

// Frame is the one message shape every transport (stdio, WebSocket,
// HTTP) carries. A request sets Tool/Params; a response sets Result or
// Error; a server-initiated notification omits ID entirely.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`
}

// FrameError is the {code, message} shape spec.md §4.G and §7 pin for
// every error response. retry_after is present only for ErrRateLimited.
type FrameError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// MaxFrameBytes bounds one incoming JSON frame (spec.md §5).
const MaxFrameBytes = 1 << 20

// MaxContentBytes bounds memory content, applied by pkg/models.Memory's
// own Validate, restated here since transports may want to reject an
// oversized frame before even decoding it.
const MaxContentBytes = 65535
