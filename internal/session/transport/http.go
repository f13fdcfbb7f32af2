package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/trinitas/tmws/internal/registry"
	"github.com/trinitas/tmws/internal/session"
	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/middleware"
)

const httpRequestTimeout = 30 * time.Second

// NewHTTPServer builds the request/response carrier spec.md §6 names for
// stateless clients: one Frame per POST, a fresh or resumed Session
// keyed by the X-Session-Id header. CORS origins follow the teacher's
// wildcard-unless-configured default (internal/api/router.go), renamed
// to this service's env prefix.
func NewHTTPServer(router *session.Router, reg *registry.Registry, mgr *session.Manager, auth contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))

	origins := parseCORSOrigins()
	wildcard := len(origins) == 1 && origins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"POST", "GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	}))

	h := &httpHandler{router: router, reg: reg, mgr: mgr, auth: auth}

	r.Get("/health", healthHandler)
	r.Post("/v1/rpc", h.handleRPC)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type httpHandler struct {
	router *session.Router
	reg    *registry.Registry
	mgr    *session.Manager
	auth   contracts.AuthProviderChain
}

// handleRPC decodes one Frame from the request body, resolves or
// creates the session named by X-Session-Id, dispatches the tool call,
// and writes the response Frame as JSON.
func (h *httpHandler) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), httpRequestTimeout)
	defer cancel()

	body, err := io.ReadAll(io.LimitReader(r.Body, session.MaxFrameBytes+1))
	if err != nil {
		writeError(w, contracts.NewValidationError("failed to read request body"))
		return
	}
	if len(body) > session.MaxFrameBytes {
		writeError(w, contracts.NewValidationError("request frame exceeds %d bytes", session.MaxFrameBytes))
		return
	}

	var req session.Frame
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, contracts.NewValidationError("malformed frame: %v", err))
		return
	}

	var agentID string
	if h.auth != nil {
		identity, err := h.auth.Authenticate(ctx, r)
		if err != nil {
			writeError(w, err)
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

	sess, err := h.resolveSession(r, agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := h.router.Dispatch(ctx, sess, req)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Session-Id", sess.ID())
	_ = json.NewEncoder(w).Encode(resp)
}

// resolveSession finds the session named by X-Session-Id, creating and
// registering a fresh one on first contact. HTTP is connectionless, so
// the session outlives any single request inside mgr until it idles out
// (spec.md §4.G).
func (h *httpHandler) resolveSession(r *http.Request, agentID string) (*session.Session, error) {
	id := r.Header.Get("X-Session-Id")
	if id != "" {
		if sess, ok := h.mgr.Get(id); ok {
			return sess, nil
		}
	}
	if h.mgr.AtCapacity() {
		return nil, contracts.NewRateLimitedError(5)
	}
	sess := session.New(h.reg, agentID)
	sess.SetState(session.StateSteady)
	h.mgr.Add(sess)
	return sess, nil
}

func writeError(w http.ResponseWriter, err error) {
	code := contracts.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case contracts.CodeValidation:
		status = http.StatusBadRequest
	case contracts.CodePermission:
		status = http.StatusForbidden
	case contracts.CodeRateLimited:
		status = http.StatusTooManyRequests
	case contracts.CodeNotFound:
		status = http.StatusNotFound
	case contracts.CodeNameConflict, contracts.CodeDuplicateID:
		status = http.StatusConflict
	case contracts.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(session.Frame{Error: &session.FrameError{Code: string(code), Message: err.Error()}})
}

// parseCORSOrigins reads TMWS_CORS_ORIGINS, defaulting to a wildcard
// (open access, credentials disabled), the same default/override shape
// as the teacher's AGENTOVEN_CORS_ORIGINS.
func parseCORSOrigins() []string {
	raw := os.Getenv("TMWS_CORS_ORIGINS")
	if raw == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
