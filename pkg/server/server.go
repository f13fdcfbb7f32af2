// Package server wires every internal component — storage, embedding,
// access control, the agent registry, the memory service, and the
// session/transport layer — into one ready-to-run TMWS instance. It
// lives in pkg/, not internal/, so an embedding application can import
// it and compose TMWS alongside its own HTTP routes, the same
// separation the teacher's pkg/server/server.go draws for its
// OSS/Enterprise split.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/trinitas/tmws/internal/access"
	"github.com/trinitas/tmws/internal/config"
	"github.com/trinitas/tmws/internal/embedding"
	"github.com/trinitas/tmws/internal/memsvc"
	"github.com/trinitas/tmws/internal/registry"
	"github.com/trinitas/tmws/internal/session"
	"github.com/trinitas/tmws/internal/session/transport"
	"github.com/trinitas/tmws/internal/store"
	"github.com/trinitas/tmws/internal/storageretry"
	"github.com/trinitas/tmws/internal/telemetry"
	"github.com/trinitas/tmws/pkg/models"
)

// Server holds every initialized TMWS component. Fields are exported so
// an embedding application can reach past Handler when it needs to —
// e.g. call Registry.Register to seed agents before accepting traffic.
type Server struct {
	Config *config.Config

	Store    store.Store
	Gateway  *embedding.Gateway
	Policy   *access.Policy
	Limiter  *access.RateLimiter
	Registry *registry.Registry
	Memory   *memsvc.Service

	Router  *session.Router
	Manager *session.Manager
	Auth    *session.ProviderChain

	// Handler serves the WebSocket and HTTP RPC transports.
	Handler http.Handler

	shutdownTelemetry func(context.Context) error
}

// New loads configuration from the environment and builds a Server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig builds a Server from an explicit configuration, the
// entry point tests and embedding applications use to bypass the
// environment.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.TelemetryEnabled, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Environment == config.EnvProduction || os.Getenv("TMWS_FORCE_POSTGRES") != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.VectorDim)
		if err != nil {
			_ = shutdownTelemetry(ctx)
			return nil, fmt.Errorf("connect storage: %w", err)
		}
		dataStore = storageretry.Wrap(pg)
		log.Info().Msg("postgres store connected")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("in-memory store initialized")
	}

	return buildServer(ctx, cfg, dataStore, shutdownTelemetry)
}

// NewWithStore builds a Server around a caller-provided store, letting
// an embedding application supply its own PostgresStore (already
// wrapped in storageretry if desired) instead of the default selection
// NewWithConfig makes from cfg.Environment.
func NewWithStore(ctx context.Context, cfg *config.Config, dataStore store.Store) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.TelemetryEnabled, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return buildServer(ctx, cfg, dataStore, shutdownTelemetry)
}

func buildServer(ctx context.Context, cfg *config.Config, dataStore store.Store, shutdownTelemetry func(context.Context) error) (*Server, error) {
	gw := embedding.NewGateway(1024)
	switch cfg.EmbeddingModel {
	case "http":
		gw.Register(embedding.NewHTTPDriver(os.Getenv("TMWS_EMBEDDING_ENDPOINT"), cfg.VectorDim))
	default:
		gw.Register(embedding.NewStaticDriver(cfg.VectorDim))
	}

	limiter := access.NewRateLimiter(access.RateLimits{
		RequestsPerMinute: cfg.RateReqs,
		SearchesPerMinute: access.DefaultRateLimits.SearchesPerMinute,
		WritesPerMinute:   access.DefaultRateLimits.WritesPerMinute,
	})
	policy := access.NewPolicy(limiter)

	reg := registry.New(dataStore)
	if err := reg.Load(ctx, ""); err != nil {
		return nil, fmt.Errorf("load agent registry: %w", err)
	}
	if err := seedConfiguredAgent(ctx, reg, cfg); err != nil {
		return nil, err
	}
	if err := loadStartupCustomAgents(ctx, reg); err != nil {
		return nil, err
	}

	mem := memsvc.New(dataStore, gw, policy, limiter, reg)

	home, _ := os.UserHomeDir()
	allowlist := []string{"."}
	if home != "" {
		allowlist = append(allowlist, filepath.Join(home, ".tmws"))
	}
	router := session.NewRouter(reg, mem, allowlist)
	mgr := session.NewManager()

	authChain := session.NewProviderChain()
	apiKeyProvider := session.NewAPIKeyProvider()
	if apiKeyProvider.Enabled() {
		authChain.RegisterProvider(apiKeyProvider)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/mcp", transport.NewWebSocketServer(router, reg, mgr, authChain))
	mux.Handle("/", transport.NewHTTPServer(router, reg, mgr, authChain))

	return &Server{
		Config:            cfg,
		Store:             dataStore,
		Gateway:           gw,
		Policy:            policy,
		Limiter:           limiter,
		Registry:          reg,
		Memory:            mem,
		Router:            router,
		Manager:           mgr,
		Auth:              authChain,
		Handler:           mux,
		shutdownTelemetry: shutdownTelemetry,
	}, nil
}

// seedConfiguredAgent registers TMWS_AGENT_ID as a standard agent in
// TMWS_AGENT_NAMESPACE/TMWS_AGENT_CAPABILITIES if set and not already
// known, so a single-agent deployment never needs a separate
// register_agent call before its first tool request.
func seedConfiguredAgent(ctx context.Context, reg *registry.Registry, cfg *config.Config) error {
	if cfg.AgentID == "" {
		return nil
	}
	if _, err := reg.Resolve(ctx, cfg.AgentID); err == nil {
		return nil
	}
	agent := &models.Agent{
		AgentID:      cfg.AgentID,
		DisplayName:  cfg.AgentID,
		AgentType:    models.AgentCustom,
		Namespace:    cfg.AgentNS,
		AccessLevel:  models.AccessStandard,
		Capabilities: cfg.AgentCaps,
		IsActive:     true,
	}
	if err := reg.Register(ctx, agent, false); err != nil {
		return fmt.Errorf("seed TMWS_AGENT_ID: %w", err)
	}
	return nil
}

// loadStartupCustomAgents registers every agent found by
// config.LoadCustomAgents, the same custom_agents.json search path the
// load_agent_profiles tool uses on demand.
func loadStartupCustomAgents(ctx context.Context, reg *registry.Registry) error {
	specs, _, path, err := config.LoadCustomAgents()
	if err != nil {
		return fmt.Errorf("load custom agent file: %w", err)
	}
	if len(specs) == 0 {
		return nil
	}
	for _, spec := range specs {
		id := spec.ID
		if id == "" {
			id = spec.FullID
		}
		agent := &models.Agent{
			AgentID:     id,
			DisplayName: spec.DisplayName,
			AgentType:   models.AgentType(spec.Type),
			Namespace:   spec.Namespace,
			AccessLevel: models.AccessLevel(spec.AccessLevel),
			IsActive:    true,
		}
		if agent.Namespace == "" {
			agent.Namespace = "default"
		}
		if agent.AccessLevel == "" {
			agent.AccessLevel = models.AccessStandard
		}
		if err := reg.Register(ctx, agent, true); err != nil {
			log.Warn().Err(err).Str("agent_id", id).Str("source", path).Msg("skipped custom agent at startup")
		}
	}
	return nil
}

// Shutdown releases the store and flushes telemetry. Safe to call once
// during graceful shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing store")
	}
	if s.shutdownTelemetry != nil {
		return s.shutdownTelemetry(ctx)
	}
	return nil
}
