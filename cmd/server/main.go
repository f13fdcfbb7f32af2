// Command server runs TMWS, the Trinitas multi-agent working-memory
// service: a long-running process that many agent clients connect to
// over stdio, WebSocket, or HTTP to store and search semantic memories.
package main

import (
	"bufio"
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/trinitas/tmws/internal/config"
	"github.com/trinitas/tmws/internal/session"
	"github.com/trinitas/tmws/internal/session/transport"
	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/server"
)

// Exit codes per spec.md §6.
const (
	exitOK           = 0
	exitConfigError  = 2
	exitStorageError = 3
	exitBadArgument  = 64
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	stdioMode := flag.Bool("stdio", false, "run a single embedded session over stdin/stdout instead of serving HTTP/WebSocket")
	flag.Parse()
	if flag.NArg() > 0 {
		log.Error().Strs("args", flag.Args()).Msg("unexpected positional arguments")
		os.Exit(exitBadArgument)
	}

	log.Info().Msg("tmws starting")

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		os.Exit(exitConfigError)
	}
	setLogLevel(cfg.LogLevel)

	ctx := context.Background()
	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		if contracts.CodeOf(err) == contracts.CodeValidation {
			log.Error().Err(err).Msg("configuration error")
			os.Exit(exitConfigError)
		}
		log.Error().Err(err).Msg("storage unreachable")
		os.Exit(exitStorageError)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	defer func() {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("error during shutdown")
		}
	}()

	if *stdioMode {
		runStdio(ctx, srv, cfg)
		os.Exit(exitOK)
	}
	runHTTP(srv, cfg)
}

func runStdio(ctx context.Context, srv *server.Server, cfg *config.Config) {
	stdio := &transport.StdioServer{Router: srv.Router, Reg: srv.Registry}
	reader := bufio.NewReaderSize(os.Stdin, 64*1024)
	if err := stdio.Serve(ctx, reader, os.Stdout, cfg.AgentID); err != nil {
		log.Error().Err(err).Msg("stdio session ended with error")
	}
}

func runHTTP(srv *server.Server, cfg *config.Config) {
	httpServer := &http.Server{
		Addr:         ":" + itoa(cfg.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go reapIdleSessions(srv.Manager)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", cfg.Port).Msg("tmws ready")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server failed")
		os.Exit(exitStorageError)
	}
}

// reapIdleSessions sweeps the session manager for connections that have
// gone past session.IdleTimeout, matching spec.md §4.G's idle-timeout
// lifecycle transition.
func reapIdleSessions(mgr *session.Manager) {
	ticker := time.NewTicker(session.IdleTimeout / 4)
	defer ticker.Stop()
	for range ticker.C {
		if reaped := mgr.Sweep(); len(reaped) > 0 {
			log.Info().Int("count", len(reaped)).Msg("reaped idle sessions")
		}
	}
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
