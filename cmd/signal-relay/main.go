package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/lumenchat/signal-relay/internal/auth"
	"github.com/lumenchat/signal-relay/internal/config"
	"github.com/lumenchat/signal-relay/internal/httpserver"
	"github.com/lumenchat/signal-relay/internal/metrics"
	"github.com/lumenchat/signal-relay/internal/peer"
	"github.com/lumenchat/signal-relay/internal/registry"
	"github.com/lumenchat/signal-relay/internal/signaling"
	"github.com/lumenchat/signal-relay/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signal-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"issuer_url_set", cfg.IssuerURL != "",
		"redis_url_set", cfg.RedisURL != "",
		"stun_urls", cfg.STUNURLs,
		"outbound_queue_size", cfg.OutboundQueueSize,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)

	m := metrics.New()

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		logger.Error("failed to configure state store", "err", err)
		os.Exit(2)
	}
	defer closeStore()

	var keys auth.KeyLookup
	if jwksURL := cfg.JWKSURL(); jwksURL != "" {
		keys = auth.NewKeySet(jwksURL, cfg.ServiceKey, &http.Client{Timeout: cfg.JWKSHTTPTimeout})
	}
	validator := auth.NewValidator([]byte(cfg.JWTSecret), keys, cfg.JWTAudience)

	// Construct the WebRTC API early so misconfigurations are caught on
	// startup; ICE sockets only appear once sessions are created.
	peerMgr, err := peer.NewManager(cfg.ICEServers())
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}
	defer peerMgr.CloseAll()

	reg := registry.New(cfg.OutboundQueueSize)
	peers := signaling.NewPeerSessions(peerMgr)
	router := signaling.NewRouter(st, reg, peers, validator, logger, m)
	sig := signaling.NewServer(signaling.Config{
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	}, router, reg, st, peers, validator, logger, m)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Shutdown leaves upgraded WebSockets alone; Close severs them so their
	// per-connection cleanup runs.
	_ = srv.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func buildStore(cfg config.Config) (store.Store, func(), error) {
	if cfg.RedisURL == "" {
		return store.NewMemory(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	rs, err := store.NewRedisFromURL(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { _ = rs.Close() }, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
