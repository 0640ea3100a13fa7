package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaynet/relay-core/internal/accounts"
	"github.com/relaynet/relay-core/internal/config"
	"github.com/relaynet/relay-core/internal/fanout"
	"github.com/relaynet/relay-core/internal/invite"
	"github.com/relaynet/relay-core/internal/kv"
	"github.com/relaynet/relay-core/internal/presence"
	"github.com/relaynet/relay-core/internal/queue"
	"github.com/relaynet/relay-core/internal/ratelimit"
	"github.com/relaynet/relay-core/internal/relay"
	"github.com/relaynet/relay-core/internal/safety"
	"github.com/relaynet/relay-core/internal/session"
	"github.com/relaynet/relay-core/internal/transport"
)

// NodeServer wires dependencies and hosts the websocket relay endpoint
// plus its admin sidecar, in place of the teacher's gRPC server.
type NodeServer struct {
	cfg config.Config
	log *zap.Logger

	kv       kv.Commander
	accounts accounts.Store

	wsServer    *http.Server
	adminServer *http.Server
	wsAddr      net.Addr
	adminAddr   net.Addr

	bus        *fanout.Bus
	sessions   *session.Registry
	dispatcher *relay.Dispatcher

	ready   atomic.Bool
	started chan struct{}
}

// NewNodeServer constructs a server with its dependencies. client is the
// shared KV/pub-sub backend; accountsStore is the external account
// persistence layer (Postgres in production, an in-memory stand-in for
// tests and local runs).
func NewNodeServer(cfg config.Config, logger *zap.Logger, client kv.Commander, accountsStore accounts.Store) *NodeServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeServer{
		cfg:      cfg,
		log:      logger,
		kv:       client,
		accounts: accountsStore,
		started:  make(chan struct{}),
	}
}

// Started closes once the listeners are bound and the server is ready to
// accept connections. Tests should wait on this instead of sleeping.
func (s *NodeServer) Started() <-chan struct{} {
	return s.started
}

// Start boots the websocket listener and the admin sidecar and blocks until
// ctx is canceled. Fan-out subscriptions are opened by the transport
// handler as each session binds to an identity.
func (s *NodeServer) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(reg)

	s.sessions = session.NewRegistry()
	pres := presence.New(s.kv, s.cfg.Limits.PresenceTTL)
	q := queue.New(s.kv, s.cfg.Limits.QueueTTL, s.cfg.Limits.MaxQueueLen)
	limiter := ratelimit.New(s.cfg.Limits.MaxTokens, s.cfg.Limits.RefillRatePerSec)
	s.bus = fanout.New(s.kv, s.log)

	s.dispatcher = relay.NewDispatcher(relay.Config{
		InstanceID:     s.cfg.InstanceID,
		MaxPayloadSize: int(s.cfg.Limits.MaxPayloadBytes),
	}, s.sessions, pres, q, limiter, s.bus, metrics, s.log)

	invites := invite.New(s.kv, s.accounts, s.cfg.Limits.InviteTTL, s.cfg.Limits.SyncCodeTTL)
	safetyLog := safety.New(s.log)

	handler := transport.New(s.log, s.sessions, s.dispatcher, limiter, invites, s.accounts, safetyLog, s.bus, transport.Options{
		MaxFrameBytes: s.cfg.Limits.MaxFrameBytes,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	s.wsServer = &http.Server{Handler: mux}

	lis, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", s.cfg.Port, err)
	}
	s.wsAddr = lis.Addr()

	if err := s.startAdminServer(reg); err != nil {
		return err
	}

	go func() {
		if err := s.wsServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("websocket server stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.wsAddr.String()), zap.String("instance_id", s.cfg.InstanceID))
	s.ready.Store(true)
	close(s.started)
	<-ctx.Done()
	return nil
}

func (s *NodeServer) startAdminServer(reg *prometheus.Registry) error {
	if s.cfg.AdminAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lis, err := net.Listen("tcp", s.cfg.AdminAddress)
	if err != nil {
		return fmt.Errorf("listen on admin address %s: %w", s.cfg.AdminAddress, err)
	}
	s.adminAddr = lis.Addr()

	go func() {
		if err := s.adminServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
	return nil
}

// Addr returns the websocket listener's bound address. Only valid after
// Start has been called.
func (s *NodeServer) Addr() net.Addr {
	return s.wsAddr
}

// AdminAddr returns the admin sidecar's bound address, or nil if the
// admin server was not enabled. Only valid after Start has been called.
func (s *NodeServer) AdminAddr() net.Addr {
	return s.adminAddr
}

// Shutdown attempts a graceful stop of both listeners before ctx expires.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.wsServer != nil {
		if err := s.wsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("websocket server shutdown", zap.Error(err))
		}
	}
	s.log.Info("server stopped")
}
