// Package server wires the duel runtime: storage, engine, WebSocket gateway,
// and the gRPC ops endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/duelground/duelground/internal/platform/timeouts"
	duelengine "github.com/duelground/duelground/internal/services/duel/engine"
	"github.com/duelground/duelground/internal/services/duel/gateway"
	"github.com/duelground/duelground/internal/services/duel/registry"
	duelsqlite "github.com/duelground/duelground/internal/services/duel/storage/sqlite"
	"github.com/duelground/duelground/internal/telemetry"
)

// HealthService is the service name reported on the gRPC health endpoint.
const HealthService = "duelground.duel"

// Config defines the inputs for the duel runtime.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	DBPath   string

	ResponseWindow    time.Duration
	SessionDuration   time.Duration
	PresenceTTL       time.Duration
	AbortOnDisconnect bool

	// Grants enables access grant verification on the WebSocket endpoint.
	// When nil the gateway falls back to unauthenticated identities, which
	// is only acceptable behind a trusted proxy or in tests.
	Grants *gateway.GrantConfig
}

// Server hosts the duel HTTP/WebSocket process and its gRPC ops endpoint.
type Server struct {
	httpListener net.Listener
	httpServer   *http.Server
	grpcListener net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
	store        *duelsqlite.Store
	engine       *duelengine.Engine
}

// New creates a configured duel server listening on the configured addresses.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "duel.db")
	}

	store, err := openDuelStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	reg := registry.New(store, cfg.PresenceTTL)
	eng, err := duelengine.New(duelengine.Config{
		Invites:  store,
		Sessions: store,
		Registry: reg,
		Emitter:  telemetry.NewEmitter(store),
		Policy: duelengine.Policy{
			ResponseWindow:    cfg.ResponseWindow,
			SessionDuration:   cfg.SessionDuration,
			AbortOnDisconnect: cfg.AbortOnDisconnect,
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	if err := eng.RearmDeadlines(context.Background()); err != nil {
		eng.Close()
		_ = store.Close()
		return nil, fmt.Errorf("rearm deadlines: %w", err)
	}

	var handler http.Handler
	if cfg.Grants != nil && cfg.Grants.Configured() {
		handler = gateway.NewHandlerWithGrants(eng, *cfg.Grants)
	} else {
		log.Printf("duel: websocket auth disabled, identities come from the user query param")
		handler = gateway.NewHandler(eng)
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		eng.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		eng.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		httpListener: httpListener,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		grpcListener: grpcListener,
		grpcServer:   grpcServer,
		health:       healthServer,
		store:        store,
		engine:       eng,
	}, nil
}

// HTTPAddr returns the bound HTTP listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC listener address.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates and serves a duel server until context cancellation.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the HTTP and gRPC servers until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("duel server listening at %v (ops %v)", s.httpListener.Addr(), s.grpcListener.Addr())
	serveErr := make(chan error, 2)
	go func() {
		err := s.httpServer.Serve(s.httpListener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	go func() {
		serveErr <- s.grpcServer.Serve(s.grpcListener)
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		for i := 0; i < 2; i++ {
			if err := <-serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve: %w", err)
			}
		}
		return nil
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

func (s *Server) shutdown() {
	if s.health != nil {
		s.health.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("duel: http shutdown: %v", err)
	}
	s.grpcServer.GracefulStop()
}

// Close releases duel server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}
	if s.engine != nil {
		s.engine.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close duel store: %v", err)
		}
	}
}

func openDuelStore(path string) (*duelsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := duelsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open duel sqlite store: %w", err)
	}
	return store, nil
}
