// Package health runs readiness checks and exposes them over the standard gRPC health protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gatehouse.dev/internal/obs"
)

// CheckFunc reports whether one dependency is usable.
type CheckFunc func(ctx context.Context) error

// Checker runs named checks. It is safe for concurrent use once built.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker returns an empty checker. With no checks registered it always passes.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Add registers fn under name, replacing any previous check with that name.
func (c *Checker) Add(name string, fn CheckFunc) *Checker {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	return c
}

// Check runs every check and joins the failures.
func (c *Checker) Check(ctx context.Context) error {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		c.mu.RLock()
		fn := c.checks[name]
		c.mu.RUnlock()
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	err := errors.Join(errs...)
	obs.SetReady(err == nil)
	return err
}

// Server publishes Checker results through grpc_health_v1.
type Server struct {
	hs      *grpchealth.Server
	checker *Checker
	service string
	log     *slog.Logger
}

// NewServer returns a server reporting for service and for the overall ("") status.
// Both start as NOT_SERVING until the first Refresh.
func NewServer(checker *Checker, service string) *Server {
	s := &Server{
		hs:      grpchealth.NewServer(),
		checker: checker,
		service: service,
		log:     obs.Logger().With("module", "health"),
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to g.
func (s *Server) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.hs)
}

// Refresh runs the checks once and updates the published status.
func (s *Server) Refresh(ctx context.Context) error {
	err := s.checker.Check(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "readiness check failed", "error", err)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Watch refreshes every interval until ctx is done, then marks everything NOT_SERVING.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	_ = s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			s.hs.Shutdown()
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			_ = s.Refresh(checkCtx)
			cancel()
		}
	}
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.hs.SetServingStatus("", status)
	if s.service != "" {
		s.hs.SetServingStatus(s.service, status)
	}
}

// Serve listens on addr and serves the health service until ctx is done.
func Serve(ctx context.Context, addr string, s *Server) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", addr, err)
	}
	return ServeListener(ctx, lis, s)
}

// ServeListener serves on an existing listener until ctx is done.
func ServeListener(ctx context.Context, lis net.Listener, s *Server) error {
	g := grpc.NewServer()
	s.Register(g)

	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()

	s.log.Info("grpc health listening", "addr", lis.Addr().String())
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}
