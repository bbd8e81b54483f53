// Package server runs the HTTP and gRPC listeners of the orchestration service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/depin-orcha/orcha/internal/config"
	"github.com/depin-orcha/orcha/internal/logging"
)

// ServiceName is the gRPC health service name reported for the orchestrator
const ServiceName = "orcha.Orchestrator"

const healthRefreshInterval = 5 * time.Second

// Server owns the HTTP listener serving the API and the gRPC listener
// serving the health service
type Server struct {
	config     config.ServerConfig
	logger     logging.Logger
	handler    http.Handler
	ready      func() bool
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	httpAddr   net.Addr
	grpcAddr   net.Addr
	wg         sync.WaitGroup
	shutdown   chan struct{}
	stopOnce   sync.Once
}

// New creates a server for handler. ready drives the gRPC serving status.
func New(cfg config.ServerConfig, handler http.Handler, ready func() bool, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		config:   cfg,
		logger:   logger.Named("server"),
		handler:  handler,
		ready:    ready,
		health:   health.NewServer(),
		shutdown: make(chan struct{}),
	}
}

// Start binds both listeners and serves in the background
func (s *Server) Start(ctx context.Context) error {
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startGRPCServer(ctx); err != nil {
		_ = s.httpServer.Close()
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	s.refreshHealth()
	s.wg.Add(1)
	go s.watchReadiness()

	s.logger.Info(ctx, "Server started",
		zap.String("http_addr", s.httpAddr.String()),
		zap.String("grpc_addr", s.grpcAddr.String()))
	return nil
}

// Stop gracefully stops both listeners
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info(ctx, "Stopping server")
		close(s.shutdown)
		s.health.Shutdown()

		if s.httpServer != nil {
			timeout := s.config.ShutdownTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				s.logger.Error(ctx, "Failed to shutdown HTTP server", zap.Error(err))
			}
		}

		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}

		s.wg.Wait()
		s.logger.Info(ctx, "Server stopped")
	})
	return nil
}

// HTTPAddr returns the bound HTTP address, or nil before Start
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address, or nil before Start
func (s *Server) GRPCAddr() net.Addr {
	return s.grpcAddr
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP port: %w", err)
	}
	s.httpAddr = lis.Addr()

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

func (s *Server) startGRPCServer(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Host, s.config.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port: %w", err)
	}
	s.grpcAddr = lis.Addr()

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(loggingInterceptor(s.logger)),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error(ctx, "gRPC server error", zap.Error(err))
		}
	}()

	return nil
}

func (s *Server) watchReadiness() {
	defer s.wg.Done()

	ticker := time.NewTicker(healthRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.refreshHealth()
		}
	}
}

func (s *Server) refreshHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// loggingInterceptor provides request logging for gRPC
func loggingInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		duration := time.Since(start)

		if err != nil {
			logger.Warn(ctx, "gRPC request failed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		} else {
			logger.Debug(ctx, "gRPC request completed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", duration),
			)
		}

		return resp, err
	}
}
