package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/depin-orcha/orcha/internal/config"
	"github.com/depin-orcha/orcha/internal/logging"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		GRPCPort:        0,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func startServer(t *testing.T, ready func() bool) *Server {
	t.Helper()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s := New(testConfig(), handler, ready, logging.NewFromZap(zaptest.NewLogger(t)))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func healthStatus(t *testing.T, s *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()

	conn, err := grpc.NewClient(s.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServerServesHTTP(t *testing.T) {
	s := startServer(t, nil)
	require.NotNil(t, s.HTTPAddr())

	resp, err := http.Get(fmt.Sprintf("http://%s/anything", s.HTTPAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestServerHealthFollowsReadiness(t *testing.T) {
	var ready atomic.Bool
	s := startServer(t, ready.Load)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, s, ServiceName))

	ready.Store(true)
	s.refreshHealth()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, s, ServiceName))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, s, ""))
}

func TestServerStopIsIdempotent(t *testing.T) {
	s := New(testConfig(), http.NotFoundHandler(), nil, nil)
	require.NoError(t, s.Start(context.Background()))

	assert.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}

func TestServerStartFailsOnBusyPort(t *testing.T) {
	first := startServer(t, nil)

	cfg := testConfig()
	cfg.Port = first.HTTPAddr().(*net.TCPAddr).Port

	second := New(cfg, http.NotFoundHandler(), nil, nil)
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP")
}
