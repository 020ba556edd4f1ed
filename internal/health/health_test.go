package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startBufHealth(t *testing.T, srv *Server) healthpb.HealthClient {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ServeListener(ctx, listener, srv); err != nil {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return listener.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		<-done
		_ = listener.Close()
	})
	return healthpb.NewHealthClient(conn)
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServerReportsCheckResults(t *testing.T) {
	healthy := true
	checker := NewChecker().Add("postgres", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("connection refused")
	})
	srv := NewServer(checker, "gatehouse.api")
	client := startBufHealth(t, srv)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, ""))

	require.NoError(t, srv.Refresh(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, "gatehouse.api"))

	healthy = false
	require.Error(t, srv.Refresh(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, "gatehouse.api"))
}

func TestCheckerJoinsFailures(t *testing.T) {
	checker := NewChecker().
		Add("redis", func(context.Context) error { return errors.New("timeout") }).
		Add("postgres", func(context.Context) error { return errors.New("refused") }).
		Add("disk", func(context.Context) error { return nil })

	err := checker.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: refused")
	assert.Contains(t, err.Error(), "redis: timeout")
	assert.NotContains(t, err.Error(), "disk")
}

func TestEmptyCheckerPasses(t *testing.T) {
	require.NoError(t, NewChecker().Check(context.Background()))
}

func TestWatchStopsOnCancel(t *testing.T) {
	srv := NewServer(NewChecker(), "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Watch(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
