package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// serveMetrics поднимает сервер метрик на свободном порту и возвращает его базовый URL.
func serveMetrics(t *testing.T, ctx context.Context, handler *healthcheck.Handler) string {
	t.Helper()
	port := findFreePort(t)
	srv := startMetricsServer(ctx, fmt.Sprintf("127.0.0.1:%d", port), log.WithField("test", t.Name()), handler)
	require.NotNil(t, srv)
	waitForServer(t, port)
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsServerEndpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base := serveMetrics(t, ctx, healthcheck.NewHandler(version.GetVersion()))

	for path, wantBody := range map[string]string{
		"/metrics": "",
		"/healthz": "",
		"/livez":   "ok",
		"/readyz":  "ready",
	} {
		t.Run(path, func(t *testing.T) {
			code, body := get(t, base+path)
			assert.Equal(t, http.StatusOK, code)
			assert.NotEmpty(t, body)
			if wantBody != "" {
				assert.Equal(t, wantBody, body)
			}
		})
	}
}

func TestMetricsServerReportsBrokenStorage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := healthcheck.NewHandler(version.GetVersion())
	handler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", func(context.Context) error {
		return errors.New("connection refused")
	}))
	base := serveMetrics(t, ctx, handler)

	code, body := get(t, base+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", body)

	code, body = get(t, base+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "connection refused")

	code, _ = get(t, base+"/livez")
	assert.Equal(t, http.StatusOK, code, "liveness ignores storage")
}

func TestMetricsServerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	base := serveMetrics(t, ctx, healthcheck.NewHandler(version.GetVersion()))

	cancel()
	assert.Eventually(t, func() bool {
		resp, err := http.Get(base + "/livez")
		if err != nil {
			return true
		}
		resp.Body.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMetricsServerBusyAddr(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := startMetricsServer(ctx, busy.Addr().String(), log.WithField("test", "busy"), healthcheck.NewHandler(version.GetVersion()))
	assert.NotNil(t, srv, "listen errors are logged, not returned")
}

func TestShutdownHTTPNil(t *testing.T) {
	assert.NotPanics(t, func() { shutdownHTTP(nil, log.WithField("test", "nil")) })
}

func waitForServer(t *testing.T, port int) {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond, "server on %s did not start", addr)
}

func findFreePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}
