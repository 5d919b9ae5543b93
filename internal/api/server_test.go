package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajmather/captureq/internal/metrics"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, db Pinger) *httptest.Server {
	t.Helper()
	metrics.Init()
	srv := httptest.NewServer(NewServer(db, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestReadyzHealthyDatabase(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, fakePinger{})
	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyzUnreachableDatabase(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, fakePinger{err: errors.New("connection refused")})
	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
