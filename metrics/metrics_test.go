package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.ConnectionAccepted()
	p.ConnectionAccepted()
	p.ConnectionRejected()
	p.ConnectionClosed("idle_timeout")
	p.SetActiveSessions(3)
	p.HandshakeCompleted(10*time.Millisecond, nil)
	p.HandshakeCompleted(time.Second, errors.New("boom"))
	p.RequestHandled("read", true, time.Millisecond)
	p.RequestHandled("read", false, time.Millisecond)
	p.BytesTransferred(100, 200)

	require.Equal(t, 2.0, testutil.ToFloat64(p.connectionsAccepted))
	require.Equal(t, 1.0, testutil.ToFloat64(p.connectionsRejected))
	require.Equal(t, 1.0, testutil.ToFloat64(p.connectionsClosed.WithLabelValues("idle_timeout")))
	require.Equal(t, 3.0, testutil.ToFloat64(p.activeSessions))
	require.Equal(t, 1.0, testutil.ToFloat64(p.requestsTotal.WithLabelValues("read", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.requestsTotal.WithLabelValues("read", "error")))
	require.Equal(t, 100.0, testutil.ToFloat64(p.bytesIn))
	require.Equal(t, 200.0, testutil.ToFloat64(p.bytesOut))
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	p.ConnectionAccepted()

	var ready atomic.Bool
	srv := httptest.NewServer(Router(reg, ready.Load))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "qftp_connections_accepted_total 1"))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ready.Store(true)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
