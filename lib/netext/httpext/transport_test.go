package httpext

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportTrails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(10 * time.Millisecond)
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	tr := newTransport(http.DefaultTransport, logger)
	assert.Nil(t, tr.lastTrail())

	for i := 0; i < 2; i++ {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		res, err := tr.RoundTrip(req)
		require.NoError(t, err)
		_, err = io.Copy(io.Discard, res.Body)
		require.NoError(t, err)
		require.NoError(t, res.Body.Close())
	}

	require.Equal(t, 2, tr.roundTrips())
	trail := tr.lastTrail()
	require.NotNil(t, trail)
	assert.True(t, trail.ConnReused)
	assert.Zero(t, trail.Connecting)
	assert.GreaterOrEqual(t, trail.Waiting, 10*time.Millisecond)
	assert.Equal(t, trail.Sending+trail.Waiting, trail.Duration)
	assert.Equal(t, srv.Listener.Addr().String(), trail.ConnRemoteAddr.String())
	assert.Len(t, trail.Attributes(), 7)

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Round trip done", entries[0].Message)
	assert.Equal(t, http.StatusOK, entries[0].Data["status"])
}

func TestTransportTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	rt := &http.Transport{ResponseHeaderTimeout: 20 * time.Millisecond}
	t.Cleanup(rt.CloseIdleConnections)
	tr := newTransport(rt, logger)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = tr.RoundTrip(req) //nolint:bodyclose
	requireErrorCode(t, err, requestTimeoutErrorCode)
	assert.Equal(t, 1, tr.roundTrips())
}

func TestBetween(t *testing.T) {
	t.Parallel()

	assert.Zero(t, between(0, 10))
	assert.Zero(t, between(10, 0))
	assert.Zero(t, between(10, 5))
	assert.Equal(t, 5*time.Nanosecond, between(5, 10))
}
