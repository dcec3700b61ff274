package httpext

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"

	"github.com/sirupsen/logrus"
)

// transport is an http.RoundTripper wrapping the VU transport. It traces
// every round trip of an exchange, redirects included, and classifies
// timeouts as such.
type transport struct {
	roundTripper http.RoundTripper
	logger       logrus.FieldLogger

	mu     sync.Mutex
	trails []*Trail
}

var _ http.RoundTripper = &transport{}

func newTransport(roundTripper http.RoundTripper, logger logrus.FieldLogger) *transport {
	return &transport{roundTripper: roundTripper, logger: logger}
}

// RoundTrip is the implementation of http.RoundTripper
func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tracer := &Tracer{}
	ctx := httptrace.WithClientTrace(req.Context(), tracer.Trace())
	resp, err := t.roundTripper.RoundTrip(req.WithContext(ctx))

	var netError net.Error
	if errors.As(err, &netError) && netError.Timeout() {
		var netOpError *net.OpError
		if errors.As(err, &netOpError) && netOpError.Op == "dial" {
			err = NewK6Error(tcpDialTimeoutErrorCode, tcpDialTimeoutErrorCodeMsg, netError)
		} else {
			err = NewK6Error(requestTimeoutErrorCode, requestTimeoutErrorCodeMsg, netError)
		}
	}

	trail := tracer.Done()
	t.mu.Lock()
	t.trails = append(t.trails, trail)
	t.mu.Unlock()

	fields := logrus.Fields{"method": req.Method, "url": req.URL.String()}
	if err != nil {
		t.logger.WithFields(fields).WithError(err).Debug("Round trip failed")
	} else {
		fields["status"] = resp.StatusCode
		t.logger.WithFields(fields).WithField("waiting", trail.Waiting).Debug("Round trip done")
	}

	return resp, err
}

// lastTrail returns the trail of the last round trip, if any.
func (t *transport) lastTrail() *Trail {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.trails) == 0 {
		return nil
	}
	return t.trails[len(t.trails)-1]
}

// roundTrips returns how many round trips went through the transport.
func (t *transport) roundTrips() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.trails)
}
