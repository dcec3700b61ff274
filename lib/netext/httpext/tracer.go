package httpext

import (
	"crypto/tls"
	"net"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// A Trail holds the timings of a single round trip, from asking for a
// connection up to the response headers. Body transfer is not part of it,
// response bodies are streamed to the script afterwards.
type Trail struct {
	StartTime time.Time
	EndTime   time.Time

	// Total request duration, excluding the time spent connecting.
	Duration time.Duration

	Blocked        time.Duration // Waiting to acquire a connection.
	Connecting     time.Duration // Connecting to remote host.
	TLSHandshaking time.Duration // Executing TLS handshake.
	Sending        time.Duration // Writing request.
	Waiting        time.Duration // Waiting for first byte.

	ConnReused     bool
	ConnRemoteAddr net.Addr
}

// Attributes describes the trail as span attributes.
func (tr *Trail) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int64("http.timings.blocked_ms", tr.Blocked.Milliseconds()),
		attribute.Int64("http.timings.connecting_ms", tr.Connecting.Milliseconds()),
		attribute.Int64("http.timings.tls_handshaking_ms", tr.TLSHandshaking.Milliseconds()),
		attribute.Int64("http.timings.sending_ms", tr.Sending.Milliseconds()),
		attribute.Int64("http.timings.waiting_ms", tr.Waiting.Milliseconds()),
		attribute.Bool("net.connection.reused", tr.ConnReused),
	}
	if tr.ConnRemoteAddr != nil {
		attrs = append(attrs, attribute.String("net.peer.address", tr.ConnRemoteAddr.String()))
	}
	return attrs
}

// A Tracer wraps "net/http/httptrace" to collect granular timings for a
// round trip. Done() has to be called once RoundTrip returns. A Tracer can't
// be reused between requests.
//
// Hooks may fire after the round trip already returned (for canceled
// requests mostly), hence the atomics.
type Tracer struct {
	getConn              int64
	connectStart         int64
	connectDone          int64
	tlsHandshakeStart    int64
	tlsHandshakeDone     int64
	gotConn              int64
	wroteRequest         int64
	gotFirstResponseByte int64

	connReused     bool
	connRemoteAddr net.Addr
}

// Trace returns a premade ClientTrace that calls all of the Tracer's hooks.
func (t *Tracer) Trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn:              t.GetConn,
		ConnectStart:         t.ConnectStart,
		ConnectDone:          t.ConnectDone,
		TLSHandshakeStart:    t.TLSHandshakeStart,
		TLSHandshakeDone:     t.TLSHandshakeDone,
		GotConn:              t.GotConn,
		WroteRequest:         t.WroteRequest,
		GotFirstResponseByte: t.GotFirstResponseByte,
	}
}

func now() int64 {
	return time.Now().UnixNano()
}

// GetConn is called before a connection is created or retrieved from the
// idle pool. It isn't called for a connection reused by a redirect.
func (t *Tracer) GetConn(_ string) {
	atomic.CompareAndSwapInt64(&t.getConn, 0, now())
}

// ConnectStart is called when a new connection's Dial begins. Dual-stack
// dialing may call it more than once, only the first call counts.
func (t *Tracer) ConnectStart(_, _ string) {
	atomic.CompareAndSwapInt64(&t.connectStart, 0, now())
}

// ConnectDone is called when a new connection's Dial completes. Failures
// are reported by RoundTrip.
func (t *Tracer) ConnectDone(_, _ string, err error) {
	if err == nil {
		atomic.CompareAndSwapInt64(&t.connectDone, 0, now())
	}
}

// TLSHandshakeStart is called when the TLS handshake is started.
func (t *Tracer) TLSHandshakeStart() {
	atomic.CompareAndSwapInt64(&t.tlsHandshakeStart, 0, now())
}

// TLSHandshakeDone is called after the TLS handshake. Failures are reported
// by RoundTrip.
func (t *Tracer) TLSHandshakeDone(_ tls.ConnectionState, err error) {
	if err == nil {
		atomic.CompareAndSwapInt64(&t.tlsHandshakeDone, 0, now())
	}
}

// GotConn is called after a connection is obtained, it is the first hook
// called for a reused connection.
func (t *Tracer) GotConn(info httptrace.GotConnInfo) {
	now := now()

	atomic.StoreInt64(&t.gotConn, now)
	t.connReused = info.Reused
	t.connRemoteAddr = info.Conn.RemoteAddr()

	// net/http may abandon a connection it started dialing in favor of a
	// freed idle one, in which case the dial hooks already ran. Reused
	// connections get zero-length connect and handshake phases.
	_, isTLS := info.Conn.(*tls.Conn)
	if info.Reused {
		atomic.StoreInt64(&t.connectStart, now)
		atomic.StoreInt64(&t.connectDone, now)
		if isTLS {
			atomic.StoreInt64(&t.tlsHandshakeStart, now)
			atomic.StoreInt64(&t.tlsHandshakeDone, now)
		}
		return
	}

	// HTTP/2 may report a pooled connection as not reused.
	atomic.CompareAndSwapInt64(&t.connectStart, 0, now)
	atomic.CompareAndSwapInt64(&t.connectDone, 0, now)
	if isTLS {
		atomic.CompareAndSwapInt64(&t.tlsHandshakeStart, 0, now)
		atomic.CompareAndSwapInt64(&t.tlsHandshakeDone, 0, now)
	}
}

// WroteRequest is called with the result of writing the request. It may be
// called multiple times for retried requests.
func (t *Tracer) WroteRequest(info httptrace.WroteRequestInfo) {
	if info.Err == nil {
		atomic.StoreInt64(&t.wroteRequest, now())
	}
}

// GotFirstResponseByte is called when the first byte of the response
// headers is available.
func (t *Tracer) GotFirstResponseByte() {
	atomic.CompareAndSwapInt64(&t.gotFirstResponseByte, 0, now())
}

func between(from, to int64) time.Duration {
	if from == 0 || to == 0 || to < from {
		return 0
	}
	return time.Duration(to - from)
}

// Done computes the trail of the round trip.
func (t *Tracer) Done() *Trail {
	done := time.Now()

	getConn := atomic.LoadInt64(&t.getConn)
	connectStart := atomic.LoadInt64(&t.connectStart)
	connectDone := atomic.LoadInt64(&t.connectDone)
	tlsHandshakeStart := atomic.LoadInt64(&t.tlsHandshakeStart)
	tlsHandshakeDone := atomic.LoadInt64(&t.tlsHandshakeDone)
	gotConn := atomic.LoadInt64(&t.gotConn)
	wroteRequest := atomic.LoadInt64(&t.wroteRequest)
	gotFirstResponseByte := atomic.LoadInt64(&t.gotFirstResponseByte)

	trail := &Trail{
		EndTime:        done,
		ConnReused:     t.connReused,
		ConnRemoteAddr: t.connRemoteAddr,
		Blocked:        between(getConn, gotConn),
		Connecting:     between(connectStart, connectDone),
		TLSHandshaking: between(tlsHandshakeStart, tlsHandshakeDone),
	}
	if getConn != 0 {
		trail.StartTime = time.Unix(0, getConn)
	} else {
		trail.StartTime = done
	}

	if wroteRequest != 0 {
		// Sending starts once the connection is usable.
		switch {
		case tlsHandshakeDone != 0:
			trail.Sending = between(tlsHandshakeDone, wroteRequest)
		case connectDone != 0:
			trail.Sending = between(connectDone, wroteRequest)
		default:
			trail.Sending = between(gotConn, wroteRequest)
		}

		if gotFirstResponseByte != 0 {
			// HTTP/2 servers may answer before the request is fully written.
			trail.Waiting = between(wroteRequest, gotFirstResponseByte)
		} else {
			trail.Waiting = done.Sub(time.Unix(0, wroteRequest))
		}
	}

	trail.Duration = trail.Sending + trail.Waiting
	return trail
}
