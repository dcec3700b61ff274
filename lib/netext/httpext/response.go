package httpext

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/liuxd6825/k6web/lib/netext"
)

// Response is the outcome of a successful exchange. Its body streams from
// the network, already decoded, and must be closed by the receiver.
type Response struct {
	// URLList holds the request URL followed by every redirect location.
	URLList []*url.URL

	Status     int
	StatusText string
	Proto      string
	Header     http.Header
	Body       io.ReadCloser

	RemoteIP   string
	RemotePort int
	TLS        *netext.TLSInfo

	// Timings of the last round trip.
	Timings *Trail
	// RoundTrips is 1 + the number of redirects followed.
	RoundTrips int
}

// URL is the URL the response was received from.
func (res *Response) URL() *url.URL {
	return res.URLList[len(res.URLList)-1]
}

// Redirected reports whether redirects were followed to get the response.
func (res *Response) Redirected() bool {
	return len(res.URLList) > 1
}

// IsRedirect reports whether the status is a redirect status.
func IsRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Attributes describes the response as span attributes.
func (res *Response) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int("http.response.status_code", res.Status),
		attribute.String("network.protocol.name", res.Proto),
		attribute.String("url.full", res.URL().String()),
		attribute.Int("http.resend_count", res.RoundTrips-1),
	}
	if res.RemoteIP != "" {
		attrs = append(attrs,
			attribute.String("server.address", res.RemoteIP),
			attribute.Int("server.port", res.RemotePort))
	}
	if res.TLS != nil {
		attrs = append(attrs,
			attribute.String("tls.protocol.version", res.TLS.Version),
			attribute.String("tls.cipher", res.TLS.CipherSuite),
			attribute.String("tls.ocsp.status", res.TLS.OCSPStatus))
	}
	if res.Timings != nil {
		attrs = append(attrs, res.Timings.Attributes()...)
	}
	return attrs
}

func (res *Response) setRemoteAddr(addr net.Addr) {
	if addr == nil {
		return
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}
	res.RemoteIP = host
	res.RemotePort, _ = strconv.Atoi(port)
}
