package httpext

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"runtime"
	"syscall"

	"golang.org/x/net/http2"

	"github.com/liuxd6825/k6web/lib/netext"
)

type errCode uint32

const (
	// non specific
	defaultErrorCode          errCode = 1000
	defaultNetNonTCPErrorCode errCode = 1010
	unsupportedSchemeErrCode  errCode = 1021
	requestTimeoutErrorCode   errCode = 1050
	// DNS errors
	defaultDNSErrorCode      errCode = 1100
	dnsNoSuchHostErrorCode   errCode = 1101
	blackListedIPErrorCode   errCode = 1110
	blockedHostnameErrorCode errCode = 1111
	// tcp errors
	defaultTCPErrorCode      errCode = 1200
	tcpBrokenPipeErrorCode   errCode = 1201
	netUnknownErrnoErrorCode errCode = 1202
	tcpDialErrorCode         errCode = 1210
	tcpDialTimeoutErrorCode  errCode = 1211
	tcpDialRefusedErrorCode  errCode = 1212
	tcpResetByPeerErrorCode  errCode = 1220
	// TLS errors
	defaultTLSErrorCode           errCode = 1300
	x509UnknownAuthorityErrorCode errCode = 1310
	x509HostnameErrorCode         errCode = 1311

	// HTTP2 GoAway errors, the 13 following codes are the specific http2 ErrCodes
	unknownHTTP2GoAwayErrorCode errCode = 1610
	// HTTP2 Stream errors, same layout
	unknownHTTP2StreamErrorCode errCode = 1630
	// HTTP2 Connection errors, same layout
	unknownHTTP2ConnectionErrorCode errCode = 1650

	// Exchange policy and content errors
	responseDecompressionErrorCode errCode = 1701
	redirectModeErrorCode          errCode = 1710
	tooManyRedirectsErrorCode      errCode = 1711
)

const (
	requestTimeoutErrorCodeMsg   = "request timeout"
	tcpResetByPeerErrorCodeMsg   = "write: connection reset by peer"
	tcpDialTimeoutErrorCodeMsg   = "dial: i/o timeout"
	tcpDialRefusedErrorCodeMsg   = "dial: connection refused"
	tcpBrokenPipeErrorCodeMsg    = "write: broken pipe"
	netUnknownErrnoErrorCodeMsg  = "%s: unknown errno `%d` on %s with message `%s`"
	dnsNoSuchHostErrorCodeMsg    = "lookup: no such host"
	blackListedIPErrorCodeMsg    = "ip is blacklisted"
	blockedHostnameErrorMsg      = "hostname is blocked"
	http2GoAwayErrorCodeMsg      = "http2: received GoAway with http2 ErrCode %s"
	http2StreamErrorCodeMsg      = "http2: stream error with http2 ErrCode %s"
	http2ConnectionErrorCodeMsg  = "http2: connection error with http2 ErrCode %s"
	x509HostnameErrorCodeMsg     = "x509: certificate doesn't match hostname"
	x509UnknownAuthorityErrorMsg = "x509: unknown authority"
	unsupportedSchemeErrorMsg    = "unsupported URL scheme %q"
	redirectModeErrorCodeMsg     = "unexpected redirect, the request redirect mode is \"error\""
	tooManyRedirectsErrorCodeMsg = "stopped after %d redirects"
)

// K6Error is a helper struct that enhances Go errors with custom k6web-specific
// error-codes and more user-readable error messages.
type K6Error struct {
	Code          errCode
	Message       string
	OriginalError error
}

// NewK6Error is the constructor for K6Error
func NewK6Error(code errCode, msg string, originalErr error) K6Error {
	return K6Error{code, msg, originalErr}
}

// Error implements the `error` interface, so K6Errors are normal Go errors.
func (k6Err K6Error) Error() string {
	return k6Err.Message
}

// Unwrap implements the `xerrors.Wrapper` interface, so K6Errors are a bit
// future-proof Go 2 errors.
func (k6Err K6Error) Unwrap() error {
	return k6Err.OriginalError
}

// ErrorCode returns the numeric code of the error.
func (k6Err K6Error) ErrorCode() int {
	return int(k6Err.Code)
}

func http2ErrCodeOffset(code http2.ErrCode) errCode {
	if code > http2.ErrCodeHTTP11Required {
		return 0
	}
	return 1 + errCode(code)
}

// classifyError turns err into a K6Error; an error that already is one is
// returned as is.
func classifyError(err error) K6Error {
	var k6Err K6Error
	if errors.As(err, &k6Err) {
		return k6Err
	}

	code, msg := errorCodeForError(err)
	if msg == "" {
		msg = err.Error()
	}
	return NewK6Error(code, msg, err)
}

// errorCodeForError returns the errorCode and a specific error message for
// the given error. An empty message means the original error string should be used.
//
//nolint:cyclop
func errorCodeForError(err error) (errCode, string) {
	var (
		k6Err          K6Error
		blackListedErr netext.BlackListedIPError
		blockedHostErr netext.BlockedHostError
		dnsErr         *net.DNSError
		goAwayErr      http2.GoAwayError
		streamErr      http2.StreamError
		connErr        http2.ConnectionError
		opErr          *net.OpError
		unknownAuthErr x509.UnknownAuthorityError
		hostnameErr    x509.HostnameError
		recordErr      tls.RecordHeaderError
	)

	switch {
	case errors.As(err, &k6Err):
		return k6Err.Code, k6Err.Message
	case errors.Is(err, context.DeadlineExceeded):
		return requestTimeoutErrorCode, requestTimeoutErrorCodeMsg
	case errors.As(err, &blackListedErr):
		return blackListedIPErrorCode, blackListedIPErrorCodeMsg
	case errors.As(err, &blockedHostErr):
		return blockedHostnameErrorCode, blockedHostnameErrorMsg
	case errors.As(err, &dnsErr):
		if dnsErr.IsNotFound || dnsErr.Err == "no such host" {
			return dnsNoSuchHostErrorCode, dnsNoSuchHostErrorCodeMsg
		}
		return defaultDNSErrorCode, ""
	case errors.As(err, &goAwayErr):
		return unknownHTTP2GoAwayErrorCode + http2ErrCodeOffset(goAwayErr.ErrCode),
			fmt.Sprintf(http2GoAwayErrorCodeMsg, goAwayErr.ErrCode)
	case errors.As(err, &streamErr):
		return unknownHTTP2StreamErrorCode + http2ErrCodeOffset(streamErr.Code),
			fmt.Sprintf(http2StreamErrorCodeMsg, streamErr.Code)
	case errors.As(err, &connErr):
		return unknownHTTP2ConnectionErrorCode + http2ErrCodeOffset(http2.ErrCode(connErr)),
			fmt.Sprintf(http2ConnectionErrorCodeMsg, http2.ErrCode(connErr))
	case errors.As(err, &unknownAuthErr):
		return x509UnknownAuthorityErrorCode, x509UnknownAuthorityErrorMsg
	case errors.As(err, &hostnameErr):
		return x509HostnameErrorCode, x509HostnameErrorCodeMsg
	case errors.As(err, &recordErr):
		return defaultTLSErrorCode, ""
	case errors.As(err, &opErr):
		return opErrorCode(opErr)
	default:
		return defaultErrorCode, ""
	}
}

func opErrorCode(e *net.OpError) (errCode, string) {
	if e.Net != "tcp" && e.Net != "tcp4" && e.Net != "tcp6" {
		return defaultNetNonTCPErrorCode, ""
	}

	switch e.Op {
	case "write", "read":
		switch {
		case errors.Is(e.Err, syscall.ECONNRESET):
			return tcpResetByPeerErrorCode, tcpResetByPeerErrorCodeMsg
		case errors.Is(e.Err, syscall.EPIPE):
			return tcpBrokenPipeErrorCode, tcpBrokenPipeErrorCodeMsg
		}
	case "dial":
		if e.Timeout() {
			return tcpDialTimeoutErrorCode, tcpDialTimeoutErrorCodeMsg
		}
		if errors.Is(e.Err, syscall.ECONNREFUSED) {
			return tcpDialRefusedErrorCode, tcpDialRefusedErrorCodeMsg
		}
		return tcpDialErrorCode, ""
	}

	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return netUnknownErrnoErrorCode,
			fmt.Sprintf(netUnknownErrnoErrorCodeMsg, e.Op, int(errno), runtime.GOOS, errno.Error())
	}
	return defaultTCPErrorCode, ""
}
