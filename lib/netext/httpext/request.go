// Package httpext performs the network exchanges behind fetch: it applies
// the redirect policy, the VU limits and timeouts, traces every round trip
// and decodes the response body.
package httpext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6web/lib"
	"github.com/liuxd6825/k6web/lib/netext"
)

// RedirectMode tells what an exchange does with a redirect response.
type RedirectMode string

const (
	// RedirectFollow follows redirects, up to the MaxRedirects option.
	RedirectFollow RedirectMode = "follow"
	// RedirectError fails the exchange on the first redirect.
	RedirectError RedirectMode = "error"
	// RedirectManual returns the redirect response itself.
	RedirectManual RedirectMode = "manual"
)

// Request describes a single exchange.
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     []byte
	Redirect RedirectMode
}

// cancelOnClose releases the exchange context along with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// MakeRequest performs the exchange described by preq with the networking
// equipment of state. Failures are returned as K6Error values.
//
// The response body is streamed: it stays bound to ctx, and closing it
// releases the connection.
//
//nolint:funlen
func MakeRequest(ctx context.Context, state *lib.State, preq *Request) (*Response, error) {
	if preq.URL.Scheme != "http" && preq.URL.Scheme != "https" {
		err := fmt.Errorf(unsupportedSchemeErrorMsg, preq.URL.Scheme)
		return nil, NewK6Error(unsupportedSchemeErrCode, err.Error(), err)
	}

	var body io.Reader
	if preq.Body != nil {
		body = bytes.NewReader(preq.Body)
	}
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, preq.Method, preq.URL.String(), body)
	if err != nil {
		cancel()
		return nil, NewK6Error(defaultErrorCode, err.Error(), err)
	}
	if preq.Header != nil {
		req.Header = preq.Header.Clone()
	}
	if req.Header.Get("User-Agent") == "" && state.Options.UserAgent.String != "" {
		req.Header.Set("User-Agent", state.Options.UserAgent.String)
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}

	// Wait on the rate limit once the request is ready.
	if rpsLimit := state.RPSLimit; rpsLimit != nil {
		if err := rpsLimit.Wait(reqCtx); err != nil {
			cancel()
			return nil, NewK6Error(defaultErrorCode, err.Error(), err)
		}
	}

	// The timeout only covers the exchange up to the response headers, the
	// body is consumed at the script's pace.
	var timedOut atomic.Bool
	var timer *time.Timer
	if timeout := state.Options.FetchTimeout.TimeDuration(); timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}

	logger := state.Logger.WithFields(logrus.Fields{"method": req.Method, "url": req.URL.String()})
	tracerTransport := newTransport(state.Transport, logger)
	urlList := []*url.URL{req.URL}
	maxRedirects := int(state.Options.MaxRedirects.Int64)

	client := http.Client{
		Transport: tracerTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			switch preq.Redirect {
			case RedirectManual:
				return http.ErrUseLastResponse
			case RedirectError:
				return NewK6Error(redirectModeErrorCode, redirectModeErrorCodeMsg, nil)
			}

			if l := len(via); l > maxRedirects {
				logger.Warnf("Stopped after %d redirects", maxRedirects)
				msg := fmt.Sprintf(tooManyRedirectsErrorCodeMsg, maxRedirects)
				return NewK6Error(tooManyRedirectsErrorCode, msg, nil)
			}
			urlList = append(urlList, req.URL)
			return nil
		},
	}

	res, err := client.Do(req)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		cancel()
		if timedOut.Load() {
			err = NewK6Error(requestTimeoutErrorCode, requestTimeoutErrorCodeMsg, err)
		}
		k6Err := classifyError(err)

		// Do *not* log errors about the context being cancelled.
		if ctx.Err() == nil {
			logger.WithError(k6Err).WithField("error_code", k6Err.Code).Warn("Request Failed")
		}
		return nil, k6Err
	}

	decoded, err := decodeBody(res.Header.Get("Content-Encoding"), res.Body)
	if err != nil {
		cancel()
		return nil, classifyError(err)
	}

	resp := &Response{
		URLList:    urlList,
		Status:     res.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(res.Status, fmt.Sprint(res.StatusCode))),
		Proto:      res.Proto,
		Header:     res.Header,
		Body:       cancelOnClose{ReadCloser: decoded, cancel: cancel},
		Timings:    tracerTransport.lastTrail(),
		RoundTrips: tracerTransport.roundTrips(),
	}
	if decoded != res.Body {
		// The lengths describe the encoded payload.
		resp.Header = res.Header.Clone()
		resp.Header.Del("Content-Length")
	}
	if resp.Timings != nil {
		resp.setRemoteAddr(resp.Timings.ConnRemoteAddr)
	}
	if res.TLS != nil {
		info := netext.ParseTLSConnState(res.TLS)
		resp.TLS = &info
	}

	logger.WithField("status", resp.Status).Debug("Request done")
	return resp, nil
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	var k6Err K6Error
	return errors.As(err, &k6Err) && (k6Err.Code == requestTimeoutErrorCode || k6Err.Code == tcpDialTimeoutErrorCode)
}
