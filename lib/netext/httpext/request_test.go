package httpext

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gopkg.in/guregu/null.v3"

	"github.com/liuxd6825/k6web/lib"
	"github.com/liuxd6825/k6web/lib/netext"
	"github.com/liuxd6825/k6web/lib/types"
)

func newTestState(t *testing.T, opts lib.Options) (*lib.State, *test.Hook) {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return lib.NewState(lib.DefaultOptions().Apply(opts), logger), hook
}

func newHTTPBin(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(httpbin.New().Handler())
	t.Cleanup(srv.Close)
	return srv
}

func mustParseURL(t *testing.T, s string) *url.URL {
	t.Helper()

	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func readBody(t *testing.T, res *Response) []byte {
	t.Helper()

	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())
	return b
}

func requireErrorCode(t *testing.T, err error, code errCode) K6Error {
	t.Helper()

	require.Error(t, err)
	var k6Err K6Error
	require.ErrorAs(t, err, &k6Err)
	require.Equal(t, code, k6Err.Code, k6Err.Error())
	return k6Err
}

func warnings(hook *test.Hook) []string {
	var msgs []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

func TestMakeRequestGet(t *testing.T) {
	t.Parallel()

	srv := newHTTPBin(t)
	state, _ := newTestState(t, lib.Options{})

	res, err := MakeRequest(context.Background(), state, &Request{
		Method:   http.MethodGet,
		URL:      mustParseURL(t, srv.URL+"/get?a=1"),
		Redirect: RedirectFollow,
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "OK", res.StatusText)
	assert.Equal(t, "HTTP/1.1", res.Proto)
	assert.False(t, res.Redirected())
	assert.Equal(t, 1, res.RoundTrips)
	assert.Equal(t, "127.0.0.1", res.RemoteIP)
	assert.NotZero(t, res.RemotePort)
	assert.Nil(t, res.TLS)
	require.NotNil(t, res.Timings)
	assert.False(t, res.Timings.StartTime.IsZero())

	body := readBody(t, res)
	assert.Equal(t, "1", gjson.GetBytes(body, "args.a.0").String())
}

func TestMakeRequestRedirects(t *testing.T) {
	t.Parallel()

	srv := newHTTPBin(t)

	t.Run("follow", func(t *testing.T) {
		t.Parallel()

		state, _ := newTestState(t, lib.Options{})
		res, err := MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL+"/redirect/2"),
			Redirect: RedirectFollow,
		})
		require.NoError(t, err)
		defer func() { _ = res.Body.Close() }()

		assert.Equal(t, http.StatusOK, res.Status)
		assert.True(t, res.Redirected())
		require.Len(t, res.URLList, 3)
		assert.Equal(t, "/redirect/2", res.URLList[0].Path)
		assert.Equal(t, "/get", res.URL().Path)
		assert.Equal(t, 3, res.RoundTrips)
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()

		state, _ := newTestState(t, lib.Options{})
		_, err := MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL+"/redirect/1"),
			Redirect: RedirectError,
		})
		requireErrorCode(t, err, redirectModeErrorCode)
	})

	t.Run("manual", func(t *testing.T) {
		t.Parallel()

		state, _ := newTestState(t, lib.Options{})
		res, err := MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL+"/redirect/1"),
			Redirect: RedirectManual,
		})
		require.NoError(t, err)
		defer func() { _ = res.Body.Close() }()

		assert.Equal(t, http.StatusFound, res.Status)
		assert.True(t, IsRedirect(res.Status))
		assert.NotEmpty(t, res.Header.Get("Location"))
		assert.False(t, res.Redirected())
		assert.Equal(t, 1, res.RoundTrips)
	})

	t.Run("too many", func(t *testing.T) {
		t.Parallel()

		state, hook := newTestState(t, lib.Options{MaxRedirects: null.IntFrom(1)})
		_, err := MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL+"/redirect/3"),
			Redirect: RedirectFollow,
		})
		k6Err := requireErrorCode(t, err, tooManyRedirectsErrorCode)
		assert.Equal(t, "stopped after 1 redirects", k6Err.Message)
		assert.Contains(t, warnings(hook), "Stopped after 1 redirects")
	})
}

func TestMakeRequestDecoding(t *testing.T) {
	t.Parallel()

	srv := newHTTPBin(t)
	state, _ := newTestState(t, lib.Options{})

	testCases := []struct {
		path, key string
	}{
		{"/gzip", "gzipped"},
		{"/deflate", "deflated"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()

			res, err := MakeRequest(context.Background(), state, &Request{
				Method:   http.MethodGet,
				URL:      mustParseURL(t, srv.URL+tc.path),
				Redirect: RedirectFollow,
			})
			require.NoError(t, err)

			body := readBody(t, res)
			assert.True(t, gjson.GetBytes(body, tc.key).Bool(), string(body))
			assert.Empty(t, res.Header.Get("Content-Length"))
			assert.NotEmpty(t, res.Header.Get("Content-Encoding"))
		})
	}
}

func encodeBrotli(t *testing.T, data string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func encodeZstd(t *testing.T, data string) []byte {
	t.Helper()

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer func() { _ = enc.Close() }()
	return enc.EncodeAll([]byte(data), nil)
}

func TestMakeRequestDecodingServer(t *testing.T) {
	t.Parallel()

	const payload = "streams all the way down"
	bodies := map[string][]byte{
		"br":       encodeBrotli(t, payload),
		"zstd":     encodeZstd(t, payload),
		"identity": []byte(payload),
		"compress": []byte("raw"),
		"gzip":     []byte("definitely not gzip"),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		coding := strings.TrimPrefix(r.URL.Path, "/")
		w.Header().Set("Content-Encoding", coding)
		_, _ = w.Write(bodies[coding])
	}))
	t.Cleanup(srv.Close)
	state, _ := newTestState(t, lib.Options{})

	testCases := []struct {
		coding, expBody string
		expCode         errCode
	}{
		{coding: "br", expBody: payload},
		{coding: "zstd", expBody: payload},
		{coding: "identity", expBody: payload},
		{coding: "compress", expBody: "raw"},
		{coding: "gzip", expCode: responseDecompressionErrorCode},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.coding, func(t *testing.T) {
			t.Parallel()

			res, err := MakeRequest(context.Background(), state, &Request{
				Method:   http.MethodGet,
				URL:      mustParseURL(t, srv.URL+"/"+tc.coding),
				Redirect: RedirectFollow,
			})
			if tc.expCode != 0 {
				requireErrorCode(t, err, tc.expCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expBody, string(readBody(t, res)))
		})
	}
}

func TestMakeRequestBodyAndHeaders(t *testing.T) {
	t.Parallel()

	srv := newHTTPBin(t)
	state, _ := newTestState(t, lib.Options{UserAgent: null.StringFrom("agent/1.0")})

	t.Run("post", func(t *testing.T) {
		t.Parallel()

		res, err := MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodPost,
			URL:      mustParseURL(t, srv.URL+"/post"),
			Header:   http.Header{"Content-Type": {"text/plain;charset=UTF-8"}},
			Body:     []byte("data"),
			Redirect: RedirectFollow,
		})
		require.NoError(t, err)
		assert.Equal(t, "data", gjson.GetBytes(readBody(t, res), "data").String())
	})

	t.Run("default user agent", func(t *testing.T) {
		t.Parallel()

		res, err := MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL+"/user-agent"),
			Redirect: RedirectFollow,
		})
		require.NoError(t, err)
		assert.Equal(t, "agent/1.0", gjson.GetBytes(readBody(t, res), "user-agent").String())
	})

	t.Run("script user agent", func(t *testing.T) {
		t.Parallel()

		header := http.Header{"User-Agent": {"mine"}}
		res, err := MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL+"/user-agent"),
			Header:   header,
			Redirect: RedirectFollow,
		})
		require.NoError(t, err)
		assert.Equal(t, "mine", gjson.GetBytes(readBody(t, res), "user-agent").String())
		assert.Equal(t, http.Header{"User-Agent": {"mine"}}, header)
	})
}

func TestMakeRequestFailures(t *testing.T) {
	t.Parallel()

	srv := newHTTPBin(t)

	t.Run("unsupported scheme", func(t *testing.T) {
		t.Parallel()

		state, _ := newTestState(t, lib.Options{})
		_, err := MakeRequest(context.Background(), state, &Request{
			Method: http.MethodGet,
			URL:    mustParseURL(t, "ftp://example.com/file"),
		})
		k6Err := requireErrorCode(t, err, unsupportedSchemeErrCode)
		assert.Equal(t, `unsupported URL scheme "ftp"`, k6Err.Message)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		state, hook := newTestState(t, lib.Options{
			FetchTimeout: types.NewNullDuration(100*time.Millisecond, true),
		})
		_, err := MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL+"/delay/1"),
			Redirect: RedirectFollow,
		})
		requireErrorCode(t, err, requestTimeoutErrorCode)
		assert.True(t, IsTimeout(err))
		assert.Contains(t, warnings(hook), "Request Failed")
	})

	t.Run("connection refused", func(t *testing.T) {
		t.Parallel()

		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())

		state, _ := newTestState(t, lib.Options{})
		_, err = MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, "http://"+addr+"/"),
			Redirect: RedirectFollow,
		})
		requireErrorCode(t, err, tcpDialRefusedErrorCode)
	})

	t.Run("blacklisted", func(t *testing.T) {
		t.Parallel()

		ipnet, err := lib.ParseCIDR("127.0.0.0/8")
		require.NoError(t, err)
		state, _ := newTestState(t, lib.Options{BlacklistIPs: []*lib.IPNet{ipnet}})
		_, err = MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL+"/get"),
			Redirect: RedirectFollow,
		})
		requireErrorCode(t, err, blackListedIPErrorCode)
		var blErr netext.BlackListedIPError
		assert.ErrorAs(t, err, &blErr)
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		state, hook := newTestState(t, lib.Options{})
		_, err := MakeRequest(ctx, state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL+"/get"),
			Redirect: RedirectFollow,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, warnings(hook))
	})
}

func TestMakeRequestTLS(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "secure")
	}))
	t.Cleanup(srv.Close)

	t.Run("untrusted", func(t *testing.T) {
		t.Parallel()

		state, _ := newTestState(t, lib.Options{})
		_, err := MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL),
			Redirect: RedirectFollow,
		})
		requireErrorCode(t, err, x509UnknownAuthorityErrorCode)
	})

	t.Run("insecure", func(t *testing.T) {
		t.Parallel()

		state, _ := newTestState(t, lib.Options{InsecureSkipTLSVerify: null.BoolFrom(true)})
		res, err := MakeRequest(context.Background(), state, &Request{
			Method:   http.MethodGet,
			URL:      mustParseURL(t, srv.URL),
			Redirect: RedirectFollow,
		})
		require.NoError(t, err)
		assert.Equal(t, "secure", string(readBody(t, res)))

		require.NotNil(t, res.TLS)
		assert.NotEmpty(t, res.TLS.Version)
		assert.NotEmpty(t, res.TLS.CipherSuite)
		assert.Equal(t, netext.OCSPStatusUnknown, res.TLS.OCSPStatus)
		require.NotNil(t, res.Timings)
		assert.Positive(t, res.Timings.TLSHandshaking)
		assert.NotEmpty(t, res.Attributes())
	})
}
