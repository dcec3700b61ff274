package httpext

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackingCloser struct {
	io.Reader
	closed bool
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return nil
}

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func deflated(t *testing.T, b []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestCompressionTypeString(t *testing.T) {
	t.Parallel()

	testCases := map[string]CompressionType{
		"gzip":    CompressionTypeGzip,
		"x-gzip":  CompressionTypeGzip,
		" GZIP ":  CompressionTypeGzip,
		"deflate": CompressionTypeDeflate,
		"zstd":    CompressionTypeZstd,
		"br":      CompressionTypeBr,
	}
	for s, exp := range testCases {
		c, err := CompressionTypeString(s)
		require.NoError(t, err, s)
		assert.Equal(t, exp, c)
	}

	_, err := CompressionTypeString("compress")
	assert.EqualError(t, err, `"compress" is not a supported content coding`)
	assert.Equal(t, "br", CompressionTypeBr.String())
	assert.Equal(t, "CompressionType(42)", CompressionType(42).String())
}

func TestDecodeBody(t *testing.T) {
	t.Parallel()

	payload := []byte("hello, streams")

	testCases := []struct {
		name, coding string
		body         []byte
	}{
		{"none", "", payload},
		{"identity", "identity", payload},
		{"gzip", "gzip", gzipped(t, payload)},
		{"deflate", "deflate", deflated(t, payload)},
		{"stacked", "deflate, gzip", gzipped(t, deflated(t, payload))},
		{"stacked with identity", "gzip, identity", gzipped(t, payload)},
		{"zstd", "zstd", encodeZstd(t, string(payload))},
		{"br", "br", encodeBrotli(t, string(payload))},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			raw := &trackingCloser{Reader: bytes.NewReader(tc.body)}
			body, err := decodeBody(tc.coding, raw)
			require.NoError(t, err)

			b, err := io.ReadAll(body)
			require.NoError(t, err)
			assert.Equal(t, payload, b)

			require.NoError(t, body.Close())
			assert.True(t, raw.closed)
		})
	}
}

func TestDecodeBodyUnknownCoding(t *testing.T) {
	t.Parallel()

	raw := &trackingCloser{Reader: bytes.NewReader([]byte("as is"))}
	body, err := decodeBody("gzip, compress", raw)
	require.NoError(t, err)
	assert.Same(t, raw, body)
}

func TestDecodeBodyCorrupted(t *testing.T) {
	t.Parallel()

	t.Run("header", func(t *testing.T) {
		t.Parallel()

		raw := &trackingCloser{Reader: bytes.NewReader([]byte("not gzip at all"))}
		_, err := decodeBody("gzip", raw)
		requireErrorCode(t, err, responseDecompressionErrorCode)
		assert.True(t, raw.closed)
	})

	t.Run("payload", func(t *testing.T) {
		t.Parallel()

		data := gzipped(t, []byte("truncated payload"))
		data[len(data)-5] ^= 0xff // corrupt the checksum

		body, err := decodeBody("gzip", io.NopCloser(bytes.NewReader(data)))
		require.NoError(t, err)
		_, err = io.ReadAll(body)
		requireErrorCode(t, err, responseDecompressionErrorCode)
	})
}
