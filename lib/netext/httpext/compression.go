package httpext

import (
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// CompressionType is a content coding the exchange knows how to decode.
type CompressionType uint

const (
	// CompressionTypeGzip compresses through gzip
	CompressionTypeGzip CompressionType = iota
	// CompressionTypeDeflate compresses through flate
	CompressionTypeDeflate
	// CompressionTypeZstd compresses through zstd
	CompressionTypeZstd
	// CompressionTypeBr compresses through brotli
	CompressionTypeBr
)

//nolint:gochecknoglobals
var compressionTypeNames = map[CompressionType]string{
	CompressionTypeGzip:    "gzip",
	CompressionTypeDeflate: "deflate",
	CompressionTypeZstd:    "zstd",
	CompressionTypeBr:      "br",
}

func (c CompressionType) String() string {
	if name, ok := compressionTypeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CompressionType(%d)", uint(c))
}

// CompressionTypeString returns the CompressionType of a content coding token.
func CompressionTypeString(s string) (CompressionType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "x-gzip" {
		s = "gzip"
	}
	for c, name := range compressionTypeNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%q is not a supported content coding", s)
}

//nolint:gochecknoglobals
var decompressionErrors = [...]error{
	zlib.ErrChecksum, zlib.ErrDictionary, zlib.ErrHeader,
	gzip.ErrChecksum, gzip.ErrHeader,
	zstd.ErrReservedBlockType, zstd.ErrCompressedSizeTooBig, zstd.ErrBlockTooSmall, zstd.ErrMagicMismatch,
	zstd.ErrWindowSizeExceeded, zstd.ErrWindowSizeTooSmall, zstd.ErrDecoderSizeExceeded, zstd.ErrUnknownDictionary,
	zstd.ErrFrameSizeExceeded, zstd.ErrCRCMismatch, zstd.ErrDecoderClosed,
}

func newDecompressionError(originalErr error) K6Error {
	return NewK6Error(
		responseDecompressionErrorCode,
		fmt.Sprintf("error decompressing response body (%s)", originalErr.Error()),
		originalErr,
	)
}

func wrapDecompressionError(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}

	for _, decErr := range decompressionErrors {
		if errors.Is(err, decErr) {
			return newDecompressionError(err)
		}
	}
	// brotli doesn't export its errors
	if strings.HasPrefix(err.Error(), "brotli: ") {
		return newDecompressionError(err)
	}
	return err
}

// decodedBody reads a response body through the decoders of its content
// codings. Closing it closes every decoder and the raw body.
type decodedBody struct {
	reader  io.Reader
	closers []func() error
}

func (b *decodedBody) Read(p []byte) (int, error) {
	n, err := b.reader.Read(p)
	return n, wrapDecompressionError(err)
}

func (b *decodedBody) Close() error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// decodeBody wraps body with the decoders contentEncoding calls for. Codings
// are listed in the order they were applied, so they are undone from the
// last one. An unknown coding leaves the body as it was received.
func decodeBody(contentEncoding string, body io.ReadCloser) (io.ReadCloser, error) {
	if strings.TrimSpace(contentEncoding) == "" {
		return body, nil
	}

	codings := strings.Split(contentEncoding, ",")
	types := make([]CompressionType, 0, len(codings))
	for _, coding := range codings {
		if strings.EqualFold(strings.TrimSpace(coding), "identity") {
			continue
		}
		c, err := CompressionTypeString(coding)
		if err != nil {
			return body, nil //nolint:nilerr
		}
		types = append(types, c)
	}

	decoded := &decodedBody{reader: body, closers: []func() error{body.Close}}
	for i := len(types) - 1; i >= 0; i-- {
		if err := decoded.push(types[i]); err != nil {
			_ = decoded.Close()
			return nil, newDecompressionError(err)
		}
	}
	return decoded, nil
}

func (b *decodedBody) push(c CompressionType) error {
	switch c {
	case CompressionTypeGzip:
		r, err := gzip.NewReader(b.reader)
		if err != nil {
			return err
		}
		b.reader, b.closers = r, append(b.closers, r.Close)
	case CompressionTypeDeflate:
		r, err := zlib.NewReader(b.reader)
		if err != nil {
			return err
		}
		b.reader, b.closers = r, append(b.closers, r.Close)
	case CompressionTypeZstd:
		r, err := zstd.NewReader(b.reader)
		if err != nil {
			return err
		}
		b.reader, b.closers = r, append(b.closers, func() error { r.Close(); return nil })
	case CompressionTypeBr:
		b.reader = brotli.NewReader(b.reader)
	default:
		return fmt.Errorf("unsupported compression type %s", c)
	}
	return nil
}
