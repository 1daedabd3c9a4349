package dao

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// compressLogMinSize is the size at or above which logs are stored deflated.
// The read path relies on it: a stored outputLen >= this value marks the
// blob as compressed.
const compressLogMinSize = 1024

// maybeCompress returns the bytes to store for a log. Compression failure
// falls back to the raw bytes; the returned length is always the raw length.
func maybeCompress(raw []byte) (stored []byte, rawLen int) {
	rawLen = len(raw)
	if rawLen < compressLogMinSize {
		return raw, rawLen
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return raw, rawLen
	}
	if err := zw.Close(); err != nil {
		return raw, rawLen
	}
	return buf.Bytes(), rawLen
}

// maybeDecompress reverses maybeCompress based on the stored raw length.
func maybeDecompress(stored []byte, rawLen int) ([]byte, error) {
	if rawLen < compressLogMinSize {
		return stored, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("uncompress log: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("uncompress log: %w", err)
	}
	return raw, nil
}
