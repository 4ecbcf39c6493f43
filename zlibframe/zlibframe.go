// Package zlibframe wraps raw zlib streams in a fixed 16-byte
// "WESYS/ESYS" envelope used to mark compressed auxiliary files.
package zlibframe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// headerLength is the size of the envelope prepended to the zlib stream.
const headerLength = 16

// ErrNotFramed indicates the input does not begin with a recognizable
// WESYS/ESYS envelope.
var ErrNotFramed = errors.New("zlibframe: not a framed buffer")

// encodeHeader builds the 16-byte envelope: three fixed bytes, the
// "WESYS" tag (whose last four bytes, "ESYS", are what detection keys
// off of), then the compressed and uncompressed lengths.
func encodeHeader(compressedLen, uncompressedLen int) []byte {
	h := make([]byte, headerLength)
	h[0] = 0x00
	h[1] = 0x10
	h[2] = 0x01
	copy(h[3:8], "WESYS")
	binary.LittleEndian.PutUint32(h[8:12], uint32(compressedLen))
	binary.LittleEndian.PutUint32(h[12:16], uint32(uncompressedLen))
	return h
}

// IsFramed reports whether buf begins with a 16-byte envelope whose
// bytes 4..8 read "ESYS". It does not validate the zlib payload itself.
func IsFramed(buf []byte) bool {
	return len(buf) >= headerLength && string(buf[4:8]) == "ESYS"
}

// payload strips a valid envelope and returns the remaining bytes, or
// nil if buf is not framed.
func payload(buf []byte) []byte {
	if !IsFramed(buf) {
		return nil
	}
	return buf[headerLength:]
}

// Compress always wraps buf's zlib-compressed form in the envelope.
func Compress(buf []byte) ([]byte, error) {
	compressed, err := deflate(buf)
	if err != nil {
		return nil, err
	}
	out := append(encodeHeader(len(compressed), len(buf)), compressed...)
	return out, nil
}

// TryCompress frames buf's zlib-compressed form only if the framed
// result is smaller than the original; otherwise it returns buf
// unmodified.
func TryCompress(buf []byte) ([]byte, error) {
	compressed, err := deflate(buf)
	if err != nil {
		return nil, err
	}
	if headerLength+len(compressed) < len(buf) {
		return append(encodeHeader(len(compressed), len(buf)), compressed...), nil
	}
	return buf, nil
}

// Decompress requires buf to carry a valid envelope and returns the
// decompressed payload. It returns ErrNotFramed if detection fails.
func Decompress(buf []byte) ([]byte, error) {
	p := payload(buf)
	if p == nil {
		return nil, ErrNotFramed
	}
	return inflate(p)
}

// TryDecompress decompresses a framed buffer, or returns buf unmodified
// if it does not carry a recognizable envelope.
func TryDecompress(buf []byte) ([]byte, error) {
	p := payload(buf)
	if p == nil {
		return buf, nil
	}
	return inflate(p)
}

func deflate(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("zlibframe: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlibframe: compress: %w", err)
	}
	return out.Bytes(), nil
}

func inflate(buf []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("zlibframe: decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlibframe: decompress: %w", err)
	}
	return out, nil
}
