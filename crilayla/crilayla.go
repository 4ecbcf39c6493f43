// Package crilayla decompresses CRI's CRILAYLA LZ-style codec, used to
// compress individual CPK archive members.
package crilayla

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/the4chancup/pesfmt/bitstream"
)

// prefixLength is the size in bytes of the uncompressed trailer stored
// after the compressed body in a CRILAYLA buffer; it becomes the start
// of the decompressed output.
const prefixLength = 256

const headerLength = 16

var (
	// ErrBadMagic indicates the input does not start with the CRILAYLA magic.
	ErrBadMagic = errors.New("crilayla: invalid magic")
	// ErrTooShort indicates the buffer is too small to contain its declared prefix.
	ErrTooShort = errors.New("crilayla: buffer too short")
)

// referenceLengthChunkSizes is the chunk-size sequence used to decode the
// variable-width back-reference length: the first four chunks are 2, 3,
// 5 and 8 bits wide, then every subsequent chunk is 8 bits.
var referenceLengthChunkSizes = [...]uint{2, 3, 5, 8}

// chunkSize returns the bit width of the i-th length chunk (0-indexed),
// following the 2, 3, 5, 8, 8, 8, ... sequence.
func chunkSize(i int) uint {
	if i < len(referenceLengthChunkSizes) {
		return referenceLengthChunkSizes[i]
	}
	return 8
}

// readReferenceLength reads the variable-width back-reference length,
// starting the accumulator at 3 per the CRILAYLA wire format.
func readReferenceLength(r *bitstream.Reader) (uint32, error) {
	length := uint32(3)
	for i := 0; ; i++ {
		k := chunkSize(i)
		chunk, err := r.Read(k)
		if err != nil {
			return 0, fmt.Errorf("crilayla: %w", err)
		}
		length += chunk
		if chunk+1 != 1<<k {
			return length, nil
		}
	}
}

// Decompress decodes a CRILAYLA buffer: a 16-byte header, a bit-packed
// body of length prefixOffset, and a raw 256-byte uncompressed prefix.
// The returned slice is the 256-byte prefix followed by the header's
// declared uncompressed size of decoded bytes.
func Decompress(buf []byte) ([]byte, error) {
	if len(buf) < headerLength {
		return nil, ErrTooShort
	}
	if string(buf[0:8]) != "CRILAYLA" {
		return nil, ErrBadMagic
	}
	uncompressedSize := binary.LittleEndian.Uint32(buf[8:12])
	prefixOffset := binary.LittleEndian.Uint32(buf[12:16])

	if headerLength+int(prefixOffset)+prefixLength > len(buf) {
		return nil, ErrTooShort
	}
	prefix := buf[headerLength+int(prefixOffset) : headerLength+int(prefixOffset)+prefixLength]

	body := buf[headerLength : headerLength+int(prefixOffset)]
	tail, err := decompressBody(body, uncompressedSize)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, prefixLength+len(tail))
	out = append(out, prefix...)
	out = append(out, tail...)
	return out, nil
}

// decompressBody fills a buffer of size bytes from the end backward,
// reading flag/literal/back-reference triples from the reverse bit
// stream over body.
func decompressBody(body []byte, size uint32) ([]byte, error) {
	out := make([]byte, size)
	r := bitstream.New(body)

	var filled uint32
	for filled < size {
		flag, err := r.Read(1)
		if err != nil {
			return nil, fmt.Errorf("crilayla: %w", err)
		}

		if flag == 0 {
			literal, err := r.Read(8)
			if err != nil {
				return nil, fmt.Errorf("crilayla: %w", err)
			}
			out[size-filled-1] = byte(literal)
			filled++
			continue
		}

		rawDistance, err := r.Read(13)
		if err != nil {
			return nil, fmt.Errorf("crilayla: %w", err)
		}
		distance := rawDistance + 3

		length, err := readReferenceLength(r)
		if err != nil {
			return nil, err
		}

		for i := uint32(0); i < length; i++ {
			pos := size - filled - 1
			src := pos + distance
			if int(src) >= len(out) {
				return nil, fmt.Errorf("crilayla: back-reference out of range")
			}
			out[pos] = out[src]
			filled++
		}
	}

	return out, nil
}
