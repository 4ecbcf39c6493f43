// Package fsop reads and writes FSOP shader-pair streams: a sequence
// of records, each a NUL-terminated name followed by an XOR-masked
// vertex shader and an XOR-masked pixel shader, with no overall
// header or length prefix.
package fsop

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/the4chancup/pesfmt/internal/decodeerr"
)

// cipherValue XOR-masks shader bodies; the operation is its own inverse.
const cipherValue = 0x9c

// Shader is one named vertex/pixel shader pair, stored decoded
// (unmasked).
type Shader struct {
	Vertex []byte
	Pixel  []byte
}

func crypt(buf []byte) []byte {
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = b ^ cipherValue
	}
	return out
}

// Decode parses buf as a stream of shader records until EOF.
func Decode(buf []byte) (map[string]Shader, error) {
	entries := make(map[string]Shader)
	pos := 0
	for pos < len(buf) {
		if pos+1 > len(buf) {
			return nil, decodeerr.New("fsop", "incomplete name length")
		}
		nameLength := int(buf[pos])
		pos++
		if pos+nameLength > len(buf) {
			return nil, decodeerr.New("fsop", "incomplete filename entry")
		}
		if nameLength == 0 {
			return nil, decodeerr.New("fsop", "zero-length filename entry")
		}
		name := string(buf[pos : pos+nameLength-1]) // drop the trailing NUL
		pos += nameLength

		if pos+4 > len(buf) {
			return nil, decodeerr.New("fsop", "incomplete vertex shader length")
		}
		vertexLength := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if pos+vertexLength > len(buf) {
			return nil, decodeerr.New("fsop", "incomplete vertex shader")
		}
		vertex := crypt(buf[pos : pos+vertexLength])
		pos += vertexLength

		if pos+4 > len(buf) {
			return nil, decodeerr.New("fsop", "incomplete pixel shader length")
		}
		pixelLength := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		if pos+pixelLength > len(buf) {
			return nil, decodeerr.New("fsop", "incomplete pixel shader")
		}
		pixel := crypt(buf[pos : pos+pixelLength])
		pos += pixelLength

		entries[name] = Shader{Vertex: vertex, Pixel: pixel}
	}
	return entries, nil
}

// Encode serializes entries in filename sort order.
func Encode(entries map[string]Shader) []byte {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var out bytes.Buffer
	for _, name := range names {
		shader := entries[name]
		encodedName := []byte(name)

		out.WriteByte(byte(len(encodedName) + 1))
		out.Write(encodedName)
		out.WriteByte(0)

		vertex := crypt(shader.Vertex)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(vertex)))
		out.Write(lenBuf[:])
		out.Write(vertex)

		pixel := crypt(shader.Pixel)
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(pixel)))
		out.Write(lenBuf[:])
		out.Write(pixel)
	}
	return out.Bytes()
}
