// Package uniparam reads and writes UniformParameter blob tables: an
// 8-byte header pointing at a fixed-width entry array, NUL-terminated
// filenames in a pool, and contents padded to 16 bytes.
package uniparam

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/the4chancup/pesfmt/internal/decodeerr"
)

const (
	headerLength = 8
	entryLength  = 12
)

// Decode parses buf as a UniformParameter table, returning its entries
// keyed by filename.
func Decode(buf []byte) (map[string][]byte, error) {
	if len(buf) < headerLength {
		return nil, decodeerr.New("uniparam", "incomplete header")
	}
	entryCount := binary.LittleEndian.Uint32(buf[0:4])
	entryOffset := binary.LittleEndian.Uint32(buf[4:8])

	entries := make(map[string][]byte, entryCount)
	pos := int(entryOffset)
	for i := uint32(0); i < entryCount; i++ {
		if pos+entryLength > len(buf) {
			return nil, decodeerr.New("uniparam", "incomplete entry %d", i)
		}
		e := buf[pos : pos+entryLength]
		contentOffset := binary.LittleEndian.Uint32(e[0:4])
		contentLength := binary.LittleEndian.Uint32(e[4:8])
		filenameOffset := binary.LittleEndian.Uint32(e[8:12])
		pos += entryLength

		filename, err := readCString(buf, int(filenameOffset))
		if err != nil {
			return nil, err
		}

		if uint64(contentOffset)+uint64(contentLength) > uint64(len(buf)) {
			return nil, decodeerr.New("uniparam", "incomplete data for entry %q", filename)
		}
		content := buf[contentOffset : contentOffset+contentLength]

		if _, exists := entries[filename]; exists {
			return nil, decodeerr.New("uniparam", "duplicate entry for filename %q", filename)
		}
		entries[filename] = append([]byte{}, content...)
	}
	return entries, nil
}

func readCString(buf []byte, offset int) (string, error) {
	end := offset
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	if end >= len(buf) {
		return "", decodeerr.New("uniparam", "unterminated filename at offset %d", offset)
	}
	return string(buf[offset:end]), nil
}

// Encode serializes entries, sorted lexicographically by filename.
func Encode(entries map[string][]byte) []byte {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var filenameBuf, contentBuf bytes.Buffer
	type offsets struct {
		contentOffset, contentLength, filenameOffset int
	}
	entryOffsets := make([]offsets, 0, len(names))

	for _, name := range names {
		relFilenameOffset := filenameBuf.Len()
		filenameBuf.WriteString(name)
		filenameBuf.WriteByte(0)

		relContentOffset := contentBuf.Len()
		content := entries[name]
		contentBuf.Write(content)
		if pad := contentBuf.Len() % 16; pad != 0 {
			contentBuf.Write(make([]byte, 16-pad))
		}

		entryOffsets = append(entryOffsets, offsets{
			contentOffset:  relContentOffset,
			contentLength:  len(content),
			filenameOffset: relFilenameOffset,
		})
	}

	entryBufferOffset := headerLength
	filenameBufferOffset := entryBufferOffset + entryLength*len(entryOffsets)
	contentBufferOffset := filenameBufferOffset + filenameBuf.Len()

	var entryBuf bytes.Buffer
	for _, e := range entryOffsets {
		b := make([]byte, entryLength)
		binary.LittleEndian.PutUint32(b[0:4], uint32(e.contentOffset+contentBufferOffset))
		binary.LittleEndian.PutUint32(b[4:8], uint32(e.contentLength))
		binary.LittleEndian.PutUint32(b[8:12], uint32(e.filenameOffset+filenameBufferOffset))
		entryBuf.Write(b)
	}

	header := make([]byte, headerLength)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(entryOffsets)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(entryBufferOffset))

	var out bytes.Buffer
	out.Write(header)
	out.Write(entryBuf.Bytes())
	out.Write(filenameBuf.Bytes())
	out.Write(contentBuf.Bytes())
	return out.Bytes()
}
