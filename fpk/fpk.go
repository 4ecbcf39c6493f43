// Package fpk reads and writes FPK archives: a fixed 48-byte header
// followed by a fixed-width entry table, an MD5-keyed filename pool,
// and 16-byte-padded file contents.
package fpk

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/the4chancup/pesfmt/internal/decodeerr"
)

const (
	headerLength = 48
	entryLength  = 48
)

// Entry is a single packed file.
type Entry struct {
	Name    string
	Content []byte
}

// Archive holds a decoded or to-be-encoded FPK file set, keyed by
// filename.
type Archive struct {
	Kind    byte // 0 for .fpk, 'd' for .fpkd
	Entries map[string][]byte
}

// KindForFilename returns the FPK kind byte implied by filename's
// extension: 'd' for ".fpkd", 0 otherwise.
func KindForFilename(filename string) byte {
	if strings.HasSuffix(strings.ToLower(filename), ".fpkd") {
		return 'd'
	}
	return 0
}

// Decode parses buf as an FPK archive.
func Decode(buf []byte) (*Archive, error) {
	if len(buf) < headerLength {
		return nil, decodeerr.New("fpk", "incomplete header")
	}
	if string(buf[0:6]) != "foxfpk" {
		return nil, decodeerr.New("fpk", "invalid magic")
	}
	kind := buf[6]
	if string(buf[7:10]) != "win" {
		return nil, decodeerr.New("fpk", "invalid magic")
	}
	unknown1 := binary.LittleEndian.Uint32(buf[32:36])
	fileCount := binary.LittleEndian.Uint32(buf[36:40])
	referenceCount := binary.LittleEndian.Uint32(buf[40:44])
	unknown2 := binary.LittleEndian.Uint32(buf[44:48])

	if unknown1 != 2 {
		return nil, decodeerr.New("fpk", "unsupported fpk variant")
	}
	if unknown2 != 0 {
		return nil, decodeerr.New("fpk", "unsupported fpk variant")
	}
	if referenceCount != 0 {
		return nil, decodeerr.New("fpk", "unsupported fpk variant")
	}

	entries := make(map[string][]byte, fileCount)
	pos := headerLength
	for i := uint32(0); i < fileCount; i++ {
		if pos+entryLength > len(buf) {
			return nil, decodeerr.New("fpk", "incomplete file entry %d", i)
		}
		e := buf[pos : pos+entryLength]
		contentOffset := binary.LittleEndian.Uint64(e[0:8])
		contentLength := binary.LittleEndian.Uint64(e[8:16])
		filenameOffset := binary.LittleEndian.Uint64(e[16:24])
		filenameLength := binary.LittleEndian.Uint64(e[24:32])
		checksum := e[32:48]
		pos += entryLength

		if contentOffset+contentLength > uint64(len(buf)) {
			return nil, decodeerr.New("fpk", "content for entry %d out of range", i)
		}
		if filenameOffset+filenameLength > uint64(len(buf)) {
			return nil, decodeerr.New("fpk", "filename for entry %d out of range", i)
		}

		filenameBytes := buf[filenameOffset : filenameOffset+filenameLength]
		filename := string(filenameBytes)
		content := buf[contentOffset : contentOffset+contentLength]

		if _, exists := entries[filename]; exists {
			return nil, decodeerr.New("fpk", "duplicate entry for filename %q", filename)
		}

		sum := md5.Sum(filenameBytes)
		if !bytes.Equal(sum[:], checksum) {
			return nil, decodeerr.New("fpk", "checksum mismatch for filename %q", filename)
		}

		entries[filename] = append([]byte{}, content...)
	}

	return &Archive{Kind: kind, Entries: entries}, nil
}

// Encode serializes a, sorted by filename, padding filenames and
// contents to 16-byte boundaries.
func (a *Archive) Encode() []byte {
	names := make([]string, 0, len(a.Entries))
	for name := range a.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var filenameBuf, contentBuf, entryBuf bytes.Buffer
	type entryOffsets struct {
		contentOffset, contentLength   uint64
		filenameOffset, filenameLength uint64
		checksum                       [16]byte
	}
	entries := make([]entryOffsets, 0, len(names))

	for _, name := range names {
		relFilenameOffset := uint64(filenameBuf.Len())
		encodedName := []byte(name)
		filenameBuf.Write(encodedName)
		filenameBuf.WriteByte(0)

		relContentOffset := uint64(contentBuf.Len())
		content := a.Entries[name]
		contentBuf.Write(content)
		if pad := contentBuf.Len() % 16; pad != 0 {
			contentBuf.Write(make([]byte, 16-pad))
		}

		entries = append(entries, entryOffsets{
			contentOffset:  relContentOffset,
			contentLength:  uint64(len(content)),
			filenameOffset: relFilenameOffset,
			filenameLength: uint64(len(encodedName)),
			checksum:       md5.Sum(encodedName),
		})
	}
	if pad := filenameBuf.Len() % 16; pad != 0 {
		filenameBuf.Write(make([]byte, 16-pad))
	}

	entryTableOffset := headerLength
	filenameBufferOffset := entryTableOffset + entryLength*len(entries)
	contentBufferOffset := filenameBufferOffset + filenameBuf.Len()

	for _, e := range entries {
		b := make([]byte, entryLength)
		binary.LittleEndian.PutUint64(b[0:8], e.contentOffset+uint64(contentBufferOffset))
		binary.LittleEndian.PutUint64(b[8:16], e.contentLength)
		binary.LittleEndian.PutUint64(b[16:24], e.filenameOffset+uint64(filenameBufferOffset))
		binary.LittleEndian.PutUint64(b[24:32], e.filenameLength)
		copy(b[32:48], e.checksum[:])
		entryBuf.Write(b)
	}

	header := make([]byte, headerLength)
	copy(header[0:6], "foxfpk")
	header[6] = a.Kind
	copy(header[7:10], "win")
	binary.LittleEndian.PutUint32(header[10:14], uint32(contentBuf.Len()+contentBufferOffset))
	binary.LittleEndian.PutUint32(header[32:36], 2)
	binary.LittleEndian.PutUint32(header[36:40], uint32(len(entries)))
	binary.LittleEndian.PutUint32(header[40:44], 0)
	binary.LittleEndian.PutUint32(header[44:48], 0)

	var out bytes.Buffer
	out.Write(header)
	out.Write(entryBuf.Bytes())
	out.Write(filenameBuf.Bytes())
	out.Write(contentBuf.Bytes())
	return out.Bytes()
}
