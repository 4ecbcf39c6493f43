// Package cpk reads and writes CPK archives: a 0x800-byte preamble, a
// run of payloads each padded to an alignment boundary, a table of
// contents, an optional extended TOC carrying modification times, and
// a header table rewritten over the preamble once the layout is
// known.
package cpk

import (
	"io"
	"sort"
	"strings"
	"time"

	"github.com/the4chancup/pesfmt/crilayla"
	"github.com/the4chancup/pesfmt/internal/decodeerr"
	"github.com/the4chancup/pesfmt/utftable"
)

// ContentOrigin is the fixed byte offset at which packed payloads
// begin. Real-world readers ignore the header's ContentOffset column
// and hard-code this value; this implementation follows suit.
const ContentOrigin = 0x800

// DefaultAlignment is the payload padding boundary used when none is
// specified.
const DefaultAlignment = 0x800

// Entry describes one packed file as seen by a reader.
type Entry struct {
	Name           string
	Size           int64 // extracted (uncompressed) size
	CompressedSize int64 // on-disk size
	Offset         int64 // absolute file offset of the payload
	ModTime        time.Time
	HasModTime     bool
}

// Reader provides random access to the packed files in a CPK archive.
type Reader struct {
	r       io.ReaderAt
	entries []Entry
}

// Open parses the header, TOC, and (if present) ETOC tables from r.
func Open(r io.ReaderAt) (*Reader, error) {
	header, err := utftable.Read(r, 0, "CPK ")
	if err != nil {
		return nil, decodeerr.Wrap("cpk", err, "reading header table")
	}
	if len(header.Rows) == 0 {
		return nil, decodeerr.New("cpk", "header table has no rows")
	}
	fields := header.Rows[0]

	if _, err := utftable.Get(fields, "ContentOffset"); err != nil {
		return nil, decodeerr.New("cpk", "missing ContentOffset")
	}
	tocOffsetV, err := utftable.Get(fields, "TocOffset")
	if err != nil {
		return nil, decodeerr.New("cpk", "missing TocOffset")
	}

	toc, err := utftable.Read(r, tocOffsetV.AsInt(), "TOC ")
	if err != nil {
		return nil, decodeerr.Wrap("cpk", err, "reading table of contents")
	}

	var tocHasColumn = func(name string) bool {
		for _, c := range toc.Columns {
			if c.Name == name {
				return true
			}
		}
		return false
	}
	for _, required := range []string{"DirName", "FileName", "FileSize", "FileOffset", "ExtractSize"} {
		if !tocHasColumn(required) {
			return nil, decodeerr.New("cpk", "table of contents missing required column %q", required)
		}
	}

	var etoc *utftable.Table
	if etocOffsetV, err := utftable.Get(fields, "EtocOffset"); err == nil && !etocOffsetV.IsNull() {
		t, err := utftable.Read(r, etocOffsetV.AsInt(), "ETOC")
		if err == nil {
			hasUpdate := false
			for _, c := range t.Columns {
				if c.Name == "UpdateDateTime" {
					hasUpdate = true
				}
			}
			if hasUpdate {
				etoc = t
			}
		}
	}

	rd := &Reader{r: r}
	for _, row := range toc.Rows {
		dirName, _ := utftable.Get(row, "DirName")
		fileName, _ := utftable.Get(row, "FileName")
		fileSize, _ := utftable.Get(row, "FileSize")
		extractSize, _ := utftable.Get(row, "ExtractSize")
		fileOffset, _ := utftable.Get(row, "FileOffset")

		name := joinPackedPath(dirName.AsString(), fileName.AsString())

		entry := Entry{
			Name:           name,
			Size:           extractSize.AsInt(),
			CompressedSize: fileSize.AsInt(),
			Offset:         fileOffset.AsInt() + ContentOrigin,
		}

		if idV, err := utftable.Get(row, "ID"); err == nil && !idV.IsNull() && etoc != nil {
			id := int(idV.AsInt())
			if id >= 0 && id < len(etoc.Rows) {
				updV, err := utftable.Get(etoc.Rows[id], "UpdateDateTime")
				if err == nil && !updV.IsNull() {
					entry.ModTime = decodeTimestamp(uint64(updV.AsInt()))
					entry.HasModTime = true
				}
			}
		}

		rd.entries = append(rd.entries, entry)
	}

	return rd, nil
}

// Entries returns the archive's packed files in TOC order.
func (r *Reader) Entries() []Entry { return r.entries }

// ReadFile returns the (decompressed, if necessary) contents of entry.
func (r *Reader) ReadFile(entry Entry) ([]byte, error) {
	buf := make([]byte, entry.CompressedSize)
	if _, err := r.r.ReadAt(buf, entry.Offset); err != nil {
		return nil, decodeerr.Wrap("cpk", err, "reading payload for %q", entry.Name)
	}

	if entry.Size != entry.CompressedSize && len(buf) >= 16 && string(buf[0:8]) == "CRILAYLA" {
		out, err := crilayla.Decompress(buf)
		if err != nil {
			return nil, decodeerr.Wrap("cpk", err, "decompressing %q", entry.Name)
		}
		return out, nil
	}

	return buf, nil
}

func joinPackedPath(dirName, fileName string) string {
	dirName = strings.TrimRight(strings.ReplaceAll(dirName, `\`, "/"), "/")
	fileName = strings.TrimLeft(strings.ReplaceAll(fileName, `\`, "/"), "/")
	return dirName + "/" + fileName
}

func decodeTimestamp(v uint64) time.Time {
	year := int(v >> 48 & 0xffff)
	month := time.Month(v >> 40 & 0xff)
	day := int(v >> 32 & 0xff)
	hour := int(v >> 24 & 0xff)
	minute := int(v >> 16 & 0xff)
	second := int(v >> 8 & 0xff)
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC)
}

func encodeTimestamp(t time.Time) uint64 {
	return uint64(t.Year())<<48 |
		uint64(t.Month())<<40 |
		uint64(t.Day())<<32 |
		uint64(t.Hour())<<24 |
		uint64(t.Minute())<<16 |
		uint64(t.Second())<<8
}

// pendingFile is a payload staged for a Writer before Close lays out
// the archive.
type pendingFile struct {
	name    string
	content []byte
	modTime time.Time
	hasMod  bool
}

// Writer accumulates packed files in memory and lays out a complete
// archive on Close. It mirrors the one-shot construction style of the
// reference writer; callers needing incremental output should buffer
// externally and call WriteFile per entry before Close.
type Writer struct {
	alignment int
	files     map[string]*pendingFile
	order     []string
}

// NewWriter creates a Writer using the given payload alignment. A
// value of 0 selects DefaultAlignment.
func NewWriter(alignment int) *Writer {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	return &Writer{alignment: alignment, files: make(map[string]*pendingFile)}
}

// WriteFile stages content under name. It reports false without
// mutating the writer if name was already staged.
func (w *Writer) WriteFile(name string, content []byte, modTime time.Time, hasModTime bool) bool {
	if _, exists := w.files[name]; exists {
		return false
	}
	w.files[name] = &pendingFile{name: name, content: content, modTime: modTime, hasMod: hasModTime}
	w.order = append(w.order, name)
	return true
}

// Close lays out and writes the complete archive to w.
func (cw *Writer) Close(w io.WriteSeeker) error {
	names := append([]string{}, cw.order...)
	sort.Slice(names, func(i, j int) bool {
		return strings.ToUpper(names[i]) < strings.ToUpper(names[j])
	})

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return decodeerr.Wrap("cpk", err, "seeking to archive start")
	}
	if _, err := w.Write(make([]byte, ContentOrigin-6)); err != nil {
		return decodeerr.Wrap("cpk", err, "writing preamble")
	}
	if _, err := w.Write([]byte("(c)CRI")); err != nil {
		return decodeerr.Wrap("cpk", err, "writing preamble marker")
	}

	position := int64(ContentOrigin)
	toc := &utftable.Table{Name: "CpkTocInfo", Columns: []utftable.Column{
		{Name: "DirName", Type: utftable.String},
		{Name: "FileName", Type: utftable.String},
		{Name: "FileSize", Type: utftable.Int32},
		{Name: "ExtractSize", Type: utftable.Int32},
		{Name: "FileOffset", Type: utftable.Int64},
		{Name: "ID", Type: utftable.Int32},
		{Name: "UserString", Type: utftable.String},
	}}
	etoc := &utftable.Table{Name: "CpkEtocInfo", Columns: []utftable.Column{
		{Name: "UpdateDateTime", Type: utftable.Int64},
		{Name: "LocalDir", Type: utftable.String},
	}}

	var totalSize int64
	for _, name := range names {
		f := cw.files[name]

		dirName, fileName := splitPackedPath(name)

		toc.Rows = append(toc.Rows, map[string]utftable.Value{
			"DirName":     utftable.Str(dirName),
			"FileName":    utftable.Str(fileName),
			"FileSize":    utftable.Int(utftable.Int32, int64(len(f.content))),
			"ExtractSize": utftable.Int(utftable.Int32, int64(len(f.content))),
			"FileOffset":  utftable.Int(utftable.Int64, position-ContentOrigin),
			"ID":          utftable.Int(utftable.Int32, int64(len(toc.Rows))),
			"UserString":  utftable.Str(""),
		})

		if f.hasMod {
			etoc.Rows = append(etoc.Rows, map[string]utftable.Value{
				"UpdateDateTime": utftable.Int(utftable.Int64, int64(encodeTimestamp(f.modTime))),
				"LocalDir":       utftable.Str(dirName),
			})
		}

		if _, err := w.Write(f.content); err != nil {
			return decodeerr.Wrap("cpk", err, "writing payload for %q", name)
		}
		padding := paddingFor(len(f.content), cw.alignment)
		if padding > 0 {
			if _, err := w.Write(make([]byte, padding)); err != nil {
				return decodeerr.Wrap("cpk", err, "writing payload padding for %q", name)
			}
		}
		position += int64(len(f.content)) + int64(padding)
		totalSize += int64(len(f.content))
	}

	tocPosition := position
	tocSize, err := toc.Write(w, "TOC ")
	if err != nil {
		return decodeerr.Wrap("cpk", err, "writing table of contents")
	}
	position += int64(tocSize)

	var etocPosition, etocSize int64
	hasEtoc := len(etoc.Rows) == len(toc.Rows)
	if hasEtoc {
		if padding := paddingFor(tocSize, cw.alignment); padding > 0 {
			if _, err := w.Write(make([]byte, padding)); err != nil {
				return decodeerr.Wrap("cpk", err, "writing table of contents padding")
			}
			position += int64(padding)
		}
		etoc.Rows = append(etoc.Rows, map[string]utftable.Value{
			"UpdateDateTime": utftable.Int(utftable.Int64, 0),
			"LocalDir":       utftable.Str(""),
		})
		etocPosition = position
		n, err := etoc.Write(w, "ETOC")
		if err != nil {
			return decodeerr.Wrap("cpk", err, "writing extended table of contents")
		}
		etocSize = int64(n)
	}

	header := buildHeader(tocPosition, int64(tocSize), etocPosition, etocSize, hasEtoc, totalSize, len(names), cw.alignment)

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return decodeerr.Wrap("cpk", err, "seeking to rewrite header")
	}
	if _, err := header.Write(w, "CPK "); err != nil {
		return decodeerr.Wrap("cpk", err, "writing header table")
	}
	return nil
}

func paddingFor(length, alignment int) int {
	if alignment <= 0 {
		return 0
	}
	if r := length % alignment; r != 0 {
		return alignment - r
	}
	return 0
}

func splitPackedPath(name string) (dirName, fileName string) {
	if i := strings.LastIndex(name, "/"); i != -1 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func buildHeader(tocPosition, tocSize, etocPosition, etocSize int64, hasEtoc bool, totalSize int64, fileCount, alignment int) *utftable.Table {
	var etocOffset, etocSizeVal utftable.Value
	if hasEtoc {
		etocOffset = utftable.Int(utftable.Int64, etocPosition)
		etocSizeVal = utftable.Int(utftable.Int64, etocSize)
	} else {
		etocOffset = utftable.Null()
		etocSizeVal = utftable.Null()
	}

	row := map[string]utftable.Value{
		"UpdateDateTime":     utftable.Int(utftable.Int64, 1),
		"FileSize":           utftable.Null(),
		"ContentOffset":      utftable.Int(utftable.Int64, ContentOrigin),
		"ContentSize":        utftable.Int(utftable.Int64, tocPosition-ContentOrigin),
		"TocOffset":          utftable.Int(utftable.Int64, tocPosition),
		"TocSize":            utftable.Int(utftable.Int64, tocSize),
		"TocCrc":             utftable.Null(),
		"HtocOffset":         utftable.Null(),
		"HtocSize":           utftable.Null(),
		"EtocOffset":         etocOffset,
		"EtocSize":           etocSizeVal,
		"ItocOffset":         utftable.Null(),
		"ItocSize":           utftable.Null(),
		"ItocCrc":            utftable.Null(),
		"GtocOffset":         utftable.Null(),
		"GtocSize":           utftable.Null(),
		"GtocCrc":            utftable.Null(),
		"HgtocOffset":        utftable.Null(),
		"HgtocSize":          utftable.Null(),
		"EnabledPackedSize":  utftable.Int(utftable.Int64, totalSize),
		"EnabledDataSize":    utftable.Int(utftable.Int64, totalSize),
		"TotalDataSize":      utftable.Null(),
		"Tocs":               utftable.Null(),
		"Files":              utftable.Int(utftable.Int32, int64(fileCount)),
		"Groups":             utftable.Int(utftable.Int32, 0),
		"Attrs":              utftable.Int(utftable.Int32, 0),
		"TotalFiles":         utftable.Null(),
		"Directories":        utftable.Null(),
		"Updates":            utftable.Null(),
		"Version":            utftable.Int(utftable.Int16, 7),
		"Revision":           utftable.Int(utftable.Int16, 14),
		"Align":              utftable.Int(utftable.Int16, int64(alignment)),
		"Sorted":             utftable.Int(utftable.Int16, 1),
		"EnableFileName":     utftable.Int(utftable.Int16, 1),
		"EID":                utftable.Null(),
		"CpkMode":            utftable.Int(utftable.Int32, 1),
		"Tvers":              utftable.Str("pes-file-tools"),
		"Comment":            utftable.Str(""),
		"Codec":              utftable.Int(utftable.Int32, 0),
		"DpkItoc":            utftable.Int(utftable.Int32, 0),
		"EnableTocCrc":       utftable.Int(utftable.Int16, 0),
		"EnableFileCrc":      utftable.Int(utftable.Int16, 0),
		"CrcMode":            utftable.Int(utftable.Int32, 0),
		"CrcTable":           utftable.Blob(nil),
	}

	headerColumnOrder := []struct {
		name string
		typ  utftable.DatumType
	}{
		{"UpdateDateTime", utftable.Int64}, {"FileSize", utftable.Int64},
		{"ContentOffset", utftable.Int64}, {"ContentSize", utftable.Int64},
		{"TocOffset", utftable.Int64}, {"TocSize", utftable.Int64},
		{"TocCrc", utftable.Int32},
		{"HtocOffset", utftable.Int64}, {"HtocSize", utftable.Int64},
		{"EtocOffset", utftable.Int64}, {"EtocSize", utftable.Int64},
		{"ItocOffset", utftable.Int64}, {"ItocSize", utftable.Int64},
		{"ItocCrc", utftable.Int32},
		{"GtocOffset", utftable.Int64}, {"GtocSize", utftable.Int64},
		{"GtocCrc", utftable.Int32},
		{"HgtocOffset", utftable.Int64}, {"HgtocSize", utftable.Int64},
		{"EnabledPackedSize", utftable.Int64}, {"EnabledDataSize", utftable.Int64},
		{"TotalDataSize", utftable.Int64},
		{"Tocs", utftable.Int32},
		{"Files", utftable.Int32},
		{"Groups", utftable.Int32}, {"Attrs", utftable.Int32},
		{"TotalFiles", utftable.Int32}, {"Directories", utftable.Int32}, {"Updates", utftable.Int32},
		{"Version", utftable.Int16}, {"Revision", utftable.Int16},
		{"Align", utftable.Int16},
		{"Sorted", utftable.Int16}, {"EnableFileName", utftable.Int16},
		{"EID", utftable.Int16},
		{"CpkMode", utftable.Int32},
		{"Tvers", utftable.String}, {"Comment", utftable.String},
		{"Codec", utftable.Int32}, {"DpkItoc", utftable.Int32},
		{"EnableTocCrc", utftable.Int16}, {"EnableFileCrc", utftable.Int16},
		{"CrcMode", utftable.Int32},
		{"CrcTable", utftable.Bytes},
	}

	t := &utftable.Table{Name: "CpkHeader"}
	for _, c := range headerColumnOrder {
		t.Columns = append(t.Columns, utftable.Column{Name: c.name, Type: c.typ})
	}
	t.Rows = []map[string]utftable.Value{row}
	return t
}
