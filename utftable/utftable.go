// Package utftable implements CRI's "@UTF" column-oriented table
// format: a self-describing set of named, typed columns whose values
// are stored null, constant, or per-row, wrapped in a lightly
// XOR-obfuscated envelope keyed by the enclosing container's magic.
package utftable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/the4chancup/pesfmt/internal/decodeerr"
)

// DatumType is the wire type tag of a column's values.
type DatumType byte

// Datum type tags, matching the on-disk flag byte's low nibble.
const (
	Int8    DatumType = 0
	Int16   DatumType = 2
	Int32   DatumType = 4
	Int64   DatumType = 6
	Float32 DatumType = 8
	String  DatumType = 10
	Bytes   DatumType = 11
)

// storage is the per-column storage mode, matching the flag byte's
// high nibble.
type storage byte

const (
	storageNull     storage = 1
	storageConstant storage = 3
	storageVariable storage = 5
)

func datumSize(t DatumType) (int, error) {
	switch t {
	case Int8:
		return 1, nil
	case Int16:
		return 2, nil
	case Int32:
		return 4, nil
	case Int64:
		return 8, nil
	case Float32:
		return 4, nil
	case String:
		return 4, nil
	case Bytes:
		return 8, nil
	default:
		return 0, decodeerr.New("utftable", "unknown datum type %d", t)
	}
}

// Column describes one field of a table: its name and wire type.
// Storage mode is a write-time and read-time detail, not part of the
// column's logical identity.
type Column struct {
	Name string
	Type DatumType
}

// Value is a tagged cell value. The zero Value is a non-null Int8 zero;
// use Null for a null cell.
type Value struct {
	typ   DatumType
	null  bool
	i     int64
	f     float64
	s     string
	bytes []byte
}

// Null returns a null cell value.
func Null() Value { return Value{null: true} }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.null }

// Int returns an integer cell value of type t. Valid for
// Int8/Int16/Int32/Int64 cells.
func Int(t DatumType, n int64) Value { return Value{typ: t, i: n} }

// Float returns a float cell value. Valid for Float32 cells.
func Float(n float64) Value { return Value{typ: Float32, f: n} }

// Str returns a string cell value.
func Str(s string) Value { return Value{typ: String, s: s} }

// Blob returns a byte-blob cell value.
func Blob(b []byte) Value { return Value{typ: Bytes, bytes: b} }

// AsInt returns the cell's integer value.
func (v Value) AsInt() int64 { return v.i }

// AsFloat returns the cell's float value.
func (v Value) AsFloat() float64 { return v.f }

// AsString returns the cell's string value.
func (v Value) AsString() string { return v.s }

// AsBytes returns the cell's byte-blob value.
func (v Value) AsBytes() []byte { return v.bytes }

// Table is a decoded or to-be-encoded UTF table.
type Table struct {
	Name    string
	Columns []Column
	Rows    []map[string]Value
}

const innerMagic = "@UTF"

// crypt XORs a copy of buf against the table keystream (m_0=0x5F,
// m_{i+1} = m_i*0x15 mod 256) and returns that copy; buf is not
// modified.
func crypt(buf []byte) []byte {
	out := make([]byte, len(buf))
	m := byte(0x5f)
	for i, b := range buf {
		out[i] = b ^ m
		m = m * 0x15
	}
	return out
}

// Read decodes a table at offset in r. outerMagic is the enclosing
// container's 4-byte kind tag ("CPK ", "TOC ", "ETOC", or "@UTF" for a
// bare table) and is validated against the on-disk outer header.
func Read(r io.ReaderAt, offset int64, outerMagic string) (*Table, error) {
	outerHeader := make([]byte, 16)
	if _, err := r.ReadAt(outerHeader, offset); err != nil {
		return nil, decodeerr.Wrap("utftable", err, "reading outer header")
	}
	name := string(outerHeader[0:4])
	if name != outerMagic {
		return nil, decodeerr.New("utftable", "unexpected table name, found %q, expected %q", name, outerMagic)
	}
	length := binary.LittleEndian.Uint64(outerHeader[8:16])

	encrypted := make([]byte, length)
	if _, err := r.ReadAt(encrypted, offset+16); err != nil {
		return nil, decodeerr.Wrap("utftable", err, "reading table body")
	}

	var body []byte
	if len(encrypted) >= 4 && string(encrypted[0:4]) == innerMagic {
		body = encrypted
	} else {
		body = crypt(encrypted)
	}

	return decode(body)
}

func decode(body []byte) (*Table, error) {
	if len(body) < 32 {
		return nil, decodeerr.New("utftable", "truncated inner header")
	}
	if string(body[0:4]) != innerMagic {
		return nil, decodeerr.New("utftable", "unexpected inner magic %q", body[0:4])
	}
	bodyLength := binary.BigEndian.Uint32(body[4:8])
	rowsOff := binary.BigEndian.Uint32(body[8:12])
	stringsOff := binary.BigEndian.Uint32(body[12:16])
	dataOff := binary.BigEndian.Uint32(body[16:20])
	tableNameID := binary.BigEndian.Uint32(body[20:24])
	columnCount := binary.BigEndian.Uint16(body[24:26])
	rowLength := binary.BigEndian.Uint16(body[26:28])
	rowCount := binary.BigEndian.Uint32(body[28:32])

	if int(bodyLength)+8 != len(body) {
		return nil, decodeerr.New("utftable", "inner length mismatch: body declares %d, have %d", bodyLength, len(body)-8)
	}

	content := body[8:]
	if int(rowsOff) > len(content) || int(stringsOff) > len(content) || int(dataOff) > len(content) {
		return nil, decodeerr.New("utftable", "malformed pool offsets")
	}
	rows := content[rowsOff:]
	strings := content[stringsOff:]
	data := content[dataOff:]

	readString := func(off uint32) (string, error) {
		if int(off) > len(strings) {
			return "", decodeerr.New("utftable", "string offset out of range")
		}
		end := int(off)
		for end < len(strings) && strings[end] != 0 {
			end++
		}
		if end >= len(strings) {
			return "", decodeerr.New("utftable", "unterminated string")
		}
		return string(strings[off:end]), nil
	}

	readData := func(off, length uint32) ([]byte, error) {
		if int(off)+int(length) > len(data) {
			return nil, decodeerr.New("utftable", "data offset out of range")
		}
		return data[off : off+length], nil
	}

	readValue := func(br *bytes.Reader, t DatumType) (Value, error) {
		switch t {
		case Int8:
			var v uint8
			if err := binary.Read(br, binary.BigEndian, &v); err != nil {
				return Value{}, decodeerr.Wrap("utftable", err, "reading int8 cell")
			}
			return Int(t, int64(v)), nil
		case Int16:
			var v uint16
			if err := binary.Read(br, binary.BigEndian, &v); err != nil {
				return Value{}, decodeerr.Wrap("utftable", err, "reading int16 cell")
			}
			return Int(t, int64(v)), nil
		case Int32:
			var v uint32
			if err := binary.Read(br, binary.BigEndian, &v); err != nil {
				return Value{}, decodeerr.Wrap("utftable", err, "reading int32 cell")
			}
			return Int(t, int64(v)), nil
		case Int64:
			var v uint64
			if err := binary.Read(br, binary.BigEndian, &v); err != nil {
				return Value{}, decodeerr.Wrap("utftable", err, "reading int64 cell")
			}
			return Int(t, int64(v)), nil
		case Float32:
			var v uint32
			if err := binary.Read(br, binary.BigEndian, &v); err != nil {
				return Value{}, decodeerr.Wrap("utftable", err, "reading float32 cell")
			}
			return Float(float64(math.Float32frombits(v))), nil
		case String:
			var off uint32
			if err := binary.Read(br, binary.BigEndian, &off); err != nil {
				return Value{}, decodeerr.Wrap("utftable", err, "reading string offset")
			}
			s, err := readString(off)
			if err != nil {
				return Value{}, err
			}
			return Str(s), nil
		case Bytes:
			var off, length uint32
			if err := binary.Read(br, binary.BigEndian, &off); err != nil {
				return Value{}, decodeerr.Wrap("utftable", err, "reading blob offset")
			}
			if err := binary.Read(br, binary.BigEndian, &length); err != nil {
				return Value{}, decodeerr.Wrap("utftable", err, "reading blob length")
			}
			b, err := readData(off, length)
			if err != nil {
				return Value{}, err
			}
			return Blob(b), nil
		default:
			return Value{}, decodeerr.New("utftable", "unknown datum type %d", t)
		}
	}

	tableName, err := readString(tableNameID)
	if err != nil {
		return nil, err
	}

	type columnMeta struct {
		name     string
		typ      DatumType
		st       storage
		constant Value
	}

	headerBody := body[32:]
	br := bytes.NewReader(headerBody)

	metas := make([]columnMeta, columnCount)
	for i := 0; i < int(columnCount); i++ {
		var flags byte
		var nameOff uint32
		if err := binary.Read(br, binary.BigEndian, &flags); err != nil {
			return nil, decodeerr.Wrap("utftable", err, "reading column flags")
		}
		if err := binary.Read(br, binary.BigEndian, &nameOff); err != nil {
			return nil, decodeerr.Wrap("utftable", err, "reading column name offset")
		}
		name, err := readString(nameOff)
		if err != nil {
			return nil, err
		}
		st := storage(flags >> 4)
		typ := DatumType(flags & 0x0f)
		if _, err := datumSize(typ); err != nil {
			return nil, err
		}

		var constant Value
		switch st {
		case storageNull, storageVariable:
			// no inline value
		case storageConstant:
			constant, err = readValue(br, typ)
			if err != nil {
				return nil, err
			}
		default:
			return nil, decodeerr.New("utftable", "unknown storage mode %d", st)
		}

		metas[i] = columnMeta{name: name, typ: typ, st: st, constant: constant}
	}

	t := &Table{Name: tableName}
	for _, m := range metas {
		t.Columns = append(t.Columns, Column{Name: m.name, Type: m.typ})
	}

	for i := uint32(0); i < rowCount; i++ {
		start := int(i) * int(rowLength)
		end := start + int(rowLength)
		if end > len(rows) {
			return nil, decodeerr.New("utftable", "row %d out of range", i)
		}
		rr := bytes.NewReader(rows[start:end])

		row := make(map[string]Value, len(metas))
		for _, m := range metas {
			switch m.st {
			case storageNull:
				row[m.name] = Null()
			case storageConstant:
				row[m.name] = m.constant
			case storageVariable:
				v, err := readValue(rr, m.typ)
				if err != nil {
					return nil, err
				}
				row[m.name] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}

	return t, nil
}

// stringPool deduplicates NUL-terminated UTF-8 strings by value.
type stringPool struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func newStringPool() *stringPool {
	return &stringPool{offsets: make(map[string]uint32)}
}

func (p *stringPool) add(s string) uint32 {
	if off, ok := p.offsets[s]; ok {
		return off
	}
	off := uint32(p.buf.Len())
	p.offsets[s] = off
	p.buf.WriteString(s)
	p.buf.WriteByte(0)
	return off
}

// dataPool appends byte blobs, padding the pool to an 8-byte boundary
// after each entry.
type dataPool struct {
	buf bytes.Buffer
}

func (p *dataPool) add(b []byte) (offset uint32, length uint32) {
	offset = uint32(p.buf.Len())
	p.buf.Write(b)
	if pad := p.buf.Len() % 8; pad != 0 {
		p.buf.Write(make([]byte, 8-pad))
	}
	return offset, uint32(len(b))
}

// Write encodes t and writes the full outer-framed, obfuscated table
// to w, using outerMagic as the container kind tag. It returns the
// total number of bytes written.
func (t *Table) Write(w io.Writer, outerMagic string) (int, error) {
	strings := newStringPool()
	data := &dataPool{}
	var columnBuf, rowBuf bytes.Buffer

	type colState struct {
		st storage
	}
	states := make([]colState, len(t.Columns))
	rowLength := 0

	for i, col := range t.Columns {
		st := storageVariable
		if len(t.Rows) == 1 {
			if v, ok := t.Rows[0][col.Name]; ok && v.IsNull() {
				st = storageNull
			}
		}
		states[i] = colState{st: st}
		if st == storageVariable {
			size, err := datumSize(col.Type)
			if err != nil {
				return 0, err
			}
			rowLength += size
		}

		flags := byte(st)<<4 | byte(col.Type)
		nameOff := strings.add(col.Name)
		columnBuf.WriteByte(flags)
		binary.Write(&columnBuf, binary.BigEndian, nameOff)
	}

	writeCell := func(buf *bytes.Buffer, typ DatumType, v Value) error {
		switch typ {
		case Int8:
			buf.WriteByte(byte(v.AsInt()))
		case Int16:
			binary.Write(buf, binary.BigEndian, uint16(v.AsInt()))
		case Int32:
			binary.Write(buf, binary.BigEndian, uint32(v.AsInt()))
		case Int64:
			binary.Write(buf, binary.BigEndian, uint64(v.AsInt()))
		case Float32:
			binary.Write(buf, binary.BigEndian, math.Float32bits(float32(v.AsFloat())))
		case String:
			binary.Write(buf, binary.BigEndian, strings.add(v.AsString()))
		case Bytes:
			off, length := data.add(v.AsBytes())
			binary.Write(buf, binary.BigEndian, off)
			binary.Write(buf, binary.BigEndian, length)
		default:
			return decodeerr.New("utftable", "unknown datum type %d", typ)
		}
		return nil
	}

	for _, row := range t.Rows {
		for i, col := range t.Columns {
			if states[i].st != storageVariable {
				continue
			}
			if err := writeCell(&rowBuf, col.Type, row[col.Name]); err != nil {
				return 0, err
			}
		}
	}

	tableNameID := strings.add(t.Name)

	columnOffset := 32
	rowOffset := columnOffset + columnBuf.Len()
	stringOffset := rowOffset + rowBuf.Len()
	stringEnd := stringOffset + strings.buf.Len()
	stringPadding := 0
	if pad := stringEnd % 8; pad != 0 {
		stringPadding = 8 - pad
	}
	dataOffset := stringEnd + stringPadding
	dataEnd := dataOffset + data.buf.Len()

	header := make([]byte, 32)
	copy(header[0:4], innerMagic)
	binary.BigEndian.PutUint32(header[4:8], uint32(dataEnd-8))
	binary.BigEndian.PutUint32(header[8:12], uint32(rowOffset-8))
	binary.BigEndian.PutUint32(header[12:16], uint32(stringOffset-8))
	binary.BigEndian.PutUint32(header[16:20], uint32(dataOffset-8))
	binary.BigEndian.PutUint32(header[20:24], tableNameID)
	binary.BigEndian.PutUint16(header[24:26], uint16(len(t.Columns)))
	binary.BigEndian.PutUint16(header[26:28], uint16(rowLength))
	binary.BigEndian.PutUint32(header[28:32], uint32(len(t.Rows)))

	var plain bytes.Buffer
	plain.Write(header)
	plain.Write(columnBuf.Bytes())
	plain.Write(rowBuf.Bytes())
	plain.Write(strings.buf.Bytes())
	plain.Write(make([]byte, stringPadding))
	plain.Write(data.buf.Bytes())

	outer := make([]byte, 16)
	copy(outer[0:4], outerMagic)
	binary.LittleEndian.PutUint64(outer[8:16], uint64(plain.Len()))

	encrypted := crypt(plain.Bytes())

	n, err := w.Write(outer)
	if err != nil {
		return n, decodeerr.Wrap("utftable", err, "writing outer header")
	}
	m, err := w.Write(encrypted)
	n += m
	if err != nil {
		return n, decodeerr.Wrap("utftable", err, "writing table body")
	}
	return n, nil
}

// Get returns the named column's value for a decoded row, or an error
// if the column is absent.
func Get(row map[string]Value, name string) (Value, error) {
	v, ok := row[name]
	if !ok {
		return Value{}, fmt.Errorf("utftable: missing column %q", name)
	}
	return v, nil
}
