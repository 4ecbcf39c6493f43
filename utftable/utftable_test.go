package utftable

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// readerAtBytes adapts a byte slice to io.ReaderAt for tests.
type readerAtBytes []byte

func (b readerAtBytes) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, bytes.ErrTooLarge
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, bytes.ErrTooLarge
	}
	return n, nil
}

func roundTrip(t *testing.T, table *Table) *Table {
	t.Helper()
	var buf bytes.Buffer
	if _, err := table.Write(&buf, "@UTF"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(readerAtBytes(buf.Bytes()), 0, "@UTF")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return got
}

func TestRoundTripVariableColumns(t *testing.T) {
	table := &Table{
		Name:    "CpkTocInfo",
		Columns: []Column{{Name: "n", Type: Int32}, {Name: "s", Type: String}},
		Rows: []map[string]Value{
			{"n": Int(Int32, 1), "s": Str("alpha")},
			{"n": Int(Int32, 2), "s": Str("beta")},
			{"n": Int(Int32, 3), "s": Str("alpha")},
		},
	}

	got := roundTrip(t, table)

	if got.Name != table.Name {
		t.Errorf("Name = %q, want %q", got.Name, table.Name)
	}
	if diff := cmp.Diff(table.Columns, got.Columns); diff != "" {
		t.Errorf("Columns mismatch (-want +got):\n%s", diff)
	}
	for i, row := range table.Rows {
		for name, v := range row {
			gv, err := Get(got.Rows[i], name)
			if err != nil {
				t.Fatalf("row %d: %v", i, err)
			}
			if v.typ == String {
				if gv.AsString() != v.AsString() {
					t.Errorf("row %d col %s = %q, want %q", i, name, gv.AsString(), v.AsString())
				}
			} else if gv.AsInt() != v.AsInt() {
				t.Errorf("row %d col %s = %d, want %d", i, name, gv.AsInt(), v.AsInt())
			}
		}
	}
}

// TestSingleRowNullColumn verifies that a single-row table with a null
// cell value encodes that column as NULL storage with zero row bytes,
// and decodes back to a null cell.
func TestSingleRowNullColumn(t *testing.T) {
	table := &Table{
		Name:    "CpkHeader",
		Columns: []Column{{Name: "Tocs", Type: Int32}},
		Rows:    []map[string]Value{{"Tocs": Null()}},
	}

	var buf bytes.Buffer
	if _, err := table.Write(&buf, "CPK "); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(readerAtBytes(buf.Bytes()), 0, "CPK ")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	v, err := Get(got.Rows[0], "Tocs")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !v.IsNull() {
		t.Errorf("Tocs = %+v, want null", v)
	}
}

// TestEncodeFixedLayout checks the exact wire bytes from the scalar
// encoding scenario: a single I32 column "n" over rows 1, 2, 3 must
// produce row_length=4, row_count=3, VARIABLE storage, and big-endian
// row bytes 00 00 00 01 00 00 00 02 00 00 00 03.
func TestEncodeFixedLayout(t *testing.T) {
	table := &Table{
		Name:    "T",
		Columns: []Column{{Name: "n", Type: Int32}},
		Rows: []map[string]Value{
			{"n": Int(Int32, 1)},
			{"n": Int(Int32, 2)},
			{"n": Int(Int32, 3)},
		},
	}

	var buf bytes.Buffer
	if _, err := table.Write(&buf, "@UTF"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	encoded := buf.Bytes()
	plain := crypt(encoded[16:])

	rowsOff := beU32(plain[8:12]) + 8
	rowLength := beU16(plain[26:28])
	rowCount := beU32(plain[28:32])

	if rowLength != 4 {
		t.Errorf("row_length = %d, want 4", rowLength)
	}
	if rowCount != 3 {
		t.Errorf("row_count = %d, want 3", rowCount)
	}

	want := []byte{0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3}
	got := plain[rowsOff : rowsOff+12]
	if !bytes.Equal(got, want) {
		t.Errorf("row bytes = % x, want % x", got, want)
	}
}

func beU32(b []byte) uint32 { return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]) }
func beU16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func TestBodyLengthInvariant(t *testing.T) {
	table := &Table{
		Name:    "T",
		Columns: []Column{{Name: "n", Type: Int8}},
		Rows:    []map[string]Value{{"n": Int(Int8, 7)}},
	}
	var buf bytes.Buffer
	n, err := table.Write(&buf, "@UTF")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	plain := crypt(buf.Bytes()[16:])
	bodyLength := beU32(plain[4:8])
	if int(bodyLength)+8 != len(plain) {
		t.Errorf("body_length = %d, encoded inner length = %d, want bodyLength+8 == inner length", bodyLength, len(plain))
	}
	if n != len(buf.Bytes()) {
		t.Errorf("Write returned %d, buffer has %d bytes", n, len(buf.Bytes()))
	}
}

func TestReadRejectsWrongOuterMagic(t *testing.T) {
	table := &Table{
		Name:    "T",
		Columns: []Column{{Name: "n", Type: Int8}},
		Rows:    []map[string]Value{{"n": Int(Int8, 1)}},
	}
	var buf bytes.Buffer
	if _, err := table.Write(&buf, "TOC "); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := Read(readerAtBytes(buf.Bytes()), 0, "ETOC"); err == nil {
		t.Error("Read() with wrong outer magic succeeded, want error")
	}
}
