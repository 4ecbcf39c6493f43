package zlibframe

import (
	"bytes"
	"testing"
)

// framedABCDE is a fixed WESYS/ESYS-framed zlib stream decompressing to "ABCDE".
var framedABCDE = []byte{
	0x00, 0x10, 0x01, 0x57, 0x45, 0x53, 0x59, 0x53,
	0x0D, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00,
	0x78, 0x9C, 0x73, 0x74, 0x72, 0x76, 0x71, 0x05,
	0x00, 0x03, 0xE8, 0x01, 0x50,
}

func TestDecompressFixedBuffer(t *testing.T) {
	got, err := Decompress(framedABCDE)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if string(got) != "ABCDE" {
		t.Errorf("Decompress() = %q, want %q", got, "ABCDE")
	}
}

func TestIsFramed(t *testing.T) {
	if !IsFramed(framedABCDE) {
		t.Error("IsFramed() = false, want true")
	}
	if IsFramed([]byte("plain data, not framed at all")) {
		t.Error("IsFramed() = true, want false")
	}
}

func TestDecompressNotFramed(t *testing.T) {
	if _, err := Decompress([]byte("plain")); err != ErrNotFramed {
		t.Errorf("Decompress() error = %v, want %v", err, ErrNotFramed)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range [][]byte{
		[]byte(""),
		[]byte("a"),
		bytes.Repeat([]byte("round-trip data "), 100),
	} {
		framed, err := Compress(s)
		if err != nil {
			t.Fatalf("Compress: %v", err)
		}
		if !IsFramed(framed) {
			t.Fatalf("Compress() output not framed")
		}
		got, err := Decompress(framed)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		if !bytes.Equal(got, s) {
			t.Errorf("round trip = %q, want %q", got, s)
		}
	}
}

func TestTryCompressTryDecompressRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(""),
		[]byte("x"),
		bytes.Repeat([]byte("highly compressible "), 200),
		bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}, 3), // short, may not shrink
	}
	for _, s := range cases {
		framed, err := TryCompress(s)
		if err != nil {
			t.Fatalf("TryCompress: %v", err)
		}
		got, err := TryDecompress(framed)
		if err != nil {
			t.Fatalf("TryDecompress: %v", err)
		}
		if !bytes.Equal(got, s) {
			t.Errorf("TryCompress/TryDecompress round trip = %q, want %q", got, s)
		}
	}
}
