package fsop

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := map[string]Shader{
		"default.vs": {Vertex: []byte("vs body one"), Pixel: []byte("ps body one")},
		"fancy.vs":   {Vertex: []byte{0x00, 0x9c, 0xFF}, Pixel: []byte{}},
	}

	encoded := Encode(entries)
	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("Decode() returned %d entries, want %d", len(got), len(entries))
	}
	for name, want := range entries {
		gotShader, ok := got[name]
		if !ok {
			t.Errorf("missing entry %q", name)
			continue
		}
		if !bytes.Equal(gotShader.Vertex, want.Vertex) {
			t.Errorf("%q vertex = %x, want %x", name, gotShader.Vertex, want.Vertex)
		}
		if !bytes.Equal(gotShader.Pixel, want.Pixel) {
			t.Errorf("%q pixel = %x, want %x", name, gotShader.Pixel, want.Pixel)
		}
	}
}

func TestEncodeSortsByName(t *testing.T) {
	entries := map[string]Shader{
		"z.vs": {Vertex: []byte("z"), Pixel: []byte("z")},
		"a.vs": {Vertex: []byte("a"), Pixel: []byte("a")},
	}
	encoded := Encode(entries)

	// "a.vs" (len 5) should be the first record: length byte 5, then "a.vs\x00".
	if encoded[0] != 5 || string(encoded[1:5]) != "a.vs" {
		t.Errorf("first record does not start with the lexicographically smallest name")
	}
}

func TestDecodeEmptyStream(t *testing.T) {
	got, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Decode(nil) = %d entries, want 0", len(got))
	}
}

func TestDecodeRejectsTruncatedVertexShader(t *testing.T) {
	buf := []byte{2, 'a', 0, 0xFF, 0, 0, 0} // declares a 255-byte vertex shader but provides none
	if _, err := Decode(buf); err == nil {
		t.Error("Decode() with truncated vertex shader succeeded, want error")
	}
}
