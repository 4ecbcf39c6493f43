package fpk

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := &Archive{
		Kind: 0,
		Entries: map[string][]byte{
			"models/ball.model":   []byte("ball contents"),
			"textures/grass.ftex": bytes.Repeat([]byte{0x7E}, 30),
			"audio/whistle.wav":   []byte("w"),
		},
	}

	encoded := a.Encode()

	got, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != a.Kind {
		t.Errorf("Kind = %v, want %v", got.Kind, a.Kind)
	}
	if len(got.Entries) != len(a.Entries) {
		t.Fatalf("Entries has %d items, want %d", len(got.Entries), len(a.Entries))
	}
	for name, content := range a.Entries {
		gotContent, ok := got.Entries[name]
		if !ok {
			t.Errorf("missing entry %q", name)
			continue
		}
		if !bytes.Equal(gotContent, content) {
			t.Errorf("entry %q = %q, want %q", name, gotContent, content)
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 48)
	copy(buf, "notfpkX")
	if _, err := Decode(buf); err == nil {
		t.Error("Decode() with bad magic succeeded, want error")
	}
}

func TestDecodeRejectsTamperedChecksum(t *testing.T) {
	a := &Archive{Entries: map[string][]byte{"a.txt": []byte("hi")}}
	encoded := a.Encode()
	// Corrupt one byte of the stored MD5 checksum (entry's last 16 bytes).
	encoded[48+47] ^= 0xFF

	if _, err := Decode(encoded); err == nil {
		t.Error("Decode() with tampered checksum succeeded, want error")
	}
}

func TestKindForFilename(t *testing.T) {
	if got := KindForFilename("common.fpkd"); got != 'd' {
		t.Errorf("KindForFilename(.fpkd) = %v, want 'd'", got)
	}
	if got := KindForFilename("common.FPKD"); got != 'd' {
		t.Errorf("KindForFilename(.FPKD) = %v, want 'd'", got)
	}
	if got := KindForFilename("common.fpk"); got != 0 {
		t.Errorf("KindForFilename(.fpk) = %v, want 0", got)
	}
}
