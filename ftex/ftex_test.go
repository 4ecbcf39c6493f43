package ftex

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildUncompressedDDS assembles a minimal single-mipmap, format-0
// (A8R8G8B8) DDS buffer around a raw pixel payload.
func buildUncompressedDDS(width, height uint32, pixels []byte) []byte {
	var h bytes.Buffer
	h.Write([]byte("DDS "))
	u32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		h.Write(b[:])
	}
	u32(124)            // header size
	u32(0x1 | 0x2 | 0x4) // flags (unused on decode)
	u32(height)
	u32(width)
	u32(0) // pitch/linear size (unused on decode)
	u32(1) // depth
	u32(1) // mipmap count
	h.Write(make([]byte, 44))
	u32(32)   // pixel format substructure size
	u32(0x41) // uncompressed rgba
	h.Write(make([]byte, 4))
	u32(32)
	u32(0x00ff0000)
	u32(0x0000ff00)
	u32(0x000000ff)
	u32(0xff000000)
	u32(0x1000)
	u32(0)
	h.Write(make([]byte, 12))

	h.Write(pixels)
	return h.Bytes()
}

func TestFromDDSToDDSRoundTrip(t *testing.T) {
	pixels := bytes.Repeat([]byte{0x11, 0x22, 0x33, 0x44}, 16) // 4x4 rgba
	dds := buildUncompressedDDS(4, 4, pixels)

	ftexBuf, err := FromDDS(dds, Linear)
	if err != nil {
		t.Fatalf("FromDDS: %v", err)
	}
	if string(ftexBuf[0:4]) != "FTEX" {
		t.Fatalf("FromDDS output missing FTEX magic")
	}

	gotDDS, err := ToDDS(ftexBuf)
	if err != nil {
		t.Fatalf("ToDDS: %v", err)
	}
	if string(gotDDS[0:4]) != "DDS " {
		t.Fatalf("ToDDS output missing DDS magic")
	}
	if !bytes.Equal(gotDDS[128:], pixels) {
		t.Errorf("round-tripped pixel payload mismatch:\n got  % x\n want % x", gotDDS[128:], pixels)
	}
}

func TestToDDSRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 64)
	copy(buf, "NOPE")
	if _, err := ToDDS(buf); err == nil {
		t.Error("ToDDS() with bad magic succeeded, want error")
	}
}

func TestFromDDSRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 128)
	copy(buf, "NOPE")
	if _, err := FromDDS(buf, Linear); err == nil {
		t.Error("FromDDS() with bad magic succeeded, want error")
	}
}

func TestMipmapSizeBlockRounding(t *testing.T) {
	// BC1 (format 2): 4x4 pixel blocks, 8 bytes per block. A 5x5 base
	// mipmap rounds up to 2x2 blocks = 4 blocks * 8 bytes = 32 bytes.
	size, err := mipmapSize(2, 5, 5, 1, 0)
	if err != nil {
		t.Fatalf("mipmapSize: %v", err)
	}
	if size != 32 {
		t.Errorf("mipmapSize() = %d, want 32", size)
	}
}

func TestFromDDSTextureTypeByColorSpace(t *testing.T) {
	pixels := bytes.Repeat([]byte{0x11, 0x22, 0x33, 0x44}, 4) // 2x2 rgba
	dds := buildUncompressedDDS(2, 2, pixels)

	cases := []struct {
		name        string
		colorSpace  ColorSpace
		textureType uint32
	}{
		{"Linear", Linear, 0x1},
		{"SRGB", SRGB, 0x3},
		{"Normal", Normal, 0x9},
		{"unrecognized value falls back to Normal's tag", ColorSpace(99), 0x9},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ftexBuf, err := FromDDS(dds, c.colorSpace)
			if err != nil {
				t.Fatalf("FromDDS: %v", err)
			}
			got := binary.LittleEndian.Uint32(ftexBuf[28:32])
			if got != c.textureType {
				t.Errorf("textureType = %#x, want %#x", got, c.textureType)
			}
		})
	}
}

func TestMipmapSizeUnsupportedFormat(t *testing.T) {
	if _, err := mipmapSize(99, 4, 4, 1, 0); err == nil {
		t.Error("mipmapSize() with unsupported format succeeded, want error")
	}
}
