// Package ftex transcodes between CRI's FTEX texture container and
// standard DDS, translating headers and re-chunking each mipmap's
// zlib-compressed payload.
package ftex

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/klauspost/compress/zlib"

	"github.com/the4chancup/pesfmt/internal/decodeerr"
)

const (
	ftexHeaderLength = 64
	ddsHeaderLength  = 128
	dx10HeaderLength = 20
	mipmapHeaderLen  = 16
)

// ColorSpace selects the texture type tag written into an FTEX header
// produced from a DDS source.
type ColorSpace int

const (
	Linear ColorSpace = iota
	SRGB
	Normal
)

// blockConfig holds the block width/height in pixels and the encoded
// size in bytes of one block, per FTEX pixel format code.
type blockConfig struct {
	blockSizePixels int
	blockSizeBytes  int
}

var formatBlockConfiguration = map[int]blockConfig{
	0:  {1, 4},
	1:  {1, 1},
	2:  {4, 8},
	3:  {4, 16},
	4:  {4, 16},
	8:  {4, 8},
	9:  {4, 16},
	10: {4, 16},
	11: {4, 16},
	12: {1, 8},
	13: {1, 16},
	14: {1, 4},
	15: {1, 4},
}

// mipmapSize computes the encoded byte size of mipmap level index for
// a texture of the given pixel format and base dimensions.
func mipmapSize(pixelFormat int, width, height, depth int, index int) (int, error) {
	cfg, ok := formatBlockConfiguration[pixelFormat]
	if !ok {
		return 0, decodeerr.New("ftex", "unsupported pixel format %d", pixelFormat)
	}
	scale := 1 << uint(index)

	mw := (width + scale - 1) / scale
	mh := (height + scale - 1) / scale
	md := (depth + scale - 1) / scale

	widthBlocks := (mw + cfg.blockSizePixels - 1) / cfg.blockSizePixels
	heightBlocks := (mh + cfg.blockSizePixels - 1) / cfg.blockSizePixels
	return widthBlocks * heightBlocks * md * cfg.blockSizeBytes, nil
}

var dxgiFormatForPixelFormat = map[int]uint32{
	1:  61, // DXGI_FORMAT_R8_UNORM
	8:  80, // DXGI_FORMAT_BC4_UNORM
	9:  83, // DXGI_FORMAT_BC5_UNORM
	10: 95, // DXGI_FORMAT_BC6H_UF16
	11: 98, // DXGI_FORMAT_BC7_UNORM
	12: 10, // DXGI_FORMAT_R16G16B16A16_FLOAT
	13: 2,  // DXGI_FORMAT_R32G32B32A32_FLOAT
	14: 24, // DXGI_FORMAT_R10G10B10A2_UNORM
	15: 26, // DXGI_FORMAT_R11G11B10_FLOAT
}

var pixelFormatForDxgiFormat = map[uint32]int{
	61: 1,
	71: 2,
	74: 3,
	77: 4,
	80: 8,
	83: 9,
	95: 10,
	98: 11,
	10: 12,
	1:  13,
	2:  13,
	24: 14,
	26: 15,
}

var fourCCPixelFormat = map[string]int{
	"8888": 0,
	"DXT1": 2,
	"DXT3": 3,
	"DXT5": 4,
}

type mipmapFrameSpec struct {
	offset            uint32
	chunkCount        uint16
	uncompressedSize  uint32
	compressedSize    uint32
	expectedFrameSize int
}

// ToDDS decodes an FTEX buffer and returns its DDS equivalent.
func ToDDS(buf []byte) ([]byte, error) {
	if len(buf) < ftexHeaderLength {
		return nil, decodeerr.New("ftex", "truncated ftex header")
	}
	if string(buf[0:4]) != "FTEX" {
		return nil, decodeerr.New("ftex", "incorrect ftex signature")
	}

	version := math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8]))
	pixelFormat := int(binary.LittleEndian.Uint16(buf[8:10]))
	width := int(binary.LittleEndian.Uint16(buf[10:12]))
	height := int(binary.LittleEndian.Uint16(buf[12:14]))
	depth := int(binary.LittleEndian.Uint16(buf[14:16]))
	mipmapCount := int(buf[16])
	textureType := byte(binary.LittleEndian.Uint32(buf[28:32]))
	ftexsCount := buf[32]

	if version < 2.025 || version > 2.045 {
		return nil, decodeerr.New("ftex", "unsupported ftex version %v", version)
	}
	if ftexsCount > 0 {
		return nil, decodeerr.New("ftex", "unsupported ftex variant: external mipmaps")
	}
	if mipmapCount == 0 {
		return nil, decodeerr.New("ftex", "unsupported ftex variant: zero mipmaps")
	}

	var ddsFlags uint32 = 0x1 | 0x2 | 0x4 | 0x1000
	var ddsCapabilities1 uint32 = 0x1000
	var ddsCapabilities2 uint32

	var imageCount int
	var ddsDepth int
	var extensionDimension, extensionFlags uint32

	switch {
	case textureType&4 != 0:
		if depth > 1 {
			return nil, decodeerr.New("ftex", "unsupported ftex variant: cube map with depth")
		}
		imageCount = 6
		ddsDepth = 1
		ddsCapabilities1 |= 0x8
		ddsCapabilities2 |= 0xfe00
		extensionDimension = 3
		extensionFlags = 0x4
	case depth > 1:
		imageCount = 1
		ddsDepth = depth
		ddsFlags |= 0x800000
		ddsCapabilities2 |= 0x200000
		extensionDimension = 4
	default:
		imageCount = 1
		ddsDepth = 1
		extensionDimension = 3
	}

	ddsFlags |= 0x20000
	ddsCapabilities1 |= 0x8 | 0x400000

	offset := ftexHeaderLength
	specs := make([]mipmapFrameSpec, 0, imageCount*mipmapCount)
	for i := 0; i < imageCount; i++ {
		for j := 0; j < mipmapCount; j++ {
			if offset+mipmapHeaderLen > len(buf) {
				return nil, decodeerr.New("ftex", "truncated mipmap header")
			}
			h := buf[offset : offset+mipmapHeaderLen]
			frameOffset := binary.LittleEndian.Uint32(h[0:4])
			uncompressedSize := binary.LittleEndian.Uint32(h[4:8])
			compressedSize := binary.LittleEndian.Uint32(h[8:12])
			index := h[12]
			chunkCount := binary.LittleEndian.Uint16(h[14:16])
			offset += mipmapHeaderLen

			if int(index) != j {
				return nil, decodeerr.New("ftex", "unexpected mipmap index %d, want %d", index, j)
			}

			expected, err := mipmapSize(pixelFormat, width, height, ddsDepth, j)
			if err != nil {
				return nil, err
			}
			specs = append(specs, mipmapFrameSpec{
				offset:            frameOffset,
				chunkCount:        chunkCount,
				uncompressedSize:  uncompressedSize,
				compressedSize:    compressedSize,
				expectedFrameSize: expected,
			})
		}
	}

	frames := make([][]byte, len(specs))
	g, _ := errgroup.WithContext(context.Background())
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			frame, err := readImageBuffer(buf, int(spec.offset), int(spec.chunkCount), int(spec.uncompressedSize), int(spec.compressedSize))
			if err != nil {
				return err
			}
			if len(frame) < spec.expectedFrameSize {
				padded := make([]byte, spec.expectedFrameSize)
				copy(padded, frame)
				frame = padded
			} else if len(frame) > spec.expectedFrameSize {
				frame = frame[:spec.expectedFrameSize]
			}
			frames[i] = frame
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ddsPitchOrLinearSize uint32
	var ddsFormatFlags uint32
	var ddsFourCC [4]byte
	var ddsRgbBitCount, ddsRMask, ddsGMask, ddsBMask, ddsAMask uint32
	useExtensionHeader := false
	var extensionFormat uint32

	if pixelFormat == 0 {
		ddsPitchOrLinearSize = uint32(4 * width)
		ddsFlags |= 0x8
		ddsFormatFlags = 0x41
		ddsRgbBitCount = 32
		ddsRMask, ddsGMask, ddsBMask, ddsAMask = 0x00ff0000, 0x0000ff00, 0x000000ff, 0xff000000
	} else {
		ddsPitchOrLinearSize = uint32(len(frames[0]))
		ddsFlags |= 0x80000
		ddsFormatFlags = 0x4

		format, ok := dxgiFormatForPixelFormat[pixelFormat]
		switch pixelFormat {
		case 2:
			copy(ddsFourCC[:], "DXT1")
		case 3:
			copy(ddsFourCC[:], "DXT3")
		case 4:
			copy(ddsFourCC[:], "DXT5")
		default:
			if !ok {
				return nil, decodeerr.New("ftex", "unsupported ftex codec %d", pixelFormat)
			}
			copy(ddsFourCC[:], "DX10")
			useExtensionHeader = true
			extensionFormat = format
		}
	}

	var out bytes.Buffer
	out.Write([]byte("DDS "))
	writeU32(&out, 124)
	writeU32(&out, ddsFlags)
	writeU32(&out, uint32(height))
	writeU32(&out, uint32(width))
	writeU32(&out, ddsPitchOrLinearSize)
	writeU32(&out, uint32(ddsDepth))
	writeU32(&out, uint32(mipmapCount))
	out.Write(make([]byte, 44))
	writeU32(&out, 32)
	writeU32(&out, ddsFormatFlags)
	out.Write(ddsFourCC[:])
	writeU32(&out, ddsRgbBitCount)
	writeU32(&out, ddsRMask)
	writeU32(&out, ddsGMask)
	writeU32(&out, ddsBMask)
	writeU32(&out, ddsAMask)
	writeU32(&out, ddsCapabilities1)
	writeU32(&out, ddsCapabilities2)
	out.Write(make([]byte, 12))

	if useExtensionHeader {
		writeU32(&out, extensionFormat)
		writeU32(&out, extensionDimension)
		writeU32(&out, extensionFlags)
		writeU32(&out, 1)
		writeU32(&out, 0)
	}

	for _, frame := range frames {
		out.Write(frame)
	}

	return out.Bytes(), nil
}

func readImageBuffer(buf []byte, imageOffset, chunkCount, uncompressedSize, compressedSize int) ([]byte, error) {
	if chunkCount == 0 {
		if compressedSize == 0 {
			if imageOffset+uncompressedSize > len(buf) {
				return nil, decodeerr.New("ftex", "truncated uncompressed frame")
			}
			return append([]byte{}, buf[imageOffset:imageOffset+uncompressedSize]...), nil
		}
		if imageOffset+compressedSize > len(buf) {
			return nil, decodeerr.New("ftex", "truncated compressed frame")
		}
		return inflate(buf[imageOffset : imageOffset+compressedSize])
	}

	type chunkSpec struct {
		offset         int
		compressedSize int
		isCompressed   bool
	}
	chunks := make([]chunkSpec, chunkCount)
	pos := imageOffset
	for i := 0; i < chunkCount; i++ {
		if pos+8 > len(buf) {
			return nil, decodeerr.New("ftex", "truncated chunk header")
		}
		h := buf[pos : pos+8]
		compressed := int(binary.LittleEndian.Uint16(h[0:2]))
		rawOffset := binary.LittleEndian.Uint32(h[4:8])
		isCompressed := rawOffset&(1<<31) == 0
		rawOffset &^= 1 << 31
		chunks[i] = chunkSpec{offset: int(rawOffset), compressedSize: compressed, isCompressed: isCompressed}
		pos += 8
	}

	var result bytes.Buffer
	for _, c := range chunks {
		start := imageOffset + c.offset
		if start+c.compressedSize > len(buf) {
			return nil, decodeerr.New("ftex", "truncated chunk payload")
		}
		raw := buf[start : start+c.compressedSize]
		if c.isCompressed {
			decoded, err := inflate(raw)
			if err != nil {
				return nil, err
			}
			result.Write(decoded)
		} else {
			result.Write(raw)
		}
	}
	return result.Bytes(), nil
}

func inflate(buf []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, decodeerr.Wrap("ftex", err, "opening zlib stream")
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, decodeerr.Wrap("ftex", err, "inflating frame")
	}
	return out.Bytes(), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

const chunkSize = 1 << 14

// FromDDS encodes a DDS buffer as FTEX, tagging the result with
// colorSpace.
func FromDDS(buf []byte, colorSpace ColorSpace) ([]byte, error) {
	if len(buf) < ddsHeaderLength {
		return nil, decodeerr.New("ftex", "truncated dds header")
	}
	if string(buf[0:4]) != "DDS " {
		return nil, decodeerr.New("ftex", "incorrect dds signature")
	}
	headerSize := binary.LittleEndian.Uint32(buf[4:8])
	if headerSize != 124 {
		return nil, decodeerr.New("ftex", "incorrect dds header size")
	}

	height := binary.LittleEndian.Uint32(buf[12:16])
	width := binary.LittleEndian.Uint32(buf[16:20])
	ddsDepth := binary.LittleEndian.Uint32(buf[24:28])
	ddsMipmapCount := binary.LittleEndian.Uint32(buf[28:32])
	formatFlags := binary.LittleEndian.Uint32(buf[80:84])
	fourCC := string(buf[84:88])
	rMask := binary.LittleEndian.Uint32(buf[92:96])
	gMask := binary.LittleEndian.Uint32(buf[96:100])
	bMask := binary.LittleEndian.Uint32(buf[100:104])
	aMask := binary.LittleEndian.Uint32(buf[104:108])
	capabilities1 := binary.LittleEndian.Uint32(buf[108:112])
	capabilities2 := binary.LittleEndian.Uint32(buf[112:116])

	mipmapCount := 1
	if capabilities1&0x400000 != 0 && ddsMipmapCount > 1 {
		mipmapCount = int(ddsMipmapCount)
	}

	isCubeMap := capabilities2&0x200 != 0
	if isCubeMap && capabilities2&0xfe00 != 0xfe00 {
		return nil, decodeerr.New("ftex", "incomplete dds cube maps not supported")
	}
	cubeEntries := 1
	if isCubeMap {
		cubeEntries = 6
	}

	depth := 1
	if capabilities2&0x200000 != 0 {
		depth = int(ddsDepth)
	}
	if isCubeMap && depth > 1 {
		return nil, decodeerr.New("ftex", "invalid dds combination: cube map and volume map both set")
	}

	var textureType byte
	switch colorSpace {
	case Linear:
		textureType = 0x1
	case SRGB:
		textureType = 0x3
	default:
		textureType = 0x9
	}
	if isCubeMap {
		textureType |= 0x4
	}

	var pixelFormat int
	headerOffset := ddsHeaderLength
	if formatFlags&0x4 == 0 {
		if formatFlags&0x40 != 0 && formatFlags&0x1 != 0 &&
			rMask == 0x00ff0000 && gMask == 0x0000ff00 && bMask == 0x000000ff && aMask == 0xff000000 {
			pixelFormat = 0
		} else {
			return nil, decodeerr.New("ftex", "unsupported dds codec")
		}
	} else if fourCC == "DX10" {
		if len(buf) < headerOffset+dx10HeaderLength {
			return nil, decodeerr.New("ftex", "truncated dds extension header")
		}
		dxgiFormat := binary.LittleEndian.Uint32(buf[headerOffset : headerOffset+4])
		pf, ok := pixelFormatForDxgiFormat[dxgiFormat]
		if !ok {
			return nil, decodeerr.New("ftex", "unsupported dds codec (dxgi format %d)", dxgiFormat)
		}
		pixelFormat = pf
		headerOffset += dx10HeaderLength
	} else if pf, ok := fourCCPixelFormat[fourCC]; ok {
		pixelFormat = pf
	} else {
		return nil, decodeerr.New("ftex", "unsupported dds codec (fourCC %q)", fourCC)
	}

	var version float32 = 2.03
	if pixelFormat > 4 {
		version = 2.04
	}

	type mipmapEntry struct {
		relativeOffset   int
		uncompressedSize int
		compressedSize   int
		mipmapIndex      int
		chunkCount       int
		compressed       []byte
	}

	entries := make([]mipmapEntry, 0, cubeEntries*mipmapCount)
	pos := headerOffset
	for c := 0; c < cubeEntries; c++ {
		for m := 0; m < mipmapCount; m++ {
			length, err := mipmapSize(pixelFormat, int(width), int(height), depth, m)
			if err != nil {
				return nil, err
			}
			if pos+length > len(buf) {
				return nil, decodeerr.New("ftex", "unexpected end of dds stream")
			}
			entries = append(entries, mipmapEntry{
				uncompressedSize: length,
				mipmapIndex:      m,
			})
			entries[len(entries)-1].compressed = buf[pos : pos+length]
			pos += length
		}
	}

	g, _ := errgroup.WithContext(context.Background())
	for i := range entries {
		i := i
		g.Go(func() error {
			compressed, chunkCount, err := encodeImage(entries[i].compressed)
			if err != nil {
				return err
			}
			entries[i].compressed = compressed
			entries[i].compressedSize = len(compressed)
			entries[i].chunkCount = chunkCount
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	relative := 0
	for i := range entries {
		entries[i].relativeOffset = relative
		relative += entries[i].compressedSize
	}

	mipmapBufferOffset := ftexHeaderLength
	frameBufferOffset := mipmapBufferOffset + len(entries)*mipmapHeaderLen

	var mipmapBuf, frameBuf bytes.Buffer
	for _, e := range entries {
		writeU32(&mipmapBuf, uint32(e.relativeOffset+frameBufferOffset))
		writeU32(&mipmapBuf, uint32(e.uncompressedSize))
		writeU32(&mipmapBuf, uint32(e.compressedSize))
		mipmapBuf.WriteByte(byte(e.mipmapIndex))
		mipmapBuf.WriteByte(0)
		writeU16(&mipmapBuf, uint16(e.chunkCount))
		frameBuf.Write(e.compressed)
	}

	var header bytes.Buffer
	header.Write([]byte("FTEX"))
	var vbuf [4]byte
	binary.LittleEndian.PutUint32(vbuf[:], math.Float32bits(version))
	header.Write(vbuf[:])
	writeU16(&header, uint16(pixelFormat))
	writeU16(&header, uint16(width))
	writeU16(&header, uint16(height))
	writeU16(&header, uint16(depth))
	header.WriteByte(byte(mipmapCount))
	header.WriteByte(0x02) // nrt flag, meaning unknown
	writeU16(&header, 0x11)
	writeU32(&header, 1)
	writeU32(&header, 0)
	writeU32(&header, uint32(textureType))
	header.WriteByte(0) // ftexs count
	header.WriteByte(0) // unknown
	header.Write(make([]byte, 14))
	header.Write(make([]byte, 16))

	var out bytes.Buffer
	out.Write(header.Bytes())
	out.Write(mipmapBuf.Bytes())
	out.Write(frameBuf.Bytes())
	return out.Bytes(), nil
}

// encodeImage chunks data into fixed-size pieces, zlib-compresses each
// independently at the best-compression level, and returns the
// concatenated chunk directory followed by the compressed chunk
// bodies.
func encodeImage(data []byte) ([]byte, int, error) {
	chunkCount := (len(data) + chunkSize - 1) / chunkSize
	if chunkCount == 0 {
		chunkCount = 1
	}

	headers := make([][]byte, chunkCount)
	bodies := make([][]byte, chunkCount)
	bodyOffsets := make([]int, chunkCount)

	offset := 0
	for i := 0; i < chunkCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]

		var compressed bytes.Buffer
		w, err := zlib.NewWriterLevel(&compressed, zlib.BestCompression)
		if err != nil {
			return nil, 0, decodeerr.Wrap("ftex", err, "opening zlib writer")
		}
		if _, err := w.Write(chunk); err != nil {
			return nil, 0, decodeerr.Wrap("ftex", err, "compressing chunk")
		}
		if err := w.Close(); err != nil {
			return nil, 0, decodeerr.Wrap("ftex", err, "compressing chunk")
		}

		bodyOffsets[i] = offset
		bodies[i] = compressed.Bytes()
		offset += len(bodies[i])

		h := make([]byte, 8)
		binary.LittleEndian.PutUint16(h[0:2], uint16(len(bodies[i])))
		binary.LittleEndian.PutUint16(h[2:4], uint16(len(chunk)))
		binary.LittleEndian.PutUint32(h[4:8], uint32(bodyOffsets[i]+chunkCount*8))
		headers[i] = h
	}

	var out bytes.Buffer
	for _, h := range headers {
		out.Write(h)
	}
	for _, b := range bodies {
		out.Write(b)
	}
	return out.Bytes(), chunkCount, nil
}
