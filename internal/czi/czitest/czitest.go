// Package czitest writes small synthetic CZI files for tests.
package czitest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	pixelGray8       = 0
	pixelGray16      = 1
	pixelGray32Float = 2

	compressionNone  = 0
	compressionZstd0 = 5
	compressionZstd1 = 6
)

// Spec describes the acquisition to synthesize.
type Spec struct {
	Scenes, T, Z, C, Y, X int
	// Channels names the channels in the XML metadata; empty omits them.
	Channels []string
	// Scaling is X, Y, Z in meters; zero entries are omitted from the XML.
	Scaling [3]float64
	// TimeIncrement is written as the T interval increment when positive.
	TimeIncrement float64
	// Pixel is "gray8", "gray16" (default) or "float".
	Pixel string
	// Compression is None, Zstd0 or Zstd1 (hi/lo packed for 16-bit data).
	// Any other code is stored verbatim.
	Compression int32
	// DimOrder lists the non-plane dimensions fastest first, e.g. "ZCTS".
	DimOrder string
	// Tiles splits every plane into that many vertical mosaic strips.
	Tiles int
	// Pyramid adds a downscaled subblock per plane that readers must ignore.
	Pyramid bool
	// Skip omits the subblock of a plane when it returns true.
	Skip func(s, t, z, c int) bool
	// Value returns the sample at a coordinate; defaults to Value.
	Value func(s, t, z, c, y, x int) uint16
}

// Compression codes.
const (
	None  int32 = compressionNone
	Zstd0 int32 = compressionZstd0
	Zstd1 int32 = compressionZstd1
)

// Value is the default sample generator: every coordinate maps to a
// distinct, recognizable number.
func Value(s, t, z, c, y, x int) uint16 {
	return uint16(s*10000 + t*1000 + z*100 + c*10 + (y*7+x)%10)
}

type dim struct {
	name                string
	start, size, stored int32
}

type subBlock struct {
	pixelType, compression int32
	pyramid                uint8
	dims                   []dim
	data                   []byte
}

// Write synthesizes a CZI file at path.
func Write(path string, spec Spec) error {
	data, err := Build(spec)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Build returns the bytes of a synthetic CZI file.
func Build(spec Spec) ([]byte, error) {
	if spec.Scenes < 1 || spec.T < 1 || spec.Z < 1 || spec.C < 1 || spec.Y < 1 || spec.X < 1 {
		return nil, fmt.Errorf("czitest: all sizes must be positive: %+v", spec)
	}
	if spec.DimOrder == "" {
		spec.DimOrder = "ZCTS"
	}
	if spec.Tiles < 1 {
		spec.Tiles = 1
	}
	if spec.Value == nil {
		spec.Value = Value
	}
	pixelType, err := pixelCode(spec.Pixel)
	if err != nil {
		return nil, err
	}

	var blocks []subBlock
	for s := 0; s < spec.Scenes; s++ {
		for t := 0; t < spec.T; t++ {
			for z := 0; z < spec.Z; z++ {
				for c := 0; c < spec.C; c++ {
					if spec.Skip != nil && spec.Skip(s, t, z, c) {
						continue
					}
					tiles, err := planeBlocks(spec, pixelType, s, t, z, c)
					if err != nil {
						return nil, err
					}
					blocks = append(blocks, tiles...)
				}
			}
		}
	}

	var buf bytes.Buffer
	// File header segment, patched once positions are known.
	headerBody := make([]byte, 512)
	writeSegment(&buf, "ZISRAWFILE", headerBody)

	positions := make([]int64, len(blocks))
	for i, b := range blocks {
		positions[i] = int64(buf.Len())
		writeSegment(&buf, "ZISRAWSUBBLOCK", encodeSubBlock(b, 0))
	}

	metaPos := int64(buf.Len())
	doc := metadataXML(spec)
	meta := make([]byte, 256+len(doc))
	binary.LittleEndian.PutUint32(meta[0:], uint32(len(doc)))
	copy(meta[256:], doc)
	writeSegment(&buf, "ZISRAWMETADATA", meta)

	dirPos := int64(buf.Len())
	var dir bytes.Buffer
	dir.Write(le32(int32(len(blocks))))
	dir.Write(make([]byte, 124))
	for i, b := range blocks {
		dir.Write(encodeEntry(b, positions[i]))
	}
	writeSegment(&buf, "ZISRAWDIRECTORY", dir.Bytes())

	out := buf.Bytes()
	body := out[32:]
	binary.LittleEndian.PutUint32(body[0:], 1) // major
	binary.LittleEndian.PutUint32(body[4:], 0) // minor
	binary.LittleEndian.PutUint64(body[52:], uint64(dirPos))
	binary.LittleEndian.PutUint64(body[60:], uint64(metaPos))
	return out, nil
}

func planeBlocks(spec Spec, pixelType int32, s, t, z, c int) ([]subBlock, error) {
	var out []subBlock
	width := (spec.X + spec.Tiles - 1) / spec.Tiles
	// Scenes sit at distinct stage offsets so readers must use the bounding box.
	originX, originY := s*5000+17, s*3000+3
	for m := 0; m < spec.Tiles; m++ {
		x0 := m * width
		w := width
		if x0+w > spec.X {
			w = spec.X - x0
		}
		if w <= 0 {
			break
		}
		raw := make([]byte, 0, w*spec.Y*4)
		for y := 0; y < spec.Y; y++ {
			for x := x0; x < x0+w; x++ {
				raw = appendSample(raw, pixelType, spec.Value(s, t, z, c, y, x))
			}
		}
		payload, err := compress(raw, spec.Compression, pixelType)
		if err != nil {
			return nil, err
		}
		dims := []dim{
			{name: "X", start: int32(originX + x0), size: int32(w), stored: int32(w)},
			{name: "Y", start: int32(originY), size: int32(spec.Y), stored: int32(spec.Y)},
		}
		for _, d := range spec.DimOrder {
			var start int
			switch d {
			case 'S':
				start = s
			case 'T':
				start = t
			case 'Z':
				start = z
			case 'C':
				start = c
			default:
				return nil, fmt.Errorf("czitest: unknown dimension %q", d)
			}
			dims = append(dims, dim{name: string(d), start: int32(start), size: 1, stored: 1})
		}
		if spec.Tiles > 1 {
			dims = append(dims, dim{name: "M", start: int32(m), size: 1, stored: 1})
		}
		out = append(out, subBlock{pixelType: pixelType, compression: spec.Compression, dims: dims, data: payload})

		if spec.Pyramid && w >= 2 && spec.Y >= 2 {
			pdims := append([]dim(nil), dims...)
			pdims[0].stored = int32(w / 2)
			pdims[1].stored = int32(spec.Y / 2)
			sz := (w / 2) * (spec.Y / 2)
			pyr := make([]byte, 0, sz*4)
			for i := 0; i < sz; i++ {
				pyr = appendSample(pyr, pixelType, 0xFFFF)
			}
			out = append(out, subBlock{pixelType: pixelType, compression: compressionNone, pyramid: 1, dims: pdims, data: pyr})
		}
	}
	return out, nil
}

func pixelCode(name string) (int32, error) {
	switch strings.ToLower(name) {
	case "", "gray16":
		return pixelGray16, nil
	case "gray8":
		return pixelGray8, nil
	case "float", "gray32float":
		return pixelGray32Float, nil
	default:
		return 0, fmt.Errorf("czitest: unknown pixel type %q", name)
	}
}

func appendSample(b []byte, pixelType int32, v uint16) []byte {
	switch pixelType {
	case pixelGray8:
		return append(b, byte(v))
	case pixelGray32Float:
		return binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(v)))
	default:
		return binary.LittleEndian.AppendUint16(b, v)
	}
}

func compress(raw []byte, compression, pixelType int32) ([]byte, error) {
	switch compression {
	case compressionNone:
		return raw, nil
	case compressionZstd0, compressionZstd1:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		if compression == compressionZstd0 {
			return enc.EncodeAll(raw, nil), nil
		}
		header := []byte{1}
		if pixelType == pixelGray16 {
			raw = packHiLo(raw)
			header = []byte{3, 1, 1}
		}
		return enc.EncodeAll(raw, header), nil
	default:
		// Unsupported codes are stored verbatim so readers can reject them.
		return raw, nil
	}
}

func packHiLo(data []byte) []byte {
	n := len(data) / 2
	out := make([]byte, len(data))
	for i := 0; i < n; i++ {
		out[i] = data[2*i]
		out[n+i] = data[2*i+1]
	}
	return out
}

func encodeEntry(b subBlock, pos int64) []byte {
	e := make([]byte, 32+20*len(b.dims))
	copy(e, "DV")
	binary.LittleEndian.PutUint32(e[2:], uint32(b.pixelType))
	binary.LittleEndian.PutUint64(e[6:], uint64(pos))
	binary.LittleEndian.PutUint32(e[18:], uint32(b.compression))
	e[22] = b.pyramid
	binary.LittleEndian.PutUint32(e[28:], uint32(len(b.dims)))
	for i, d := range b.dims {
		o := e[32+20*i:]
		copy(o[:4], d.name)
		binary.LittleEndian.PutUint32(o[4:], uint32(d.start))
		binary.LittleEndian.PutUint32(o[8:], uint32(d.size))
		binary.LittleEndian.PutUint32(o[16:], uint32(d.stored))
	}
	return e
}

func encodeSubBlock(b subBlock, pos int64) []byte {
	entry := encodeEntry(b, pos)
	fixed := 16 + len(entry)
	if fixed < 256 {
		fixed = 256
	}
	out := make([]byte, fixed, fixed+len(b.data))
	binary.LittleEndian.PutUint32(out[0:], 0) // metadata size
	binary.LittleEndian.PutUint32(out[4:], 0) // attachment size
	binary.LittleEndian.PutUint64(out[8:], uint64(len(b.data)))
	copy(out[16:], entry)
	return append(out, b.data...)
}

func writeSegment(buf *bytes.Buffer, id string, body []byte) {
	var hdr [32]byte
	copy(hdr[:16], id)
	binary.LittleEndian.PutUint64(hdr[16:], uint64(len(body)))
	binary.LittleEndian.PutUint64(hdr[24:], uint64(len(body)))
	buf.Write(hdr[:])
	buf.Write(body)
}

func le32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func metadataXML(spec Spec) string {
	var b strings.Builder
	b.WriteString("<ImageDocument><Metadata><Information><Image>")
	fmt.Fprintf(&b, "<SizeS>%d</SizeS><SizeT>%d</SizeT><SizeZ>%d</SizeZ><SizeC>%d</SizeC>", spec.Scenes, spec.T, spec.Z, spec.C)
	b.WriteString("<Dimensions>")
	if len(spec.Channels) > 0 {
		b.WriteString("<Channels>")
		for i, name := range spec.Channels {
			fmt.Fprintf(&b, `<Channel Id="Channel:%d" Name="%s"/>`, i, name)
		}
		b.WriteString("</Channels>")
	}
	if spec.TimeIncrement > 0 {
		fmt.Fprintf(&b, "<T><Positions><Interval><Increment>%g</Increment></Interval></Positions></T>", spec.TimeIncrement)
	}
	b.WriteString("</Dimensions></Image></Information>")
	b.WriteString("<Scaling><Items>")
	for i, id := range []string{"X", "Y", "Z"} {
		if spec.Scaling[i] > 0 {
			fmt.Fprintf(&b, `<Distance Id="%s"><Value>%g</Value></Distance>`, id, spec.Scaling[i])
		}
	}
	b.WriteString("</Items></Scaling></Metadata></ImageDocument>")
	return b.String()
}
