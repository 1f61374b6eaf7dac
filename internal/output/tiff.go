package output

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"scenesplit/internal/calibration"
	"scenesplit/internal/volume"
)

// Compression names accepted in TIFFOptions.
const (
	CompressionNone    = "none"
	CompressionDeflate = "deflate"
)

// BigTIFF modes accepted in TIFFOptions.
const (
	BigTIFFAuto   = "auto"
	BigTIFFAlways = "always"
	BigTIFFNever  = "never"
)

// classicLimit is the largest file a classic TIFF can address.
const classicLimit = 1<<32 - 1

// TIFFOptions select the container variant.
type TIFFOptions struct {
	Compression string
	BigTIFF     string
}

func (o TIFFOptions) normalized() (TIFFOptions, error) {
	if o.Compression == "" {
		o.Compression = CompressionNone
	}
	if o.BigTIFF == "" {
		o.BigTIFF = BigTIFFAuto
	}
	switch o.Compression {
	case CompressionNone, CompressionDeflate:
	default:
		return o, fmt.Errorf("unknown compression %q (want none or deflate)", o.Compression)
	}
	switch o.BigTIFF {
	case BigTIFFAuto, BigTIFFAlways, BigTIFFNever:
	default:
		return o, fmt.Errorf("unknown bigtiff mode %q (want auto, always or never)", o.BigTIFF)
	}
	return o, nil
}

// TIFF tag numbers.
const (
	tagNewSubfileType   = 254
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagXResolution      = 282
	tagYResolution      = 283
	tagPlanarConfig     = 284
	tagResolutionUnit   = 296
	tagSampleFormat     = 339
)

// TIFF field types.
const (
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeLong8    = 16
)

const (
	compressNone    = 1
	compressDeflate = 8
)

type field struct {
	tag   uint16
	typ   uint16
	count uint64
	data  []byte
}

// layout describes the word sizes of the classic and Big variants.
type layout struct {
	big bool
}

func (l layout) headerSize() int64 {
	if l.big {
		return 16
	}
	return 8
}

func (l layout) inline() int {
	if l.big {
		return 8
	}
	return 4
}

// ifdSize is the size of an IFD holding n entries, excluding out-of-line data.
func (l layout) ifdSize(n int) int64 {
	if l.big {
		return 8 + int64(n)*20 + 8
	}
	return 2 + int64(n)*12 + 4
}

// ImageJDescription renders the ImageJ hyperstack description for v. Unknown
// calibration values are omitted.
func ImageJDescription(v *volume.Volume, cal calibration.Spec) string {
	var b strings.Builder
	b.WriteString("ImageJ=1.11a\n")
	fmt.Fprintf(&b, "images=%d\n", v.Planes())
	fmt.Fprintf(&b, "channels=%d\n", v.C)
	fmt.Fprintf(&b, "slices=%d\n", v.Z)
	fmt.Fprintf(&b, "frames=%d\n", v.T)
	b.WriteString("hyperstack=true\n")
	b.WriteString("mode=grayscale\n")
	if cal.VoxelX.Known() || cal.VoxelY.Known() || cal.VoxelZ.Known() {
		b.WriteString("unit=micron\n")
	}
	if cal.VoxelZ.Known() {
		fmt.Fprintf(&b, "spacing=%s\n", strconv.FormatFloat(cal.VoxelZ.V, 'g', -1, 64))
	}
	if cal.TimeInterval.Known() {
		fmt.Fprintf(&b, "finterval=%s\n", strconv.FormatFloat(cal.TimeInterval.V, 'g', -1, 64))
	}
	b.WriteString("loop=false\n")
	return b.String()
}

// useBig decides between classic TIFF and BigTIFF.
func useBig(v *volume.Volume, opts TIFFOptions) (bool, error) {
	// Data plus a generous per-page allowance for IFDs and description.
	estimate := v.Bytes() + int64(v.Planes())*512 + 4096
	if opts.Compression == CompressionDeflate {
		// zlib never grows incompressible data by more than ~0.1%.
		estimate += v.Bytes()/500 + int64(v.Planes())*64
	}
	switch opts.BigTIFF {
	case BigTIFFAlways:
		return true, nil
	case BigTIFFNever:
		if estimate > classicLimit {
			return false, fmt.Errorf("volume needs about %d bytes, more than classic TIFF can address", estimate)
		}
		return false, nil
	default:
		return estimate > classicLimit, nil
	}
}

// countingWriter tracks the absolute file offset of a sequential writer.
type countingWriter struct {
	w   *bufio.Writer
	off int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.off += int64(n)
	return n, err
}

func (c *countingWriter) pad() error {
	if c.off%2 == 0 {
		return nil
	}
	_, err := c.Write([]byte{0})
	return err
}

type patch struct {
	at  int64
	val uint64
}

// File is the sink WriteTIFF needs: sequential writes plus positioned
// patches of IFD links. *os.File satisfies it.
type File interface {
	io.Writer
	io.WriterAt
}

// WriteTIFF writes v to f as a little-endian ImageJ hyperstack, one uint16
// page per (t, z, c) plane in C-fastest order. The output depends only on
// its inputs.
func WriteTIFF(f File, v *volume.Volume, cal calibration.Spec, opts TIFFOptions) error {
	opts, err := opts.normalized()
	if err != nil {
		return err
	}
	if v.Planes() == 0 || v.Y == 0 || v.X == 0 {
		return fmt.Errorf("empty volume %v", v.Shape())
	}
	big, err := useBig(v, opts)
	if err != nil {
		return err
	}
	l := layout{big: big}
	bw := bufio.NewWriterSize(f, 1<<20)
	cw := &countingWriter{w: bw}

	header := make([]byte, l.headerSize())
	copy(header, "II")
	if big {
		binary.LittleEndian.PutUint16(header[2:], 43)
		binary.LittleEndian.PutUint16(header[4:], 8)
		// first IFD offset patched below
	} else {
		binary.LittleEndian.PutUint16(header[2:], 42)
	}
	if _, err := cw.Write(header); err != nil {
		return err
	}
	var patches []patch
	prevNext := l.headerSize() - int64(l.inline())

	desc := ImageJDescription(v, cal)
	raw := make([]byte, v.Y*v.X*2)
	var zbuf bytes.Buffer
	var zw *zlib.Writer
	if opts.Compression == CompressionDeflate {
		zw, err = zlib.NewWriterLevel(&zbuf, zlib.DefaultCompression)
		if err != nil {
			return err
		}
	}

	page := 0
	for t := 0; t < v.T; t++ {
		for z := 0; z < v.Z; z++ {
			for c := 0; c < v.C; c++ {
				plane := v.Plane(t, z, c)
				for i, s := range plane {
					binary.LittleEndian.PutUint16(raw[2*i:], s)
				}
				payload := raw
				if zw != nil {
					zbuf.Reset()
					zw.Reset(&zbuf)
					if _, err := zw.Write(raw); err != nil {
						return err
					}
					if err := zw.Close(); err != nil {
						return err
					}
					payload = zbuf.Bytes()
				}

				dataOff := cw.off
				if _, err := cw.Write(payload); err != nil {
					return err
				}
				if err := cw.pad(); err != nil {
					return err
				}

				fields := pageFields(l, v, cal, opts, page == 0, desc, dataOff, int64(len(payload)))
				ifdOff := cw.off
				patches = append(patches, patch{at: prevNext, val: uint64(ifdOff)})
				next, err := writeIFD(cw, l, fields)
				if err != nil {
					return fmt.Errorf("page %d: %w", page, err)
				}
				prevNext = next
				page++
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	var word [8]byte
	for _, p := range patches {
		n := l.inline()
		if big {
			binary.LittleEndian.PutUint64(word[:], p.val)
		} else {
			binary.LittleEndian.PutUint32(word[:], uint32(p.val))
		}
		if _, err := f.WriteAt(word[:n], p.at); err != nil {
			return err
		}
	}
	return nil
}

func pageFields(l layout, v *volume.Volume, cal calibration.Spec, opts TIFFOptions, first bool, desc string, off, size int64) []field {
	compression := uint16(compressNone)
	if opts.Compression == CompressionDeflate {
		compression = compressDeflate
	}
	fs := []field{
		longField(tagNewSubfileType, 0),
		longField(tagImageWidth, uint32(v.X)),
		longField(tagImageLength, uint32(v.Y)),
		shortField(tagBitsPerSample, 16),
		shortField(tagCompression, compression),
		shortField(tagPhotometric, 1),
	}
	if first {
		fs = append(fs, field{tag: tagImageDescription, typ: typeASCII, count: uint64(len(desc) + 1), data: append([]byte(desc), 0)})
	}
	fs = append(fs, offsetField(l, tagStripOffsets, uint64(off)))
	fs = append(fs,
		shortField(tagSamplesPerPixel, 1),
		longField(tagRowsPerStrip, uint32(v.Y)),
		offsetField(l, tagStripByteCounts, uint64(size)),
	)
	if cal.VoxelX.Known() {
		fs = append(fs, rationalField(tagXResolution, 1/cal.VoxelX.V))
	}
	if cal.VoxelY.Known() {
		fs = append(fs, rationalField(tagYResolution, 1/cal.VoxelY.V))
	}
	fs = append(fs,
		shortField(tagPlanarConfig, 1),
		shortField(tagResolutionUnit, 1),
		shortField(tagSampleFormat, 1),
	)
	return fs
}

func shortField(tag, v uint16) field {
	d := make([]byte, 2)
	binary.LittleEndian.PutUint16(d, v)
	return field{tag: tag, typ: typeShort, count: 1, data: d}
}

func longField(tag uint16, v uint32) field {
	d := make([]byte, 4)
	binary.LittleEndian.PutUint32(d, v)
	return field{tag: tag, typ: typeLong, count: 1, data: d}
}

func offsetField(l layout, tag uint16, v uint64) field {
	if !l.big {
		return longField(tag, uint32(v))
	}
	d := make([]byte, 8)
	binary.LittleEndian.PutUint64(d, v)
	return field{tag: tag, typ: typeLong8, count: 1, data: d}
}

// rationalField stores r as num/den with the largest power-of-ten
// denominator up to 1e6 that keeps num within 32 bits.
func rationalField(tag uint16, r float64) field {
	den := uint64(1_000_000)
	for den > 1 && r*float64(den) > math.MaxUint32 {
		den /= 10
	}
	num := math.Round(r * float64(den))
	if num > math.MaxUint32 {
		num = math.MaxUint32
	}
	d := make([]byte, 8)
	binary.LittleEndian.PutUint32(d, uint32(num))
	binary.LittleEndian.PutUint32(d[4:], uint32(den))
	return field{tag: tag, typ: typeRational, count: 1, data: d}
}

// writeIFD writes the directory followed by its out-of-line values and
// returns the offset of its next-IFD pointer.
func writeIFD(cw *countingWriter, l layout, fields []field) (int64, error) {
	start := cw.off
	extra := start + l.ifdSize(len(fields))
	var dir, tail bytes.Buffer
	le := binary.LittleEndian
	var scratch [8]byte

	if l.big {
		le.PutUint64(scratch[:], uint64(len(fields)))
		dir.Write(scratch[:8])
	} else {
		le.PutUint16(scratch[:], uint16(len(fields)))
		dir.Write(scratch[:2])
	}
	for _, f := range fields {
		le.PutUint16(scratch[:], f.tag)
		le.PutUint16(scratch[2:], f.typ)
		dir.Write(scratch[:4])
		if l.big {
			le.PutUint64(scratch[:], f.count)
			dir.Write(scratch[:8])
		} else {
			le.PutUint32(scratch[:], uint32(f.count))
			dir.Write(scratch[:4])
		}
		value := make([]byte, l.inline())
		if len(f.data) <= l.inline() {
			copy(value, f.data)
		} else {
			off := uint64(extra) + uint64(tail.Len())
			if l.big {
				le.PutUint64(value, off)
			} else {
				le.PutUint32(value, uint32(off))
			}
			tail.Write(f.data)
			if tail.Len()%2 == 1 {
				tail.WriteByte(0)
			}
		}
		dir.Write(value)
	}
	next := start + int64(dir.Len())
	dir.Write(make([]byte, l.inline()))
	if _, err := cw.Write(dir.Bytes()); err != nil {
		return 0, err
	}
	if _, err := cw.Write(tail.Bytes()); err != nil {
		return 0, err
	}
	return next, nil
}
