// Package volume holds the in-memory pixel containers passed between the
// backend decoders, the position extractor and the output writer.
package volume

import (
	"fmt"
	"strings"
)

// CanonicalAxes is the axis order every extracted volume is delivered in.
const CanonicalAxes = "TZCYX"

// PixelType enumerates the sample formats a backend may deliver.
type PixelType int

const (
	PixelUint16 PixelType = iota
	PixelUint8
	PixelFloat32
)

func (p PixelType) String() string {
	switch p {
	case PixelUint8:
		return "uint8"
	case PixelUint16:
		return "uint16"
	case PixelFloat32:
		return "float32"
	default:
		return fmt.Sprintf("pixel(%d)", int(p))
	}
}

// BytesPerSample returns the storage size of one sample.
func (p PixelType) BytesPerSample() int {
	switch p {
	case PixelUint8:
		return 1
	case PixelFloat32:
		return 4
	default:
		return 2
	}
}

// Block is a raw N-dimensional array in the axis order the backend reads it
// in. Exactly one of U8, U16 and F32 is populated, matching Type.
type Block struct {
	Axes  string
	Shape []int
	Type  PixelType
	U8    []uint8
	U16   []uint16
	F32   []float32
}

// Len returns the number of samples held by the populated slice.
func (b *Block) Len() int {
	switch b.Type {
	case PixelUint8:
		return len(b.U8)
	case PixelFloat32:
		return len(b.F32)
	default:
		return len(b.U16)
	}
}

// Elements returns the product of the block's shape.
func (b *Block) Elements() int {
	return Product(b.Shape)
}

// Validate checks that axes, shape and sample count agree.
func (b *Block) Validate() error {
	if len(b.Axes) != len(b.Shape) {
		return fmt.Errorf("axes %q do not match rank %d", b.Axes, len(b.Shape))
	}
	seen := make(map[rune]bool, len(b.Axes))
	for _, a := range b.Axes {
		if seen[a] {
			return fmt.Errorf("axis %q repeated in %q", a, b.Axes)
		}
		seen[a] = true
	}
	for i, n := range b.Shape {
		if n < 0 {
			return fmt.Errorf("axis %c has negative size %d", b.Axes[i], n)
		}
	}
	if want, got := b.Elements(), b.Len(); want != got {
		return fmt.Errorf("shape %v needs %d samples, block holds %d", b.Shape, want, got)
	}
	return nil
}

// Size returns the extent of axis a, or 1 when the block does not carry it.
func (b *Block) Size(a byte) int {
	if i := strings.IndexByte(b.Axes, a); i >= 0 {
		return b.Shape[i]
	}
	return 1
}

// Volume is a contiguous uint16 array in canonical (T, Z, C, Y, X) order.
type Volume struct {
	T, Z, C, Y, X int
	Data          []uint16
}

// New allocates a zeroed volume.
func New(t, z, c, y, x int) *Volume {
	return &Volume{T: t, Z: z, C: c, Y: y, X: x, Data: make([]uint16, t*z*c*y*x)}
}

// Shape returns the canonical dimensions.
func (v *Volume) Shape() [5]int {
	return [5]int{v.T, v.Z, v.C, v.Y, v.X}
}

// Index returns the flat offset of a sample.
func (v *Volume) Index(t, z, c, y, x int) int {
	return (((t*v.Z+z)*v.C+c)*v.Y+y)*v.X + x
}

// Plane returns the Y*X samples of one (t, z, c) plane without copying.
func (v *Volume) Plane(t, z, c int) []uint16 {
	n := v.Y * v.X
	off := v.Index(t, z, c, 0, 0)
	return v.Data[off : off+n]
}

// Planes returns the number of (t, z, c) planes.
func (v *Volume) Planes() int {
	return v.T * v.Z * v.C
}

// Bytes returns the in-memory size of the pixel data.
func (v *Volume) Bytes() int64 {
	return int64(len(v.Data)) * 2
}

// EstimateBytes returns the canonical uint16 size of a volume of the given
// dimensions.
func EstimateBytes(t, z, c, y, x int) int64 {
	return int64(t) * int64(z) * int64(c) * int64(y) * int64(x) * 2
}

// Product multiplies the entries of shape.
func Product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
