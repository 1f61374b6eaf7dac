// Package extract assembles one position's canonical (T, Z, C, Y, X) uint16
// volume from whatever a backend reader returns.
package extract

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"scenesplit/internal/backend"
	"scenesplit/internal/channels"
	"scenesplit/internal/faults"
	"scenesplit/internal/volume"
)

// Request identifies one position to extract.
type Request struct {
	Position int
	// Name overrides the output folder name.
	Name string
}

// OutputName returns the override or "{prefix}_P{index:02d}".
func (r Request) OutputName(prefix string) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%s_P%02d", prefix, r.Position)
}

// Options control pixel conversion.
type Options struct {
	// Normalize scales 8-bit sources by 256 into the 16-bit range. Without it
	// 8-bit values are widened unchanged.
	Normalize bool
}

// ValidatePositions checks every requested index against the source.
func ValidatePositions(info backend.Info, positions []int) error {
	seen := make(map[int]bool, len(positions))
	for _, p := range positions {
		if p < 0 || p >= info.Positions {
			return faults.Validation("extract", "position %d out of range [0, %d)", p, info.Positions)
		}
		if seen[p] {
			return faults.Validation("extract", "position %d requested twice", p)
		}
		seen[p] = true
	}
	return nil
}

// Position reads one position through r and returns it in canonical order
// with the channel axis laid out as m.
func Position(ctx context.Context, r backend.Reader, req Request, m channels.Mapping, opts Options) (*volume.Volume, error) {
	info := r.Info()
	if err := ValidatePositions(info, []int{req.Position}); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, faults.Validation("extract", "empty channel mapping")
	}

	blk, err := r.Extract(ctx, req.Position, m.Indices())
	if err != nil {
		return nil, err
	}
	if err := blk.Validate(); err != nil {
		return nil, faults.Wrap(faults.ErrFormat, "extract", "position", fmt.Sprintf("position %d", req.Position), err)
	}
	if got := blk.Size('C'); got != len(m) {
		return nil, faults.Format("extract", "position %d: backend returned %d channels, requested %d", req.Position, got, len(m))
	}

	axes, shape, err := expand(blk.Axes, blk.Shape)
	if err != nil {
		return nil, faults.Wrap(faults.ErrFormat, "extract", "position", fmt.Sprintf("position %d", req.Position), err)
	}
	data := toUint16(blk, opts)

	out, dims, err := volume.Transpose(data, shape, axes, volume.CanonicalAxes)
	if err != nil {
		return nil, faults.Wrap(faults.ErrFormat, "extract", "transpose", fmt.Sprintf("position %d", req.Position), err)
	}
	return &volume.Volume{T: dims[0], Z: dims[1], C: dims[2], Y: dims[3], X: dims[4], Data: out}, nil
}

// expand prepends singleton axes for canonical letters the block lacks.
func expand(axes string, shape []int) (string, []int, error) {
	for _, a := range axes {
		if !strings.ContainsRune(volume.CanonicalAxes, a) {
			return "", nil, fmt.Errorf("axis %q of %q is not one of %s", a, axes, volume.CanonicalAxes)
		}
	}
	var missing []byte
	for i := 0; i < len(volume.CanonicalAxes); i++ {
		if strings.IndexByte(axes, volume.CanonicalAxes[i]) < 0 {
			missing = append(missing, volume.CanonicalAxes[i])
		}
	}
	out := make([]int, 0, len(missing)+len(shape))
	for range missing {
		out = append(out, 1)
	}
	return string(missing) + axes, append(out, shape...), nil
}

// toUint16 converts block samples to uint16 in their existing order.
func toUint16(blk *volume.Block, opts Options) []uint16 {
	switch blk.Type {
	case volume.PixelUint8:
		out := make([]uint16, len(blk.U8))
		for i, v := range blk.U8 {
			if opts.Normalize {
				out[i] = uint16(v) << 8
			} else {
				out[i] = uint16(v)
			}
		}
		return out
	case volume.PixelFloat32:
		return stretchFloat(blk.F32)
	default:
		return blk.U16
	}
}

// stretchFloat maps the finite range of src linearly onto 0..65535. NaN maps
// to zero; a constant image maps to zero.
func stretchFloat(src []float32) []uint16 {
	out := make([]uint16, len(src))
	if len(src) == 0 {
		return out
	}
	vals := make([]float64, len(src))
	for i, v := range src {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			f = 0
		}
		vals[i] = f
	}
	lo, hi := floats.Min(vals), floats.Max(vals)
	if hi <= lo {
		return out
	}
	scale := 65535 / (hi - lo)
	for i, v := range vals {
		out[i] = uint16(math.Round((v - lo) * scale))
	}
	return out
}
