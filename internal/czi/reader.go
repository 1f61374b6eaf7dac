package czi

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"scenesplit/internal/backend"
	"scenesplit/internal/faults"
	"scenesplit/internal/volume"
)

// Name is the backend name of the CZI decoder.
const Name = "czi"

// maxBlockSamples bounds the sample count of one extracted position.
const maxBlockSamples = 1 << 36

// stackAxes are the non-plane dimensions a position volume is built from.
const stackAxes = "TZC"

// Decoder exposes the CZI reader as a backend capability.
type Decoder struct{}

func (Decoder) Name() string { return Name }

// Probe checks that the zstd codec initializes.
func (Decoder) Probe() error {
	_, err := zstdDecoder()
	return err
}

func (Decoder) Sniff(header []byte) bool {
	return bytes.HasPrefix(header, []byte(SegmentFile))
}

func (Decoder) Open(path string) (backend.Reader, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// File is an opened CZI container.
type File struct {
	path      string
	f         *os.File
	entries   []DirectoryEntry
	meta      Metadata
	scenes    []int
	origin    map[string]int
	extent    map[string]int
	axes      string
	pixelType int32
	bpp       int
}

var _ backend.Reader = (*File)(nil)

// Open parses the header, directory and metadata of the CZI file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	cf, err := load(path, f)
	if err != nil {
		f.Close()
		return nil, faults.Wrap(faults.ErrFormat, Name, "open", path, err)
	}
	return cf, nil
}

func load(path string, f *os.File) (*File, error) {
	hdr, err := readFileHeader(f)
	if err != nil {
		return nil, err
	}
	entries, err := readDirectory(f, hdr.DirectoryPosition)
	if err != nil {
		return nil, err
	}
	var doc []byte
	if hdr.MetadataPosition > 0 {
		if doc, err = readMetadataXML(f, hdr.MetadataPosition); err != nil {
			return nil, err
		}
	}
	meta, err := ParseMetadata(doc)
	if err != nil {
		return nil, err
	}

	cf := &File{path: path, f: f, meta: meta}
	if err := cf.index(entries); err != nil {
		return nil, err
	}
	return cf, nil
}

// index keeps the full-resolution subblocks and derives the scene list,
// dimension extents and native axis order from them.
func (cf *File) index(all []DirectoryEntry) error {
	for _, e := range all {
		if e.IsPyramid() {
			continue
		}
		for _, name := range []string{"X", "Y"} {
			d, ok := e.Dim(name)
			if !ok {
				return fmt.Errorf("subblock at %d has no %s dimension", e.FilePosition, name)
			}
			if d.Size <= 0 {
				return fmt.Errorf("subblock at %d has %s size %d", e.FilePosition, name, d.Size)
			}
		}
		bpp, err := bytesPerPixel(e.PixelType)
		if err != nil {
			return fmt.Errorf("subblock at %d: %w", e.FilePosition, err)
		}
		if !supportedCompression(e.Compression) {
			return fmt.Errorf("subblock at %d: unsupported compression %d", e.FilePosition, e.Compression)
		}
		if len(cf.entries) == 0 {
			cf.pixelType, cf.bpp = e.PixelType, bpp
		} else if e.PixelType != cf.pixelType {
			return fmt.Errorf("mixed pixel types %d and %d", cf.pixelType, e.PixelType)
		}
		cf.entries = append(cf.entries, e)
	}
	if len(cf.entries) == 0 {
		return fmt.Errorf("no image subblocks: file holds zero positions")
	}

	cf.origin = make(map[string]int)
	cf.extent = make(map[string]int)
	present := make(map[string]bool)
	last := make(map[string]int)
	sceneSet := make(map[int]bool)
	for i := range cf.entries {
		e := &cf.entries[i]
		for _, d := range e.Dims {
			if !strings.Contains(stackAxes, d.Dimension) {
				continue
			}
			start := int(d.Start)
			if !present[d.Dimension] || start < cf.origin[d.Dimension] {
				cf.origin[d.Dimension] = start
			}
			if !present[d.Dimension] || start > last[d.Dimension] {
				last[d.Dimension] = start
			}
			present[d.Dimension] = true
		}
		sceneSet[e.Start("S")] = true
	}
	for dim := range present {
		cf.extent[dim] = last[dim] - cf.origin[dim] + 1
	}
	// Requested channels always form an axis, even for single-channel files.
	present["C"] = true
	for s := range sceneSet {
		cf.scenes = append(cf.scenes, s)
	}
	sort.Ints(cf.scenes)
	for _, scene := range cf.scenes {
		if _, _, w, h := bounds(cf.sceneEntries(scene)); w <= 0 || h <= 0 {
			return fmt.Errorf("scene %d has empty bounds %dx%d", scene, w, h)
		}
	}

	// Directory dimension lists run fastest first; native order is the reverse.
	var order []string
	for _, d := range cf.entries[0].Dims {
		if present[d.Dimension] {
			order = append([]string{d.Dimension}, order...)
		}
	}
	for _, a := range stackAxes {
		if present[string(a)] && !contains(order, string(a)) {
			order = append([]string{string(a)}, order...)
		}
	}
	cf.axes = strings.Join(order, "") + "YX"
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (cf *File) size(dim string) int {
	if n, ok := cf.extent[dim]; ok {
		return n
	}
	return 1
}

func (cf *File) sceneEntries(scene int) []DirectoryEntry {
	var out []DirectoryEntry
	for _, e := range cf.entries {
		if e.Start("S") == scene {
			out = append(out, e)
		}
	}
	return out
}

// bounds returns the bounding box of the tiles in pixel coordinates.
func bounds(tiles []DirectoryEntry) (x0, y0, w, h int) {
	x1, y1 := 0, 0
	for i, e := range tiles {
		dx, _ := e.Dim("X")
		dy, _ := e.Dim("Y")
		left, top := int(dx.Start), int(dy.Start)
		right, bottom := left+int(dx.Size), top+int(dy.Size)
		if i == 0 || left < x0 {
			x0 = left
		}
		if i == 0 || top < y0 {
			y0 = top
		}
		if right > x1 {
			x1 = right
		}
		if bottom > y1 {
			y1 = bottom
		}
	}
	return x0, y0, x1 - x0, y1 - y0
}

// Info reports the container dimensions. Frame size is that of the first
// scene.
func (cf *File) Info() backend.Info {
	_, _, w, h := bounds(cf.sceneEntries(cf.scenes[0]))
	c := cf.size("C")
	return backend.Info{
		Path:         cf.path,
		Backend:      Name,
		Positions:    len(cf.scenes),
		Timepoints:   cf.size("T"),
		ZSlices:      cf.size("Z"),
		Channels:     c,
		ChannelNames: normalizeChannelNames(cf.meta.ChannelNames, c),
		SizeY:        h,
		SizeX:        w,
		VoxelSize:    cf.meta.VoxelSize,
		TimeInterval: cf.meta.TimeInterval,
		NativeAxes:   cf.axes,
		PixelType:    volumePixelType(cf.pixelType),
	}
}

// Extract decodes every plane of one scene for the requested channels.
// Mosaic tiles are placed into the scene's bounding box.
func (cf *File) Extract(ctx context.Context, position int, channels []int) (*volume.Block, error) {
	if position < 0 || position >= len(cf.scenes) {
		return nil, faults.Validation(Name, "position %d out of range [0, %d)", position, len(cf.scenes))
	}
	if len(channels) == 0 {
		return nil, faults.Validation(Name, "no channels requested")
	}
	nc := cf.size("C")
	outputs := make(map[int][]int)
	for i, c := range channels {
		if c < 0 || c >= nc {
			return nil, faults.Validation(Name, "channel %d out of range [0, %d)", c, nc)
		}
		outputs[c] = append(outputs[c], i)
	}

	tiles := cf.sceneEntries(cf.scenes[position])
	x0, y0, w, h := bounds(tiles)
	nt, nz, k := cf.size("T"), cf.size("Z"), len(channels)

	blk := &volume.Block{Axes: cf.axes, Type: volumePixelType(cf.pixelType)}
	stride := make(map[byte]int)
	blk.Shape = make([]int, len(cf.axes))
	for i := range cf.axes {
		switch cf.axes[i] {
		case 'T':
			blk.Shape[i] = nt
		case 'Z':
			blk.Shape[i] = nz
		case 'C':
			blk.Shape[i] = k
		case 'Y':
			blk.Shape[i] = h
		case 'X':
			blk.Shape[i] = w
		}
	}
	step := 1
	for i := len(cf.axes) - 1; i >= 0; i-- {
		stride[cf.axes[i]] = step
		if blk.Shape[i] > maxBlockSamples/step {
			return nil, faults.Format(Name, "position %d has oversized shape %v", position, blk.Shape)
		}
		step *= blk.Shape[i]
	}
	switch blk.Type {
	case volume.PixelUint8:
		blk.U8 = make([]uint8, step)
	case volume.PixelFloat32:
		blk.F32 = make([]float32, step)
	default:
		blk.U16 = make([]uint16, step)
	}

	filled := make([]bool, nt*nz*k)
	for i := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e := &tiles[i]
		outs, ok := outputs[e.Start("C")-cf.origin["C"]]
		if !ok {
			continue
		}
		t := e.Start("T") - cf.origin["T"]
		z := e.Start("Z") - cf.origin["Z"]
		if t < 0 || t >= nt || z < 0 || z >= nz {
			return nil, faults.Format(Name, "subblock at %d lies outside the T/Z extent (t=%d, z=%d)", e.FilePosition, t, z)
		}

		raw, err := readSubBlockData(cf.f, e)
		if err != nil {
			return nil, faults.Wrap(faults.ErrFormat, Name, "extract", cf.path, err)
		}
		pix, err := decodePayload(raw, e.Compression, cf.bpp)
		if err != nil {
			return nil, faults.Wrap(faults.ErrFormat, Name, "extract",
				fmt.Sprintf("subblock at %d", e.FilePosition), err)
		}
		dx, _ := e.Dim("X")
		dy, _ := e.Dim("Y")
		tw, th := int(dx.Size), int(dy.Size)
		if want := tw * th * cf.bpp; len(pix) < want {
			return nil, faults.Format(Name, "subblock at %d holds %d bytes, expected %d", e.FilePosition, len(pix), want)
		}

		for _, o := range outs {
			base := t*stride['T'] + z*stride['Z'] + o*stride['C']
			base += (int(dy.Start)-y0)*w + (int(dx.Start) - x0)
			blit(blk, pix, base, w, tw, th)
			filled[(t*nz+z)*k+o] = true
		}
	}

	for o, c := range channels {
		have := 0
		for p := 0; p < nt*nz; p++ {
			if filled[p*k+o] {
				have++
			}
		}
		if have != nt*nz {
			return nil, faults.Format(Name, "position %d channel %d has %d of %d planes", position, c, have, nt*nz)
		}
	}
	return blk, nil
}

// blit copies a tw x th tile of little-endian samples into blk starting at
// base, with a destination row pitch of w samples.
func blit(blk *volume.Block, pix []byte, base, w, tw, th int) {
	for y := 0; y < th; y++ {
		dst := base + y*w
		src := y * tw
		switch blk.Type {
		case volume.PixelUint8:
			copy(blk.U8[dst:dst+tw], pix[src:src+tw])
		case volume.PixelFloat32:
			for x := 0; x < tw; x++ {
				blk.F32[dst+x] = math.Float32frombits(le.Uint32(pix[4*(src+x):]))
			}
		default:
			for x := 0; x < tw; x++ {
				blk.U16[dst+x] = le.Uint16(pix[2*(src+x):])
			}
		}
	}
}

// Close releases the underlying file.
func (cf *File) Close() error {
	return cf.f.Close()
}
