// Package ims reads multi-position scene containers stored in HDF5. Each
// position is a dataset at /Scenes/S<n>/Data whose attributes describe its axis
// order, shape, channel names and calibration.
package ims

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/robert-malhotra/go-hdf5/hdf5"

	"scenesplit/internal/backend"
	"scenesplit/internal/faults"
	"scenesplit/internal/volume"
)

// Name is the backend name of the HDF5 decoder.
const Name = "ims"

// Layout constants shared with writers.
const (
	ScenesGroup      = "Scenes"
	DataDataset      = "Data"
	AttrAxes         = "Axes"
	AttrShape        = "Shape"
	AttrChannelNames = "ChannelNames"
	AttrVoxelSize    = "VoxelSizeUm"
	AttrTimeInterval = "TimeIntervalS"
	DefaultAxes      = "TCZYX"
)

// Signature is the HDF5 superblock magic.
var Signature = []byte("\x89HDF\r\n\x1a\n")

// Decoder exposes the HDF5 scene reader as a backend capability.
type Decoder struct{}

func (Decoder) Name() string { return Name }

func (Decoder) Probe() error { return nil }

func (Decoder) Sniff(header []byte) bool { return bytes.HasPrefix(header, Signature) }

func (Decoder) Open(path string) (backend.Reader, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type scene struct {
	name  string
	path  string
	axes  string
	shape []int
	// cInserted marks datasets without a channel axis; C is prepended as size 1.
	cInserted bool
	pixel     volume.PixelType
}

func (s scene) size(axis byte) int {
	if i := strings.IndexByte(s.axes, axis); i >= 0 {
		return s.shape[i]
	}
	return 1
}

// File is an opened scene container.
type File struct {
	path   string
	h5     *hdf5.File
	scenes []scene
	names  []string
	voxel  [3]*float64
	dt     *float64
}

var _ backend.Reader = (*File)(nil)

// Open reads the scene layout and calibration attributes of path.
func Open(path string) (*File, error) {
	h5, err := hdf5.Open(path)
	if err != nil {
		return nil, faults.Wrap(faults.ErrFormat, Name, "open", path, err)
	}
	f := &File{path: path, h5: h5}
	if err := f.load(); err != nil {
		h5.Close()
		return nil, faults.Wrap(faults.ErrFormat, Name, "open", path, err)
	}
	return f, nil
}

func (f *File) load() error {
	group, err := f.h5.OpenGroup("/" + ScenesGroup)
	if err != nil {
		return fmt.Errorf("no /%s group: %w", ScenesGroup, err)
	}
	members, err := group.Members()
	if err != nil {
		return fmt.Errorf("list scenes: %w", err)
	}
	sortScenes(members)
	if len(members) == 0 {
		return fmt.Errorf("file holds zero positions")
	}

	for i, name := range members {
		path := "/" + ScenesGroup + "/" + name + "/" + DataDataset
		ds, err := f.h5.OpenDataset(path)
		if err != nil {
			return fmt.Errorf("scene %s: %w", name, err)
		}
		sc, err := describe(ds)
		if err != nil {
			return fmt.Errorf("scene %s: %w", name, err)
		}
		sc.name, sc.path = name, path
		if i > 0 && sc.size('C') != f.scenes[0].size('C') {
			return fmt.Errorf("scene %s has %d channels, scene %s has %d",
				name, sc.size('C'), f.scenes[0].name, f.scenes[0].size('C'))
		}
		f.scenes = append(f.scenes, sc)

		if i == 0 {
			f.readCalibration(ds)
		}
	}
	return nil
}

// sortScenes orders S<n> names numerically, then anything else by name.
func sortScenes(names []string) {
	key := func(s string) (int, bool) {
		n, err := strconv.Atoi(strings.TrimPrefix(s, "S"))
		return n, err == nil && strings.HasPrefix(s, "S")
	}
	sort.Slice(names, func(i, j int) bool {
		a, aok := key(names[i])
		b, bok := key(names[j])
		switch {
		case aok && bok:
			return a < b
		case aok != bok:
			return aok
		default:
			return names[i] < names[j]
		}
	})
}

func describe(ds *hdf5.Dataset) (scene, error) {
	sc := scene{axes: DefaultAxes}
	if ds.HasAttr(AttrAxes) {
		axes, err := ds.Attr(AttrAxes).ReadScalarString()
		if err != nil {
			return sc, fmt.Errorf("read %s: %w", AttrAxes, err)
		}
		sc.axes = strings.ToUpper(strings.TrimSpace(axes))
	}
	for _, a := range sc.axes {
		if !strings.ContainsRune(volume.CanonicalAxes, a) {
			return sc, fmt.Errorf("unsupported axis %q in %q", a, sc.axes)
		}
	}
	if !strings.Contains(sc.axes, "Y") || !strings.Contains(sc.axes, "X") {
		return sc, fmt.Errorf("axes %q lack Y or X", sc.axes)
	}

	switch {
	case ds.Rank() == len(sc.axes):
		for _, n := range ds.Shape() {
			sc.shape = append(sc.shape, int(n))
		}
	case ds.HasAttr(AttrShape):
		dims, err := ds.Attr(AttrShape).ReadInt64()
		if err != nil {
			return sc, fmt.Errorf("read %s: %w", AttrShape, err)
		}
		for _, n := range dims {
			sc.shape = append(sc.shape, int(n))
		}
	default:
		return sc, fmt.Errorf("rank %d dataset does not match axes %q and has no %s attribute", ds.Rank(), sc.axes, AttrShape)
	}
	if len(sc.shape) != len(sc.axes) {
		return sc, fmt.Errorf("shape %v does not match axes %q", sc.shape, sc.axes)
	}
	if uint64(volume.Product(sc.shape)) != ds.NumElements() {
		return sc, fmt.Errorf("shape %v needs %d samples, dataset holds %d", sc.shape, volume.Product(sc.shape), ds.NumElements())
	}
	if !strings.Contains(sc.axes, "C") {
		sc.axes = "C" + sc.axes
		sc.shape = append([]int{1}, sc.shape...)
		sc.cInserted = true
	}

	goType, err := ds.GoType()
	if err != nil {
		return sc, err
	}
	switch goType.Kind() {
	case reflect.Uint8:
		sc.pixel = volume.PixelUint8
	case reflect.Uint16:
		sc.pixel = volume.PixelUint16
	case reflect.Float32:
		sc.pixel = volume.PixelFloat32
	default:
		return sc, fmt.Errorf("unsupported sample type %s", goType)
	}
	return sc, nil
}

// readCalibration reads the optional attributes. Missing or unusable values
// stay nil.
func (f *File) readCalibration(ds *hdf5.Dataset) {
	if ds.HasAttr(AttrChannelNames) {
		if names, err := ds.Attr(AttrChannelNames).ReadString(); err == nil {
			f.names = names
		}
	}
	if ds.HasAttr(AttrVoxelSize) {
		if v, err := ds.Attr(AttrVoxelSize).ReadFloat64(); err == nil {
			for i := 0; i < 3 && i < len(v); i++ {
				if v[i] > 0 {
					val := v[i]
					f.voxel[i] = &val
				}
			}
		}
	}
	if ds.HasAttr(AttrTimeInterval) {
		if v, err := ds.Attr(AttrTimeInterval).ReadScalarFloat64(); err == nil && v > 0 {
			f.dt = &v
		}
	}
}

// Info reports the container dimensions using the first scene.
func (f *File) Info() backend.Info {
	first := f.scenes[0]
	c := first.size('C')
	names := make([]string, c)
	for i := range names {
		if i < len(f.names) && strings.TrimSpace(f.names[i]) != "" {
			names[i] = strings.TrimSpace(f.names[i])
		} else {
			names[i] = fmt.Sprintf("Channel_%d", i)
		}
	}
	positionNames := make([]string, len(f.scenes))
	for i, s := range f.scenes {
		positionNames[i] = s.name
	}
	nativeAxes := first.axes
	if first.cInserted {
		nativeAxes = nativeAxes[1:]
	}
	return backend.Info{
		Path:          f.path,
		Backend:       Name,
		Positions:     len(f.scenes),
		PositionNames: positionNames,
		Timepoints:    first.size('T'),
		ZSlices:       first.size('Z'),
		Channels:      c,
		ChannelNames:  names,
		SizeY:         first.size('Y'),
		SizeX:         first.size('X'),
		VoxelSize:     f.voxel,
		TimeInterval:  f.dt,
		NativeAxes:    nativeAxes,
		PixelType:     first.pixel,
	}
}

// Extract reads one scene dataset and keeps the requested channels, in the
// requested order, along the dataset's own channel axis.
func (f *File) Extract(ctx context.Context, position int, channels []int) (*volume.Block, error) {
	if position < 0 || position >= len(f.scenes) {
		return nil, faults.Validation(Name, "position %d out of range [0, %d)", position, len(f.scenes))
	}
	if len(channels) == 0 {
		return nil, faults.Validation(Name, "no channels requested")
	}
	sc := f.scenes[position]
	nc := sc.size('C')
	for _, c := range channels {
		if c < 0 || c >= nc {
			return nil, faults.Validation(Name, "channel %d out of range [0, %d)", c, nc)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ds, err := f.h5.OpenDataset(sc.path)
	if err != nil {
		return nil, faults.Wrap(faults.ErrFormat, Name, "extract", sc.path, err)
	}
	axis := strings.IndexByte(sc.axes, 'C')
	shape := append([]int(nil), sc.shape...)
	shape[axis] = len(channels)
	blk := &volume.Block{Axes: sc.axes, Shape: shape, Type: sc.pixel}

	switch sc.pixel {
	case volume.PixelUint8:
		data, err := ds.ReadUint8()
		if err != nil {
			return nil, faults.Wrap(faults.ErrFormat, Name, "extract", sc.path, err)
		}
		blk.U8 = selectChannels(data, sc.shape, axis, channels)
	case volume.PixelFloat32:
		data, err := ds.ReadFloat32()
		if err != nil {
			return nil, faults.Wrap(faults.ErrFormat, Name, "extract", sc.path, err)
		}
		blk.F32 = selectChannels(data, sc.shape, axis, channels)
	default:
		data, err := ds.ReadUint16()
		if err != nil {
			return nil, faults.Wrap(faults.ErrFormat, Name, "extract", sc.path, err)
		}
		blk.U16 = selectChannels(data, sc.shape, axis, channels)
	}
	if blk.Len() != blk.Elements() {
		return nil, faults.Format(Name, "scene %s: read %d samples, expected %d", sc.name, blk.Len(), blk.Elements())
	}
	return blk, nil
}

// selectChannels gathers the given indices along axis of a row-major array.
// Short inputs yield a short result, which callers reject.
func selectChannels[T any](src []T, shape []int, axis int, channels []int) []T {
	outer := volume.Product(shape[:axis])
	inner := volume.Product(shape[axis+1:])
	n := shape[axis]
	out := make([]T, 0, outer*len(channels)*inner)
	for o := 0; o < outer; o++ {
		for _, c := range channels {
			start := (o*n + c) * inner
			if start+inner > len(src) {
				return out
			}
			out = append(out, src[start:start+inner]...)
		}
	}
	return out
}

// Close releases the HDF5 file.
func (f *File) Close() error {
	return f.h5.Close()
}
