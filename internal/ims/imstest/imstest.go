// Package imstest writes HDF5 scene containers for tests.
package imstest

import (
	"fmt"

	"github.com/robert-malhotra/go-hdf5/hdf5"
)

// Scene is one position dataset. Data is a flat []uint8, []uint16 or
// []float32 in Axes order.
type Scene struct {
	Axes  string
	Shape []int
	Data  any
}

// Container is the file-level layout.
type Container struct {
	Scenes       []Scene
	ChannelNames []string
	// VoxelSize is X, Y, Z in micrometers; nil omits the attribute.
	VoxelSize []float64
	// TimeInterval in seconds; zero omits the attribute.
	TimeInterval float64
}

// Write creates path with /Scenes/S<n>/Data datasets. Calibration attributes
// are attached to every scene.
func Write(path string, c Container) error {
	f, err := hdf5.Create(path)
	if err != nil {
		return err
	}
	scenes, err := f.Root().CreateGroup("Scenes")
	if err != nil {
		f.Close()
		return err
	}
	for i, s := range c.Scenes {
		g, err := scenes.CreateGroup(fmt.Sprintf("S%d", i))
		if err != nil {
			f.Close()
			return err
		}
		shape := make([]int64, len(s.Shape))
		for j, n := range s.Shape {
			shape[j] = int64(n)
		}
		opts := []hdf5.DatasetOption{hdf5.WithAttribute("Shape", shape)}
		if s.Axes != "" {
			opts = append(opts, hdf5.WithAttribute("Axes", s.Axes))
		}
		if len(c.ChannelNames) > 0 {
			opts = append(opts, hdf5.WithAttribute("ChannelNames", c.ChannelNames))
		}
		if len(c.VoxelSize) > 0 {
			opts = append(opts, hdf5.WithAttribute("VoxelSizeUm", c.VoxelSize))
		}
		if c.TimeInterval > 0 {
			opts = append(opts, hdf5.WithAttribute("TimeIntervalS", c.TimeInterval))
		}
		if _, err := g.CreateDataset("Data", s.Data, opts...); err != nil {
			f.Close()
			return fmt.Errorf("scene %d: %w", i, err)
		}
	}
	return f.Close()
}

// Ramp returns n uint16 samples counting up from base.
func Ramp(base, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(base + i)
	}
	return out
}
