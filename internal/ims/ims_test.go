package ims

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"scenesplit/internal/faults"
	"scenesplit/internal/ims/imstest"
	"scenesplit/internal/volume"
)

// TCZYX fixture: T=2, C=3, Z=2, Y=2, X=3.
var fixtureShape = []int{2, 3, 2, 2, 3}

func writeContainer(t *testing.T, c imstest.Container) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acq.h5")
	if err := imstest.Write(path, c); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func twoScenes() imstest.Container {
	n := volume.Product(fixtureShape)
	return imstest.Container{
		Scenes: []imstest.Scene{
			{Axes: "TCZYX", Shape: fixtureShape, Data: imstest.Ramp(0, n)},
			{Axes: "TCZYX", Shape: fixtureShape, Data: imstest.Ramp(1000, n)},
		},
		ChannelNames: []string{"BF", "GFP", "RFP"},
		VoxelSize:    []float64{0.3, 0.3, 1.5},
		TimeInterval: 120,
	}
}

func TestOpenReadsLayoutAndCalibration(t *testing.T) {
	f, err := Open(writeContainer(t, twoScenes()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	info := f.Info()
	if info.Positions != 2 || info.Timepoints != 2 || info.Channels != 3 || info.ZSlices != 2 {
		t.Fatalf("unexpected dims %+v", info)
	}
	if info.SizeY != 2 || info.SizeX != 3 || info.NativeAxes != "TCZYX" {
		t.Fatalf("frame %dx%d axes %q", info.SizeY, info.SizeX, info.NativeAxes)
	}
	if info.ChannelNames[1] != "GFP" || info.PositionName(1) != "S1" {
		t.Fatalf("names %v positions %v", info.ChannelNames, info.PositionNames)
	}
	if info.VoxelSize[2] == nil || *info.VoxelSize[2] != 1.5 {
		t.Fatalf("voxel z = %v", info.VoxelSize[2])
	}
	if info.TimeInterval == nil || *info.TimeInterval != 120 {
		t.Fatalf("interval = %v", info.TimeInterval)
	}
}

func TestOpenWithoutCalibrationLeavesUnknown(t *testing.T) {
	c := twoScenes()
	c.VoxelSize = nil
	c.TimeInterval = 0
	c.ChannelNames = nil
	f, err := Open(writeContainer(t, c))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	info := f.Info()
	for i, v := range info.VoxelSize {
		if v != nil {
			t.Fatalf("voxel[%d] should be unknown, got %v", i, *v)
		}
	}
	if info.TimeInterval != nil {
		t.Fatalf("interval should be unknown")
	}
	if info.ChannelNames[2] != "Channel_2" {
		t.Fatalf("default names = %v", info.ChannelNames)
	}
}

func TestExtractSelectsChannelsInOrder(t *testing.T) {
	f, err := Open(writeContainer(t, twoScenes()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	blk, err := f.Extract(context.Background(), 1, []int{2, 0})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if blk.Axes != "TCZYX" || blk.Shape[1] != 2 {
		t.Fatalf("axes %q shape %v", blk.Axes, blk.Shape)
	}
	plane := 2 * 2 * 3 // Z*Y*X per channel
	for tt := 0; tt < 2; tt++ {
		for o, c := range []int{2, 0} {
			for i := 0; i < plane; i++ {
				got := blk.U16[(tt*2+o)*plane+i]
				want := uint16(1000 + (tt*3+c)*plane + i)
				if got != want {
					t.Fatalf("t=%d c=%d i=%d: got %d want %d", tt, c, i, got, want)
				}
			}
		}
	}
}

func TestExtractWithoutChannelAxis(t *testing.T) {
	c := imstest.Container{Scenes: []imstest.Scene{{Axes: "ZYX", Shape: []int{2, 2, 2}, Data: imstest.Ramp(5, 8)}}}
	f, err := Open(writeContainer(t, c))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if info := f.Info(); info.Channels != 1 || info.NativeAxes != "ZYX" || info.Timepoints != 1 {
		t.Fatalf("info %+v", info)
	}
	blk, err := f.Extract(context.Background(), 0, []int{0})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if blk.Axes != "CZYX" || blk.U16[7] != 12 {
		t.Fatalf("axes %q data %v", blk.Axes, blk.U16)
	}
}

func TestExtractValidation(t *testing.T) {
	f, err := Open(writeContainer(t, twoScenes()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := f.Extract(context.Background(), 2, []int{0}); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.Extract(context.Background(), 0, []int{3}); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOpenRejectsMalformed(t *testing.T) {
	bad := twoScenes()
	bad.Scenes[1].Shape = []int{2, 2, 2, 2, 3}
	bad.Scenes[1].Data = imstest.Ramp(0, 48)
	if _, err := Open(writeContainer(t, bad)); !errors.Is(err, faults.ErrFormat) {
		t.Fatalf("channel mismatch: expected format error, got %v", err)
	}

	mismatch := twoScenes()
	mismatch.Scenes[0].Shape = []int{2, 3, 2, 2, 4}
	if _, err := Open(writeContainer(t, mismatch)); !errors.Is(err, faults.ErrFormat) {
		t.Fatalf("shape mismatch: expected format error, got %v", err)
	}

	junk := filepath.Join(t.TempDir(), "junk.h5")
	if err := os.WriteFile(junk, []byte("\x89HDF\r\n\x1a\nnope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(junk); !errors.Is(err, faults.ErrFormat) {
		t.Fatalf("junk: expected format error, got %v", err)
	}
}

func TestSortScenes(t *testing.T) {
	names := []string{"S10", "extra", "S2", "S0"}
	sortScenes(names)
	want := []string{"S0", "S2", "S10", "extra"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v", names)
		}
	}
}
