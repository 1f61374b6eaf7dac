package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/image/tiff"

	"scenesplit/internal/backend"
	"scenesplit/internal/calibration"
	"scenesplit/internal/channels"
	"scenesplit/internal/czi"
	"scenesplit/internal/czi/czitest"
	"scenesplit/internal/faults"
	"scenesplit/internal/ims"
	"scenesplit/internal/ims/imstest"
	"scenesplit/internal/output"
	"scenesplit/internal/storage"
	"scenesplit/internal/volume"
)

var channelNames = []string{"BF", "AF488", "mCherry", "dex647"}

func f(v float64) *float64 { return &v }

func fixedNow() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newConverter(t *testing.T, store *storage.Store, jobs int) *Converter {
	t.Helper()
	reg := backend.NewRegistry(czi.Decoder{}, ims.Decoder{})
	b, err := reg.Resolve([]string{czi.Name, ims.Name}, quietLogger())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	c := New(context.Background(), b, Options{
		Jobs:         jobs,
		MemoryBudget: 1 << 30,
		Store:        store,
		Logger:       quietLogger(),
		Now:          fixedNow,
	})
	t.Cleanup(c.Close)
	return c
}

// writeAcquisition writes a 3-position, 4-channel CZI with full calibration.
func writeAcquisition(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "acq.czi")
	spec := czitest.Spec{
		Scenes: 3, T: 2, Z: 3, C: 4, Y: 4, X: 5,
		Channels:      channelNames,
		Scaling:       [3]float64{0.2e-6, 0.2e-6, 1e-6},
		TimeIncrement: 60,
		DimOrder:      "ZCTS",
	}
	if err := czitest.Write(path, spec); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func outputOptions(compression string) output.Options {
	return output.Options{TIFF: output.TIFFOptions{Compression: compression}}
}

func closeEnough(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

type metadataDoc struct {
	PositionIndex     int                           `json:"position_index"`
	ChannelNames      []string                      `json:"channel_names"`
	ChannelMapping    channels.Mapping              `json:"channel_mapping"`
	VoxelSizeXYZ      []*float64                    `json:"voxel_size_xyz"`
	TimeInterval      *float64                      `json:"time_interval_seconds"`
	CalibrationSource map[string]calibration.Source `json:"calibration_source"`
	Dimensions        map[string]int                `json:"dimensions"`
	Backend           string                        `json:"backend"`
	RunID             string                        `json:"run_id"`
	OutputFile        string                        `json:"output_file"`
}

func readMetadata(t *testing.T, path string) metadataDoc {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc metadataDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	return doc
}

func firstPage(t *testing.T, path string) *image.Gray16 {
	t.Helper()
	fh, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	img, err := tiff.Decode(fh)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	g, ok := img.(*image.Gray16)
	if !ok {
		t.Fatalf("decoded %T", img)
	}
	return g
}

func TestEndToEndSelectedPositionsAndChannels(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	c := newConverter(t, store, 2)

	input := writeAcquisition(t)
	out := t.TempDir()
	sum, err := c.Run(context.Background(), Request{
		Input:      input,
		OutputRoot: out,
		Prefix:     "embryo",
		Positions:  []int{0, 2},
		Channels:   []channels.Binding{channels.ByIndex("membrane", 1), channels.ByIndex("nuclei", 2)},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sum.Positions) != 2 || sum.Failed() != 0 {
		t.Fatalf("summary %+v", sum.Positions)
	}

	if _, err := os.Stat(filepath.Join(out, "embryo_P01")); !os.IsNotExist(err) {
		t.Fatalf("unrequested position written: %v", err)
	}
	for _, p := range []int{0, 2} {
		name := []string{"embryo_P00", "", "embryo_P02"}[p]
		tiffPath := filepath.Join(out, name, "merged", "Merged.tif")
		md := readMetadata(t, filepath.Join(out, name, "acquisition_metadata.json"))

		if md.PositionIndex != p || md.Backend != czi.Name || md.RunID != sum.RunID || md.OutputFile != tiffPath {
			t.Fatalf("position %d metadata %+v", p, md)
		}
		if strings.Join(md.ChannelNames, ",") != "AF488,mCherry" {
			t.Fatalf("channel names %v", md.ChannelNames)
		}
		if md.ChannelMapping[0].Role != "membrane" || md.ChannelMapping[1].SourceIndex != 2 {
			t.Fatalf("mapping %+v", md.ChannelMapping)
		}
		want := map[string]int{"T": 2, "Z": 3, "C": 2, "Y": 4, "X": 5}
		for k, v := range want {
			if md.Dimensions[k] != v {
				t.Fatalf("dimensions %v", md.Dimensions)
			}
		}
		for i, v := range []float64{0.2, 0.2, 1} {
			if md.VoxelSizeXYZ[i] == nil || !closeEnough(*md.VoxelSizeXYZ[i], v) {
				t.Fatalf("voxel %d = %v", i, md.VoxelSizeXYZ[i])
			}
		}
		if md.TimeInterval == nil || *md.TimeInterval != 60 {
			t.Fatalf("time interval %v", md.TimeInterval)
		}

		// First page is t=0, z=0, output channel 0 = source channel 1.
		g := firstPage(t, tiffPath)
		for y := 0; y < 4; y++ {
			for x := 0; x < 5; x++ {
				if got, want := g.Gray16At(x, y).Y, czitest.Value(p, 0, 0, 1, y, x); got != want {
					t.Fatalf("position %d (%d,%d) = %d, want %d", p, x, y, got, want)
				}
			}
		}
	}

	run, err := store.Run(sum.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != storage.StatusCompleted || run.Positions != 2 {
		t.Fatalf("run record %+v", run)
	}
	recs, err := store.Positions(sum.RunID)
	if err != nil || len(recs) != 2 || recs[1].Index != 2 || recs[1].Status != storage.StatusCompleted {
		t.Fatalf("position records %+v %v", recs, err)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	c := newConverter(t, nil, 1)
	input := writeAcquisition(t)
	var tiffs [][]byte
	for i := 0; i < 2; i++ {
		out := t.TempDir()
		if _, err := c.Run(context.Background(), Request{Input: input, OutputRoot: out, Positions: []int{1}}); err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(filepath.Join(out, "embryo_P01", "merged", "Merged.tif"))
		if err != nil {
			t.Fatal(err)
		}
		tiffs = append(tiffs, b)
	}
	if !bytes.Equal(tiffs[0], tiffs[1]) {
		t.Fatal("repeated runs produced different TIFFs")
	}
}

func TestOverrideWinsOverEmbedded(t *testing.T) {
	c := newConverter(t, nil, 1)
	input := writeAcquisition(t)
	out := t.TempDir()
	_, err := c.Run(context.Background(), Request{
		Input:      input,
		OutputRoot: out,
		Positions:  []int{0},
		Overrides:  calibration.Input{VoxelSize: [3]*float64{f(0.5), f(0.5), f(2)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	md := readMetadata(t, filepath.Join(out, "embryo_P00", "acquisition_metadata.json"))
	for i, v := range []float64{0.5, 0.5, 2} {
		if *md.VoxelSizeXYZ[i] != v {
			t.Fatalf("voxel %d = %v", i, *md.VoxelSizeXYZ[i])
		}
	}
	if md.CalibrationSource[calibration.FieldVoxelX] != calibration.SourceOverride ||
		md.CalibrationSource[calibration.FieldTimeInterval] != calibration.SourceEmbedded {
		t.Fatalf("sources %v", md.CalibrationSource)
	}
}

func TestValidationFailsBeforeWriting(t *testing.T) {
	c := newConverter(t, nil, 1)
	input := writeAcquisition(t)
	cases := []struct {
		name string
		req  Request
	}{
		{"position out of range", Request{Positions: []int{0, 3}}},
		{"channel out of range", Request{Channels: []channels.Binding{channels.ByIndex("membrane", 4)}}},
		{"repeated channel", Request{Channels: []channels.Binding{channels.ByIndex("a", 1), channels.ByIndex("b", 1)}}},
		{"bad override", Request{Overrides: calibration.Input{TimeInterval: f(-1)}}},
		{"bad compression", Request{Output: outputOptions("lzw")}},
		{"duplicate names", Request{Positions: []int{0, 1}, Names: map[int]string{0: "same", 1: "same"}}},
		{"name for unrequested position", Request{Positions: []int{0}, Names: map[int]string{2: "x"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "out")
			req := tc.req
			req.Input, req.OutputRoot = input, out
			_, err := c.Run(context.Background(), req)
			if !errors.Is(err, faults.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if faults.ExitCode(err) != faults.ExitValidation {
				t.Fatalf("exit code %d", faults.ExitCode(err))
			}
			if _, err := os.Stat(out); !os.IsNotExist(err) {
				t.Fatalf("output root created: %v", err)
			}
		})
	}
}

func TestInfoOnlyWritesNothing(t *testing.T) {
	c := newConverter(t, nil, 1)
	input := writeAcquisition(t)
	out := filepath.Join(t.TempDir(), "out")
	sum, err := c.Run(context.Background(), Request{Input: input, OutputRoot: out, InfoOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Report == nil || sum.Report.Positions != 3 || sum.Report.Channels != 4 || len(sum.Positions) != 0 {
		t.Fatalf("summary %+v", sum)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output root created: %v", err)
	}
}

func TestMissingInputAndUnknownFormat(t *testing.T) {
	c := newConverter(t, nil, 1)
	dir := t.TempDir()
	if _, err := c.Run(context.Background(), Request{Input: filepath.Join(dir, "nope.czi"), OutputRoot: dir}); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("missing input: %v", err)
	}
	junk := filepath.Join(dir, "junk.czi")
	if err := os.WriteFile(junk, []byte("definitely not an acquisition"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background(), Request{Input: junk, OutputRoot: dir}); !errors.Is(err, faults.ErrBackendUnavailable) {
		t.Fatalf("junk input: %v", err)
	}
}

func TestPositionFailureDoesNotStopOthers(t *testing.T) {
	c := newConverter(t, nil, 1)
	path := filepath.Join(t.TempDir(), "gappy.czi")
	spec := czitest.Spec{
		Scenes: 3, T: 1, Z: 2, C: 2, Y: 3, X: 3,
		Channels: []string{"a", "b"},
		Skip:     func(s, t, z, c int) bool { return s == 1 && z == 1 },
	}
	if err := czitest.Write(path, spec); err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	sum, err := c.Run(context.Background(), Request{Input: path, OutputRoot: out})
	if !errors.Is(err, faults.ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
	if sum.Failed() != 1 || sum.Positions[1].Status != storage.StatusFailed {
		t.Fatalf("summary %+v", sum.Positions)
	}
	for _, name := range []string{"embryo_P00", "embryo_P02"} {
		if _, err := os.Stat(filepath.Join(out, name, "merged", "Merged.tif")); err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(out, "embryo_P01", "merged", "Merged.tif")); !os.IsNotExist(err) {
		t.Fatalf("failed position left a TIFF: %v", err)
	}
}

func TestHDF5SourceWithUnknownCalibration(t *testing.T) {
	c := newConverter(t, nil, 1)
	path := filepath.Join(t.TempDir(), "acq.h5")
	shape := []int{1, 2, 2, 3, 4} // TCZYX
	n := volume.Product(shape)
	err := imstest.Write(path, imstest.Container{
		Scenes: []imstest.Scene{
			{Axes: "TCZYX", Shape: shape, Data: imstest.Ramp(0, n)},
			{Axes: "TCZYX", Shape: shape, Data: imstest.Ramp(500, n)},
		},
		ChannelNames: []string{"GFP", "RFP"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	sum, err := c.Run(context.Background(), Request{
		Input:      path,
		OutputRoot: out,
		Positions:  []int{1},
		Channels:   []channels.Binding{channels.ByName("nuclei", "rfp")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Warnings) != 4 {
		t.Fatalf("warnings %v", sum.Warnings)
	}
	md := readMetadata(t, filepath.Join(out, "embryo_P01", "acquisition_metadata.json"))
	if md.TimeInterval != nil || md.VoxelSizeXYZ[0] != nil || md.Backend != ims.Name {
		t.Fatalf("metadata %+v", md)
	}
	// Canonical page 0 is t=0, z=0 of source channel 1: TCZYX offset of
	// (0, 1, 0, 0, 0) is 2*3*4 = 24.
	g := firstPage(t, filepath.Join(out, "embryo_P01", "merged", "Merged.tif"))
	if got := g.Gray16At(0, 0).Y; got != 524 {
		t.Fatalf("first sample %d", got)
	}
}

func TestSummaryRender(t *testing.T) {
	sum := Summary{
		Positions: []Outcome{
			{Index: 0, Name: "embryo_P00", Status: storage.StatusCompleted, Bytes: 2048},
			{Index: 1, Name: "embryo_P01", Status: storage.StatusFailed, Error: faults.Format("czi", "missing plane")},
		},
		Mapping:  channels.Mapping{{Role: "nuclei", SourceIndex: 2, SourceName: "mCherry"}},
		Warnings: []calibration.Warning{{Field: calibration.FieldVoxelZ, Message: "unknown"}},
	}
	var buf bytes.Buffer
	if err := sum.Render(&buf); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"embryo_P00", "2.0 KiB", "missing plane", "nuclei=2 (mCherry)", "warning: voxel_size_z"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, buf.String())
		}
	}
}
