package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/dustin/go-humanize"

	"scenesplit/internal/backend"
	"scenesplit/internal/calibration"
	"scenesplit/internal/faults"
	"scenesplit/internal/volume"
)

func f(v float64) *float64 { return &v }

func sampleInfo() backend.Info {
	return backend.Info{
		Path:         "/data/acq.czi",
		Backend:      "czi",
		Positions:    3,
		Timepoints:   2,
		ZSlices:      4,
		Channels:     4,
		ChannelNames: []string{"BF", "AF488", "mCherry", "dex647"},
		SizeY:        512,
		SizeX:        512,
		VoxelSize:    [3]*float64{f(0.2), f(0.2), nil},
		NativeAxes:   "TCZYX",
		PixelType:    volume.PixelUint16,
	}
}

func TestSummarize(t *testing.T) {
	info := sampleInfo()
	cal, warnings := calibration.Resolve(calibration.FromInfo(info), calibration.Input{})
	r := Summarize(info, cal, warnings)
	if r.Positions != 3 || r.Channels != 4 || r.ImageSizeYX != [2]int{512, 512} {
		t.Fatalf("report %+v", r)
	}
	if r.PositionBytes != 2*4*4*512*512*2 {
		t.Fatalf("bytes %d", r.PositionBytes)
	}
	if len(r.Warnings) != 2 {
		t.Fatalf("warnings %v", r.Warnings)
	}
}

func TestRenderText(t *testing.T) {
	info := sampleInfo()
	cal, warnings := calibration.Resolve(calibration.FromInfo(info), calibration.Input{})
	var buf bytes.Buffer
	if err := Summarize(info, cal, warnings).Render(&buf, FormatText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	size := humanize.IBytes(uint64(info.EstimateBytes(info.Channels)))
	for _, want := range []string{"Positions", "BF, AF488, mCherry, dex647", "512 x 512", "0.2 (embedded)", "unknown", "TCZYX", size, "16 MiB", "warning: voxel_size_z"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderJSON(t *testing.T) {
	info := sampleInfo()
	cal, warnings := calibration.Resolve(calibration.FromInfo(info), calibration.Input{})
	var buf bytes.Buffer
	if err := Summarize(info, cal, warnings).Render(&buf, FormatJSON); err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	voxel := doc["voxel_size_xyz"].([]any)
	if voxel[0] != 0.2 || voxel[2] != nil {
		t.Fatalf("voxel %v", voxel)
	}
	if doc["time_interval_seconds"] != nil {
		t.Fatalf("time interval %v", doc["time_interval_seconds"])
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := (Report{}).Render(&buf, "xml"); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("got %v", err)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := RenderTable([]string{"A", "B"}, [][]string{{"only"}}, []Alignment{AlignLeft, AlignRight})
	if !strings.Contains(out, "only") || !strings.Contains(out, "A") {
		t.Fatalf("table:\n%s", out)
	}
	if RenderTable(nil, nil, nil) != "" {
		t.Fatal("expected empty table")
	}
}
