// Package report summarizes a source container without extracting pixels.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"scenesplit/internal/backend"
	"scenesplit/internal/calibration"
	"scenesplit/internal/faults"
)

// Formats accepted by Render.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Report is the read-only description of a source container.
type Report struct {
	SourceFile          string                        `json:"source_file"`
	Backend             string                        `json:"backend"`
	Positions           int                           `json:"positions"`
	PositionNames       []string                      `json:"position_names,omitempty"`
	Timepoints          int                           `json:"timepoints"`
	ZSlices             int                           `json:"z_slices"`
	Channels            int                           `json:"channels"`
	ChannelNames        []string                      `json:"channel_names"`
	ImageSizeYX         [2]int                        `json:"image_size_yx"`
	VoxelSizeXYZ        [3]calibration.Value          `json:"voxel_size_xyz"`
	TimeIntervalSeconds calibration.Value             `json:"time_interval_seconds"`
	CalibrationSource   map[string]calibration.Source `json:"calibration_source"`
	NativeAxes          string                        `json:"native_axes"`
	PixelType           string                        `json:"pixel_type"`
	PositionBytes       int64                         `json:"estimated_position_bytes"`
	Warnings            []string                      `json:"calibration_warnings"`
}

// Summarize builds a report from container info and resolved calibration.
func Summarize(info backend.Info, cal calibration.Spec, warnings []calibration.Warning) Report {
	msgs := make([]string, 0, len(warnings))
	for _, w := range warnings {
		msgs = append(msgs, w.Error())
	}
	return Report{
		SourceFile:          info.Path,
		Backend:             info.Backend,
		Positions:           info.Positions,
		PositionNames:       info.PositionNames,
		Timepoints:          info.Timepoints,
		ZSlices:             info.ZSlices,
		Channels:            info.Channels,
		ChannelNames:        info.ChannelNames,
		ImageSizeYX:         [2]int{info.SizeY, info.SizeX},
		VoxelSizeXYZ:        cal.VoxelSize(),
		TimeIntervalSeconds: cal.TimeInterval,
		CalibrationSource:   cal.Sources(),
		NativeAxes:          info.NativeAxes,
		PixelType:           info.PixelType.String(),
		PositionBytes:       info.EstimateBytes(info.Channels),
		Warnings:            msgs,
	}
}

// Render writes the report as a table ("text") or indented JSON ("json").
func (r Report) Render(w io.Writer, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		return r.renderText(w)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	default:
		return faults.Validation("report", "unknown format %q (want text or json)", format)
	}
}

func (r Report) renderText(w io.Writer) error {
	color := ShouldColorize(w)
	voxel := r.VoxelSizeXYZ
	rows := [][]string{
		{"Source", r.SourceFile},
		{"Backend", r.Backend},
		{"Positions", strconv.Itoa(r.Positions)},
		{"Timepoints", strconv.Itoa(r.Timepoints)},
		{"Z slices", strconv.Itoa(r.ZSlices)},
		{"Channels", fmt.Sprintf("%d (%s)", r.Channels, strings.Join(r.ChannelNames, ", "))},
		{"Frame size (Y x X)", fmt.Sprintf("%d x %d", r.ImageSizeYX[0], r.ImageSizeYX[1])},
		{"Voxel size X/Y/Z (µm)", fmt.Sprintf("%s / %s / %s", withSource(voxel[0]), withSource(voxel[1]), withSource(voxel[2]))},
		{"Time interval (s)", withSource(r.TimeIntervalSeconds)},
		{"Native axes", r.NativeAxes},
		{"Pixel type", r.PixelType},
		{"Size per position", humanize.IBytes(uint64(r.PositionBytes))},
	}
	if len(r.PositionNames) > 0 {
		rows = append(rows, []string{"Position names", strings.Join(r.PositionNames, ", ")})
	}
	if _, err := fmt.Fprintln(w, RenderTable([]string{"Property", "Value"}, rows, nil)); err != nil {
		return err
	}
	for _, msg := range r.Warnings {
		if _, err := fmt.Fprintln(w, Colorize("warning: "+msg, "warning", color)); err != nil {
			return err
		}
	}
	return nil
}

func withSource(v calibration.Value) string {
	if !v.Known() {
		return "unknown"
	}
	return fmt.Sprintf("%g (%s)", v.V, v.Source)
}
