package output

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"scenesplit/internal/backend"
	"scenesplit/internal/calibration"
	"scenesplit/internal/channels"
	"scenesplit/internal/extract"
	"scenesplit/internal/volume"
)

//go:embed metadata_schema.json
var metadataSchema string

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("acquisition_metadata.json", metadataSchema)
})

// Dimensions are the canonical sizes of a written volume.
type Dimensions struct {
	T int `json:"T"`
	Z int `json:"Z"`
	C int `json:"C"`
	Y int `json:"Y"`
	X int `json:"X"`
}

// Metadata is the per-position acquisition record written next to the TIFF.
type Metadata struct {
	SourceFile          string                        `json:"source_file"`
	PositionIndex       int                           `json:"position_index"`
	PositionName        string                        `json:"position_name"`
	VoxelSizeXYZ        [3]calibration.Value          `json:"voxel_size_xyz"`
	TimeIntervalSeconds calibration.Value             `json:"time_interval_seconds"`
	CalibrationSource   map[string]calibration.Source `json:"calibration_source"`
	CalibrationWarnings []string                      `json:"calibration_warnings"`
	ChannelNames        []string                      `json:"channel_names"`
	ChannelMapping      channels.Mapping              `json:"channel_mapping"`
	ImageSizeYX         [2]int                        `json:"image_size_yx"`
	NumTimepoints       int                           `json:"num_timepoints"`
	NumZSlices          int                           `json:"num_z_slices"`
	NumChannels         int                           `json:"num_channels"`
	Dimensions          Dimensions                    `json:"dimensions"`
	Axes                string                        `json:"axes"`
	PixelType           string                        `json:"pixel_type"`
	IntensityRange      []extract.ChannelStats        `json:"intensity_range"`
	Backend             string                        `json:"backend"`
	OutputFile          string                        `json:"output_file"`
	RunID               string                        `json:"run_id"`
	CreatedAt           string                        `json:"created_at"`
}

// NewMetadata assembles the record for one extracted position. OutputFile is
// filled in by Write.
func NewMetadata(info backend.Info, req extract.Request, v *volume.Volume, cal calibration.Spec,
	warnings []calibration.Warning, m channels.Mapping, runID string, now time.Time) Metadata {
	msgs := make([]string, 0, len(warnings))
	for _, w := range warnings {
		msgs = append(msgs, w.Error())
	}
	return Metadata{
		SourceFile:          info.Path,
		PositionIndex:       req.Position,
		PositionName:        info.PositionName(req.Position),
		VoxelSizeXYZ:        cal.VoxelSize(),
		TimeIntervalSeconds: cal.TimeInterval,
		CalibrationSource:   cal.Sources(),
		CalibrationWarnings: msgs,
		ChannelNames:        m.Names(),
		ChannelMapping:      m,
		ImageSizeYX:         [2]int{v.Y, v.X},
		NumTimepoints:       v.T,
		NumZSlices:          v.Z,
		NumChannels:         v.C,
		Dimensions:          Dimensions{T: v.T, Z: v.Z, C: v.C, Y: v.Y, X: v.X},
		Axes:                volume.CanonicalAxes,
		PixelType:           info.PixelType.String(),
		IntensityRange:      extract.Stats(v),
		Backend:             info.Backend,
		RunID:               runID,
		CreatedAt:           now.UTC().Format(time.RFC3339),
	}
}

// Encode marshals md and validates the result against the metadata schema.
func (md Metadata) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, err
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile metadata schema: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("metadata does not match schema: %w", err)
	}
	return append(data, '\n'), nil
}
