// Package calibration merges source-embedded voxel size and time interval
// with caller overrides.
package calibration

import (
	"encoding/json"
	"fmt"
	"math"

	"scenesplit/internal/backend"
	"scenesplit/internal/faults"
)

// Source records where a calibration value came from.
type Source string

const (
	SourceOverride Source = "override"
	SourceEmbedded Source = "embedded"
	SourceUnknown  Source = "unknown"
)

// Field names used in warnings and metadata.
const (
	FieldVoxelX       = "voxel_size_x"
	FieldVoxelY       = "voxel_size_y"
	FieldVoxelZ       = "voxel_size_z"
	FieldTimeInterval = "time_interval"
)

// Value is one resolved calibration field. Unknown values carry no number and
// marshal as JSON null.
type Value struct {
	V      float64
	Source Source
}

// Known reports whether the value was resolved.
func (v Value) Known() bool { return v.Source != SourceUnknown && v.Source != "" }

// Ptr returns the value, or nil when unknown.
func (v Value) Ptr() *float64 {
	if !v.Known() {
		return nil
	}
	x := v.V
	return &x
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Known() {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

func (v Value) String() string {
	if !v.Known() {
		return "unknown"
	}
	return fmt.Sprintf("%g", v.V)
}

// Spec is the resolved calibration of one conversion run. Voxel sizes are in
// micrometers, the time interval in seconds.
type Spec struct {
	VoxelX       Value
	VoxelY       Value
	VoxelZ       Value
	TimeInterval Value
}

// VoxelSize returns X, Y, Z.
func (s Spec) VoxelSize() [3]Value {
	return [3]Value{s.VoxelX, s.VoxelY, s.VoxelZ}
}

// Complete reports whether every field is known.
func (s Spec) Complete() bool {
	return s.VoxelX.Known() && s.VoxelY.Known() && s.VoxelZ.Known() && s.TimeInterval.Known()
}

// Sources maps field names to their provenance.
func (s Spec) Sources() map[string]Source {
	return map[string]Source{
		FieldVoxelX:       s.VoxelX.Source,
		FieldVoxelY:       s.VoxelY.Source,
		FieldVoxelZ:       s.VoxelZ.Source,
		FieldTimeInterval: s.TimeInterval.Source,
	}
}

// Input is a partial calibration: nil entries are absent.
type Input struct {
	VoxelSize    [3]*float64
	TimeInterval *float64
}

// FromInfo returns the calibration embedded in a source container.
func FromInfo(info backend.Info) Input {
	return Input{VoxelSize: info.VoxelSize, TimeInterval: info.TimeInterval}
}

// Warning is a non-fatal calibration problem. It matches
// faults.ErrCalibration with errors.Is.
type Warning struct {
	Field   string
	Message string
}

func (w Warning) Error() string { return w.Field + ": " + w.Message }

func (w Warning) Unwrap() error { return faults.ErrCalibration }

// ValidateOverrides rejects overrides that are not finite and positive.
func ValidateOverrides(o Input) error {
	names := []string{FieldVoxelX, FieldVoxelY, FieldVoxelZ}
	for i, v := range o.VoxelSize {
		if v != nil && !usable(*v) {
			return faults.Validation("calibration", "%s override must be a positive number, got %v", names[i], *v)
		}
	}
	if o.TimeInterval != nil && !usable(*o.TimeInterval) {
		return faults.Validation("calibration", "%s override must be a positive number, got %v", FieldTimeInterval, *o.TimeInterval)
	}
	return nil
}

// Resolve picks, per field, the override when given, else the embedded value
// when present and positive, else unknown with a warning. Unknown values are
// never defaulted.
func Resolve(embedded, overrides Input) (Spec, []Warning) {
	var warnings []Warning
	pick := func(field string, override, embed *float64) Value {
		switch {
		case override != nil:
			return Value{V: *override, Source: SourceOverride}
		case embed != nil && usable(*embed):
			return Value{V: *embed, Source: SourceEmbedded}
		default:
			warnings = append(warnings, Warning{
				Field:   field,
				Message: "not embedded in the source and no override given; left unknown",
			})
			return Value{Source: SourceUnknown}
		}
	}
	spec := Spec{
		VoxelX:       pick(FieldVoxelX, overrides.VoxelSize[0], embedded.VoxelSize[0]),
		VoxelY:       pick(FieldVoxelY, overrides.VoxelSize[1], embedded.VoxelSize[1]),
		VoxelZ:       pick(FieldVoxelZ, overrides.VoxelSize[2], embedded.VoxelSize[2]),
		TimeInterval: pick(FieldTimeInterval, overrides.TimeInterval, embedded.TimeInterval),
	}
	return spec, warnings
}

func usable(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
