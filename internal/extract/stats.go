package extract

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"scenesplit/internal/volume"
)

// ChannelStats summarizes the intensities of one output channel.
type ChannelStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Stats computes per-channel intensity statistics plane by plane.
func Stats(v *volume.Volume) []ChannelStats {
	out := make([]ChannelStats, v.C)
	if v.Y*v.X == 0 || v.T*v.Z == 0 {
		return out
	}
	buf := make([]float64, v.Y*v.X)
	planeMeans := make([]float64, 0, v.T*v.Z)
	for c := 0; c < v.C; c++ {
		planeMeans = planeMeans[:0]
		for t := 0; t < v.T; t++ {
			for z := 0; z < v.Z; z++ {
				for i, s := range v.Plane(t, z, c) {
					buf[i] = float64(s)
				}
				lo, hi := floats.Min(buf), floats.Max(buf)
				if len(planeMeans) == 0 || lo < out[c].Min {
					out[c].Min = lo
				}
				if len(planeMeans) == 0 || hi > out[c].Max {
					out[c].Max = hi
				}
				planeMeans = append(planeMeans, stat.Mean(buf, nil))
			}
		}
		// Planes share a size, so the mean of plane means is the channel mean.
		out[c].Mean = stat.Mean(planeMeans, nil)
	}
	return out
}
