// Package backend defines the decoding capability contract shared by the
// container decoders and resolves which of them a run may use.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"scenesplit/internal/faults"
	"scenesplit/internal/volume"
)

// SniffSize is the number of leading bytes passed to Decoder.Sniff.
const SniffSize = 16

// Info describes an opened source container.
type Info struct {
	Path          string
	Backend       string
	Positions     int
	PositionNames []string
	Timepoints    int
	ZSlices       int
	Channels      int
	ChannelNames  []string
	SizeY         int
	SizeX         int
	// VoxelSize is X, Y, Z in micrometers; nil entries are absent from the source.
	VoxelSize [3]*float64
	// TimeInterval is seconds between timepoints; nil when absent.
	TimeInterval *float64
	NativeAxes   string
	PixelType    volume.PixelType
}

// Dimensions returns the per-position sizes keyed by axis letter.
func (i Info) Dimensions() map[string]int {
	return map[string]int{
		"S": i.Positions,
		"T": i.Timepoints,
		"Z": i.ZSlices,
		"C": i.Channels,
		"Y": i.SizeY,
		"X": i.SizeX,
	}
}

// PositionName returns the source's name for position p, or "" when unnamed.
func (i Info) PositionName(p int) string {
	if p >= 0 && p < len(i.PositionNames) {
		return i.PositionNames[p]
	}
	return ""
}

// EstimateBytes returns the canonical uint16 volume size of one position with
// k output channels.
func (i Info) EstimateBytes(k int) int64 {
	return volume.EstimateBytes(i.Timepoints, i.ZSlices, k, i.SizeY, i.SizeX)
}

// Reader is one opened source container. A Reader is used by a single
// goroutine; concurrent jobs open their own.
type Reader interface {
	Info() Info
	// Extract returns the requested channels of one position in the decoder's
	// native axis order, reported in Block.Axes.
	Extract(ctx context.Context, position int, channels []int) (*volume.Block, error)
	Close() error
}

// Decoder is one decoding capability.
type Decoder interface {
	Name() string
	// Probe reports whether the capability is usable in this process.
	Probe() error
	// Sniff reports whether the leading bytes of a file look decodable.
	Sniff(header []byte) bool
	Open(path string) (Reader, error)
}

// Backend is the resolved, immutable list of decoders a run may use. It is
// shared by all workers.
type Backend struct {
	decoders []Decoder
}

// Names returns the decoder names in preference order.
func (b *Backend) Names() []string {
	names := make([]string, len(b.decoders))
	for i, d := range b.decoders {
		names[i] = d.Name()
	}
	return names
}

// Open routes path to the first decoder that recognizes its header.
func (b *Backend) Open(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, faults.Validation("backend", "input file %s does not exist", path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	header := make([]byte, SniffSize)
	n, err := io.ReadFull(f, header)
	f.Close()
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	header = header[:n]

	for _, d := range b.decoders {
		if !d.Sniff(header) {
			continue
		}
		r, err := d.Open(path)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, faults.Wrap(faults.ErrBackendUnavailable, "backend", "open",
		fmt.Sprintf("no enabled backend (%v) recognizes %s", b.Names(), path), nil)
}
