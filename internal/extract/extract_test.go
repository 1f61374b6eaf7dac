package extract

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"scenesplit/internal/backend"
	"scenesplit/internal/channels"
	"scenesplit/internal/czi"
	"scenesplit/internal/czi/czitest"
	"scenesplit/internal/faults"
	"scenesplit/internal/volume"
)

type stubReader struct {
	info backend.Info
	blk  *volume.Block
	err  error
}

func (s *stubReader) Info() backend.Info { return s.info }
func (s *stubReader) Extract(ctx context.Context, p int, c []int) (*volume.Block, error) {
	return s.blk, s.err
}
func (s *stubReader) Close() error { return nil }

func mapping(idx ...int) channels.Mapping {
	m := make(channels.Mapping, len(idx))
	for i, v := range idx {
		m[i] = channels.Entry{Role: "r", SourceIndex: v}
	}
	return m
}

func TestOutputName(t *testing.T) {
	if got := (Request{Position: 2}).OutputName("embryo"); got != "embryo_P02" {
		t.Fatalf("got %q", got)
	}
	if got := (Request{Position: 2, Name: "custom"}).OutputName("embryo"); got != "custom" {
		t.Fatalf("got %q", got)
	}
}

func TestPositionInsertsMissingAxes(t *testing.T) {
	// C=2, Y=1, X=2 with no T or Z axis.
	r := &stubReader{
		info: backend.Info{Positions: 1},
		blk:  &volume.Block{Axes: "CYX", Shape: []int{2, 1, 2}, Type: volume.PixelUint16, U16: []uint16{1, 2, 3, 4}},
	}
	v, err := Position(context.Background(), r, Request{}, mapping(0, 1), Options{})
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if v.Shape() != [5]int{1, 1, 2, 1, 2} {
		t.Fatalf("shape %v", v.Shape())
	}
	if v.Plane(0, 0, 1)[1] != 4 {
		t.Fatalf("data %v", v.Data)
	}
}

func TestPositionConvertsPixels(t *testing.T) {
	u8 := &volume.Block{Axes: "CYX", Shape: []int{1, 1, 3}, Type: volume.PixelUint8, U8: []uint8{0, 1, 255}}
	f32 := &volume.Block{Axes: "CYX", Shape: []int{1, 1, 3}, Type: volume.PixelFloat32, F32: []float32{-1, 0, 1}}
	cases := []struct {
		name string
		blk  *volume.Block
		opts Options
		want []uint16
	}{
		{"uint8 widened", u8, Options{}, []uint16{0, 1, 255}},
		{"uint8 normalized", u8, Options{Normalize: true}, []uint16{0, 256, 65280}},
		{"float stretched", f32, Options{}, []uint16{0, 32768, 65535}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &stubReader{info: backend.Info{Positions: 1}, blk: tc.blk}
			v, err := Position(context.Background(), r, Request{}, mapping(0), tc.opts)
			if err != nil {
				t.Fatalf("position: %v", err)
			}
			for i, w := range tc.want {
				if v.Data[i] != w {
					t.Fatalf("got %v want %v", v.Data, tc.want)
				}
			}
		})
	}
}

func TestPositionErrors(t *testing.T) {
	short := &volume.Block{Axes: "CYX", Shape: []int{1, 2, 2}, Type: volume.PixelUint16, U16: []uint16{1, 2, 3}}
	wrongC := &volume.Block{Axes: "CYX", Shape: []int{2, 1, 1}, Type: volume.PixelUint16, U16: []uint16{1, 2}}
	oddAxis := &volume.Block{Axes: "QYX", Shape: []int{1, 1, 1}, Type: volume.PixelUint16, U16: []uint16{1}}

	cases := []struct {
		name string
		req  Request
		blk  *volume.Block
		want error
	}{
		{"out of range", Request{Position: 1}, short, faults.ErrValidation},
		{"short block", Request{}, short, faults.ErrFormat},
		{"channel count", Request{}, wrongC, faults.ErrFormat},
		{"unknown axis", Request{}, oddAxis, faults.ErrFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &stubReader{info: backend.Info{Positions: 1}, blk: tc.blk}
			if _, err := Position(context.Background(), r, tc.req, mapping(0), Options{}); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPositionFromCZIIsCanonical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acq.czi")
	spec := czitest.Spec{Scenes: 2, T: 2, Z: 3, C: 3, Y: 2, X: 4, DimOrder: "CZTS"}
	if err := czitest.Write(path, spec); err != nil {
		t.Fatal(err)
	}
	f, err := czi.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if f.Info().NativeAxes != "TZCYX" && f.Info().NativeAxes != "TCZYX" {
		t.Fatalf("unexpected native axes %q", f.Info().NativeAxes)
	}

	v, err := Position(context.Background(), f, Request{Position: 1}, mapping(2, 0), Options{})
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	for tt := 0; tt < 2; tt++ {
		for z := 0; z < 3; z++ {
			for o, c := range []int{2, 0} {
				for y := 0; y < 2; y++ {
					for x := 0; x < 4; x++ {
						if got, want := v.Data[v.Index(tt, z, o, y, x)], czitest.Value(1, tt, z, c, y, x); got != want {
							t.Fatalf("t=%d z=%d c=%d: got %d want %d", tt, z, c, got, want)
						}
					}
				}
			}
		}
	}
}

func TestValidatePositions(t *testing.T) {
	info := backend.Info{Positions: 3}
	if err := ValidatePositions(info, []int{0, 2}); err != nil {
		t.Fatal(err)
	}
	for _, bad := range [][]int{{3}, {-1}, {1, 1}} {
		if err := ValidatePositions(info, bad); !errors.Is(err, faults.ErrValidation) {
			t.Fatalf("%v: expected validation error, got %v", bad, err)
		}
	}
}

func TestStats(t *testing.T) {
	v := volume.New(2, 1, 2, 1, 2)
	copy(v.Plane(0, 0, 0), []uint16{1, 3})
	copy(v.Plane(1, 0, 0), []uint16{5, 7})
	copy(v.Plane(0, 0, 1), []uint16{10, 10})
	copy(v.Plane(1, 0, 1), []uint16{20, 30})

	got := Stats(v)
	want := []ChannelStats{{Min: 1, Max: 7, Mean: 4}, {Min: 10, Max: 30, Mean: 17.5}}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("channel %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
