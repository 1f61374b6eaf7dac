package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"scenesplit/internal/faults"
	"scenesplit/internal/volume"
)

type stubDecoder struct {
	name   string
	magic  string
	broken error
	opened *int
}

func (s stubDecoder) Name() string { return s.name }
func (s stubDecoder) Probe() error { return s.broken }
func (s stubDecoder) Sniff(h []byte) bool {
	return len(h) >= len(s.magic) && string(h[:len(s.magic)]) == s.magic
}
func (s stubDecoder) Open(path string) (Reader, error) {
	if s.opened != nil {
		*s.opened++
	}
	return stubReader{name: s.name}, nil
}

type stubReader struct{ name string }

func (r stubReader) Info() Info { return Info{Backend: r.name} }
func (r stubReader) Extract(ctx context.Context, p int, c []int) (*volume.Block, error) {
	return nil, nil
}
func (r stubReader) Close() error { return nil }

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveHonorsOrderAndAvailability(t *testing.T) {
	reg := NewRegistry(
		stubDecoder{name: "alpha", magic: "AAAA"},
		stubDecoder{name: "beta", magic: "BBBB", broken: errors.New("codec missing")},
		stubDecoder{name: "gamma", magic: "GGGG"},
	)
	b, err := reg.Resolve([]string{"gamma", "beta", "alpha", "delta"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	names := b.Names()
	if len(names) != 2 || names[0] != "gamma" || names[1] != "alpha" {
		t.Fatalf("resolved %v", names)
	}

	statuses := reg.Statuses()
	if len(statuses) != 3 || statuses[1].Name != "beta" || statuses[1].Available {
		t.Fatalf("statuses %+v", statuses)
	}
}

func TestResolveNothingAvailable(t *testing.T) {
	reg := NewRegistry(stubDecoder{name: "alpha", broken: errors.New("no")})
	_, err := reg.Resolve([]string{"alpha", "omega"}, nil)
	if !errors.Is(err, faults.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
}

func TestOpenRoutesBySignature(t *testing.T) {
	var alphaOpens, gammaOpens int
	reg := NewRegistry(
		stubDecoder{name: "alpha", magic: "AAAA", opened: &alphaOpens},
		stubDecoder{name: "gamma", magic: "GGGG", opened: &gammaOpens},
	)
	b, err := reg.Resolve([]string{"alpha", "gamma"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	r, err := b.Open(writeFile(t, "GGGG payload"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if r.Info().Backend != "gamma" || gammaOpens != 1 || alphaOpens != 0 {
		t.Fatalf("routed to %q (alpha=%d gamma=%d)", r.Info().Backend, alphaOpens, gammaOpens)
	}

	if _, err := b.Open(writeFile(t, "ZZ")); !errors.Is(err, faults.ErrBackendUnavailable) {
		t.Fatalf("unknown signature: expected backend unavailable, got %v", err)
	}
	if _, err := b.Open(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("missing file: expected validation error, got %v", err)
	}
}

func TestInfoHelpers(t *testing.T) {
	info := Info{Positions: 3, Timepoints: 2, ZSlices: 5, Channels: 4, SizeY: 10, SizeX: 20, PositionNames: []string{"A"}}
	if got := info.EstimateBytes(2); got != 2*5*2*10*20*2 {
		t.Fatalf("estimate = %d", got)
	}
	if info.PositionName(0) != "A" || info.PositionName(2) != "" {
		t.Fatal("position names")
	}
	if info.Dimensions()["S"] != 3 {
		t.Fatal("dimensions")
	}
}
