package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsAcquisitionFile(t *testing.T) {
	cases := map[string]bool{
		"run1.czi":     true,
		"RUN1.CZI":     true,
		"scene.ims":    true,
		"scene.h5":     true,
		"Merged.tif":   false,
		"notes.txt":    false,
		"noextension":  false,
		"archive.czi~": false,
	}
	for name, want := range cases {
		if got := IsAcquisitionFile(name, nil); got != want {
			t.Errorf("IsAcquisitionFile(%q) = %v, want %v", name, got, want)
		}
	}
	if IsAcquisitionFile("a.czi", []string{".ims"}) {
		t.Errorf("custom extension list ignored")
	}
}

func TestListAcquisitionsSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.czi", "a.ims", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "d.czi"), 0o755); err != nil {
		t.Fatal(err)
	}
	files, err := ListAcquisitions(dir, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "a.ims" || filepath.Base(files[1]) != "b.czi" {
		t.Fatalf("unexpected files %v", files)
	}
}

func TestParseMemAvailable(t *testing.T) {
	info := "MemTotal:       16318480 kB\nMemFree:         1234 kB\nMemAvailable:    8000000 kB\n"
	kb, ok := parseMemAvailable(info)
	if !ok || kb != 8000000 {
		t.Fatalf("got %d %v", kb, ok)
	}
	if _, ok := parseMemAvailable("MemTotal: 1 kB\n"); ok {
		t.Fatalf("expected miss without MemAvailable")
	}
}

func TestStemName(t *testing.T) {
	if got := StemName("/data/2024-05-01_run.czi"); got != "2024-05-01_run" {
		t.Fatalf("got %q", got)
	}
}
