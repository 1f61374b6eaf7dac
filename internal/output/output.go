// Package output writes one extracted position as an ImageJ hyperstack TIFF
// plus its acquisition metadata record.
package output

import (
	"fmt"
	"os"
	"path/filepath"

	"scenesplit/internal/calibration"
	"scenesplit/internal/faults"
	"scenesplit/internal/volume"
)

// Fixed names inside a position folder.
const (
	MergedDir    = "merged"
	TIFFName     = "Merged.tif"
	MetadataName = "acquisition_metadata.json"
)

// Options control the written TIFF.
type Options struct {
	TIFF TIFFOptions
}

// Validate rejects unknown compression or BigTIFF modes.
func (o Options) Validate() error {
	if _, err := o.TIFF.normalized(); err != nil {
		return faults.Wrap(faults.ErrValidation, "output", "options", "", err)
	}
	return nil
}

// Paths are the files written for one position.
type Paths struct {
	Dir      string `json:"dir"`
	TIFF     string `json:"tiff"`
	Metadata string `json:"metadata"`
}

// PathsFor returns the layout of position folder name under root.
func PathsFor(root, name string) Paths {
	dir := filepath.Join(root, name)
	return Paths{
		Dir:      dir,
		TIFF:     filepath.Join(dir, MergedDir, TIFFName),
		Metadata: filepath.Join(dir, MetadataName),
	}
}

// Write stores v under root/name/merged/Merged.tif and md next to the merged
// folder. The metadata is validated before anything is created.
func Write(v *volume.Volume, md Metadata, cal calibration.Spec, root, name string, opts Options) (Paths, error) {
	if err := opts.Validate(); err != nil {
		return Paths{}, err
	}
	if name == "" || filepath.Base(name) != name {
		return Paths{}, faults.Validation("output", "invalid position folder name %q", name)
	}
	p := PathsFor(root, name)
	md.OutputFile = p.TIFF
	doc, err := md.Encode()
	if err != nil {
		return Paths{}, err
	}

	created, err := makeDirs(p)
	if err != nil {
		return Paths{}, err
	}
	err = writeAtomic(p.TIFF, 0o644, func(f *os.File) error {
		return WriteTIFF(f, v, cal, opts.TIFF)
	})
	if err != nil {
		removeDirs(created)
		return Paths{}, err
	}
	err = writeAtomic(p.Metadata, 0o644, func(f *os.File) error {
		_, err := f.Write(doc)
		return err
	})
	if err != nil {
		_ = os.Remove(p.TIFF)
		removeDirs(created)
		return Paths{}, err
	}
	return p, nil
}

// makeDirs creates the position and merged folders and returns the ones that
// did not exist before, outermost first.
func makeDirs(p Paths) ([]string, error) {
	var created []string
	for _, dir := range []string{p.Dir, filepath.Dir(p.TIFF)} {
		if _, err := os.Stat(dir); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			removeDirs(created)
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
		created = append(created, dir)
	}
	return created, nil
}

// removeDirs removes folders created by makeDirs, innermost first. Folders
// that gained other content are left alone.
func removeDirs(created []string) {
	for i := len(created) - 1; i >= 0; i-- {
		_ = os.Remove(created[i])
	}
}
