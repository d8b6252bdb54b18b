// Package manifest builds FAT32 images from a YAML description.
//
// A manifest looks like this:
//  image:
//    sectors: 4096
//    label: SAMPLE
//  files:
//    - path: /docs
//      directory: true
//    - path: /docs/README.md
//      contents: "# Hello"
//    - path: /docs/logo.png
//      source: assets/logo.png
package manifest

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aligator/gofat32"
	"github.com/aligator/gofat32/checkpoint"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// ErrManifest is returned for manifests which can't be applied.
var ErrManifest = errors.New("invalid manifest")

// Manifest is the type of a manifest file.
type Manifest struct {
	Image Image  `yaml:"image"`
	Files []File `yaml:"files"`
}

// Image is the geometry of the image to create.
type Image struct {
	SectorSize        int    `yaml:"sectorSize,omitempty"`
	Sectors           int64  `yaml:"sectors"`
	SectorsPerCluster uint8  `yaml:"sectorsPerCluster,omitempty"`
	Label             string `yaml:"label,omitempty"`
	VolumeID          uint32 `yaml:"volumeID,omitempty"`
}

// File is one entry of the image. Parent directories are created as needed.
type File struct {
	Path      string  `yaml:"path"`
	Directory bool    `yaml:"directory,omitempty"`
	Contents  *string `yaml:"contents,omitempty"`
	// Source is a file on the source filesystem whose content is copied.
	Source string `yaml:"source,omitempty"`
}

// Parse reads and validates a manifest. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, checkpoint.Wrap(err, ErrManifest)
	}

	if m.Image.SectorSize == 0 {
		m.Image.SectorSize = 512
	}
	if m.Image.Sectors <= 0 {
		return nil, checkpoint.Wrap(fmt.Errorf("image needs a positive sector count"), ErrManifest)
	}

	for i, f := range m.Files {
		switch {
		case f.Path == "" || path.Clean("/"+f.Path) == "/":
			return nil, checkpoint.Wrap(fmt.Errorf("file %d has no path", i), ErrManifest)
		case f.Directory && (f.Contents != nil || f.Source != ""):
			return nil, checkpoint.Wrap(fmt.Errorf("directory %q can't have contents", f.Path), ErrManifest)
		case f.Contents != nil && f.Source != "":
			return nil, checkpoint.Wrap(fmt.Errorf("file %q has contents and a source", f.Path), ErrManifest)
		}
	}

	return &m, nil
}

// Build creates the image name on fs, formats it and adds all files.
// Sources are read from src.
func (m *Manifest) Build(fs afero.Fs, name string, src afero.Fs) error {
	dev, err := gofat32.CreateImage(fs, name, m.Image.SectorSize, m.Image.Sectors)
	if err != nil {
		return err
	}
	defer dev.Close()

	err = gofat32.Format(dev, gofat32.FormatConfig{
		SectorsPerCluster: m.Image.SectorsPerCluster,
		Label:             m.Image.Label,
		VolumeID:          m.Image.VolumeID,
	})
	if err != nil {
		return err
	}

	vol, err := gofat32.Mount(dev, gofat32.WithLogger(log.StandardLogger()))
	if err != nil {
		return err
	}
	if err := m.Apply(gofat32.NewFs(vol), src); err != nil {
		return err
	}

	log.WithFields(log.Fields{"image": name, "files": len(m.Files)}).Info("built image")
	return dev.Sync()
}

// Apply adds all files of the manifest to fs.
// Existing files are overwritten, existing directories are kept.
func (m *Manifest) Apply(fs afero.Fs, src afero.Fs) error {
	for _, f := range m.Files {
		p := path.Clean("/" + f.Path)

		if f.Directory {
			if err := fs.MkdirAll(p, 0o755); err != nil {
				return err
			}
			log.Debugf("added directory %s", p)
			continue
		}

		if err := fs.MkdirAll(path.Dir(p), 0o755); err != nil {
			return err
		}

		var contents []byte
		switch {
		case f.Contents != nil:
			contents = []byte(*f.Contents)
		case f.Source != "":
			data, err := afero.ReadFile(src, f.Source)
			if err != nil {
				return fmt.Errorf("reading source of %s: %w", p, err)
			}
			contents = data
		}

		if err := afero.WriteFile(fs, p, contents, 0o644); err != nil {
			return err
		}
		log.Debugf("added file %s with %d bytes", p, len(contents))
	}
	return nil
}

// String renders the manifest as YAML.
func (m *Manifest) String() string {
	out, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Sprintf("<invalid manifest: %v>", err)
	}
	return strings.TrimSpace(string(out))
}
