package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/discolith/isokit/pkg/iso"
	"github.com/discolith/isokit/pkg/logging"
	"gopkg.in/yaml.v3"
)

// manifest is the declarative build description isobuilder consumes:
// a volume label plus a list of files/directories/boot entries to
// stage, read relative to the manifest's own directory.
type manifest struct {
	VolumeLabel string `yaml:"volume_label"`
	Joliet      *bool  `yaml:"joliet"`
	RockRidge   *bool  `yaml:"rock_ridge"`
	BootFile    string `yaml:"boot_file"`
	Output      string `yaml:"output"`
	Entries     []struct {
		ISOPath string `yaml:"iso_path"`
		Host    string `yaml:"host_path"`
		Dir     bool   `yaml:"dir"`
	} `yaml:"entries"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.VolumeLabel == "" {
		m.VolumeLabel = "ISOIMAGE"
	}
	return &m, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: isobuilder <manifest.yaml>")
		os.Exit(1)
	}

	m, err := loadManifest(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if m.Output == "" {
		fmt.Fprintln(os.Stderr, "manifest: output path must be set")
		os.Exit(1)
	}

	base := filepath.Dir(os.Args[1])
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	log := logging.NewSimpleLogger(os.Stderr, logging.LEVEL_TRACE, true)

	img := iso.New(m.VolumeLabel,
		iso.WithJolietEnabled(boolOr(m.Joliet, true)),
		iso.WithRockRidgeEnabled(boolOr(m.RockRidge, true)),
		iso.WithLogger(log),
	)

	for _, e := range m.Entries {
		if e.Dir {
			if err := img.AddDirectory(e.ISOPath); err != nil {
				fmt.Fprintf(os.Stderr, "failed to add directory %s: %v\n", e.ISOPath, err)
				os.Exit(1)
			}
			continue
		}
		if err := img.AddFile(e.ISOPath, resolve(e.Host)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to add file %s: %v\n", e.ISOPath, err)
			os.Exit(1)
		}
	}

	if m.BootFile != "" {
		if err := img.MarkBootable(resolve(m.BootFile)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to mark boot file %s: %v\n", m.BootFile, err)
			os.Exit(1)
		}
	}

	if err := img.Save(m.Output, nil); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", m.Output, err)
		os.Exit(1)
	}

	fmt.Printf("Wrote %s\n", m.Output)
}
