package main

import (
	"fmt"
	"os"

	"github.com/bgrewell/usage"
	"github.com/discolith/isokit/pkg/directory"
	"github.com/discolith/isokit/pkg/iso"
	"github.com/discolith/isokit/pkg/logging"
)

func displayImageInfo(img *iso.Image, verbose bool) {
	fmt.Println("=== ISO Information ===")
	if img.PrimaryVD != nil {
		fmt.Printf("Volume Name: %s\n", img.PrimaryVD.Body.VolumeIdentifier)
		fmt.Printf("System Identifier: %s\n", img.PrimaryVD.Body.SystemIdentifier)
		fmt.Printf("Volume Size: %d sectors\n", img.PrimaryVD.Body.VolumeSpaceSize)
	}

	fmt.Printf("Rock Ridge: %v\n", img.HasRockRidge())
	fmt.Printf("Joliet: %v\n", img.HasJoliet())
	fmt.Printf("El Torito: %v\n", img.HasElTorito())
	fmt.Printf("UDF: %v\n", img.HasUDF())

	var files, dirs int
	var totalSize uint64
	if img.PrimaryTree != nil {
		walk(img.PrimaryTree, &files, &dirs, &totalSize)
	}
	fmt.Printf("Total Files: %d\n", files)
	fmt.Printf("Total Directories: %d\n", dirs)
	fmt.Printf("Total Size: %d bytes (%.2f MB)\n", totalSize, float64(totalSize)/1024/1024)

	if verbose && img.HasElTorito() && img.BootCatalog != nil {
		fmt.Println("\n--- El Torito Boot Extensions ---")
		for _, s := range img.BootCatalog.Sections {
			for _, e := range s.Entries {
				fmt.Printf("  Boot Entry: platform=%s emulation=%s size=%d\n", e.Platform, e.Emulation, e.Size)
			}
		}
	}
	fmt.Println("=========================")
}

func walk(rec *directory.Record, files, dirs *int, size *uint64) {
	for _, c := range rec.Children {
		if c.IsSpecial() {
			continue
		}
		if c.IsDirectory() {
			*dirs++
			walk(c, files, dirs, size)
		} else {
			*files++
			*size += uint64(c.DataLength)
		}
	}
}

func main() {
	u := usage.NewUsage(
		usage.WithApplicationName("isoview"),
		usage.WithApplicationDescription("isoview inspects ISO9660 images, including Rock Ridge, Joliet, El Torito and UDF extensions."),
	)

	help := u.AddBooleanOption("h", "help", false, "Show this help message", "optional", nil)
	verbose := u.AddBooleanOption("v", "verbose", false, "Print verbose output", "", nil)
	path := u.AddArgument(1, "iso-path", "Path to the ISO image to inspect", "")
	parsed := u.Parse()

	if !parsed {
		u.PrintError(fmt.Errorf("failed to parse arguments"))
		os.Exit(1)
	}
	if *help {
		u.PrintUsage()
		os.Exit(0)
	}
	if path == nil || *path == "" {
		u.PrintError(fmt.Errorf("path to an iso file must be provided"))
		os.Exit(1)
	}

	level := logging.LEVEL_INFO
	if *verbose {
		level = logging.LEVEL_DEBUG
	}

	img, err := iso.Open(*path, iso.WithLogger(logging.NewConsoleLogger(level)))
	if err != nil {
		u.PrintError(err)
		os.Exit(1)
	}
	defer img.Close()

	displayImageInfo(img, *verbose)
}
