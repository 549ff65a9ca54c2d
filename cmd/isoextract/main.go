package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/discolith/isokit/pkg/iso"
	"github.com/discolith/isokit/pkg/logging"
)

func main() {
	// Logging level flags
	debug := flag.Bool("v", false, "Enable verbose (debug) logging")
	trace := flag.Bool("vv", false, "Enable trace logging")

	// Extraction options
	bootImages := flag.Bool("boot", false, "Extract boot images (El Torito)")
	rockRidge := flag.Bool("rockridge", true, "Enable Rock Ridge support")
	joliet := flag.Bool("joliet", true, "Prefer Joliet names when present")
	udf := flag.Bool("udf", false, "Parse UDF/ECMA-167 extensions")
	stripVer := flag.Bool("strip", true, "Strip version info from filenames")

	// Output directory
	outputDir := flag.String("o", "./extracted", "Output directory for extracted files")
	bootDir := flag.String("bootdir", "[BOOT]", "Output directory for boot images")

	flag.Parse()

	level := logging.LEVEL_INFO
	if *trace {
		level = logging.LEVEL_TRACE
	} else if *debug {
		level = logging.LEVEL_DEBUG
	}

	if flag.NArg() < 1 {
		fmt.Println("Usage: isoextract [options] <path-to-iso>")
		fmt.Println("  -v               Enable verbose (debug) logging")
		fmt.Println("  -vv              Enable trace logging")
		fmt.Println("  -boot            Extract boot images (El Torito)")
		fmt.Println("  -rockridge       Enable Rock Ridge support (default: true)")
		fmt.Println("  -joliet          Prefer Joliet names when present (default: true)")
		fmt.Println("  -udf             Parse UDF/ECMA-167 extensions (default: false)")
		fmt.Println("  -strip           Strip version info from filenames (default: true)")
		fmt.Println("  -o <directory>   Output directory (default './extracted')")
		fmt.Println("  -bootdir <dir>   Output directory for boot images (default '[BOOT]')")
		os.Exit(1)
	}

	isoPath := flag.Arg(0)

	img, err := iso.Open(
		isoPath,
		iso.WithElToritoEnabled(*bootImages),
		iso.WithRockRidgeEnabled(*rockRidge),
		iso.WithJolietEnabled(*joliet),
		iso.WithPreferJoliet(*joliet),
		iso.WithUDFEnabled(*udf),
		iso.WithBootFileLocation(*bootDir),
		iso.WithStripVersionInfo(*stripVer),
		iso.WithLogger(logging.NewConsoleLogger(level)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ISO: %v\n", err)
		os.Exit(1)
	}
	defer img.Close()

	if err := img.ExtractFiles(*outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to extract image: %v\n", err)
		os.Exit(1)
	}

	if *bootImages && img.HasElTorito() {
		if err := img.ExtractBootImages(filepath.Join(*outputDir, *bootDir)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to extract boot images: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Extraction completed successfully to '%s'.\n", *outputDir)
}
