package main

import (
	"fmt"
	"os"

	"github.com/bgrewell/usage"
	"github.com/discolith/isokit/pkg/iso"
	"github.com/discolith/isokit/pkg/logging"
	"github.com/theckman/yacspin"
)

func main() {
	u := usage.NewUsage(
		usage.WithApplicationName("isocreate"),
		usage.WithApplicationDescription("isocreate stages a host directory tree into an ISO9660 image with Joliet and Rock Ridge extensions."),
	)

	help := u.AddBooleanOption("h", "help", false, "Show this help message", "optional", nil)
	label := u.AddStringOption("l", "label", "ISOIMAGE", "Volume identifier", "", nil)
	joliet := u.AddBooleanOption("j", "joliet", true, "Write a Joliet supplementary volume descriptor", "", nil)
	rockRidge := u.AddBooleanOption("r", "rockridge", true, "Write Rock Ridge extensions", "", nil)
	bootFile := u.AddStringOption("b", "boot", "", "Host path to a BIOS boot image to make the disc bootable", "optional", nil)
	source := u.AddArgument(1, "source-dir", "Host directory to stage", "")
	dest := u.AddArgument(2, "output-iso", "Path to write the finished image to", "")
	parsed := u.Parse()

	if !parsed {
		u.PrintError(fmt.Errorf("failed to parse arguments"))
		os.Exit(1)
	}
	if *help {
		u.PrintUsage()
		os.Exit(0)
	}
	if source == nil || *source == "" || dest == nil || *dest == "" {
		u.PrintError(fmt.Errorf("both <source-dir> and <output-iso> must be provided"))
		os.Exit(1)
	}

	img := iso.New(*label,
		iso.WithJolietEnabled(*joliet),
		iso.WithRockRidgeEnabled(*rockRidge),
		iso.WithLogger(logging.NewConsoleLogger(logging.LEVEL_INFO)),
	)

	if err := img.AddTree("", *source); err != nil {
		u.PrintError(fmt.Errorf("staging %s: %w", *source, err))
		os.Exit(1)
	}

	if *bootFile != "" {
		if err := img.MarkBootable(*bootFile); err != nil {
			u.PrintError(fmt.Errorf("marking boot image: %w", err))
			os.Exit(1)
		}
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100_000_000,
		CharSet:         yacspin.CharSets[9],
		Suffix:          " writing " + *dest,
		SuffixAutoColon: true,
	})
	if err == nil {
		_ = spinner.Start()
	}

	progress := func(name string, bytesDone, bytesTotal int64, itemIndex, itemCount int) {
		if spinner != nil {
			spinner.Message(fmt.Sprintf("%d/%d %s", itemIndex, itemCount, name))
		}
	}

	if err := img.Save(*dest, progress); err != nil {
		if spinner != nil {
			_ = spinner.StopFail()
		}
		u.PrintError(fmt.Errorf("writing %s: %w", *dest, err))
		os.Exit(1)
	}
	if spinner != nil {
		_ = spinner.Stop()
	}

	fmt.Printf("Wrote %s\n", *dest)
}
