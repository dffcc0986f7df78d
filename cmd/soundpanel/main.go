package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lavoca/soundpanel/pkg/panel"
)

// set via ldflags at build time
var (
	versionTag = "dev"
)

func main() {
	verbose := flag.Bool("verbose", false, "enable verbose logging")
	configPath := flag.String("config", "", "path to the configuration file (default: config.yaml next to the executable)")
	flag.Parse()

	logger, err := panel.NewLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Infow("Starting soundpanel", "version", versionTag)

	p, err := panel.NewPanel(logger, *verbose, *configPath)
	if err != nil {
		logger.Errorw("Failed to create panel object", "error", err)
		os.Exit(1)
	}

	p.SetVersion(versionTag)

	if err := p.Initialize(); err != nil {
		logger.Errorw("Failed to initialize panel", "error", err)
		os.Exit(1)
	}
}
