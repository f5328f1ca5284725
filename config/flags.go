package config

import (
	"flag"
	"io"

	"github.com/pkg/errors"
)

type Flags struct {
	ConfigPath string
	Setup      bool
	Debug      bool
}

// ParseFlags parses command line arguments without the program name.
func ParseFlags(args []string, output io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("accountmirror", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.ConfigPath, "config", "config.yaml", "path to yaml config")
	fs.BoolVar(&f.Setup, "setup", false, "run the interactive config wizard and exit")
	fs.BoolVar(&f.Debug, "debug", false, "development logging")
	if err := fs.Parse(args); err != nil {
		return Flags{}, errors.Wrap(err, "parse flags")
	}
	return f, nil
}
