package log

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Options configures NewLogger. Output always goes to stderr.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format      string `yaml:"format"`
	EnableColor bool   `yaml:"enable_color"`
}

// NewOptions returns the default options: info level, colored console.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      "console",
		EnableColor: true,
	}
}

// Validate checks level and format.
func (o *Options) Validate() error {
	switch o.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", o.Level)
	}
	switch o.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be \"console\" or \"json\", got %q", o.Format)
	}
	return nil
}

// AddFlags binds the options to fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Level, "log.level", o.Level, "Minimum log level (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "Log output format (console or json).")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Colorize console output.")
}
