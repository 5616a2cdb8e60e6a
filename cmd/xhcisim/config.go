package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/tinyrange/xhci/internal/scenario"
)

const (
	envPrefix = "XHCISIM"

	logFormatAuto = "auto"
	logFormatText = "text"
	logFormatJSON = "json"
)

type config struct {
	Command  string
	Scenario string

	LogLevel  slog.Level
	LogFormat string
	Listen    string
	Progress  bool
	Hold      bool

	MemorySize uint64
	Devices    []scenario.DeviceSpec
}

// loadConfig merges flags, the optional config file and XHCISIM_*
// environment variables, in that order of precedence.
func loadConfig(args []string) (*config, error) {
	fs := flag.NewFlagSet("xhcisim", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xhcisim [flags] run|validate <scenario.yaml>\n\n")
		fs.PrintDefaults()
	}
	cfgFile := fs.String("config", "", "Path to the config file.")
	fs.String("log-level", "info", "Log level: debug, info, warn or error.")
	fs.String("log-format", logFormatAuto, "Log format: auto, text or json.")
	fs.String("listen", "", "Address to serve /metrics and /health on. Empty disables the server.")
	fs.Bool("progress", true, "Show a progress bar while running a scenario.")
	fs.Bool("hold", false, "Keep serving metrics after the scenario finishes until interrupted.")
	fs.Uint64("memory-size", 0, "Guest RAM size in bytes, overriding the scenario.")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "failed to bind flags")
	}
	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
	} else {
		v.SetConfigName("xhcisim")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || *cfgFile != "" {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	cfg := &config{
		LogFormat:  v.GetString("log-format"),
		Listen:     v.GetString("listen"),
		Progress:   v.GetBool("progress"),
		Hold:       v.GetBool("hold"),
		MemorySize: v.GetUint64("memory-size"),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", v.GetString("log-level"))
	}
	switch cfg.LogFormat {
	case logFormatAuto, logFormatText, logFormatJSON:
	default:
		return nil, errors.Newf("invalid log format %q", cfg.LogFormat)
	}

	devices, err := decodeDevices(v.Get("devices"))
	if err != nil {
		return nil, err
	}
	cfg.Devices = devices

	rest := fs.Args()
	if len(rest) != 2 {
		fs.Usage()
		return nil, errors.New("expected a command and a scenario file")
	}
	cfg.Command, cfg.Scenario = rest[0], rest[1]
	switch cfg.Command {
	case "run", "validate":
	default:
		return nil, errors.Newf("unknown command %q", cfg.Command)
	}
	return cfg, nil
}

// decodeDevices turns the config file's device list into specs appended to
// every scenario.
func decodeDevices(raw any) ([]scenario.DeviceSpec, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.Newf("failed to decode devices: unexpected type %T", raw)
	}
	specs := make([]scenario.DeviceSpec, len(list))
	for i, def := range list {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &specs[i],
			TagName:          "yaml",
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, errors.Wrapf(err, "failed to decode device %d", i)
		}
	}
	return specs, nil
}

// newLogger picks a text handler for terminals and JSON otherwise unless the
// format is forced.
func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	if format == logFormatAuto {
		format = logFormatJSON
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = logFormatText
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == logFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
