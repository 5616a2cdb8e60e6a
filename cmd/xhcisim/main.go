// Command xhcisim runs YAML guest-driver scenarios against the emulated
// xHCI controller.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/xhci/internal/devices/usb/xhci"
	"github.com/tinyrange/xhci/internal/scenario"
)

func main() {
	if err := Main(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "xhcisim: %v\n", err)
		os.Exit(1)
	}
}

// Main is the principal function for the binary, wrapped only by main for
// convenience.
func Main(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel))

	s, err := loadScenario(cfg)
	if err != nil {
		return err
	}
	if cfg.Command == "validate" {
		fmt.Printf("%s: %d devices, %d steps\n", cfg.Scenario, len(s.Devices), len(s.Steps))
		return nil
	}
	return runScenario(cfg, s, os.Stderr)
}

// loadScenario reads the scenario and folds in devices and overrides from
// the configuration.
func loadScenario(cfg *config) (*scenario.Scenario, error) {
	s, err := scenario.Load(cfg.Scenario)
	if err != nil {
		return nil, err
	}
	s.Devices = append(s.Devices, cfg.Devices...)
	if cfg.MemorySize != 0 {
		s.MemorySize = cfg.MemorySize
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrapf(err, "scenario %s", cfg.Scenario)
	}
	return s, nil
}

func runScenario(cfg *config, s *scenario.Scenario, progressOut io.Writer) error {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := xhci.NewMetrics(r)

	env, err := scenario.NewEnv(s, xhci.WithMetrics(metrics))
	if err != nil {
		return errors.Wrap(err, "failed to set up controller")
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout.Duration())
	defer cancel()

	var g run.Group
	{
		// Run the scenario, then optionally wait for an interrupt so the
		// final metrics can be scraped.
		hold := make(chan struct{})
		g.Add(func() error {
			bar := newProgressBar(cfg.Progress, progressOut, len(s.Steps), s.Name)
			defer bar.Close()

			slog.Info("xhcisim: running scenario", "name", s.Name, "devices", len(s.Devices), "steps", len(s.Steps))
			if err := env.Run(ctx, s, func(int) { _ = bar.Add(1) }); err != nil {
				return errors.Wrapf(err, "scenario %q failed", s.Name)
			}
			slog.Info("xhcisim: scenario passed", "name", s.Name)
			if cfg.Hold && cfg.Listen != "" {
				<-hold
			}
			return nil
		}, func(error) {
			cancel()
			close(hold)
		})
	}

	if cfg.Listen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		l, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", cfg.Listen)
		}
		slog.Info("xhcisim: serving metrics", "addr", l.Addr().String())

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "server exited unexpectedly")
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		stop := make(chan struct{})
		g.Add(func() error {
			select {
			case sig := <-term:
				slog.Info("xhcisim: caught signal, shutting down", "signal", sig.String())
			case <-stop:
			}
			return nil
		}, func(error) {
			signal.Stop(term)
			close(stop)
		})
	}

	return g.Run()
}

func newProgressBar(enabled bool, w io.Writer, steps int, name string) *progressbar.ProgressBar {
	if !enabled {
		return progressbar.DefaultSilent(int64(steps), name)
	}
	return progressbar.NewOptions(steps,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(name),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}
