/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-amp/internal/acquire"
	"github.com/loqalabs/loqa-amp/internal/calib"
	"github.com/loqalabs/loqa-amp/internal/config"
	"github.com/loqalabs/loqa-amp/internal/control"
	"github.com/loqalabs/loqa-amp/internal/device"
	"github.com/loqalabs/loqa-amp/internal/logging"
	"github.com/loqalabs/loqa-amp/internal/metrics"
	natsbus "github.com/loqalabs/loqa-amp/internal/nats"
	"github.com/loqalabs/loqa-amp/internal/session"
	"github.com/loqalabs/loqa-amp/internal/status"
	"github.com/loqalabs/loqa-amp/internal/stream"
	"github.com/loqalabs/loqa-amp/internal/transport"
)

// options are the flags; positional arguments follow the acquisition command line
type options struct {
	driver    string
	locator   string
	natsURL   string
	metrics   string
	status    string
	logFile   string
	logLevel  string
	logFormat string
	verbose   bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func newFlagSet(opts *options, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("loqa-amp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.driver, "driver", "", "Device driver: sim, portaudio or mock (default from config, else sim)")
	fs.StringVar(&opts.locator, "locator", "", "Device locator; empty opens the first listed device")
	fs.StringVar(&opts.natsURL, "nats", "", "NATS server URL for the sample and control subjects, e.g. nats://localhost:4222")
	fs.StringVar(&opts.metrics, "metrics", "", "Prometheus listen address, e.g. :9102")
	fs.StringVar(&opts.status, "status", "", "Modbus TCP endpoint for the status block, e.g. localhost:502")
	fs.StringVar(&opts.logFile, "log", "", "Also write the event log to this file")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	fs.BoolVar(&opts.verbose, "v", false, "Start with the per-sample display on")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "Usage: loqa-amp [flags] %s\n\nFlags:\n", config.Usage)
		fs.PrintDefaults()
	}
	return fs
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	console := log.New(stderr, "", log.LstdFlags)

	var opts options
	fs := newFlagSet(&opts, stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	pos, err := config.ParseArgs(fs.Args())
	if err != nil {
		console.Printf("❌ Invalid arguments: %v", err)
		fs.Usage()
		return 1
	}

	cfg, err := loadConfig(pos, opts)
	if err != nil {
		console.Printf("❌ Failed to load configuration: %v", err)
		return 1
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: opts.logFormat,
		File:   cfg.Log.File,
		Stderr: stderr,
	})
	if err != nil {
		console.Printf("❌ Failed to initialize logging: %v", err)
		return 1
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	drv, err := newDriver(cfg.Device)
	if err != nil {
		console.Printf("❌ Failed to initialize driver: %v", err)
		return 1
	}
	ct, err := device.ParseConnectionType(cfg.Device.Connection)
	if err != nil {
		console.Printf("❌ %v", err)
		return 1
	}
	locator, err := device.OpenFirst(drv, ct, cfg.Device.Locator)
	if err != nil {
		console.Printf("❌ Failed to open device: %v", err)
		return 1
	}
	defer func() { _ = drv.Close() }()
	console.Printf("🔌 Opened %s device %s over %s", cfg.Device.Driver, locator, ct)

	if pos.Mode == config.ModeReference {
		return setReference(drv, pos.ChannelMask, console)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, cleanup, err := buildSession(drv, cfg, stdin, stdout, logger)
	if err != nil {
		console.Printf("❌ Failed to initialize: %v", err)
		return 1
	}
	defer cleanup()
	if opts.verbose {
		sess.SetVerbose(true)
	}

	console.Printf("🚀 Sampling started, press v or Esc then Enter to toggle the sample display, Ctrl-C to stop")
	summary, err := sess.Run(ctx)
	console.Printf("🛑 Shutting down: %s after %d samples (%d written, %d saw jumps, %d events)",
		summary.Reason, summary.TotalSamples, summary.SamplesWritten, summary.Jumps, summary.Events)
	if err != nil {
		console.Printf("❌ %v", err)
		return 1
	}
	console.Printf("✅ Done")
	return 0
}

// loadConfig reads the optional YAML file, overlays arguments and flags,
// then validates and fills defaults
func loadConfig(pos config.Args, opts options) (*config.Config, error) {
	cfg := &config.Config{}
	if pos.ConfigFile != "" {
		loaded, err := config.Load(pos.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	pos.Apply(cfg)
	if opts.driver != "" {
		cfg.Device.Driver = opts.driver
	}
	if opts.locator != "" {
		cfg.Device.Locator = opts.locator
	}
	if opts.natsURL != "" {
		cfg.Sink.NATSURL = opts.natsURL
	}
	if opts.metrics != "" {
		cfg.Metrics.Listen = opts.metrics
	}
	if opts.status != "" {
		cfg.Status.Endpoint = opts.status
	}
	if opts.logFile != "" {
		cfg.Log.File = opts.logFile
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.Normalize(cfg)
	return cfg, nil
}

func newDriver(dc config.DeviceConfig) (device.Driver, error) {
	switch dc.Driver {
	case "sim":
		return device.NewSyntheticDriver(dc.Channels), nil
	case "portaudio":
		return device.NewPortAudioDriver(), nil
	case "mock":
		return device.NewMockDriver(device.SyntheticFormat(dc.Channels)), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", dc.Driver)
	}
}

func setReference(drv device.Driver, mask uint32, console *log.Logger) int {
	on := mask != 0
	if err := drv.SetRefCalculation(on); err != nil {
		console.Printf("❌ Failed to set reference calculation: %v", err)
		return 1
	}
	state := "off"
	if on {
		state = "on"
	}
	console.Printf("✅ Reference calculation %s (mask 0x%x)", state, mask)
	return 0
}

// sessionConfig maps the file configuration onto the session packages
func sessionConfig(cfg *config.Config) session.Config {
	sc := session.Config{
		Acquire: acquire.Config{
			DesiredRateHz:    cfg.Acquisition.RateHz,
			MaxBufferSamples: cfg.Acquisition.MaxBufferSamples,
			MaxEmptyPolls:    cfg.Acquisition.MaxEmptyPolls,
			EmptyPollSleep:   time.Duration(cfg.Acquisition.EmptyPollSleepMs) * time.Millisecond,
		},
		Engine: calib.Options{
			SawStep:    cfg.Acquisition.SawStep,
			SawMask:    cfg.Acquisition.SawMask,
			SawChannel: -1,
		},
		Sink: stream.SinkConfig{
			Host:   cfg.Sink.Host,
			Port:   cfg.Sink.Port,
			Labels: cfg.Signal.Labels,
			Server: transport.ServerConfig{
				SampleCapacity: cfg.Sink.SampleCapacity,
				EventCapacity:  cfg.Sink.EventCapacity,
			},
		},
		StatusInterval: time.Duration(cfg.Status.IntervalMs) * time.Millisecond,
	}
	if cfg.Acquisition.SawChannel != nil {
		sc.Engine.SawChannel = *cfg.Acquisition.SawChannel
	}
	if len(cfg.Signal.Channels) > 0 {
		sc.Sink.Channels = cfg.Signal.Channels
	}
	for _, t := range cfg.Triggers {
		sc.Engine.Triggers = append(sc.Engine.Triggers, triggerFromConfig(t))
	}
	return sc
}

func triggerFromConfig(t config.TriggerConfig) calib.Trigger {
	trig := calib.Trigger{Channel: -1, Threshold: t.Threshold, Type: t.Type, Value: t.Value}
	if t.Channel != nil {
		trig.Channel = *t.Channel
	}
	switch t.Edge {
	case "rising":
		trig.Edge = 1
	case "falling":
		trig.Edge = -1
	}
	return trig
}

// buildSession wires sinks, control sources, metrics and the status export
// around drv. cleanup releases everything buildSession opened.
func buildSession(drv device.Driver, cfg *config.Config, stdin io.Reader, stdout io.Writer, logger *slog.Logger) (*session.Session, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	publisher := stream.NewPublisher(logger)
	listener := control.NewListener(cfg.Control.QueueSize, logger)
	m := metrics.New()
	deps := session.Deps{
		Logger:  logger,
		Control: listener,
		Keys:    session.NewReaderKeys(stdin),
		Metrics: m,
		Display: stdout,
	}

	if cfg.Control.Port != -1 {
		addr := net.JoinHostPort("", strconv.Itoa(cfg.Control.Port))
		deps.Sources = append(deps.Sources, control.NewTCPServer(addr, listener, logger))
	}

	if cfg.Sink.NATSURL != "" {
		conn, err := natsbus.Connect(cfg.Sink.NATSURL, natsbus.ConnectOptions{Name: "loqa-amp"}, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, conn.Close)
		publisher.AddSink(stream.NewNATSSink(conn, cfg.Sink.NATSSubject))
		deps.Sources = append(deps.Sources, control.NewNATSSource(conn, cfg.Control.NATSSubject, listener, logger))
	}

	if cfg.Metrics.Listen != "" {
		srv := metrics.NewServer(m, logger)
		if err := srv.Start(cfg.Metrics.Listen); err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	if cfg.Status.Endpoint != "" {
		w, err := status.Dial(status.WriterConfig{
			Endpoint: cfg.Status.Endpoint,
			UnitID:   cfg.Status.UnitID,
			BaseSlot: cfg.Status.BaseSlot,
			Timeout:  time.Duration(cfg.Status.TimeoutMs) * time.Millisecond,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		reporter := status.NewReporter(w, logger)
		closers = append(closers, func() { _ = reporter.Close() })
		deps.Status = reporter
	}

	return session.New(drv, publisher, sessionConfig(cfg), deps), cleanup, nil
}
