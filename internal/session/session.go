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

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-amp/internal/acquire"
	"github.com/loqalabs/loqa-amp/internal/calib"
	"github.com/loqalabs/loqa-amp/internal/control"
	"github.com/loqalabs/loqa-amp/internal/device"
	"github.com/loqalabs/loqa-amp/internal/metrics"
	"github.com/loqalabs/loqa-amp/internal/status"
	"github.com/loqalabs/loqa-amp/internal/stream"
)

// ErrAlreadyRunning is returned by Run while a session is active
var ErrAlreadyRunning = errors.New("session already running")

// Stop reasons reported in Summary
const (
	ReasonInterrupted   = "interrupted"
	ReasonStopRequested = "stop requested"
	ReasonNoData        = "no data"
	ReasonDriverError   = "driver error"
	ReasonConfigFailed  = "configuration failed"
)

// Config holds the per-session settings
type Config struct {
	Acquire acquire.Config
	Engine  calib.Options
	Sink    stream.SinkConfig

	// StatusInterval paces status block exports; zero exports on transitions only
	StatusInterval time.Duration
}

// Deps are the optional collaborators of a session
type Deps struct {
	Logger  *slog.Logger
	Control *control.Listener
	Sources []control.Source
	Keys    KeySource
	Metrics *metrics.Metrics
	Status  *status.Reporter
	Display io.Writer
}

// Summary reports what a finished session did
type Summary struct {
	SessionID      string
	Device         string
	RateHz         uint32
	TotalSamples   uint64
	SamplesWritten uint64
	SCTotal        uint64 // samples over all non-empty polls
	SCHits         uint64 // non-empty polls
	SCMin          int
	SCMax          int
	Jumps          int
	JumpsSaw       uint64
	Events         uint64
	Reason         string
}

// Session is the explicit context of one acquisition run. Everything except
// State is owned by the goroutine calling Run.
type Session struct {
	drv       device.Driver
	publisher *stream.Publisher
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	sm        stateMachine

	id        string
	format    device.SignalFormat
	acq       *acquire.Acquirer
	engine    *calib.Engine
	sources   []control.Source
	verbose   bool
	stopping  bool
	lastCode  int
	bufferPct uint32
	summary   Summary

	now        func() time.Time
	nextStatus time.Time
}

// New creates an idle session for an opened driver
func New(drv device.Driver, publisher *stream.Publisher, cfg Config, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Display == nil {
		deps.Display = os.Stdout
	}
	s := &Session{
		drv:       drv,
		publisher: publisher,
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger,
		now:       time.Now,
	}
	s.sm.logger = deps.Logger
	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return s.sm.current()
}

// ID returns the id of the current or last session
func (s *Session) ID() string {
	return s.id
}

// Run configures the device and sink, then acquires until ctx is cancelled,
// a stop is requested, the driver stalls or fails. The session always ends
// Idle; the returned error is the fatal cause, if any.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	if err := s.sm.enter(StateConfiguring); err != nil {
		return Summary{}, ErrAlreadyRunning
	}

	s.id = uuid.NewString()
	s.stopping = false
	s.lastCode = 0
	s.summary = Summary{SessionID: s.id}
	s.logger = s.deps.Logger.With("session", s.id)
	s.exportStatus()

	if err := s.configure(ctx); err != nil {
		s.summary.Reason = ReasonConfigFailed
		s.lastCode = device.CodeOf(err)
		_ = s.sm.enter(StateStopping)
		s.closeSources()
		_ = s.sm.enter(StateIdle)
		s.exportStatus()
		s.logger.Error("session configuration failed", "error", err)
		return s.summary, err
	}

	_ = s.sm.enter(StateStreaming)
	s.exportStatus()
	loopErr := s.loop(ctx)

	_ = s.sm.enter(StateStopping)
	s.exportStatus()
	s.shutdown()
	_ = s.sm.enter(StateIdle)
	s.exportStatus()

	if loopErr != nil {
		s.logger.Error("session ended with error", "reason", s.summary.Reason, "error", loopErr)
	}
	return s.summary, loopErr
}

func (s *Session) configure(ctx context.Context) error {
	format, err := device.Describe(s.drv)
	if err != nil {
		return err
	}
	s.format = format
	s.summary.Device = format.FrontEndName
	format.LogChannels(s.logger)

	s.acq = acquire.New(s.drv, format, s.cfg.Acquire, s.logger)
	rateHz, _, err := s.acq.ConfigureRate(ctx)
	if err != nil {
		return err
	}
	s.summary.RateHz = rateHz
	s.deps.Metrics.RateHz.Set(float64(s.acq.RateMilliHz()) / 1000)

	s.engine, err = calib.NewEngine(format, s.cfg.Engine, s.logger)
	if err != nil {
		return err
	}
	s.logger.Info("sequence and trigger channels",
		"saw_channel", s.engine.SawChannel(),
		"trigger_channel", s.engine.TriggerChannel(),
		"saw_step", fmt.Sprintf("0x%x", s.cfg.Engine.SawStep),
		"saw_mask", fmt.Sprintf("0x%x", s.cfg.Engine.SawMask),
	)

	sink := s.cfg.Sink
	sink.HardwareLabels = format.Labels()
	sink.Device = format.FrontEndName
	sink.SessionID = s.id
	if err := s.publisher.BeginSession(ctx, format.Len(), float64(s.acq.RateMilliHz())/1000, sink); err != nil {
		return err
	}

	s.sources = s.sources[:0]
	for _, src := range s.deps.Sources {
		if err := src.Start(ctx); err != nil {
			_ = s.publisher.EndSession()
			return fmt.Errorf("failed to start control source: %w", err)
		}
		s.sources = append(s.sources, src)
	}

	s.acq.LogConnection("start")
	if err := s.drv.Start(); err != nil {
		_ = s.publisher.EndSession()
		var de *device.Error
		if !errors.As(err, &de) {
			de = device.LastError(s.drv, "Start")
		}
		return fmt.Errorf("%w: unable to start the device: %w", acquire.ErrDriverFailure, de)
	}

	s.deps.Metrics.SetStreaming(s.publisher.Streaming())
	s.logger.Info("sampling started", "rate_hz", rateHz, "channels", format.Len())
	return nil
}

// loop runs one key check, one control poll and one driver poll per pass
func (s *Session) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.summary.Reason = ReasonInterrupted
			return nil
		}

		s.checkKeys()
		if s.deps.Control != nil && s.deps.Control.Poll(s) {
			s.deps.Metrics.Control.Inc()
		}
		if s.stopping {
			s.summary.Reason = ReasonStopRequested
			return nil
		}

		block, st, err := s.acq.Poll()
		switch st {
		case acquire.StatusData:
			if err := s.handleBlock(block); err != nil {
				s.summary.Reason = ReasonDriverError
				return err
			}

		case acquire.StatusEmpty:
			s.deps.Metrics.EmptyPolls.Inc()
			if err := s.acq.Backoff(ctx); err != nil {
				s.summary.Reason = ReasonNoData
				s.lastCode = s.drv.LastErrorCode()
				return err
			}

		default:
			s.summary.Reason = ReasonDriverError
			s.lastCode = s.drv.LastErrorCode()
			return err
		}

		s.maybeExportStatus()
	}
}

func (s *Session) handleBlock(block acquire.Block) error {
	start := s.now()
	n := block.Samples

	s.summary.SCTotal += uint64(n)
	s.summary.SCHits++
	if s.summary.SCHits == 1 || n < s.summary.SCMin {
		s.summary.SCMin = n
	}
	if n > s.summary.SCMax {
		s.summary.SCMax = n
	}

	out := s.publisher.ProvideBlock(n)
	res, err := s.engine.Process(block, out, s.publisher.Events())
	if err != nil {
		return fmt.Errorf("%w: %v", acquire.ErrDriverFailure, err)
	}
	if s.verbose {
		s.display(block, out)
	}
	for _, ev := range s.publisher.Events().Items() {
		s.deps.Metrics.Events.WithLabelValues(ev.Type).Inc()
	}
	s.summary.Events += uint64(res.Events)

	if err := s.publisher.HandleBlock(); err != nil {
		s.deps.Metrics.SinkErrors.Inc()
		s.logger.Warn("publish failed", "error", err)
	}

	s.deps.Metrics.Samples.Add(float64(n))
	s.deps.Metrics.Blocks.Inc()
	s.deps.Metrics.Anomalies.Add(float64(res.Anomalies))
	s.deps.Metrics.BlockDuration.Observe(s.now().Sub(start).Seconds())
	return nil
}

func (s *Session) display(block acquire.Block, out []float32) {
	trig := s.engine.TriggerChannel()
	for i := 0; i < block.Samples; i++ {
		var raw uint32
		if trig >= 0 {
			raw = block.Value(i, trig)
		}
		_, _ = fmt.Fprintf(s.deps.Display, "sample value ch1: %8f\t trigger: %8f\n", out[i*block.Channels], float32(raw))
	}
}

func (s *Session) checkKeys() {
	if s.deps.Keys == nil {
		return
	}
	if k, ok := s.deps.Keys.Key(); ok && (k == KeyEscape || k == 'v') {
		s.SetVerbose(!s.verbose)
	}
}

func (s *Session) shutdown() {
	overflow, pct := s.acq.BufferInfo("before stop")
	s.deps.Metrics.Overflow.Set(float64(overflow))
	s.deps.Metrics.BufferPercent.Set(float64(pct))
	s.bufferPct = pct

	if err := s.drv.Stop(); err != nil {
		s.logger.Warn("unable to stop the device", "error", err)
	} else {
		s.logger.Info("device stopped")
	}
	s.acq.LogConnection("end")

	if err := s.publisher.EndSession(); err != nil {
		s.logger.Warn("failed to close sinks", "error", err)
	}
	s.closeSources()
	s.deps.Metrics.SetStreaming(false)

	saw := s.engine.Saw()
	s.summary.TotalSamples = s.acq.TotalSamples()
	s.summary.SamplesWritten = s.publisher.SamplesWritten()
	s.summary.Jumps = saw.Jumps
	s.summary.JumpsSaw = saw.JumpsSaw

	s.logger.Info("session summary",
		"reason", s.summary.Reason,
		"sc_total", s.summary.SCTotal,
		"sc_hits", s.summary.SCHits,
		"sc_min", s.summary.SCMin,
		"sc_max", s.summary.SCMax,
		"jumps", s.summary.Jumps,
		"jumps_saw", s.summary.JumpsSaw,
		"events", s.summary.Events,
		"total_samples", s.summary.TotalSamples,
		"samples_written", s.summary.SamplesWritten,
	)
}

// closeSources closes the control sources started by this session
func (s *Session) closeSources() {
	for _, src := range s.sources {
		if err := src.Close(); err != nil {
			s.logger.Warn("failed to close control source", "error", err)
		}
	}
	s.sources = s.sources[:0]
}

func (s *Session) snapshot() status.Snapshot {
	snap := status.Snapshot{
		State:         s.State().StatusCode(),
		Streaming:     s.publisher.Streaming(),
		LastErrorCode: uint16(s.lastCode), //nolint:gosec // driver codes are small
		RateHz:        s.summary.RateHz,
		Events:        s.summary.Events,
		BufferPercent: uint16(s.bufferPct), //nolint:gosec // percentage
		DeviceName:    s.summary.Device,
	}
	if s.lastCode < 0 {
		snap.LastErrorCode = 0
	}
	if s.acq != nil {
		snap.Samples = s.acq.TotalSamples()
	}
	if s.engine != nil {
		snap.Anomalies = uint64(s.engine.Saw().Jumps) //nolint:gosec // count
	}
	return snap
}

func (s *Session) exportStatus() {
	if s.deps.Status == nil {
		return
	}
	s.deps.Status.Offer(s.snapshot())
	if s.cfg.StatusInterval > 0 {
		s.nextStatus = s.now().Add(s.cfg.StatusInterval)
	}
}

func (s *Session) maybeExportStatus() {
	if s.deps.Status == nil || s.cfg.StatusInterval <= 0 {
		return
	}
	if !s.now().Before(s.nextStatus) {
		s.exportStatus()
	}
}

// SetStreaming enables or disables forwarding to the sinks
func (s *Session) SetStreaming(on bool) {
	s.publisher.SetStreaming(on)
	s.deps.Metrics.SetStreaming(on)
}

// Streaming reports whether blocks are forwarded
func (s *Session) Streaming() bool {
	return s.publisher.Streaming()
}

// SetVerbose switches the per-sample display
func (s *Session) SetVerbose(on bool) {
	if s.verbose != on {
		s.logger.Info("verbose display", "enabled", on)
	}
	s.verbose = on
}

// Verbose reports whether the per-sample display is on
func (s *Session) Verbose() bool {
	return s.verbose
}

// RequestStop ends the loop before its next driver poll
func (s *Session) RequestStop() {
	s.stopping = true
}

// Reconfigure changes the streamed channel selection and labels.
// A rejected selection keeps the current one.
func (s *Session) Reconfigure(channels []int, labels []string) error {
	if err := s.publisher.Reconfigure(channels, labels); err != nil {
		s.logger.Warn("stream reconfiguration failed", "channels", channels, "error", err)
		return err
	}
	return nil
}

// Status renders a one-line state report
func (s *Session) Status() string {
	var total uint64
	var jumps int
	if s.acq != nil {
		total = s.acq.TotalSamples()
	}
	if s.engine != nil {
		jumps = s.engine.Saw().Jumps
	}
	return fmt.Sprintf("state=%s session=%s rate_hz=%d streaming=%t verbose=%t samples=%d written=%d jumps=%d events=%d",
		s.State(), s.id, s.summary.RateHz, s.publisher.Streaming(), s.verbose,
		total, s.publisher.SamplesWritten(), jumps, s.summary.Events)
}
