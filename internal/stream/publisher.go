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

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/loqalabs/loqa-amp/internal/transport"
)

var (
	// ErrSinkUnavailable means no buffer could be hosted or reached
	ErrSinkUnavailable = errors.New("streaming sink unavailable")

	// ErrConfigRejected means the channel selection or rate cannot be streamed
	ErrConfigRejected = errors.New("streaming configuration rejected")
)

// HostOwnBuffer as SinkConfig.Host starts an in-process buffer server on Port
const HostOwnBuffer = "-"

// SinkConfig selects where and what to stream
type SinkConfig struct {
	// Host is the remote buffer host, HostOwnBuffer to serve one in-process,
	// or empty to stream only to sinks added with AddSink
	Host string
	Port int

	// Channels lists hardware channel indexes in delivery order; nil selects all
	Channels []int

	// Labels renames the selected channels; nil keeps HardwareLabels
	Labels         []string
	HardwareLabels []string

	Device    string
	SessionID string
	Server    transport.ServerConfig
}

// Publisher forwards calibrated blocks and events to every sink of a session.
// It is driven by the acquisition loop only and is not safe for concurrent use.
type Publisher struct {
	logger *slog.Logger

	extra  []Sink
	sinks  []Sink
	server *transport.Server
	active bool

	hwChannels int
	hwLabels   []string
	header     Header
	selected   []int
	identity   bool

	block    []float32
	nsamples int
	selBuf   []float32
	stamped  []StampedEvent
	events   EventList

	streaming bool
	written   uint64
	forwarded uint64
}

// NewPublisher creates an idle publisher
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{logger: logger}
}

// AddSink registers an extra sink for the next session
func (p *Publisher) AddSink(s Sink) {
	p.extra = append(p.extra, s)
}

// BeginSession opens the sinks and announces the stream header.
// Streaming is enabled on success.
func (p *Publisher) BeginSession(ctx context.Context, hwChannels int, rateHz float64, cfg SinkConfig) error {
	if p.active {
		return fmt.Errorf("session already active")
	}
	if hwChannels <= 0 {
		return fmt.Errorf("%w: device has no channels", ErrConfigRejected)
	}
	if rateHz <= 0 {
		return fmt.Errorf("%w: sample rate %g", ErrConfigRejected, rateHz)
	}

	selected, err := selectChannels(cfg.Channels, hwChannels)
	if err != nil {
		return err
	}
	labels, err := selectLabels(selected, cfg.Labels, cfg.HardwareLabels)
	if err != nil {
		return err
	}

	var sinks []Sink
	switch cfg.Host {
	case "":
	case HostOwnBuffer:
		sink, err := p.hostBuffer(ctx, cfg)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	default:
		address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		sink, err := DialFieldTrip(ctx, address)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
		}
		sinks = append(sinks, sink)
	}
	sinks = append(sinks, p.extra...)
	if len(sinks) == 0 {
		return fmt.Errorf("%w: no buffer host and no extra sinks", ErrSinkUnavailable)
	}

	header := Header{
		SessionID: cfg.SessionID,
		Device:    cfg.Device,
		Channels:  len(selected),
		RateHz:    rateHz,
		Labels:    labels,
	}
	for _, s := range sinks {
		if err := s.Begin(header); err != nil {
			closeSinks(sinks)
			p.stopServer()
			if errors.Is(err, ErrHeaderRejected) {
				return fmt.Errorf("%w: %s: %v", ErrConfigRejected, s.Name(), err)
			}
			return fmt.Errorf("%w: %s: %v", ErrSinkUnavailable, s.Name(), err)
		}
		p.logger.Info("sink ready", "sink", s.Name(), "channels", len(selected), "rate_hz", rateHz)
	}

	p.sinks = sinks
	p.hwChannels = hwChannels
	p.hwLabels = cfg.HardwareLabels
	p.header = header
	p.selected = selected
	p.identity = isIdentity(selected, hwChannels)
	p.written = 0
	p.forwarded = 0
	p.nsamples = 0
	p.events.Clear()
	p.active = true
	p.streaming = true
	return nil
}

func (p *Publisher) hostBuffer(ctx context.Context, cfg SinkConfig) (Sink, error) {
	server := transport.NewServer(cfg.Server, p.logger)
	if err := server.Start(ctx, net.JoinHostPort("", strconv.Itoa(cfg.Port))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	port := cfg.Port
	if tcp, ok := server.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	sink, err := DialFieldTrip(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	p.server = server
	return sink, nil
}

// Reconfigure changes the channel selection and labels of the active session.
// The header is put again on every sink, which restarts the stream sample count.
// A rejected selection leaves the session unchanged.
func (p *Publisher) Reconfigure(channels []int, labels []string) error {
	if !p.active {
		return fmt.Errorf("%w: no active session", ErrConfigRejected)
	}
	selected, err := selectChannels(channels, p.hwChannels)
	if err != nil {
		return err
	}
	names, err := selectLabels(selected, labels, p.hwLabels)
	if err != nil {
		return err
	}

	header := p.header
	header.Channels = len(selected)
	header.Labels = names
	for i, s := range p.sinks {
		if err := s.Begin(header); err != nil {
			// put the old layout back on the sinks that already switched
			for _, prev := range p.sinks[:i] {
				if rerr := prev.Begin(p.header); rerr != nil {
					p.logger.Warn("failed to restore header", "sink", prev.Name(), "error", rerr)
				}
			}
			if errors.Is(err, ErrHeaderRejected) {
				return fmt.Errorf("%w: %s: %v", ErrConfigRejected, s.Name(), err)
			}
			return fmt.Errorf("%w: %s: %v", ErrSinkUnavailable, s.Name(), err)
		}
	}

	p.header = header
	p.selected = selected
	p.identity = isIdentity(selected, p.hwChannels)
	p.written = 0
	p.logger.Info("stream reconfigured", "channels", len(selected), "labels", names)
	return nil
}

// selectChannels validates a selection; nil selects every hardware channel
func selectChannels(channels []int, hwChannels int) ([]int, error) {
	selected := channels
	if selected == nil {
		selected = make([]int, hwChannels)
		for i := range selected {
			selected[i] = i
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no channels selected", ErrConfigRejected)
	}
	for _, idx := range selected {
		if idx < 0 || idx >= hwChannels {
			return nil, fmt.Errorf("%w: channel %d outside 0..%d", ErrConfigRejected, idx, hwChannels-1)
		}
	}
	return selected, nil
}

func selectLabels(selected []int, labels, hwLabels []string) ([]string, error) {
	if labels != nil {
		if len(labels) != len(selected) {
			return nil, fmt.Errorf("%w: %d labels for %d channels", ErrConfigRejected, len(labels), len(selected))
		}
		return labels, nil
	}
	names := make([]string, len(selected))
	for i, idx := range selected {
		if idx < len(hwLabels) && hwLabels[idx] != "" {
			names[i] = hwLabels[idx]
		} else {
			names[i] = fmt.Sprintf("ch%d", idx+1)
		}
	}
	return names, nil
}

func isIdentity(selected []int, hwChannels int) bool {
	if len(selected) != hwChannels {
		return false
	}
	for i, idx := range selected {
		if idx != i {
			return false
		}
	}
	return true
}

// ProvideBlock returns a writable slice for n rows of every hardware channel.
// The slice is reused; it grows only when a larger block arrives.
func (p *Publisher) ProvideBlock(n int) []float32 {
	size := n * p.hwChannels
	if cap(p.block) < size {
		p.block = make([]float32, size)
	}
	p.block = p.block[:size]
	p.nsamples = n
	return p.block
}

// Events returns the event list of the current block
func (p *Publisher) Events() *EventList {
	return &p.events
}

// HandleBlock forwards the provided block and its events to every sink.
// With streaming disabled the block is consumed without forwarding.
func (p *Publisher) HandleBlock() error {
	defer func() {
		p.events.Clear()
		p.nsamples = 0
	}()

	if !p.active || !p.streaming || p.nsamples == 0 {
		return nil
	}

	data := p.block[:p.nsamples*p.hwChannels]
	nchans := len(p.selected)
	if !p.identity {
		size := p.nsamples * nchans
		if cap(p.selBuf) < size {
			p.selBuf = make([]float32, size)
		}
		p.selBuf = p.selBuf[:size]
		for i := 0; i < p.nsamples; i++ {
			row := data[i*p.hwChannels:]
			out := p.selBuf[i*nchans:]
			for k, idx := range p.selected {
				out[k] = row[idx]
			}
		}
		data = p.selBuf
	}

	p.stamped = p.stamped[:0]
	for _, e := range p.events.Items() {
		p.stamped = append(p.stamped, StampedEvent{
			Sample: p.written + uint64(e.Offset), //nolint:gosec // offsets are block row indexes
			Type:   e.Type,
			Value:  e.Value,
		})
	}

	var errs []error
	for _, s := range p.sinks {
		if err := s.PutBlock(p.written, nchans, p.nsamples, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: put data: %w", s.Name(), err))
			continue
		}
		if err := s.PutEvents(p.stamped); err != nil {
			errs = append(errs, fmt.Errorf("%s: put events: %w", s.Name(), err))
		}
	}
	p.written += uint64(p.nsamples)
	p.forwarded += uint64(p.nsamples)
	return errors.Join(errs...)
}

// SetStreaming enables or disables forwarding
func (p *Publisher) SetStreaming(on bool) {
	if p.streaming != on {
		p.logger.Info("streaming toggled", "enabled", on)
	}
	p.streaming = on
}

// Streaming reports whether blocks are forwarded
func (p *Publisher) Streaming() bool {
	return p.streaming
}

// SamplesWritten is the number of rows forwarded this session
func (p *Publisher) SamplesWritten() uint64 {
	return p.forwarded
}

// ServerAddr returns the hosted buffer address, or nil when none is hosted
func (p *Publisher) ServerAddr() net.Addr {
	if p.server == nil {
		return nil
	}
	return p.server.Addr()
}

// EndSession closes every sink and the hosted buffer
func (p *Publisher) EndSession() error {
	if !p.active {
		return nil
	}
	err := closeSinks(p.sinks)
	p.stopServer()
	p.sinks = nil
	p.active = false
	p.streaming = false
	p.logger.Info("publisher stopped", "samples_written", p.forwarded)
	return err
}

func (p *Publisher) stopServer() {
	if p.server != nil {
		_ = p.server.Close()
		p.server = nil
	}
}

func closeSinks(sinks []Sink) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
