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

package acquire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-amp/internal/device"
)

var (
	// ErrNoData is returned by Backoff once the empty poll threshold is exceeded
	ErrNoData = errors.New("unable to get data")

	// ErrDriverFailure wraps fatal driver returns during acquisition
	ErrDriverFailure = errors.New("driver failure")
)

// Status classifies the outcome of one poll
type Status int

const (
	StatusData Status = iota
	StatusEmpty
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusData:
		return "data"
	case StatusEmpty:
		return "empty"
	default:
		return "error"
	}
}

// Defaults
const (
	DefaultMaxEmptyPolls    = 100000
	DefaultEmptyPollSleep   = 10 * time.Millisecond
	DefaultMaxBufferSamples = 1 << 20
	bufferSeconds           = 10
)

// Config controls rate negotiation and empty-poll backoff
type Config struct {
	// DesiredRateHz is the requested sample rate; 0 keeps the device maximum
	DesiredRateHz uint32

	// MaxRateMilliHz and MaxBufferSamples are sent when probing the device limits.
	// A zero rate asks the driver for its maximum.
	MaxRateMilliHz   uint32
	MaxBufferSamples uint32

	MaxEmptyPolls  int
	EmptyPollSleep time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBufferSamples == 0 {
		c.MaxBufferSamples = DefaultMaxBufferSamples
	}
	if c.MaxEmptyPolls <= 0 {
		c.MaxEmptyPolls = DefaultMaxEmptyPolls
	}
	if c.EmptyPollSleep <= 0 {
		c.EmptyPollSleep = DefaultEmptyPollSleep
	}
	return c
}

// Block is a view of the raw buffer holding Samples rows of Channels words.
// It is only valid until the next Poll.
type Block struct {
	Raw      []byte
	Samples  int
	Channels int
}

// Value returns the raw word for (sample, channel)
func (b Block) Value(sample, channel int) uint32 {
	off := (sample*b.Channels + channel) * device.BytesPerChannel
	return binary.LittleEndian.Uint32(b.Raw[off:])
}

// Acquirer negotiates the sample rate and polls the driver for raw blocks
type Acquirer struct {
	drv    device.Driver
	format device.SignalFormat
	cfg    Config
	logger *slog.Logger

	buf           []byte
	rateMilliHz   uint32
	bufferSamples uint32
	emptyPolls    int
	totalSamples  uint64

	sleep func(ctx context.Context, d time.Duration)
}

// New creates an acquirer for an opened driver
func New(drv device.Driver, format device.SignalFormat, cfg Config, logger *slog.Logger) *Acquirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{
		drv:    drv,
		format: format,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ConfigureRate probes the device limits, then applies the desired rate with a
// ten second buffer. A rate the link cannot carry is halved and retried until
// the driver accepts one; any other failure is fatal. The raw buffer is
// allocated once at the negotiated size.
func (a *Acquirer) ConfigureRate(ctx context.Context) (rateHz, bufferSamples uint32, err error) {
	if a.format.Len() == 0 {
		return 0, 0, fmt.Errorf("%w: no channels to acquire", ErrDriverFailure)
	}

	maxRate, maxBuffer, err := a.drv.SetSignalBuffer(a.cfg.MaxRateMilliHz, a.cfg.MaxBufferSamples)
	if err != nil {
		return 0, 0, a.driverError("SetSignalBuffer", err)
	}
	a.logger.Info("device limits", "max_rate_hz", maxRate/1000, "max_buffer_samples", maxBuffer)

	rate := maxRate
	if a.cfg.DesiredRateHz > 0 {
		rate = a.cfg.DesiredRateHz * 1000
	}
	buffer := bufferSeconds * rate / 1000
	if buffer == 0 {
		buffer = 1
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		a.logger.Info("set sample rate", "rate_hz", rate/1000)

		gotRate, gotBuffer, err := a.drv.SetSignalBuffer(rate, buffer)
		if err == nil {
			rate, buffer = gotRate, gotBuffer
			break
		}
		if device.CodeOf(err) != device.CodeRateOutOfRange {
			return 0, 0, a.driverError("SetSignalBuffer", err)
		}
		a.logger.Warn("sample rate out of range for this connection, halving", "rate_hz", rate/1000, "error", err)
		rate /= 2
	}

	a.rateMilliHz = rate
	a.bufferSamples = buffer
	a.buf = make([]byte, int(buffer)*a.format.BytesPerSample())
	a.logger.Info("selected sample rate", "rate_hz", rate/1000, "buffer_samples", buffer, "buffer_bytes", len(a.buf))
	return rate / 1000, buffer, nil
}

func (a *Acquirer) driverError(op string, err error) error {
	var de *device.Error
	if !errors.As(err, &de) {
		de = device.LastError(a.drv, op)
		return fmt.Errorf("%w: %v: %v", ErrDriverFailure, de, err)
	}
	return fmt.Errorf("%w: %w", ErrDriverFailure, de)
}

// RateHz returns the negotiated rate in whole Hz
func (a *Acquirer) RateHz() uint32 {
	return a.rateMilliHz / 1000
}

// RateMilliHz returns the negotiated rate
func (a *Acquirer) RateMilliHz() uint32 {
	return a.rateMilliHz
}

// BufferSamples returns the negotiated driver buffer size
func (a *Acquirer) BufferSamples() uint32 {
	return a.bufferSamples
}

// TotalSamples counts every sample returned since ConfigureRate
func (a *Acquirer) TotalSamples() uint64 {
	return a.totalSamples
}

// EmptyPolls returns the current run of consecutive empty polls
func (a *Acquirer) EmptyPolls() int {
	return a.emptyPolls
}

// Poll performs one non-blocking read from the driver into the reused buffer
func (a *Acquirer) Poll() (Block, Status, error) {
	if a.buf == nil {
		return Block{}, StatusError, fmt.Errorf("%w: sample rate not configured", ErrDriverFailure)
	}

	n := a.drv.GetSamples(a.buf)
	switch {
	case n > 0:
		rowBytes := a.format.BytesPerSample()
		if n%rowBytes != 0 {
			return Block{}, StatusError, fmt.Errorf("%w: GetSamples returned %d bytes, not a multiple of %d",
				ErrDriverFailure, n, rowBytes)
		}
		a.emptyPolls = 0
		samples := n / rowBytes
		a.totalSamples += uint64(samples)
		return Block{Raw: a.buf[:n], Samples: samples, Channels: a.format.Len()}, StatusData, nil

	case n == 0:
		return Block{}, StatusEmpty, nil

	default:
		ret := device.NewError(a.drv, "GetSamples", n)
		last := device.LastError(a.drv, "GetSamples")
		return Block{}, StatusError, fmt.Errorf("%w: negative return after %d samples: %v; last %v",
			ErrDriverFailure, a.totalSamples, ret, last)
	}
}

// Backoff handles an empty poll: it logs persistent overflow, sleeps briefly
// and fails with ErrNoData once MaxEmptyPolls consecutive polls came back empty.
// Cancelling ctx cuts the sleep short.
func (a *Acquirer) Backoff(ctx context.Context) error {
	overflow, pct, err := a.drv.GetBufferInfo()
	if err == nil && overflow > 0 && pct > 0 {
		a.logger.Warn("driver buffer overflow", "overflow", overflow, "percent_full", pct)
	}

	a.sleep(ctx, a.cfg.EmptyPollSleep)
	a.emptyPolls++

	if a.emptyPolls > a.cfg.MaxEmptyPolls {
		return fmt.Errorf("%w after %d empty polls: %v", ErrNoData, a.emptyPolls, device.LastError(a.drv, "GetSamples"))
	}
	return nil
}

// BufferInfo logs and returns the driver buffer telemetry
func (a *Acquirer) BufferInfo(stage string) (overflow, percentFull uint32) {
	overflow, percentFull, err := a.drv.GetBufferInfo()
	if err != nil {
		a.logger.Warn("GetBufferInfo failed", "stage", stage, "error", err)
		return 0, 0
	}
	a.logger.Info("buffer info", "stage", stage, "overflow", overflow, "percent_full", percentFull)
	return overflow, percentFull
}

// LogConnection logs the link quality counters
func (a *Acquirer) LogConnection(stage string) device.ConnectionProperties {
	props, err := a.drv.GetConnectionProperties()
	if err != nil {
		a.logger.Warn("GetConnectionProperties failed", "stage", stage, "error", err)
		return device.ConnectionProperties{}
	}
	a.logger.Info("connection properties",
		"stage", stage,
		"signal_strength", props.SignalStrength,
		"crc_errors", props.CRCErrors,
		"sample_blocks", props.SampleBlocks,
	)
	return props
}
