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

package calib

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-amp/internal/acquire"
	"github.com/loqalabs/loqa-amp/internal/device"
)

// EventSink receives trigger events tagged with their offset in the block
type EventSink interface {
	Add(offset int, eventType string, value int)
}

// Options configures an Engine
type Options struct {
	SawStep uint32
	SawMask uint32

	// SawChannel overrides the sequence channel; -1 picks it from the format
	SawChannel int

	// Triggers replaces the default rising edge on the digital channel.
	// A trigger with Channel -1 uses the digital channel.
	Triggers []Trigger
}

// DefaultTrigger fires "trigger"=1 on a rising edge of channel
func DefaultTrigger(channel int) Trigger {
	return Trigger{Channel: channel, Edge: 1, Type: "trigger", Value: 1}
}

// Result summarizes one processed block
type Result struct {
	Samples   int
	Anomalies int
	Events    int
}

// Engine turns raw blocks into calibrated rows, checks the sequence channel
// and evaluates triggers sample by sample
type Engine struct {
	format     device.SignalFormat
	saw        *SawChecker
	sawChannel int
	triggers   []*Trigger
	logger     *slog.Logger

	processed uint64
}

// NewEngine validates opts against format
func NewEngine(format device.SignalFormat, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := format.Len()
	if n == 0 {
		return nil, fmt.Errorf("engine needs at least one channel")
	}

	sawChannel := opts.SawChannel
	if sawChannel < 0 {
		sawChannel = format.FindSequenceChannel()
	}
	if sawChannel >= n {
		return nil, fmt.Errorf("sequence channel %d out of range (0..%d)", sawChannel, n-1)
	}

	specs := opts.Triggers
	if specs == nil {
		// a single-channel device without a DIG channel has nothing to watch
		if dig := format.FindDigitalChannel(); dig >= 0 {
			specs = []Trigger{DefaultTrigger(dig)}
		} else {
			logger.Warn("no digital channel, default trigger disabled", "channels", n)
		}
	}
	triggers := make([]*Trigger, 0, len(specs))
	for i := range specs {
		tr := specs[i]
		if tr.Channel < 0 {
			tr.Channel = format.FindDigitalChannel()
		}
		if tr.Channel < 0 || tr.Channel >= n {
			return nil, fmt.Errorf("trigger %d channel %d out of range (0..%d)", i, tr.Channel, n-1)
		}
		if tr.Type == "" {
			tr.Type = "trigger"
		}
		tr.Reset()
		triggers = append(triggers, &tr)
	}

	return &Engine{
		format:     format,
		saw:        NewSawChecker(opts.SawStep, opts.SawMask),
		sawChannel: sawChannel,
		triggers:   triggers,
		logger:     logger,
	}, nil
}

// SawChannel returns the index of the sequence channel
func (e *Engine) SawChannel() int {
	return e.sawChannel
}

// TriggerChannel returns the channel of the first trigger, or -1 without triggers
func (e *Engine) TriggerChannel() int {
	if len(e.triggers) == 0 {
		return -1
	}
	return e.triggers[0].Channel
}

// Saw exposes the sequence statistics
func (e *Engine) Saw() *SawChecker {
	return e.saw
}

// Processed returns the number of samples seen since creation
func (e *Engine) Processed() uint64 {
	return e.processed
}

// Process calibrates block into out (row-major, channel order preserved),
// logs sequence anomalies and appends trigger events to events.
// Anomalies never stop processing.
func (e *Engine) Process(block acquire.Block, out []float32, events EventSink) (Result, error) {
	n := e.format.Len()
	if block.Channels != n {
		return Result{}, fmt.Errorf("block has %d channels, format has %d", block.Channels, n)
	}
	if len(out) < block.Samples*n {
		return Result{}, fmt.Errorf("output holds %d values, block needs %d", len(out), block.Samples*n)
	}

	res := Result{Samples: block.Samples}
	for i := 0; i < block.Samples; i++ {
		sample := e.processed + uint64(i)

		last := e.saw.Last()
		cur := block.Value(i, e.sawChannel)
		if dev, anomaly := e.saw.Check(cur); anomaly {
			res.Anomalies++
			e.logger.Warn("sequence jump",
				"sample", sample,
				"index", i*n+e.sawChannel,
				"value", fmt.Sprintf("0x%x", cur),
				"last", fmt.Sprintf("0x%x", last),
				"deviation", fmt.Sprintf("0x%x", dev),
			)
		}

		for _, tr := range e.triggers {
			if tr.Evaluate(block.Value(i, tr.Channel)) {
				res.Events++
				if events != nil {
					events.Add(i, tr.Type, tr.Value)
				}
				e.logger.Info("trigger", "sample", sample, "channel", tr.Channel, "type", tr.Type, "value", tr.Value)
			}
		}

		row := out[i*n : (i+1)*n]
		for k := 0; k < n; k++ {
			row[k] = Calibrate(block.Value(i, k), e.format.Channels[k])
		}
	}
	e.processed += uint64(block.Samples)
	return res, nil
}
