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
	"bytes"
	"encoding/binary"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-amp/internal/acquire"
	"github.com/loqalabs/loqa-amp/internal/device"
)

type recordedEvent struct {
	offset int
	typ    string
	value  int
}

type eventRecorder struct {
	events []recordedEvent
}

func (r *eventRecorder) Add(offset int, eventType string, value int) {
	r.events = append(r.events, recordedEvent{offset, eventType, value})
}

func blockOf(rows [][]uint32) acquire.Block {
	if len(rows) == 0 {
		return acquire.Block{}
	}
	n := len(rows[0])
	raw := make([]byte, len(rows)*n*device.BytesPerChannel)
	for i, row := range rows {
		for k, v := range row {
			binary.LittleEndian.PutUint32(raw[(i*n+k)*device.BytesPerChannel:], v)
		}
	}
	return acquire.Block{Raw: raw, Samples: len(rows), Channels: n}
}

func TestCalibrate(t *testing.T) {
	tests := []struct {
		name     string
		raw      uint32
		ch       device.Channel
		expected float32
	}{
		{
			name:     "unsigned gain and offset",
			raw:      10,
			ch:       device.Channel{Type: device.ChannelDIG, Format: device.EncodingUnsigned, Gain: 2, Offset: 1},
			expected: 21,
		},
		{
			name:     "signed reinterpretation",
			raw:      0xFFFFFFFE,
			ch:       device.Channel{Type: device.ChannelEXG, Format: device.EncodingSigned, Gain: 0.5},
			expected: -1,
		},
		{
			name:     "overflow on EXG",
			raw:      device.OverflowSentinel,
			ch:       device.Channel{Type: device.ChannelEXG, Format: device.EncodingSigned, Gain: 3, Offset: 7},
			expected: 0,
		},
		{
			name:     "overflow on BIP",
			raw:      device.OverflowSentinel,
			ch:       device.Channel{Type: device.ChannelBIP, Format: device.EncodingUnsigned, Gain: 3, Offset: 7},
			expected: 0,
		},
		{
			name:     "overflow on AUX",
			raw:      device.OverflowSentinel,
			ch:       device.Channel{Type: device.ChannelAUX, Format: device.EncodingSigned, Gain: -1, Offset: 100},
			expected: 0,
		},
		{
			name:     "sentinel on a digital channel is data",
			raw:      device.OverflowSentinel,
			ch:       device.Channel{Type: device.ChannelDIG, Format: device.EncodingSigned, Gain: 1},
			expected: -1,
		},
		{
			name:     "unknown encoding",
			raw:      42,
			ch:       device.Channel{Type: device.ChannelAUX, Format: device.EncodingUnknown, Gain: 1, Offset: 5},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Calibrate(tt.raw, tt.ch), 1e-6)
		})
	}
}

func TestCalibrateOverflowIgnoresScaling(t *testing.T) {
	for _, typ := range []device.ChannelType{device.ChannelEXG, device.ChannelBIP, device.ChannelAUX} {
		for _, gain := range []float64{0, 1, -2.5, 1e9} {
			for _, offset := range []float64{0, 1, -1e6} {
				for _, enc := range []device.Encoding{device.EncodingSigned, device.EncodingUnsigned} {
					ch := device.Channel{Type: typ, Format: enc, Gain: gain, Offset: offset}
					assert.Equal(t, float32(0), Calibrate(device.OverflowSentinel, ch))
				}
			}
		}
	}
}

func TestSawChecker(t *testing.T) {
	t.Run("deviation ignores sign of difference", func(t *testing.T) {
		s := NewSawChecker(1, 0xFFFF)
		s.last = 5
		dev, anomaly := s.Check(3)
		assert.Equal(t, uint32(0xFFFE), dev)
		assert.True(t, anomaly)
	})

	t.Run("wraps at mask", func(t *testing.T) {
		s := NewSawChecker(1, 0xFFFF)
		s.last = 0xFFFF
		dev, anomaly := s.Check(0x10000)
		assert.Equal(t, uint32(1), dev)
		assert.False(t, anomaly)
	})

	t.Run("anomaly iff deviation not in {0, step}", func(t *testing.T) {
		for _, step := range []uint32{1, 2, 0x10} {
			for last := uint32(0); last < 40; last += 7 {
				for v := uint32(0); v < 40; v++ {
					s := NewSawChecker(step, 0xFF)
					s.last = last
					dev, anomaly := s.Check(v)
					assert.Equal(t, (v-last)&0xFF, dev)
					assert.Equal(t, dev != 0 && dev != step, anomaly)
					assert.Equal(t, v, s.Last(), "last is always updated")
				}
			}
		}
	})

	t.Run("counts jumps", func(t *testing.T) {
		s := NewSawChecker(1, 0xFFFF)
		for _, v := range []uint32{0, 1, 2, 7, 8, 8, 9} {
			s.Check(v)
		}
		assert.Equal(t, 1, s.Jumps)
		assert.Equal(t, uint64(5), s.JumpsSaw)

		s.Reset()
		assert.Equal(t, 0, s.Jumps)
		assert.Equal(t, uint32(0), s.Last())
	})
}

func fires(tr *Trigger, values []uint32) []int {
	var out []int
	for i, v := range values {
		if tr.Evaluate(v) {
			out = append(out, i)
		}
	}
	return out
}

func TestTriggerEdge(t *testing.T) {
	tests := []struct {
		name     string
		edge     int
		values   []uint32
		expected []int
	}{
		{"rising then plateau", 1, []uint32{0, 1, 2, 3, 3, 3, 3}, []int{1}},
		{"first sample never fires", 1, []uint32{100, 100, 100}, nil},
		{"pulse train", 1, []uint32{0, 1, 1, 0, 1, 1, 0}, []int{1, 4}},
		{"falling edge", -1, []uint32{5, 5, 0, 0, 5, 0}, []int{2, 5}},
		{"high first sample then rise", 1, []uint32{7, 8, 8}, []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &Trigger{Edge: tt.edge}
			assert.Equal(t, tt.expected, fires(tr, tt.values))
		})
	}
}

func TestTriggerThreshold(t *testing.T) {
	tests := []struct {
		name     string
		values   []uint32
		expected []int
	}{
		{"crossings", []uint32{50, 150, 150, 50, 150}, []int{1, 4}},
		{"above on first sample", []uint32{150, 150, 50, 150}, []int{3}},
		{"equal is not above", []uint32{50, 100, 101}, []int{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &Trigger{Threshold: 100}
			assert.Equal(t, tt.expected, fires(tr, tt.values))
		})
	}
}

func TestTriggerDisabled(t *testing.T) {
	tr := &Trigger{}
	assert.False(t, tr.Enabled())
	assert.Nil(t, fires(tr, []uint32{0, 1, 0, 1, 1000}))
	assert.Equal(t, LevelUndefined, tr.Level())
}

func TestTriggerReset(t *testing.T) {
	tr := &Trigger{Edge: 1}
	assert.Equal(t, []int{1}, fires(tr, []uint32{0, 1}))
	assert.Equal(t, LevelHigh, tr.Level())

	tr.Reset()
	assert.Equal(t, LevelUndefined, tr.Level())
	assert.Nil(t, fires(tr, []uint32{1}), "first sample after reset only seeds")
}

func TestEngineProcess(t *testing.T) {
	format := device.SyntheticFormat(2) // EXG1 EXG2 Digi Saw
	format.Channels[0].Gain = 1
	format.Channels[1].Gain = 2

	var logs bytes.Buffer
	e, err := NewEngine(format, Options{SawStep: 1, SawMask: 0xFFFF, SawChannel: -1}, slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)
	assert.Equal(t, 3, e.SawChannel())
	assert.Equal(t, 2, e.TriggerChannel())

	rows := [][]uint32{
		{1, uint32(0xFFFFFFFF - 1), 0, 0},
		{2, device.OverflowSentinel, 1, 1},
		{3, 3, 1, 2},
		{4, 4, 0, 9},
	}
	out := make([]float32, len(rows)*4)
	var rec eventRecorder

	res, err := e.Process(blockOf(rows), out, &rec)
	require.NoError(t, err)
	assert.Equal(t, Result{Samples: 4, Anomalies: 1, Events: 1}, res)

	// M rows of N values, channel order preserved
	assert.Equal(t, []float32{
		1, -4, 0, 0,
		2, 0, 1, 1,
		3, 6, 1, 2,
		4, 8, 0, 9,
	}, out)

	assert.Equal(t, []recordedEvent{{1, "trigger", 1}}, rec.events)
	assert.Contains(t, logs.String(), "sequence jump")
	assert.Contains(t, logs.String(), "value=0x9")
	assert.Contains(t, logs.String(), "last=0x2")
	assert.Equal(t, 1, e.Saw().Jumps)
	assert.Equal(t, uint64(4), e.Processed())
}

func TestEngineState(t *testing.T) {
	format := device.SyntheticFormat(1)
	e, err := NewEngine(format, Options{SawStep: 1, SawMask: 0xFFFF, SawChannel: -1}, nil)
	require.NoError(t, err)

	out := make([]float32, 8*3)
	var rec eventRecorder

	// level and saw carry across blocks
	_, err = e.Process(blockOf([][]uint32{{0, 0, 0}, {0, 0, 1}}), out, &rec)
	require.NoError(t, err)
	res, err := e.Process(blockOf([][]uint32{{0, 1, 2}, {0, 1, 3}}), out, &rec)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Anomalies)
	assert.Equal(t, []recordedEvent{{0, "trigger", 1}}, rec.events, "offset is relative to the block")
}

func TestEngineErrors(t *testing.T) {
	format := device.SyntheticFormat(1)

	_, err := NewEngine(device.SignalFormat{}, Options{}, nil)
	assert.Error(t, err)

	_, err = NewEngine(format, Options{SawChannel: 3}, nil)
	assert.Error(t, err)

	_, err = NewEngine(format, Options{SawChannel: -1, Triggers: []Trigger{{Channel: 5, Edge: 1}}}, nil)
	assert.Error(t, err)

	e, err := NewEngine(format, Options{SawChannel: -1}, nil)
	require.NoError(t, err)

	_, err = e.Process(blockOf([][]uint32{{1, 2}}), make([]float32, 8), nil)
	assert.Error(t, err, "channel mismatch")

	_, err = e.Process(blockOf([][]uint32{{1, 2, 3}, {1, 2, 3}}), make([]float32, 3), nil)
	assert.Error(t, err, "short output")
}

func TestEngineSingleChannelWithoutDigital(t *testing.T) {
	format := device.SignalFormat{
		FrontEndName: "Counter",
		Channels: []device.Channel{
			{Name: "Saw", Type: device.ChannelSAW, Format: device.EncodingUnsigned, Bytes: device.BytesPerChannel, UnitID: device.UnitBit, Gain: 1},
		},
	}
	require.Equal(t, -1, format.FindDigitalChannel())

	var logs bytes.Buffer
	e, err := NewEngine(format, Options{SawStep: 1, SawMask: 0xFFFF, SawChannel: -1}, slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)
	assert.Equal(t, 0, e.SawChannel())
	assert.Equal(t, -1, e.TriggerChannel())
	assert.Contains(t, logs.String(), "default trigger disabled")

	out := make([]float32, 3)
	var rec eventRecorder
	res, err := e.Process(blockOf([][]uint32{{0}, {1}, {2}}), out, &rec)
	require.NoError(t, err)
	assert.Equal(t, Result{Samples: 3}, res)
	assert.Equal(t, []float32{0, 1, 2}, out)
	assert.Empty(t, rec.events)

	// an explicit trigger on the missing channel is still an error
	_, err = NewEngine(format, Options{SawChannel: -1, Triggers: []Trigger{DefaultTrigger(-1)}}, nil)
	assert.Error(t, err)
}

func TestEngineMultipleTriggers(t *testing.T) {
	format := device.SyntheticFormat(1) // EXG1 Digi Saw
	opts := Options{
		SawStep:    1,
		SawMask:    0xFFFF,
		SawChannel: -1,
		Triggers: []Trigger{
			{Channel: -1, Edge: 1, Type: "ttl", Value: 1},
			{Channel: 0, Threshold: 1000, Type: "emg", Value: 2},
		},
	}
	e, err := NewEngine(format, opts, nil)
	require.NoError(t, err)

	var rec eventRecorder
	rows := [][]uint32{{0, 0, 0}, {2000, 1, 1}, {2000, 1, 2}, {0, 0, 3}}
	_, err = e.Process(blockOf(rows), make([]float32, 12), &rec)
	require.NoError(t, err)
	assert.Equal(t, []recordedEvent{{1, "ttl", 1}, {1, "emg", 2}}, rec.events)
}

func TestCalibrateSignedRange(t *testing.T) {
	ch := device.Channel{Type: device.ChannelEXG, Format: device.EncodingSigned, Gain: 1}
	assert.Equal(t, float32(math.MinInt32), Calibrate(0x80000000, ch))
	assert.Equal(t, float32(math.MaxInt32), Calibrate(0x7FFFFFFF, ch))
}
