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
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natsbus "github.com/loqalabs/loqa-amp/internal/nats"
	"github.com/loqalabs/loqa-amp/internal/transport"
)

type putCall struct {
	first    uint64
	nchans   int
	nsamples int
	data     []float32
}

// recordingSink records every call for assertions
type recordingSink struct {
	header   Header
	begun    bool
	puts     []putCall
	events   []StampedEvent
	closed   bool
	beginErr error
	putErr   error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Begin(h Header) error {
	if r.beginErr != nil {
		return r.beginErr
	}
	r.header = h
	r.begun = true
	return nil
}

func (r *recordingSink) PutBlock(first uint64, nchans, nsamples int, data []float32) error {
	if r.putErr != nil {
		return r.putErr
	}
	r.puts = append(r.puts, putCall{first: first, nchans: nchans, nsamples: nsamples, data: append([]float32(nil), data...)})
	return nil
}

func (r *recordingSink) PutEvents(events []StampedEvent) error {
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func fill(block []float32, hw int) {
	for i := range block {
		row, col := i/hw, i%hw
		block[i] = float32(row*10 + col)
	}
}

func TestBeginSessionRejectsSelection(t *testing.T) {
	tests := []struct {
		name string
		cfg  SinkConfig
		err  error
	}{
		{"index beyond hardware", SinkConfig{Channels: []int{0, 4}}, ErrConfigRejected},
		{"negative index", SinkConfig{Channels: []int{-1}}, ErrConfigRejected},
		{"empty selection", SinkConfig{Channels: []int{}}, ErrConfigRejected},
		{"label count mismatch", SinkConfig{Channels: []int{0, 1}, Labels: []string{"Fz"}}, ErrConfigRejected},
		{"no sinks at all", SinkConfig{}, ErrSinkUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(nil)
			if !errors.Is(tt.err, ErrSinkUnavailable) {
				p.AddSink(&recordingSink{})
			}
			err := p.BeginSession(context.Background(), 4, 256, tt.cfg)
			assert.ErrorIs(t, err, tt.err)
			assert.False(t, p.Streaming())
		})
	}
}

func TestBeginSessionRejectsRate(t *testing.T) {
	p := NewPublisher(nil)
	p.AddSink(&recordingSink{})
	assert.ErrorIs(t, p.BeginSession(context.Background(), 4, 0, SinkConfig{}), ErrConfigRejected)
}

func TestBeginSessionUnreachableHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p := NewPublisher(nil)
	err = p.BeginSession(context.Background(), 4, 256, SinkConfig{Host: "127.0.0.1", Port: port})
	assert.ErrorIs(t, err, ErrSinkUnavailable)
}

func TestBeginSessionSinkFailure(t *testing.T) {
	p := NewPublisher(nil)
	p.AddSink(&recordingSink{beginErr: errors.New("boom")})
	err := p.BeginSession(context.Background(), 2, 256, SinkConfig{})
	assert.ErrorIs(t, err, ErrSinkUnavailable)

	p = NewPublisher(nil)
	p.AddSink(&recordingSink{beginErr: ErrHeaderRejected})
	err = p.BeginSession(context.Background(), 2, 256, SinkConfig{})
	assert.ErrorIs(t, err, ErrConfigRejected)
}

func TestHandleBlockSelectsChannels(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(nil)
	p.AddSink(sink)

	cfg := SinkConfig{
		Channels:       []int{2, 0},
		HardwareLabels: []string{"EXG1", "EXG2", "EXG3", "Saw"},
		SessionID:      "s1",
	}
	require.NoError(t, p.BeginSession(context.Background(), 4, 512, cfg))
	assert.True(t, p.Streaming())
	assert.Equal(t, []string{"EXG3", "EXG1"}, sink.header.Labels)
	assert.Equal(t, 2, sink.header.Channels)
	assert.Equal(t, "s1", sink.header.SessionID)

	block := p.ProvideBlock(3)
	require.Len(t, block, 12)
	fill(block, 4)
	p.Events().Add(1, "trigger", 1)

	require.NoError(t, p.HandleBlock())
	require.Len(t, sink.puts, 1)
	assert.Equal(t, putCall{first: 0, nchans: 2, nsamples: 3, data: []float32{2, 0, 12, 10, 22, 20}}, sink.puts[0])
	assert.Equal(t, []StampedEvent{{Sample: 1, Type: "trigger", Value: 1}}, sink.events)
	assert.Equal(t, 0, p.Events().Len())
	assert.Equal(t, uint64(3), p.SamplesWritten())

	// second block: events are stamped relative to samples already written
	block = p.ProvideBlock(2)
	fill(block, 4)
	p.Events().Add(0, "trigger", 1)
	require.NoError(t, p.HandleBlock())
	assert.Equal(t, uint64(3), sink.puts[1].first)
	assert.Equal(t, uint64(3), sink.events[1].Sample)
	assert.Equal(t, uint64(5), p.SamplesWritten())

	require.NoError(t, p.EndSession())
	assert.True(t, sink.closed)
}

func TestHandleBlockStreamingDisabled(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(nil)
	p.AddSink(sink)
	require.NoError(t, p.BeginSession(context.Background(), 2, 256, SinkConfig{}))

	p.SetStreaming(false)
	block := p.ProvideBlock(4)
	fill(block, 2)
	p.Events().Add(0, "trigger", 1)
	require.NoError(t, p.HandleBlock())

	assert.Empty(t, sink.puts)
	assert.Empty(t, sink.events)
	assert.Equal(t, 0, p.Events().Len())
	assert.Equal(t, uint64(0), p.SamplesWritten())

	p.SetStreaming(true)
	fill(p.ProvideBlock(1), 2)
	require.NoError(t, p.HandleBlock())
	require.Len(t, sink.puts, 1)
	assert.Equal(t, uint64(0), sink.puts[0].first)
}

func TestHandleBlockSinkErrorStillAdvances(t *testing.T) {
	bad := &recordingSink{putErr: errors.New("write failed")}
	good := &recordingSink{}
	p := NewPublisher(nil)
	p.AddSink(bad)
	p.AddSink(good)
	require.NoError(t, p.BeginSession(context.Background(), 1, 100, SinkConfig{}))

	fill(p.ProvideBlock(2), 1)
	err := p.HandleBlock()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write failed")
	assert.Len(t, good.puts, 1)
	assert.Equal(t, uint64(2), p.SamplesWritten())
}

func TestProvideBlockReusesStorage(t *testing.T) {
	p := NewPublisher(nil)
	p.AddSink(&recordingSink{})
	require.NoError(t, p.BeginSession(context.Background(), 3, 100, SinkConfig{}))

	big := p.ProvideBlock(10)
	require.NoError(t, p.HandleBlock())
	small := p.ProvideBlock(4)
	assert.Len(t, small, 12)
	assert.Equal(t, &big[0], &small[0])
}

func TestHostOwnBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPublisher(nil)
	cfg := SinkConfig{
		Host:           HostOwnBuffer,
		Port:           0,
		Channels:       []int{0, 1},
		HardwareLabels: []string{"EXG1", "EXG2", "Saw"},
	}
	require.NoError(t, p.BeginSession(ctx, 3, 250, cfg))
	defer func() { _ = p.EndSession() }()

	addr := p.ServerAddr()
	require.NotNil(t, addr)

	block := p.ProvideBlock(2)
	copy(block, []float32{1.5, -2, 7, 3, 4, 8})
	p.Events().Add(1, "trigger", 1)
	require.NoError(t, p.HandleBlock())

	reader := transport.NewClient(addr.String())
	require.NoError(t, reader.Connect(ctx))
	defer func() { _ = reader.Close() }()

	h, err := reader.GetHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h.NChans)
	assert.Equal(t, uint32(2), h.NSamples)
	assert.Equal(t, uint32(1), h.NEvents)
	assert.Equal(t, float32(250), h.FSample)
	assert.Equal(t, []string{"EXG1", "EXG2"}, h.Labels)

	def, data, err := reader.GetData(0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), def.NSamples)
	assert.Equal(t, []float32{1.5, -2, 3, 4}, data)

	events, err := reader.GetEvents(0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "trigger", events[0].Type)
	assert.Equal(t, int32(1), events[0].Sample)
}

func TestReconfigure(t *testing.T) {
	sink := &recordingSink{}
	p := NewPublisher(nil)
	p.AddSink(sink)
	cfg := SinkConfig{HardwareLabels: []string{"EXG1", "EXG2", "EXG3", "Saw"}, SessionID: "s1", Device: "Synthetic"}
	require.NoError(t, p.BeginSession(context.Background(), 4, 512, cfg))

	fill(p.ProvideBlock(2), 4)
	require.NoError(t, p.HandleBlock())
	assert.Equal(t, 4, sink.puts[0].nchans)

	require.NoError(t, p.Reconfigure([]int{3, 1}, nil))
	assert.Equal(t, Header{SessionID: "s1", Device: "Synthetic", Channels: 2, RateHz: 512, Labels: []string{"Saw", "EXG2"}}, sink.header)

	// the new header restarts the stream at sample 0
	fill(p.ProvideBlock(1), 4)
	p.Events().Add(0, "trigger", 1)
	require.NoError(t, p.HandleBlock())
	require.Len(t, sink.puts, 2)
	assert.Equal(t, putCall{first: 0, nchans: 2, nsamples: 1, data: []float32{3, 1}}, sink.puts[1])
	assert.Equal(t, []StampedEvent{{Sample: 0, Type: "trigger", Value: 1}}, sink.events)
	assert.Equal(t, uint64(3), p.SamplesWritten())

	require.NoError(t, p.Reconfigure([]int{0}, []string{"Fz"}))
	assert.Equal(t, []string{"Fz"}, sink.header.Labels)

	require.NoError(t, p.Reconfigure(nil, nil))
	assert.Equal(t, 4, sink.header.Channels)
	assert.Equal(t, []string{"EXG1", "EXG2", "EXG3", "Saw"}, sink.header.Labels)
}

func TestReconfigureRejected(t *testing.T) {
	tests := []struct {
		name     string
		channels []int
		labels   []string
	}{
		{"empty selection", []int{}, nil},
		{"index beyond hardware", []int{0, 4}, nil},
		{"negative index", []int{-1}, nil},
		{"label count mismatch", []int{0, 1}, []string{"Fz"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			p := NewPublisher(nil)
			p.AddSink(sink)
			require.NoError(t, p.BeginSession(context.Background(), 4, 512, SinkConfig{Channels: []int{1, 2}}))
			before := sink.header

			err := p.Reconfigure(tt.channels, tt.labels)
			assert.ErrorIs(t, err, ErrConfigRejected)
			assert.Equal(t, before, sink.header)

			fill(p.ProvideBlock(1), 4)
			require.NoError(t, p.HandleBlock())
			assert.Equal(t, []float32{1, 2}, sink.puts[0].data)
		})
	}

	p := NewPublisher(nil)
	assert.ErrorIs(t, p.Reconfigure(nil, nil), ErrConfigRejected)
}

func TestReconfigureSinkRejectsHeader(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	p := NewPublisher(nil)
	p.AddSink(first)
	p.AddSink(second)
	require.NoError(t, p.BeginSession(context.Background(), 3, 100, SinkConfig{}))
	before := first.header

	second.beginErr = ErrHeaderRejected
	err := p.Reconfigure([]int{2}, nil)
	assert.ErrorIs(t, err, ErrConfigRejected)
	assert.Equal(t, before, first.header)

	second.beginErr = errors.New("connection reset")
	err = p.Reconfigure([]int{2}, nil)
	assert.ErrorIs(t, err, ErrSinkUnavailable)
	assert.Equal(t, before, first.header)
}

func TestReconfigureOwnBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPublisher(nil)
	cfg := SinkConfig{Host: HostOwnBuffer, HardwareLabels: []string{"EXG1", "EXG2", "Saw"}}
	require.NoError(t, p.BeginSession(ctx, 3, 250, cfg))
	defer func() { _ = p.EndSession() }()

	fill(p.ProvideBlock(4), 3)
	require.NoError(t, p.HandleBlock())
	require.NoError(t, p.Reconfigure([]int{2}, []string{"Trigger"}))
	fill(p.ProvideBlock(1), 3)
	require.NoError(t, p.HandleBlock())

	reader := transport.NewClient(p.ServerAddr().String())
	require.NoError(t, reader.Connect(ctx))
	defer func() { _ = reader.Close() }()

	h, err := reader.GetHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), h.NChans)
	assert.Equal(t, uint32(1), h.NSamples)
	assert.Equal(t, []string{"Trigger"}, h.Labels)

	_, data, err := reader.GetData(0, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, data)
}

func TestNATSSinkPublishes(t *testing.T) {
	conn := natsbus.NewMockConnection()
	sink := NewNATSSink(conn, "amp.test")
	p := NewPublisher(nil)
	p.AddSink(sink)

	require.NoError(t, p.BeginSession(context.Background(), 2, 128, SinkConfig{SessionID: "abc", Device: "Synthetic"}))
	block := p.ProvideBlock(1)
	copy(block, []float32{0.25, 0.5})
	p.Events().Add(0, "trigger", 3)
	require.NoError(t, p.HandleBlock())

	hdr := conn.Published("amp.test.hdr")
	require.Len(t, hdr, 1)
	assert.Equal(t, "abc", hdr[0].Header.Get(natsbus.SessionHeader))
	var hm natsbus.HeaderMessage
	require.NoError(t, json.Unmarshal(hdr[0].Data, &hm))
	assert.Equal(t, 2, hm.Channels)
	assert.Equal(t, 128.0, hm.SampleRate)
	assert.Equal(t, "Synthetic", hm.Device)

	dat := conn.Published("amp.test.dat")
	require.Len(t, dat, 1)
	var dm natsbus.DataMessage
	require.NoError(t, json.Unmarshal(dat[0].Data, &dm))
	assert.Equal(t, []float32{0.25, 0.5}, dm.Data)
	assert.Equal(t, 1, dm.Samples)

	evt := conn.Published("amp.test.evt")
	require.Len(t, evt, 1)
	var em natsbus.EventMessage
	require.NoError(t, json.Unmarshal(evt[0].Data, &em))
	assert.Equal(t, natsbus.EventMessage{SessionID: "abc", Sample: 0, Type: "trigger", Value: 3}, em)
}

func TestNATSSinkPublishError(t *testing.T) {
	conn := natsbus.NewMockConnection()
	conn.SetError("amp.dat", errors.New("no responders"))
	sink := NewNATSSink(conn, "amp")

	require.NoError(t, sink.Begin(Header{Channels: 1, RateHz: 1}))
	err := sink.PutBlock(0, 1, 1, []float32{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amp.dat")
}

func TestEventList(t *testing.T) {
	var l EventList
	l.Add(0, "a", 1)
	l.Add(5, "b", 2)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, Event{Offset: 5, Type: "b", Value: 2}, l.Items()[1])
	l.Clear()
	assert.Equal(t, 0, l.Len())
}
