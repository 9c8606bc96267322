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
	"math"

	"github.com/loqalabs/loqa-amp/internal/transport"
)

// Header describes the published stream
type Header struct {
	SessionID string
	Device    string
	Channels  int
	RateHz    float64
	Labels    []string
}

// Sink receives the published stream. Calls arrive from the acquisition loop only.
type Sink interface {
	Name() string
	Begin(h Header) error
	PutBlock(first uint64, nchans, nsamples int, data []float32) error
	PutEvents(events []StampedEvent) error
	Close() error
}

// ErrHeaderRejected is returned by a sink that refuses the stream layout
var ErrHeaderRejected = errors.New("header rejected")

// FieldTripSink writes to a FieldTrip buffer over a transport.Client
type FieldTripSink struct {
	client *transport.Client
}

// DialFieldTrip connects to the buffer at address
func DialFieldTrip(ctx context.Context, address string) (*FieldTripSink, error) {
	client := transport.NewClient(address)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return &FieldTripSink{client: client}, nil
}

// NewFieldTripSink wraps a connected client
func NewFieldTripSink(client *transport.Client) *FieldTripSink {
	return &FieldTripSink{client: client}
}

func (s *FieldTripSink) Name() string {
	return "fieldtrip://" + s.client.Address()
}

// Begin puts the float32 header with channel names
func (s *FieldTripSink) Begin(h Header) error {
	err := s.client.PutHeader(transport.Header{
		NChans:   uint32(h.Channels), //nolint:gosec // validated channel count
		FSample:  float32(h.RateHz),
		DataType: transport.TypeFloat32,
		Labels:   h.Labels,
	})
	if errors.Is(err, transport.ErrRejected) {
		return fmt.Errorf("%w: %v", ErrHeaderRejected, err)
	}
	return err
}

func (s *FieldTripSink) PutBlock(first uint64, nchans, nsamples int, data []float32) error {
	return s.client.PutData(nchans, nsamples, data)
}

// PutEvents sends events; samples beyond int32 are clamped
func (s *FieldTripSink) PutEvents(events []StampedEvent) error {
	if len(events) == 0 {
		return nil
	}
	out := make([]transport.Event, len(events))
	for i, e := range events {
		sample := e.Sample
		if sample > math.MaxInt32 {
			sample = math.MaxInt32
		}
		out[i] = transport.Event{Type: e.Type, Value: int32(e.Value), Sample: int32(sample)} //nolint:gosec // clamped above
	}
	return s.client.PutEvents(out)
}

func (s *FieldTripSink) Close() error {
	return s.client.Close()
}
