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
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	natsbus "github.com/loqalabs/loqa-amp/internal/nats"
)

// NATSSink publishes the stream as JSON messages on <prefix>.hdr, .dat and .evt.
// Every message carries the session id header.
type NATSSink struct {
	conn      natsbus.Connection
	subjects  natsbus.Subjects
	sessionID string
}

// NewNATSSink creates a sink on an existing connection; the caller owns the connection
func NewNATSSink(conn natsbus.Connection, prefix string) *NATSSink {
	return &NATSSink{
		conn:     conn,
		subjects: natsbus.Subjects{Prefix: prefix},
	}
}

func (s *NATSSink) Name() string {
	return "nats://" + s.subjects.Prefix
}

func (s *NATSSink) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(natsbus.SessionHeader, s.sessionID)
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", subject, err)
	}
	return nil
}

// Begin announces the stream layout
func (s *NATSSink) Begin(h Header) error {
	s.sessionID = h.SessionID
	return s.publish(s.subjects.Header(), natsbus.HeaderMessage{
		SessionID:  h.SessionID,
		Channels:   h.Channels,
		SampleRate: h.RateHz,
		Labels:     h.Labels,
		Device:     h.Device,
	})
}

func (s *NATSSink) PutBlock(first uint64, nchans, nsamples int, data []float32) error {
	return s.publish(s.subjects.Data(), natsbus.DataMessage{
		SessionID:   s.sessionID,
		FirstSample: first,
		Samples:     nsamples,
		Channels:    nchans,
		Data:        data,
	})
}

func (s *NATSSink) PutEvents(events []StampedEvent) error {
	for _, e := range events {
		err := s.publish(s.subjects.Events(), natsbus.EventMessage{
			SessionID: s.sessionID,
			Sample:    e.Sample,
			Type:      e.Type,
			Value:     e.Value,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Close flushes pending messages
func (s *NATSSink) Close() error {
	return s.conn.Flush()
}
