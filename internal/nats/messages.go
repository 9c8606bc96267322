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

package nats

// SessionHeader is the NATS header carrying the acquisition session id
const SessionHeader = "Amp-Session-Id"

// HeaderMessage announces the stream layout at the start of a session
type HeaderMessage struct {
	SessionID  string   `json:"session_id"`
	Channels   int      `json:"channels"`
	SampleRate float64  `json:"sample_rate"`
	Labels     []string `json:"labels"`
	Device     string   `json:"device,omitempty"`
}

// DataMessage carries one block of calibrated samples, row-major
type DataMessage struct {
	SessionID   string    `json:"session_id"`
	FirstSample uint64    `json:"first_sample"` // absolute index of the first row
	Samples     int       `json:"samples"`
	Channels    int       `json:"channels"`
	Data        []float32 `json:"data"`
}

// EventMessage carries one trigger event
type EventMessage struct {
	SessionID string `json:"session_id"`
	Sample    uint64 `json:"sample"`
	Type      string `json:"type"`
	Value     int    `json:"value"`
}
