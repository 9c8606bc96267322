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

// Event is a discrete marker tagged with its offset inside the current block
type Event struct {
	Offset int
	Type   string
	Value  int
}

// StampedEvent is an event resolved to an absolute sample index
type StampedEvent struct {
	Sample uint64
	Type   string
	Value  int
}

// EventList collects the events of one block. It is cleared after every
// HandleBlock and reuses its storage.
type EventList struct {
	items []Event
}

// Add appends an event at offset within the block
func (l *EventList) Add(offset int, eventType string, value int) {
	l.items = append(l.items, Event{Offset: offset, Type: eventType, Value: value})
}

// Len returns the number of pending events
func (l *EventList) Len() int {
	return len(l.items)
}

// Items returns the pending events; the slice is only valid until Clear
func (l *EventList) Items() []Event {
	return l.items
}

// Clear drops pending events
func (l *EventList) Clear() {
	l.items = l.items[:0]
}
