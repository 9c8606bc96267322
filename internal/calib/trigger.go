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

// Level is the last observed TTL level of a trigger input
type Level int8

const (
	LevelLow       Level = -1
	LevelUndefined Level = 0
	LevelHigh      Level = 1
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelHigh:
		return "high"
	default:
		return "undefined"
	}
}

// Trigger detects transitions on one raw channel.
//
// With Edge set (+1 rising, -1 falling) it fires when the value moves in the
// edge direction and the level was not already there; any other sample sets
// the level to the opposite polarity. With Edge zero it fires when the value
// rises above Threshold from at or below it. Edge and Threshold both zero
// disable the trigger. The first sample only establishes the baseline.
type Trigger struct {
	Channel   int
	Edge      int
	Threshold float64
	Type      string
	Value     int

	level  Level
	prev   float64
	seeded bool
}

// Enabled reports whether the trigger can fire at all
func (t *Trigger) Enabled() bool {
	return t.Edge != 0 || t.Threshold != 0
}

// Level returns the current level
func (t *Trigger) Level() Level {
	return t.level
}

func (t *Trigger) edgeLevel() Level {
	if t.Edge > 0 {
		return LevelHigh
	}
	return LevelLow
}

// Evaluate feeds one raw sample and reports whether it fired
func (t *Trigger) Evaluate(raw uint32) bool {
	if !t.Enabled() {
		return false
	}

	v := float64(raw)
	if !t.seeded {
		t.seeded = true
		t.prev = v
		switch {
		case t.Edge != 0:
			t.level = -t.edgeLevel()
		case v > t.Threshold:
			t.level = LevelHigh
		default:
			t.level = LevelLow
		}
		return false
	}

	diff := v - t.prev
	t.prev = v

	if t.Edge != 0 {
		edge := t.edgeLevel()
		if float64(t.Edge)*diff > 0 {
			if t.level != edge {
				t.level = edge
				return true
			}
			return false
		}
		t.level = -edge
		return false
	}

	if v > t.Threshold {
		if t.level != LevelHigh {
			t.level = LevelHigh
			return true
		}
		return false
	}
	t.level = LevelLow
	return false
}

// Reset returns the trigger to its unseeded state
func (t *Trigger) Reset() {
	t.level = LevelUndefined
	t.prev = 0
	t.seeded = false
}
