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

package config

import (
	"fmt"
)

var validDrivers = map[string]bool{"": true, "sim": true, "portaudio": true, "mock": true}

var validConnections = map[string]bool{"": true, "w": true, "u": true, "b": true, "n": true}

var validEdges = map[string]bool{"": true, "rising": true, "falling": true}

var validLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg;
// zero values stand for defaults applied later by Normalize.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	// ---- device ----
	if !validDrivers[cfg.Device.Driver] {
		return fmt.Errorf("device.driver %q: want sim, portaudio or mock", cfg.Device.Driver)
	}
	if !validConnections[cfg.Device.Connection] {
		return fmt.Errorf("device.connection %q: want w, u, b or n", cfg.Device.Connection)
	}
	if cfg.Device.Channels < 0 {
		return fmt.Errorf("device.channels must not be negative")
	}

	// ---- acquisition ----
	a := cfg.Acquisition
	if a.SawChannel != nil && *a.SawChannel < 0 {
		return fmt.Errorf("acquisition.saw_channel must not be negative")
	}
	if a.MaxEmptyPolls < 0 {
		return fmt.Errorf("acquisition.max_empty_polls must not be negative")
	}
	if a.EmptyPollSleepMs < 0 {
		return fmt.Errorf("acquisition.empty_poll_sleep_ms must not be negative")
	}

	// ---- signal ----
	seen := make(map[int]bool)
	for _, ch := range cfg.Signal.Channels {
		if ch < 0 {
			return fmt.Errorf("signal.channels: index %d must not be negative", ch)
		}
		if seen[ch] {
			return fmt.Errorf("signal.channels: index %d selected twice", ch)
		}
		seen[ch] = true
	}
	if len(cfg.Signal.Labels) > 0 && len(cfg.Signal.Labels) != len(cfg.Signal.Channels) {
		return fmt.Errorf(
			"signal.labels has %d entries for %d selected channels",
			len(cfg.Signal.Labels),
			len(cfg.Signal.Channels),
		)
	}

	// ---- triggers ----
	for i, t := range cfg.Triggers {
		if t.Channel != nil && *t.Channel < 0 {
			return fmt.Errorf("triggers[%d]: channel must not be negative", i)
		}
		if !validEdges[t.Edge] {
			return fmt.Errorf("triggers[%d]: edge %q: want rising, falling or empty", i, t.Edge)
		}
		if t.Edge == "" && t.Threshold == 0 {
			return fmt.Errorf("triggers[%d]: needs an edge or a non-zero threshold", i)
		}
	}

	// ---- sink ----
	if err := checkPort("sink.port", cfg.Sink.Port); err != nil {
		return err
	}
	if cfg.Sink.SampleCapacity < 0 || cfg.Sink.EventCapacity < 0 {
		return fmt.Errorf("sink capacities must not be negative")
	}

	// ---- control ----
	if cfg.Control.Port != -1 {
		if err := checkPort("control.port", cfg.Control.Port); err != nil {
			return err
		}
	}
	if cfg.Control.QueueSize < 0 {
		return fmt.Errorf("control.queue_size must not be negative")
	}

	// ---- status ----
	if cfg.Status.IntervalMs < 0 || cfg.Status.TimeoutMs < 0 {
		return fmt.Errorf("status intervals must not be negative")
	}

	// ---- log ----
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("log.level %q: want debug, info, warn or error", cfg.Log.Level)
	}

	return nil
}

func checkPort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}
