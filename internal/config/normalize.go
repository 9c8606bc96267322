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

// Normalize applies defaults. It is allowed to mutate configuration and
// must be called only after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Device.Driver == "" {
		cfg.Device.Driver = DefaultDriver
	}
	if cfg.Device.Connection == "" {
		cfg.Device.Connection = DefaultConnection
	}
	if cfg.Device.Channels == 0 {
		cfg.Device.Channels = DefaultChannels
	}

	if cfg.Acquisition.SawStep == 0 {
		cfg.Acquisition.SawStep = DefaultSawStep
	}
	if cfg.Acquisition.SawMask == 0 {
		cfg.Acquisition.SawMask = DefaultSawMask
	}

	for i := range cfg.Triggers {
		t := &cfg.Triggers[i]
		if t.Type == "" {
			t.Type = "trigger"
		}
		if t.Value == 0 {
			t.Value = 1
		}
	}

	if cfg.Sink.Host == "" {
		cfg.Sink.Host = DefaultHost
	}
	if cfg.Sink.Port == 0 {
		cfg.Sink.Port = DefaultPort
	}
	if cfg.Sink.NATSSubject == "" {
		cfg.Sink.NATSSubject = DefaultNATSSubject
	}

	if cfg.Control.Port == 0 {
		cfg.Control.Port = DefaultControlPort
	}
	if cfg.Control.NATSSubject == "" {
		cfg.Control.NATSSubject = cfg.Sink.NATSSubject
	}

	if cfg.Status.IntervalMs == 0 {
		cfg.Status.IntervalMs = DefaultStatusMs
	}
	if cfg.Status.TimeoutMs == 0 {
		cfg.Status.TimeoutMs = DefaultTimeoutMs
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}
