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

// Config is the YAML configuration of the bridge
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Signal      SignalConfig      `yaml:"signal"`
	Triggers    []TriggerConfig   `yaml:"triggers"`
	Sink        SinkConfig        `yaml:"sink"`
	Control     ControlConfig     `yaml:"control"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Status      StatusConfig      `yaml:"status"`
	Log         LogConfig         `yaml:"log"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Driver     string `yaml:"driver"`     // sim, portaudio or mock
	Connection string `yaml:"connection"` // w, u, b or n
	Locator    string `yaml:"locator"`    // empty opens the first listed device
	Channels   int    `yaml:"channels"`   // EXG channels of the synthetic driver
}

// ---- ACQUISITION ----

type AcquisitionConfig struct {
	RateHz           uint32 `yaml:"rate_hz"` // 0 keeps the device maximum
	MaxBufferSamples uint32 `yaml:"max_buffer_samples"`
	SawStep          uint32 `yaml:"saw_step"`
	SawMask          uint32 `yaml:"saw_mask"`
	SawChannel       *int   `yaml:"saw_channel"` // nil picks it from the signal format
	MaxEmptyPolls    int    `yaml:"max_empty_polls"`
	EmptyPollSleepMs int    `yaml:"empty_poll_sleep_ms"`
}

// ---- SIGNAL ----

// SignalConfig selects the streamed channels; empty streams all of them
type SignalConfig struct {
	Channels []int    `yaml:"channels"`
	Labels   []string `yaml:"labels"`
}

// ---- TRIGGERS ----

type TriggerConfig struct {
	Channel   *int    `yaml:"channel"` // nil uses the digital channel
	Edge      string  `yaml:"edge"`    // rising, falling or empty for threshold mode
	Threshold float64 `yaml:"threshold"`
	Type      string  `yaml:"type"`
	Value     int     `yaml:"value"`
}

// ---- SINK ----

type SinkConfig struct {
	Host           string `yaml:"host"` // "-" hosts the buffer in-process
	Port           int    `yaml:"port"`
	NATSURL        string `yaml:"nats_url"`
	NATSSubject    string `yaml:"nats_subject"`
	SampleCapacity int    `yaml:"sample_capacity"`
	EventCapacity  int    `yaml:"event_capacity"`
}

// ---- CONTROL ----

type ControlConfig struct {
	Port        int    `yaml:"port"` // -1 disables the TCP control server
	NATSSubject string `yaml:"nats_subject"`
	QueueSize   int    `yaml:"queue_size"`
}

// ---- METRICS ----

type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// ---- STATUS ----

// StatusConfig exports the session status block to a Modbus TCP server
type StatusConfig struct {
	Endpoint   string `yaml:"endpoint"` // empty disables the export
	UnitID     uint8  `yaml:"unit_id"`
	BaseSlot   uint16 `yaml:"base_slot"`
	IntervalMs int    `yaml:"interval_ms"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

// ---- LOG ----

type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"` // debug, info, warn or error
}
