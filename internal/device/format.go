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

package device

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrFormatUnavailable means the driver could not describe its channels
var ErrFormatUnavailable = errors.New("signal format unavailable")

// ChannelType classifies what a channel measures
type ChannelType int

const (
	ChannelUnknown ChannelType = iota
	ChannelEXG
	ChannelBIP
	ChannelAUX
	ChannelDIG
	ChannelTIME
	ChannelLEAK
	ChannelPressure
	ChannelEnvelope
	ChannelMarker
	ChannelSAW
	ChannelSAO2
	ChannelAccel
)

var channelTypeNames = map[ChannelType]string{
	ChannelEXG:      "EXG",
	ChannelBIP:      "BIP",
	ChannelAUX:      "AUX",
	ChannelDIG:      "DIG",
	ChannelTIME:     "TIME",
	ChannelLEAK:     "LEAK",
	ChannelPressure: "PRESSURE",
	ChannelEnvelope: "ENVELOPE",
	ChannelMarker:   "MARKER",
	ChannelSAW:      "SAW",
	ChannelSAO2:     "SAO2",
	ChannelAccel:    "ACCEL",
}

func (t ChannelType) String() string {
	if name, ok := channelTypeNames[t]; ok {
		return name
	}
	return "?"
}

// Analog reports whether overflow sentinels on this type mean a saturated input
func (t ChannelType) Analog() bool {
	return t == ChannelEXG || t == ChannelBIP || t == ChannelAUX
}

// Encoding is the numeric interpretation of a raw 32-bit word
type Encoding int

const (
	EncodingUnknown Encoding = iota
	EncodingSigned
	EncodingUnsigned
)

func (e Encoding) String() string {
	switch e {
	case EncodingSigned:
		return "signed integer"
	case EncodingUnsigned:
		return "unsigned integer"
	default:
		return "unknown"
	}
}

// Unit identifiers reported by the driver
const (
	UnitUnknown = iota
	UnitVolt
	UnitPercent
	UnitBPM
	UnitBar
	UnitPSI
	UnitMH2O
	UnitMHg
	UnitBit
	UnitGravity
)

var unitPrefixes = map[int]string{
	-24: "y", -21: "z", -18: "a", -15: "f", -12: "p", -9: "n", -6: "u", -3: "m", -2: "c", -1: "d",
	1: "da", 2: "h", 3: "k", 6: "M", 9: "G", 12: "T", 15: "P", 18: "E", 21: "Z", 24: "Y",
}

// Channel describes one column of the raw sample matrix
type Channel struct {
	Name         string
	Type         ChannelType
	SubType      int
	Format       Encoding
	Bytes        int
	UnitID       int
	UnitExponent int
	Gain         float64
	Offset       float64
}

// UnitName renders the channel unit, with an SI prefix for volts
func (c Channel) UnitName() string {
	switch c.UnitID {
	case UnitUnknown:
		return ""
	case UnitVolt:
		return unitPrefixes[c.UnitExponent] + "V"
	case UnitPercent:
		return "%"
	case UnitBPM:
		return "BPM"
	case UnitBar:
		return "BAR"
	case UnitPSI:
		return "PSI"
	case UnitMH2O:
		return "mH2O"
	case UnitMHg:
		return "mHG"
	case UnitBit:
		return "BIT"
	case UnitGravity:
		return "g"
	default:
		return "?"
	}
}

// SignalFormat is the ordered channel list of an opened device.
// It is fixed for the lifetime of a sampling session.
type SignalFormat struct {
	FrontEndName string
	Channels     []Channel
}

// Len returns the channel count
func (f SignalFormat) Len() int {
	return len(f.Channels)
}

// BytesPerSample is the size of one interleaved row of raw samples
func (f SignalFormat) BytesPerSample() int {
	return len(f.Channels) * BytesPerChannel
}

// IsAnalog reports whether channel i is EXG, BIP or AUX
func (f SignalFormat) IsAnalog(i int) bool {
	return i >= 0 && i < len(f.Channels) && f.Channels[i].Type.Analog()
}

// FindSequenceChannel picks the saw channel used for gap detection.
// Order: last SAW channel, else last DIG channel, else the last channel.
func (f SignalFormat) FindSequenceChannel() int {
	saw, dig := -1, -1
	for i, ch := range f.Channels {
		if ch.Type == ChannelSAW {
			saw = i
		}
		if ch.Type == ChannelDIG {
			dig = i
		}
	}
	if saw > -1 {
		return saw
	}
	if dig > -1 {
		return dig
	}
	return len(f.Channels) - 1
}

// FindDigitalChannel picks the trigger input.
// Order: last DIG channel, else the second-to-last channel.
func (f SignalFormat) FindDigitalChannel() int {
	dig := -1
	for i, ch := range f.Channels {
		if ch.Type == ChannelDIG {
			dig = i
		}
	}
	if dig > -1 {
		return dig
	}
	return len(f.Channels) - 2
}

// Labels returns channel names in order
func (f SignalFormat) Labels() []string {
	out := make([]string, len(f.Channels))
	for i, ch := range f.Channels {
		out[i] = ch.Name
	}
	return out
}

// LogChannels writes one line per channel
func (f SignalFormat) LogChannels(logger *slog.Logger) {
	logger.Info("signal format", "frontend", f.FrontEndName, "channels", len(f.Channels))
	for i, ch := range f.Channels {
		logger.Info("channel",
			"index", i,
			"name", ch.Name,
			"type", ch.Type.String(),
			"unit", ch.UnitName(),
			"format", ch.Format.String(),
			"bytes", ch.Bytes,
			"subtype", ch.SubType,
			"unit_id", ch.UnitID,
			"unit_exponent", ch.UnitExponent,
			"gain", ch.Gain,
			"offset", ch.Offset,
		)
	}
}

// Describe fetches the signal format from the driver.
// A missing or empty format is fatal for the session.
func Describe(drv Driver) (SignalFormat, error) {
	f, err := drv.GetSignalFormat()
	if err != nil {
		var de *Error
		if !errors.As(err, &de) {
			de = LastError(drv, "GetSignalFormat")
		}
		return SignalFormat{}, fmt.Errorf("%w: %v", ErrFormatUnavailable, de)
	}
	if len(f.Channels) == 0 {
		return SignalFormat{}, fmt.Errorf("%w: device reports zero channels", ErrFormatUnavailable)
	}
	return f, nil
}
