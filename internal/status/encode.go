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

package status

// Snapshot is the session state exported in one block
type Snapshot struct {
	State         uint16
	Streaming     bool
	LastErrorCode uint16
	RateHz        uint32
	Samples       uint64 // low 32 bits are exported
	Anomalies     uint64
	Events        uint64
	BufferPercent uint16
	DeviceName    string
}

// Encode converts a Snapshot into a full status block.
// No IO and no side effects.
func Encode(s Snapshot) []uint16 {
	regs := make([]uint16, SlotsPerBlock)

	regs[SlotState] = s.State
	if s.Streaming {
		regs[SlotStreaming] = 1
	}
	regs[SlotLastErrorCode] = s.LastErrorCode
	regs[SlotRateHzHigh] = uint16(s.RateHz >> 16)
	regs[SlotRateHzLow] = uint16(s.RateHz)
	regs[SlotSamplesHigh] = uint16(s.Samples >> 16)
	regs[SlotSamplesLow] = uint16(s.Samples)
	regs[SlotAnomalies] = saturate(s.Anomalies)
	regs[SlotEvents] = saturate(s.Events)
	regs[SlotBufferPercent] = s.BufferPercent

	copy(regs[SlotDeviceNameStart:SlotDeviceNameEnd+1], encodeDeviceName(s.DeviceName))
	return regs
}

// counters must not wrap
func saturate(v uint64) uint16 {
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}

// encodeDeviceName packs up to 16 ASCII characters into 8 registers,
// two bytes per register in big-endian order
func encodeDeviceName(name string) []uint16 {
	out := make([]uint16, SlotDeviceNameSlots)

	b := []byte(name)
	if len(b) > DeviceNameMaxChars {
		b = b[:DeviceNameMaxChars]
	}
	for i := range b {
		if b[i] < 0x20 || b[i] > 0x7E {
			b[i] = '?'
		}
	}

	for i := 0; i < DeviceNameMaxChars; i += 2 {
		var hi, lo byte
		if i < len(b) {
			hi = b[i]
		}
		if i+1 < len(b) {
			lo = b[i+1]
		}
		out[i/2] = uint16(hi)<<8 | uint16(lo)
	}
	return out
}
