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

// Session status block layout. Each register is a 16-bit holding register;
// 32-bit values are stored high word first.

// SlotsPerBlock is the fixed size of the status block
const SlotsPerBlock = 20

const (
	SlotState         = 0
	SlotStreaming     = 1
	SlotLastErrorCode = 2
	SlotRateHzHigh    = 3
	SlotRateHzLow     = 4
	SlotSamplesHigh   = 5
	SlotSamplesLow    = 6
	SlotAnomalies     = 7
	SlotEvents        = 8
	SlotBufferPercent = 9
	SlotReserved      = 10

	// SlotDeviceNameStart is the first of the device name registers
	SlotDeviceNameStart = 11
	SlotDeviceNameSlots = 8
	SlotDeviceNameEnd   = SlotDeviceNameStart + SlotDeviceNameSlots - 1
)

// DeviceNameMaxChars is the number of ASCII characters stored for the device name
const DeviceNameMaxChars = 2 * SlotDeviceNameSlots

// State codes written to SlotState
const (
	StateIdle        uint16 = 0
	StateConfiguring uint16 = 1
	StateStreaming   uint16 = 2
	StateStopping    uint16 = 3
)
