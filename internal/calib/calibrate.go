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

import "github.com/loqalabs/loqa-amp/internal/device"

// Calibrate converts one raw word to physical units.
// Overflow on an analog channel and unknown encodings both read as 0.
func Calibrate(raw uint32, ch device.Channel) float32 {
	if raw == device.OverflowSentinel && ch.Type.Analog() {
		return 0
	}
	switch ch.Format {
	case device.EncodingUnsigned:
		return float32(float64(raw)*ch.Gain + ch.Offset)
	case device.EncodingSigned:
		return float32(float64(int32(raw))*ch.Gain + ch.Offset)
	default:
		return 0
	}
}
