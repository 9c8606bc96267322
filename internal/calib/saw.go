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

// SawChecker validates a sequence channel that advances by Step each sample
// modulo Mask. The last value starts at zero and is updated on every check,
// anomalous or not.
type SawChecker struct {
	Mask uint32
	Step uint32

	last     uint32
	Jumps    int
	JumpsSaw uint64
}

// NewSawChecker creates a checker for the given step and mask
func NewSawChecker(step, mask uint32) *SawChecker {
	return &SawChecker{Mask: mask, Step: step}
}

// Check returns the masked difference to the previous value and whether it is
// neither 0 nor the expected step
func (s *SawChecker) Check(v uint32) (deviation uint32, anomaly bool) {
	deviation = (v - s.last) & s.Mask
	anomaly = deviation != s.Step && deviation != 0
	if anomaly {
		s.Jumps++
		s.JumpsSaw += uint64(deviation)
	}
	s.last = v
	return deviation, anomaly
}

// Last returns the most recently checked value
func (s *SawChecker) Last() uint32 {
	return s.last
}

// Reset clears the state for a new session
func (s *SawChecker) Reset() {
	s.last = 0
	s.Jumps = 0
	s.JumpsSaw = 0
}
