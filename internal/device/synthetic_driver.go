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
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// SyntheticDriver generates a paced test signal: sine waves on EXG channels,
// a 1 Hz TTL pulse on a DIG channel and an incrementing SAW counter.
// It lets the bridge run end to end without an amplifier attached.
type SyntheticDriver struct {
	mu sync.Mutex

	exgChannels int
	format      SignalFormat
	ct          ConnectionType

	rateMilliHz   uint32
	bufferSamples uint32
	opened        bool
	started       bool
	startedAt     time.Time
	produced      uint64
	overflow      uint32
	lastCode      int

	now func() time.Time
}

// NewSyntheticDriver creates a generator with exgChannels signal channels
func NewSyntheticDriver(exgChannels int) *SyntheticDriver {
	if exgChannels <= 0 {
		exgChannels = 8
	}
	return &SyntheticDriver{
		exgChannels: exgChannels,
		now:         time.Now,
	}
}

// maxRateFor mirrors the bandwidth limits of the physical links
func maxRateFor(ct ConnectionType) uint32 {
	switch ct {
	case ConnectionBluetooth:
		return 512000
	case ConnectionWLAN:
		return 1024000
	default:
		return 2048000
	}
}

// SyntheticFormat is the layout the generator reports: exg signal channels
// followed by a DIG trigger channel and a SAW counter
func SyntheticFormat(exg int) SignalFormat {
	channels := make([]Channel, 0, exg+2)
	for i := 0; i < exg; i++ {
		channels = append(channels, Channel{
			Name:         fmt.Sprintf("EXG%d", i+1),
			Type:         ChannelEXG,
			Format:       EncodingSigned,
			Bytes:        BytesPerChannel,
			UnitID:       UnitVolt,
			UnitExponent: -6,
			Gain:         0.001,
		})
	}
	channels = append(channels,
		Channel{Name: "Digi", Type: ChannelDIG, Format: EncodingUnsigned, Bytes: BytesPerChannel, UnitID: UnitBit, Gain: 1},
		Channel{Name: "Saw", Type: ChannelSAW, Format: EncodingUnsigned, Bytes: BytesPerChannel, UnitID: UnitBit, Gain: 1},
	)
	return SignalFormat{FrontEndName: "Synthetic", Channels: channels}
}

// Open prepares the generator
func (s *SyntheticDriver) Open(ct ConnectionType, locator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ct = ct
	s.format = SyntheticFormat(s.exgChannels)
	s.opened = true
	return nil
}

// Close releases the generator
func (s *SyntheticDriver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	s.started = false
	return nil
}

// Start begins pacing samples from now
func (s *SyntheticDriver) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		s.lastCode = CodeNotOpen
		return &Error{Op: "Start", Code: CodeNotOpen, Message: messageFor(CodeNotOpen)}
	}
	if s.rateMilliHz == 0 {
		s.rateMilliHz = maxRateFor(s.ct)
	}
	s.started = true
	s.startedAt = s.now()
	s.produced = 0
	return nil
}

// Stop halts the generator
func (s *SyntheticDriver) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// SetSignalBuffer accepts any rate up to the link maximum
func (s *SyntheticDriver) SetSignalBuffer(rateMilliHz, bufferSamples uint32) (uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := maxRateFor(s.ct)
	if rateMilliHz == 0 {
		rateMilliHz = limit
	}
	if rateMilliHz > limit {
		s.lastCode = CodeRateOutOfRange
		return rateMilliHz, bufferSamples, &Error{
			Op:      "SetSignalBuffer",
			Code:    CodeRateOutOfRange,
			Message: messageFor(CodeRateOutOfRange),
		}
	}
	s.rateMilliHz = rateMilliHz
	s.bufferSamples = bufferSamples
	return rateMilliHz, bufferSamples, nil
}

// GetSamples writes every sample that became due since the last call
func (s *SyntheticDriver) GetSamples(buf []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.lastCode = CodeNotStarted
		return -CodeNotStarted
	}

	rate := float64(s.rateMilliHz) / 1000
	due := uint64(s.now().Sub(s.startedAt).Seconds()*rate) - s.produced
	if due == 0 {
		return 0
	}
	if s.bufferSamples > 0 && due > uint64(s.bufferSamples) {
		// driver-side ring overran; the oldest samples are gone
		s.overflow++
		s.produced += due - uint64(s.bufferSamples)
		due = uint64(s.bufferSamples)
	}

	rowBytes := s.format.BytesPerSample()
	fit := uint64(len(buf) / rowBytes)
	if due > fit {
		due = fit
	}

	nch := len(s.format.Channels)
	for i := uint64(0); i < due; i++ {
		n := s.produced + i
		t := float64(n) / rate
		row := buf[int(i)*rowBytes:]
		for k := 0; k < s.exgChannels; k++ {
			// 10 Hz alpha-like sine, 50 uV amplitude in 1 nV steps
			v := int32(50000 * math.Sin(2*math.Pi*(10+float64(k))*t))
			binary.LittleEndian.PutUint32(row[k*BytesPerChannel:], uint32(v))
		}
		var ttl uint32
		if math.Mod(t, 1.0) < 0.1 {
			ttl = 1
		}
		binary.LittleEndian.PutUint32(row[(nch-2)*BytesPerChannel:], ttl)
		binary.LittleEndian.PutUint32(row[(nch-1)*BytesPerChannel:], uint32(n))
	}
	s.produced += due
	return int(due) * rowBytes
}

// GetBufferInfo reports overruns of the simulated driver ring
func (s *SyntheticDriver) GetBufferInfo() (uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.bufferSamples == 0 {
		return s.overflow, 0, nil
	}
	rate := float64(s.rateMilliHz) / 1000
	pending := uint64(s.now().Sub(s.startedAt).Seconds()*rate) - s.produced
	pct := pending * 100 / uint64(s.bufferSamples)
	if pct > 100 {
		pct = 100
	}
	return s.overflow, uint32(pct), nil
}

// GetSignalFormat returns the generated channel layout
func (s *SyntheticDriver) GetSignalFormat() (SignalFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		s.lastCode = CodeNotOpen
		return SignalFormat{}, &Error{Op: "GetSignalFormat", Code: CodeNotOpen, Message: messageFor(CodeNotOpen)}
	}
	return s.format, nil
}

// GetConnectionProperties reports a perfect link
func (s *SyntheticDriver) GetConnectionProperties() (ConnectionProperties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionProperties{SignalStrength: 100, SampleBlocks: uint32(s.produced)}, nil
}

// LastErrorCode returns the most recent failure code
func (s *SyntheticDriver) LastErrorCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode
}

// ErrorMessage translates code using the shared table
func (s *SyntheticDriver) ErrorMessage(code int) string {
	return messageFor(code)
}

// DeviceList returns a single virtual device
func (s *SyntheticDriver) DeviceList(ct ConnectionType) ([]string, error) {
	return []string{"synthetic:0"}, nil
}

// SetRefCalculation is accepted and ignored
func (s *SyntheticDriver) SetRefCalculation(on bool) error {
	return nil
}
