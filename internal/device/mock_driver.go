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
	"sync"
)

// mockPoll is one scripted answer to GetSamples
type mockPoll struct {
	rows  [][]uint32
	empty int
	code  int
}

// MockDriver implements Driver for testing without hardware dependencies.
// GetSamples answers from a script of blocks, empty polls and error codes;
// once the script is exhausted every poll is empty.
type MockDriver struct {
	mu sync.Mutex

	format      SignalFormat
	devices     []string
	maxRate     uint32
	maxBuffer   uint32
	script      []mockPoll
	overflow    uint32
	percentFull uint32
	props       ConnectionProperties
	lastCode    int

	openError   error
	startError  error
	formatError error
	bufferError error

	opened       bool
	started      bool
	stopped      bool
	closed       bool
	refCalc      bool
	rateRequests []uint32
	polls        int
}

// NewMockDriver creates a mock driver reporting the given format
func NewMockDriver(format SignalFormat) *MockDriver {
	return &MockDriver{
		format:    format,
		devices:   []string{"mock:0"},
		maxRate:   2048000,
		maxBuffer: 65536,
	}
}

// SetMaxRate makes SetSignalBuffer reject rates above milliHz with CodeRateOutOfRange
func (m *MockDriver) SetMaxRate(milliHz uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxRate = milliHz
}

// SetOpenError configures the driver to return an error on Open()
func (m *MockDriver) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openError = err
}

// SetStartError configures the driver to return an error on Start()
func (m *MockDriver) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetFormatError configures the driver to return an error on GetSignalFormat()
func (m *MockDriver) SetFormatError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.formatError = err
}

// SetSignalBufferError configures the driver to return an error on SetSignalBuffer()
func (m *MockDriver) SetSignalBufferError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferError = err
}

// SetBufferInfo sets the telemetry returned by GetBufferInfo()
func (m *MockDriver) SetBufferInfo(overflow, percentFull uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overflow = overflow
	m.percentFull = percentFull
}

// SetDevices replaces the locator list
func (m *MockDriver) SetDevices(devices []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
}

// QueueBlock appends a block of raw rows to the poll script
func (m *MockDriver) QueueBlock(rows [][]uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockPoll{rows: rows})
}

// QueueEmpty appends n empty polls to the script
func (m *MockDriver) QueueEmpty(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockPoll{empty: n})
}

// QueueError appends a negative return of -code to the script
func (m *MockDriver) QueueError(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockPoll{code: code})
}

// RateRequests returns every rate passed to SetSignalBuffer, in order
func (m *MockDriver) RateRequests() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint32, len(m.rateRequests))
	copy(out, m.rateRequests)
	return out
}

// Polls returns how many times GetSamples was called
func (m *MockDriver) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

// Started reports whether Start succeeded and Stop was called afterwards
func (m *MockDriver) Started() (started, stopped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.stopped
}

// Closed reports whether Close was called
func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// RefCalculation reports the last value passed to SetRefCalculation
func (m *MockDriver) RefCalculation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refCalc
}

// Open opens the mock device
func (m *MockDriver) Open(ct ConnectionType, locator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openError != nil {
		return m.openError
	}
	m.opened = true
	return nil
}

// Close closes the mock device
func (m *MockDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	m.closed = true
	return nil
}

// Start starts mock acquisition
func (m *MockDriver) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		m.lastCode = CodeNotStarted
		return m.startError
	}
	if !m.opened {
		m.lastCode = CodeNotOpen
		return &Error{Op: "Start", Code: CodeNotOpen, Message: messageFor(CodeNotOpen)}
	}
	m.started = true
	return nil
}

// Stop stops mock acquisition
func (m *MockDriver) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

// SetSignalBuffer applies the rate unless it is above the configured maximum.
// A zero rate asks for the maximum.
func (m *MockDriver) SetSignalBuffer(rateMilliHz, bufferSamples uint32) (uint32, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rateRequests = append(m.rateRequests, rateMilliHz)
	if m.bufferError != nil {
		return rateMilliHz, bufferSamples, m.bufferError
	}
	if rateMilliHz == 0 {
		rateMilliHz = m.maxRate
	}
	if rateMilliHz > m.maxRate {
		m.lastCode = CodeRateOutOfRange
		return rateMilliHz, bufferSamples, &Error{
			Op:      "SetSignalBuffer",
			Code:    CodeRateOutOfRange,
			Message: messageFor(CodeRateOutOfRange),
		}
	}
	if bufferSamples > m.maxBuffer {
		bufferSamples = m.maxBuffer
	}
	return rateMilliHz, bufferSamples, nil
}

// GetSamples plays the next step of the script
func (m *MockDriver) GetSamples(buf []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.polls++
	if len(m.script) == 0 {
		return 0
	}

	step := &m.script[0]
	switch {
	case step.code != 0:
		m.lastCode = step.code
		m.script = m.script[1:]
		return -step.code

	case step.empty > 0:
		step.empty--
		if step.empty == 0 {
			m.script = m.script[1:]
		}
		return 0
	}

	rowBytes := m.format.BytesPerSample()
	if rowBytes == 0 {
		m.script = m.script[1:]
		return 0
	}
	fit := len(buf) / rowBytes
	n := len(step.rows)
	if n > fit {
		n = fit
	}
	for i := 0; i < n; i++ {
		for k, v := range step.rows[i] {
			binary.LittleEndian.PutUint32(buf[i*rowBytes+k*BytesPerChannel:], v)
		}
	}
	step.rows = step.rows[n:]
	if len(step.rows) == 0 {
		m.script = m.script[1:]
	}
	return n * rowBytes
}

// GetBufferInfo returns the configured telemetry
func (m *MockDriver) GetBufferInfo() (uint32, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflow, m.percentFull, nil
}

// GetSignalFormat returns the configured format
func (m *MockDriver) GetSignalFormat() (SignalFormat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.formatError != nil {
		return SignalFormat{}, m.formatError
	}
	return m.format, nil
}

// GetConnectionProperties returns zeroed link telemetry
func (m *MockDriver) GetConnectionProperties() (ConnectionProperties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.props, nil
}

// LastErrorCode returns the most recent scripted code
func (m *MockDriver) LastErrorCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCode
}

// ErrorMessage translates code using the shared table
func (m *MockDriver) ErrorMessage(code int) string {
	return messageFor(code)
}

// DeviceList returns the configured locators
func (m *MockDriver) DeviceList(ct ConnectionType) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.devices))
	copy(out, m.devices)
	return out, nil
}

// SetRefCalculation records the requested mode
func (m *MockDriver) SetRefCalculation(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refCalc = on
	return nil
}
