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
)

// ConnectionType selects how the driver reaches the amplifier
type ConnectionType byte

const (
	ConnectionWLAN      ConnectionType = 'w'
	ConnectionUSB       ConnectionType = 'u'
	ConnectionBluetooth ConnectionType = 'b'
	ConnectionNetwork   ConnectionType = 'n'
)

// ParseConnectionType maps the single-letter CLI selector to a ConnectionType
func ParseConnectionType(s string) (ConnectionType, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty connection type")
	}
	switch ct := ConnectionType(s[0]); ct {
	case ConnectionWLAN, ConnectionUSB, ConnectionBluetooth, ConnectionNetwork:
		return ct, nil
	default:
		return 0, fmt.Errorf("unknown connection type %q (want w, u, b or n)", s)
	}
}

func (ct ConnectionType) String() string {
	switch ct {
	case ConnectionWLAN:
		return "WLAN"
	case ConnectionUSB:
		return "USB"
	case ConnectionBluetooth:
		return "Bluetooth"
	case ConnectionNetwork:
		return "Network"
	default:
		return "unknown"
	}
}

// Driver codes shared by every adapter
const (
	CodeOK             = 0
	CodeRateOutOfRange = 0x19 // sample frequency out of range for this communication method
	CodeNotOpen        = 0x01
	CodeNotStarted     = 0x02
	CodeNoDevice       = 0x03
	CodeUnsupported    = 0x04
	CodeOverrun        = 0x05
)

// Sample geometry shared by every adapter: each channel is one 32-bit little-endian word.
const (
	BytesPerChannel  = 4
	OverflowSentinel = 0xFFFFFFFF
)

// ConnectionProperties is link quality telemetry reported by the driver
type ConnectionProperties struct {
	SignalStrength uint32
	CRCErrors      uint32
	SampleBlocks   uint32
}

// Driver is the capability set of the amplifier SDK.
// Everything above this interface depends on it only; adapters bind it to real hardware.
type Driver interface {
	// Open connects to the device named by locator over the given connection type
	Open(ct ConnectionType, locator string) error

	// Close releases the connection
	Close() error

	// Start begins acquisition
	Start() error

	// Stop ends acquisition
	Stop() error

	// SetSignalBuffer negotiates sample rate (milli-Hz) and buffer size (samples).
	// The driver returns the values it actually applied; a zero rate asks for its maximum.
	SetSignalBuffer(rateMilliHz, bufferSamples uint32) (uint32, uint32, error)

	// GetSamples copies raw samples into buf and returns the number of bytes written,
	// 0 when nothing is available, or a negative error code.
	GetSamples(buf []byte) int

	// GetBufferInfo reports driver-side overflow count and fill percentage
	GetBufferInfo() (overflow, percentFull uint32, err error)

	// GetSignalFormat describes every channel of the opened device
	GetSignalFormat() (SignalFormat, error)

	// GetConnectionProperties reports link quality
	GetConnectionProperties() (ConnectionProperties, error)

	// LastErrorCode returns the code of the most recent failure
	LastErrorCode() int

	// ErrorMessage translates a driver code into text
	ErrorMessage(code int) string

	// DeviceList enumerates locators reachable over ct
	DeviceList(ct ConnectionType) ([]string, error)

	// SetRefCalculation switches the common reference calculation on or off
	SetRefCalculation(on bool) error
}

// Error is a driver failure with its code already resolved to text
type Error struct {
	Op      string
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed, errorcode = %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s failed, errorcode = %d (%s)", e.Op, e.Code, e.Message)
}

// NewError pairs code with the driver's message for it
func NewError(drv Driver, op string, code int) *Error {
	return &Error{Op: op, Code: code, Message: drv.ErrorMessage(code)}
}

// LastError builds an Error from the driver's most recent failure
func LastError(drv Driver, op string) *Error {
	return NewError(drv, op, drv.LastErrorCode())
}

// CodeOf extracts a driver code from err, or -1 if err carries none
func CodeOf(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return -1
}

// OpenFirst opens locator, or the first device the driver lists when locator is empty
func OpenFirst(drv Driver, ct ConnectionType, locator string) (string, error) {
	if locator == "" {
		list, err := drv.DeviceList(ct)
		if err != nil {
			return "", fmt.Errorf("list %s devices: %w", ct, err)
		}
		if len(list) == 0 {
			return "", &Error{Op: "GetDeviceList", Code: CodeNoDevice, Message: drv.ErrorMessage(CodeNoDevice)}
		}
		locator = list[0]
	}
	if err := drv.Open(ct, locator); err != nil {
		return "", err
	}
	return locator, nil
}

// errorMessages is the text table shared by the in-repo drivers
var errorMessages = map[int]string{
	CodeOK:             "no error",
	CodeNotOpen:        "device not open",
	CodeNotStarted:     "acquisition not started",
	CodeNoDevice:       "no device found",
	CodeUnsupported:    "operation not supported by this device",
	CodeOverrun:        "driver buffer overrun",
	CodeRateOutOfRange: "selected sample frequency out of range for this communication method",
}

func messageFor(code int) string {
	if code < 0 {
		code = -code
	}
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "unknown error"
}
