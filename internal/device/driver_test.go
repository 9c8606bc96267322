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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionType(t *testing.T) {
	tests := []struct {
		input    string
		expected ConnectionType
		wantErr  bool
	}{
		{"w", ConnectionWLAN, false},
		{"u", ConnectionUSB, false},
		{"b", ConnectionBluetooth, false},
		{"n", ConnectionNetwork, false},
		{"x", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("input_%q", tt.input), func(t *testing.T) {
			ct, err := ParseConnectionType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ct)
		})
	}

	assert.Equal(t, "USB", ConnectionUSB.String())
	assert.Equal(t, "Bluetooth", ConnectionBluetooth.String())
}

func TestDriverError(t *testing.T) {
	drv := NewMockDriver(SyntheticFormat(2))

	err := NewError(drv, "SetSignalBuffer", CodeRateOutOfRange)
	assert.Equal(t, "SetSignalBuffer failed, errorcode = 25 (selected sample frequency out of range for this communication method)", err.Error())

	wrapped := fmt.Errorf("configure: %w", err)
	assert.Equal(t, CodeRateOutOfRange, CodeOf(wrapped))
	assert.Equal(t, -1, CodeOf(errors.New("plain")))

	assert.Equal(t, "driver buffer overrun", drv.ErrorMessage(-CodeOverrun))
	assert.Equal(t, "unknown error", drv.ErrorMessage(0x7F))
}

func TestOpenFirst(t *testing.T) {
	t.Run("uses first listed device", func(t *testing.T) {
		drv := NewMockDriver(SyntheticFormat(2))
		drv.SetDevices([]string{"usb:1", "usb:2"})

		locator, err := OpenFirst(drv, ConnectionUSB, "")
		require.NoError(t, err)
		assert.Equal(t, "usb:1", locator)
	})

	t.Run("explicit locator", func(t *testing.T) {
		drv := NewMockDriver(SyntheticFormat(2))
		locator, err := OpenFirst(drv, ConnectionUSB, "usb:9")
		require.NoError(t, err)
		assert.Equal(t, "usb:9", locator)
	})

	t.Run("no devices", func(t *testing.T) {
		drv := NewMockDriver(SyntheticFormat(2))
		drv.SetDevices(nil)

		_, err := OpenFirst(drv, ConnectionWLAN, "")
		require.Error(t, err)
		assert.Equal(t, CodeNoDevice, CodeOf(err))
	})

	t.Run("open error", func(t *testing.T) {
		drv := NewMockDriver(SyntheticFormat(2))
		drv.SetOpenError(errors.New("link down"))

		_, err := OpenFirst(drv, ConnectionWLAN, "")
		assert.EqualError(t, err, "link down")
	})
}

func TestMockDriver(t *testing.T) {
	t.Run("start requires open", func(t *testing.T) {
		drv := NewMockDriver(SyntheticFormat(2))
		err := drv.Start()
		require.Error(t, err)
		assert.Equal(t, CodeNotOpen, CodeOf(err))

		require.NoError(t, drv.Open(ConnectionUSB, ""))
		require.NoError(t, drv.Start())
		started, stopped := drv.Started()
		assert.True(t, started)
		assert.False(t, stopped)
	})

	t.Run("rate limit", func(t *testing.T) {
		drv := NewMockDriver(SyntheticFormat(2))
		drv.SetMaxRate(2500000)

		_, _, err := drv.SetSignalBuffer(5000000, 100)
		assert.Equal(t, CodeRateOutOfRange, CodeOf(err))
		assert.Equal(t, CodeRateOutOfRange, drv.LastErrorCode())

		rate, buffer, err := drv.SetSignalBuffer(2500000, 1<<20)
		require.NoError(t, err)
		assert.Equal(t, uint32(2500000), rate)
		assert.Equal(t, uint32(65536), buffer)
		assert.Equal(t, []uint32{5000000, 2500000}, drv.RateRequests())
	})

	t.Run("script playback", func(t *testing.T) {
		drv := NewMockDriver(SyntheticFormat(1))
		drv.QueueBlock([][]uint32{{1, 0, 10}, {2, 0, 11}, {3, 1, 12}})
		drv.QueueEmpty(2)
		drv.QueueError(CodeOverrun)

		buf := make([]byte, 2*3*BytesPerChannel)

		n := drv.GetSamples(buf)
		assert.Equal(t, 24, n)
		assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(buf[0:]))
		assert.Equal(t, uint32(11), binary.LittleEndian.Uint32(buf[20:]))

		// remainder of the block stays queued
		n = drv.GetSamples(buf)
		assert.Equal(t, 12, n)
		assert.Equal(t, uint32(12), binary.LittleEndian.Uint32(buf[8:]))

		assert.Equal(t, 0, drv.GetSamples(buf))
		assert.Equal(t, 0, drv.GetSamples(buf))
		assert.Equal(t, -CodeOverrun, drv.GetSamples(buf))
		assert.Equal(t, CodeOverrun, drv.LastErrorCode())

		// exhausted
		assert.Equal(t, 0, drv.GetSamples(buf))
		assert.Equal(t, 6, drv.Polls())
	})
}

func TestSyntheticDriver(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	drv := NewSyntheticDriver(2)
	drv.now = func() time.Time { return clock }

	_, err := drv.GetSignalFormat()
	assert.Equal(t, CodeNotOpen, CodeOf(err))

	require.NoError(t, drv.Open(ConnectionBluetooth, ""))

	_, _, err = drv.SetSignalBuffer(1024000, 1000)
	assert.Equal(t, CodeRateOutOfRange, CodeOf(err), "bluetooth caps at 512 Hz")

	rate, _, err := drv.SetSignalBuffer(500000, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(500000), rate)

	format, err := drv.GetSignalFormat()
	require.NoError(t, err)
	buf := make([]byte, 1000*format.BytesPerSample())

	assert.Equal(t, -CodeNotStarted, drv.GetSamples(buf))

	require.NoError(t, drv.Start())
	assert.Equal(t, 0, drv.GetSamples(buf), "nothing due yet")

	clock = clock.Add(100 * time.Millisecond)
	n := drv.GetSamples(buf)
	require.Equal(t, 50*format.BytesPerSample(), n)

	saw := format.FindSequenceChannel()
	for i := 0; i < 50; i++ {
		v := binary.LittleEndian.Uint32(buf[i*format.BytesPerSample()+saw*BytesPerChannel:])
		assert.Equal(t, uint32(i), v)
	}
	dig := binary.LittleEndian.Uint32(buf[format.FindDigitalChannel()*BytesPerChannel:])
	assert.Equal(t, uint32(1), dig, "TTL is high during the first 100 ms")

	// let the simulated ring overrun
	clock = clock.Add(10 * time.Second)
	overflow, pct, err := drv.GetBufferInfo()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), overflow)
	assert.Equal(t, uint32(100), pct)

	n = drv.GetSamples(buf)
	assert.Equal(t, 1000*format.BytesPerSample(), n)
	overflow, _, _ = drv.GetBufferInfo()
	assert.Equal(t, uint32(1), overflow)
}
