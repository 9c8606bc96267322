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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPortAudioDriver exercises the sound-card driver against the local audio stack
func TestPortAudioDriver(t *testing.T) {
	// Skip if in CI environment where PortAudio may not be available
	if isCIEnvironment() {
		t.Skip("Skipping PortAudio tests in CI environment")
	}

	t.Run("driver_creation", func(t *testing.T) {
		drv := NewPortAudioDriver()
		require.NotNil(t, drv)
		assert.False(t, drv.initialized, "should not be initialized by default")
	})

	t.Run("close_without_open", func(t *testing.T) {
		drv := NewPortAudioDriver()
		assert.NoError(t, drv.Close())
	})

	t.Run("not_open", func(t *testing.T) {
		drv := NewPortAudioDriver()
		_, _, err := drv.SetSignalBuffer(48000000, 1000)
		assert.Equal(t, CodeNotOpen, CodeOf(err))
		assert.Equal(t, CodeNotOpen, CodeOf(drv.Start()))
		assert.Equal(t, -CodeNotStarted, drv.GetSamples(make([]byte, 64)))
	})

	t.Run("open_default_input", func(t *testing.T) {
		drv := NewPortAudioDriver()
		defer func() { _ = drv.Close() }() // Ignore errors during test cleanup

		if err := drv.Open(ConnectionUSB, ""); err != nil {
			t.Skipf("no input device available (may be expected): %v", err)
		}

		format, err := drv.GetSignalFormat()
		require.NoError(t, err)
		assert.Equal(t, format.Len()-1, format.FindSequenceChannel())
		assert.Equal(t, ChannelSAW, format.Channels[format.Len()-1].Type)
		assert.True(t, format.IsAnalog(0))

		assert.Equal(t, CodeUnsupported, CodeOf(drv.SetRefCalculation(true)))
	})

	t.Run("unknown_locator", func(t *testing.T) {
		drv := NewPortAudioDriver()
		defer func() { _ = drv.Close() }() // Ignore errors during test cleanup

		err := drv.Open(ConnectionUSB, "no-such-device")
		assert.Equal(t, CodeNoDevice, CodeOf(err))
	})
}

func TestPortAudioCapture(t *testing.T) {
	drv := &PortAudioDriver{channels: 1, bufferSamples: 3, stream: nil}

	drv.capture([]float32{0.5, -1.5})
	require.Len(t, drv.pending, 4)
	assert.Equal(t, uint32(1073741823), drv.pending[0])
	assert.Equal(t, uint32(0), drv.pending[1])
	assert.Equal(t, uint32(0x80000001), drv.pending[2], "clipped to -1")
	assert.Equal(t, uint32(1), drv.pending[3])

	// ring holds three rows; the rest of this callback is dropped
	drv.capture([]float32{0.1, 0.2})
	assert.Len(t, drv.pending, 6)
	assert.Equal(t, uint32(1), drv.overflow)
	assert.Equal(t, uint32(4), drv.frames, "dropped rows still advance the counter")
}

// isCIEnvironment detects if we're running in a CI environment
func isCIEnvironment() bool {
	ciEnvVars := []string{
		"CI", // Generic CI indicator
		"CONTINUOUS_INTEGRATION",
		"GITHUB_ACTIONS",   // GitHub Actions
		"GITLAB_CI",        // GitLab CI
		"JENKINS_URL",      // Jenkins
		"TRAVIS",           // Travis CI
		"CIRCLECI",         // CircleCI
		"BUILDKITE",        // Buildkite
		"TEAMCITY_VERSION", // TeamCity
	}

	for _, envVar := range ciEnvVars {
		if os.Getenv(envVar) != "" {
			return true
		}
	}

	return false
}
