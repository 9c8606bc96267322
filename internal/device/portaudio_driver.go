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

	"github.com/gordonklaus/portaudio"
)

// PortAudioDriver implements Driver on a sound card input.
// Each input channel becomes an AUX channel of signed 32-bit samples; a SAW
// channel carrying the frame counter is appended so gap detection works.
type PortAudioDriver struct {
	mu sync.Mutex

	initialized bool
	device      *portaudio.DeviceInfo
	stream      *portaudio.Stream
	channels    int
	format      SignalFormat

	rateMilliHz   uint32
	bufferSamples uint32
	pending       []uint32 // interleaved rows waiting for GetSamples
	frames        uint32
	overflow      uint32
	lastCode      int
}

// NewPortAudioDriver creates a new PortAudio driver
func NewPortAudioDriver() *PortAudioDriver {
	return &PortAudioDriver{}
}

func (p *PortAudioDriver) fail(op string, code int, err error) error {
	p.lastCode = code
	msg := messageFor(code)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &Error{Op: op, Code: code, Message: msg}
}

// Open initializes PortAudio and selects the input device named by locator,
// or the default input device when locator is empty
func (p *PortAudioDriver) Open(ct ConnectionType, locator string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		if err := portaudio.Initialize(); err != nil {
			return p.fail("Open", CodeNoDevice, fmt.Errorf("failed to initialize PortAudio: %w", err))
		}
		p.initialized = true
	}

	var dev *portaudio.DeviceInfo
	if locator == "" {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return p.fail("Open", CodeNoDevice, err)
		}
		dev = d
	} else {
		devices, err := portaudio.Devices()
		if err != nil {
			return p.fail("Open", CodeNoDevice, err)
		}
		for _, d := range devices {
			if d.Name == locator && d.MaxInputChannels > 0 {
				dev = d
				break
			}
		}
		if dev == nil {
			return p.fail("Open", CodeNoDevice, fmt.Errorf("input device %q not found", locator))
		}
	}

	p.device = dev
	p.channels = dev.MaxInputChannels
	if p.channels > 2 {
		p.channels = 2
	}
	p.format = p.buildFormat()
	p.rateMilliHz = uint32(dev.DefaultSampleRate * 1000)
	return nil
}

func (p *PortAudioDriver) buildFormat() SignalFormat {
	channels := make([]Channel, 0, p.channels+1)
	for i := 0; i < p.channels; i++ {
		channels = append(channels, Channel{
			Name:   fmt.Sprintf("Audio%d", i+1),
			Type:   ChannelAUX,
			Format: EncodingSigned,
			Bytes:  BytesPerChannel,
			UnitID: UnitUnknown,
			Gain:   1.0 / math.MaxInt32,
		})
	}
	channels = append(channels, Channel{
		Name: "Saw", Type: ChannelSAW, Format: EncodingUnsigned, Bytes: BytesPerChannel, UnitID: UnitBit, Gain: 1,
	})
	return SignalFormat{FrontEndName: p.device.Name, Channels: channels}
}

// Close closes the stream and terminates PortAudio
func (p *PortAudioDriver) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		_ = p.stream.Close()
		p.stream = nil
	}
	if !p.initialized {
		return nil
	}
	err := portaudio.Terminate()
	p.initialized = false
	return err
}

// SetSignalBuffer checks the rate against the device before accepting it
func (p *PortAudioDriver) SetSignalBuffer(rateMilliHz, bufferSamples uint32) (uint32, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device == nil {
		return 0, 0, p.fail("SetSignalBuffer", CodeNotOpen, nil)
	}
	if rateMilliHz == 0 {
		rateMilliHz = uint32(p.device.DefaultSampleRate * 1000)
	}

	params := portaudio.HighLatencyParameters(p.device, nil)
	params.Input.Channels = p.channels
	params.SampleRate = float64(rateMilliHz) / 1000
	if err := portaudio.IsFormatSupported(params, make([]float32, 0)); err != nil {
		return rateMilliHz, bufferSamples, p.fail("SetSignalBuffer", CodeRateOutOfRange, err)
	}

	p.rateMilliHz = rateMilliHz
	p.bufferSamples = bufferSamples
	return rateMilliHz, bufferSamples, nil
}

// Start opens a callback stream that feeds the pending ring
func (p *PortAudioDriver) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device == nil {
		return p.fail("Start", CodeNotOpen, nil)
	}

	params := portaudio.HighLatencyParameters(p.device, nil)
	params.Input.Channels = p.channels
	params.SampleRate = float64(p.rateMilliHz) / 1000

	stream, err := portaudio.OpenStream(params, p.capture)
	if err != nil {
		return p.fail("Start", CodeNotStarted, fmt.Errorf("failed to open input stream: %w", err))
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return p.fail("Start", CodeNotStarted, err)
	}
	p.stream = stream
	p.frames = 0
	p.pending = p.pending[:0]
	return nil
}

// capture runs on the PortAudio callback thread
func (p *PortAudioDriver) capture(in []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := len(in) / p.channels
	limit := int(p.bufferSamples) * (p.channels + 1)
	for r := 0; r < rows; r++ {
		if limit > 0 && len(p.pending)+p.channels+1 > limit {
			p.overflow++
			p.frames += uint32(rows - r)
			return
		}
		for c := 0; c < p.channels; c++ {
			v := float64(in[r*p.channels+c])
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			p.pending = append(p.pending, uint32(int32(v*math.MaxInt32)))
		}
		p.pending = append(p.pending, p.frames)
		p.frames++
	}
}

// Stop stops the stream
func (p *PortAudioDriver) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}
	err := p.stream.Stop()
	_ = p.stream.Close()
	p.stream = nil
	return err
}

// GetSamples drains whole rows from the pending ring
func (p *PortAudioDriver) GetSamples(buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		p.lastCode = CodeNotStarted
		return -CodeNotStarted
	}

	width := p.channels + 1
	rows := len(p.pending) / width
	fit := len(buf) / (width * BytesPerChannel)
	if rows > fit {
		rows = fit
	}
	n := rows * width
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[i*BytesPerChannel:], p.pending[i])
	}
	p.pending = append(p.pending[:0], p.pending[n:]...)
	return n * BytesPerChannel
}

// GetBufferInfo reports callback overruns and ring fill
func (p *PortAudioDriver) GetBufferInfo() (uint32, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bufferSamples == 0 {
		return p.overflow, 0, nil
	}
	rows := uint32(len(p.pending) / (p.channels + 1))
	return p.overflow, rows * 100 / p.bufferSamples, nil
}

// GetSignalFormat returns the audio channel layout
func (p *PortAudioDriver) GetSignalFormat() (SignalFormat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device == nil {
		return SignalFormat{}, p.fail("GetSignalFormat", CodeNotOpen, nil)
	}
	return p.format, nil
}

// GetConnectionProperties reports the frame counter; sound cards have no link telemetry
func (p *PortAudioDriver) GetConnectionProperties() (ConnectionProperties, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ConnectionProperties{SignalStrength: 100, SampleBlocks: p.frames}, nil
}

// LastErrorCode returns the most recent failure code
func (p *PortAudioDriver) LastErrorCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCode
}

// ErrorMessage translates code using the shared table
func (p *PortAudioDriver) ErrorMessage(code int) string {
	return messageFor(code)
}

// DeviceList returns the names of input-capable devices
func (p *PortAudioDriver) DeviceList(ct ConnectionType) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		if err := portaudio.Initialize(); err != nil {
			return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
		}
		p.initialized = true
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// SetRefCalculation is not available on sound cards
func (p *PortAudioDriver) SetRefCalculation(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fail("SetRefCalculation", CodeUnsupported, nil)
}
