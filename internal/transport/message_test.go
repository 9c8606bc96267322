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

package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageSerialization(t *testing.T) {
	msg := &Message{Command: CmdPutDat, Payload: []byte{1, 2, 3}}

	data, err := msg.Serialize()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00, 0x02, 0x01, 0x03, 0x00, 0x00, 0x00, 1, 2, 3}, data, "little-endian {version, command, bufsize}")

	back, err := DeserializeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, CmdPutDat, back.Command)
	assert.Equal(t, msg.Payload, back.Payload)

	read, err := ReadMessage(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, msg.Payload, read.Payload)
}

func TestMessageValidation(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"too small", []byte{1, 0, 1}, "message too small"},
		{"bad version", []byte{2, 0, 0x01, 0x02, 0, 0, 0, 0}, "unsupported protocol version"},
		{"size mismatch", []byte{1, 0, 0x01, 0x02, 4, 0, 0, 0, 9}, "size mismatch"},
		{"oversized", []byte{1, 0, 0x01, 0x02, 0xFF, 0xFF, 0xFF, 0xFF}, "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeserializeMessage(tt.data)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCommandReply(t *testing.T) {
	tests := []struct {
		cmd      Command
		ok, fail Command
	}{
		{CmdPutHdr, CmdPutOK, CmdPutErr},
		{CmdGetEvt, CmdGetOK, CmdGetErr},
		{CmdFlushDat, CmdFlushOK, CmdFlushErr},
		{CmdWaitDat, CmdWaitOK, CmdWaitErr},
		{CmdPutOK, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			ok, fail := tt.cmd.Reply()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.fail, fail)
		})
	}
	assert.Equal(t, "0x0999", Command(0x999).String())
}

func TestHeaderEncoding(t *testing.T) {
	h := Header{NChans: 2, FSample: 512, DataType: TypeFloat32, Labels: []string{"Fp1", "Fp2"}}

	data, err := h.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, data, headerDefSize+chunkDefSize+8)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[0:]))
	assert.Equal(t, uint32(TypeFloat32), binary.LittleEndian.Uint32(data[16:]))
	assert.Equal(t, uint32(ChunkChannelNames), binary.LittleEndian.Uint32(data[24:]))
	assert.Equal(t, "Fp1\x00Fp2\x00", string(data[32:]))

	var back Header
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, h, back)

	_, err = Header{NChans: 3, Labels: []string{"a"}}.MarshalBinary()
	assert.Error(t, err, "label count must match channels")

	assert.Error(t, back.UnmarshalBinary(data[:20]))
	assert.Error(t, back.UnmarshalBinary(data[:30]), "chunk size mismatch")
}

func TestDataEncoding(t *testing.T) {
	payload, err := EncodeFloat32(2, 3, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Len(t, payload, dataDefSize+24)

	def, values, err := DecodeFloat32(payload)
	require.NoError(t, err)
	assert.Equal(t, DataDef{NChans: 2, NSamples: 3, DataType: TypeFloat32, BufSize: 24}, def)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, values)

	_, err = EncodeFloat32(2, 2, []float32{1})
	assert.Error(t, err)

	// size that does not match nchans*nsamples*wordsize
	bad := append([]byte(nil), payload...)
	binary.LittleEndian.PutUint32(bad[4:], 4)
	_, _, err = DecodeFloat32(bad)
	assert.Error(t, err)
}

func TestEventEncoding(t *testing.T) {
	events := []Event{
		{Type: "trigger", Value: 1, Sample: 100},
		{Type: "button", Value: -7, Sample: 250, Offset: 2, Duration: 5},
	}
	payload := EncodeEvents(events)
	assert.Len(t, payload, 2*eventDefSize+len("trigger")+4+len("button")+4)

	back, err := DecodeEvents(payload)
	require.NoError(t, err)
	assert.Equal(t, events, back)

	_, err = DecodeEvents(payload[:eventDefSize+3])
	assert.Error(t, err, "truncated record")
}

func TestWordSize(t *testing.T) {
	assert.Equal(t, 1, TypeChar.WordSize())
	assert.Equal(t, 2, TypeInt16.WordSize())
	assert.Equal(t, 4, TypeFloat32.WordSize())
	assert.Equal(t, 8, TypeFloat64.WordSize())
	assert.Equal(t, 0, DataType(99).WordSize())
}
