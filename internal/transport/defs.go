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
	"fmt"
	"math"
	"strings"
)

// DataType is the FieldTrip element type code
type DataType uint32

const (
	TypeChar    DataType = 0
	TypeUint8   DataType = 1
	TypeUint16  DataType = 2
	TypeUint32  DataType = 3
	TypeUint64  DataType = 4
	TypeInt8    DataType = 5
	TypeInt16   DataType = 6
	TypeInt32   DataType = 7
	TypeInt64   DataType = 8
	TypeFloat32 DataType = 9
	TypeFloat64 DataType = 10
)

// WordSize returns the element size in bytes, or 0 for an unknown type
func (t DataType) WordSize() int {
	switch t {
	case TypeChar, TypeUint8, TypeInt8:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// Chunk types carried after the header definition
const (
	ChunkUnspecified  = 0
	ChunkChannelNames = 1
)

const (
	headerDefSize = 24
	dataDefSize   = 16
	eventDefSize  = 32
	chunkDefSize  = 8
)

// Header describes the stream: channel count, rate, element type and labels.
// NSamples and NEvents are totals maintained by the server.
type Header struct {
	NChans   uint32
	NSamples uint32
	NEvents  uint32
	FSample  float32
	DataType DataType
	Labels   []string
}

type headerDef struct {
	NChans   uint32
	NSamples uint32
	NEvents  uint32
	FSample  float32
	DataType uint32
	BufSize  uint32
}

// MarshalBinary encodes the header with a channel names chunk when labels are set
func (h Header) MarshalBinary() ([]byte, error) {
	var chunks bytes.Buffer
	if len(h.Labels) > 0 {
		if len(h.Labels) != int(h.NChans) {
			return nil, fmt.Errorf("header has %d labels for %d channels", len(h.Labels), h.NChans)
		}
		var names bytes.Buffer
		for _, l := range h.Labels {
			names.WriteString(l)
			names.WriteByte(0)
		}
		_ = binary.Write(&chunks, binary.LittleEndian, [2]uint32{ChunkChannelNames, uint32(names.Len())}) //nolint:gosec // label chunk is small
		chunks.Write(names.Bytes())
	}

	def := headerDef{
		NChans:   h.NChans,
		NSamples: h.NSamples,
		NEvents:  h.NEvents,
		FSample:  h.FSample,
		DataType: uint32(h.DataType),
		BufSize:  uint32(chunks.Len()), //nolint:gosec // label chunk is small
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, def); err != nil {
		return nil, fmt.Errorf("failed to write header definition: %w", err)
	}
	buf.Write(chunks.Bytes())
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a header and its channel names chunk; other chunks are skipped
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < headerDefSize {
		return fmt.Errorf("header too small: %d bytes (min %d)", len(data), headerDefSize)
	}
	var def headerDef
	if err := binary.Read(bytes.NewReader(data[:headerDefSize]), binary.LittleEndian, &def); err != nil {
		return fmt.Errorf("failed to read header definition: %w", err)
	}
	if int(def.BufSize) != len(data)-headerDefSize {
		return fmt.Errorf("header chunk size mismatch: %d declared, %d present", def.BufSize, len(data)-headerDefSize)
	}

	*h = Header{
		NChans:   def.NChans,
		NSamples: def.NSamples,
		NEvents:  def.NEvents,
		FSample:  def.FSample,
		DataType: DataType(def.DataType),
	}

	rest := data[headerDefSize:]
	for len(rest) > 0 {
		if len(rest) < chunkDefSize {
			return fmt.Errorf("truncated chunk definition")
		}
		typ := binary.LittleEndian.Uint32(rest[0:])
		size := binary.LittleEndian.Uint32(rest[4:])
		rest = rest[chunkDefSize:]
		if int(size) > len(rest) {
			return fmt.Errorf("chunk %d size %d exceeds remaining %d bytes", typ, size, len(rest))
		}
		if typ == ChunkChannelNames {
			names := strings.Split(strings.TrimRight(string(rest[:size]), "\x00"), "\x00")
			h.Labels = names
		}
		rest = rest[size:]
	}
	return nil
}

// DataDef precedes a block of samples
type DataDef struct {
	NChans   uint32
	NSamples uint32
	DataType DataType
	BufSize  uint32
}

func parseDataDef(data []byte) (DataDef, []byte, error) {
	if len(data) < dataDefSize {
		return DataDef{}, nil, fmt.Errorf("data definition too small: %d bytes", len(data))
	}
	def := DataDef{
		NChans:   binary.LittleEndian.Uint32(data[0:]),
		NSamples: binary.LittleEndian.Uint32(data[4:]),
		DataType: DataType(binary.LittleEndian.Uint32(data[8:])),
		BufSize:  binary.LittleEndian.Uint32(data[12:]),
	}
	body := data[dataDefSize:]
	if int(def.BufSize) != len(body) {
		return DataDef{}, nil, fmt.Errorf("data size mismatch: %d declared, %d present", def.BufSize, len(body))
	}
	ws := def.DataType.WordSize()
	if ws == 0 {
		return DataDef{}, nil, fmt.Errorf("unknown data type %d", def.DataType)
	}
	if uint64(def.NChans)*uint64(def.NSamples)*uint64(ws) != uint64(def.BufSize) {
		return DataDef{}, nil, fmt.Errorf("data size %d does not match %d x %d x %d", def.BufSize, def.NChans, def.NSamples, ws)
	}
	return def, body, nil
}

func appendDataDef(buf []byte, def DataDef) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, def.NChans)
	buf = binary.LittleEndian.AppendUint32(buf, def.NSamples)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(def.DataType))
	return binary.LittleEndian.AppendUint32(buf, def.BufSize)
}

// EncodeFloat32 packs row-major samples as a PUT_DAT payload
func EncodeFloat32(nchans, nsamples int, samples []float32) ([]byte, error) {
	if len(samples) != nchans*nsamples {
		return nil, fmt.Errorf("have %d values for %d x %d samples", len(samples), nchans, nsamples)
	}
	size := len(samples) * 4
	buf := make([]byte, 0, dataDefSize+size)
	buf = appendDataDef(buf, DataDef{
		NChans:   uint32(nchans),   //nolint:gosec // channel count
		NSamples: uint32(nsamples), //nolint:gosec // block size
		DataType: TypeFloat32,
		BufSize:  uint32(size), //nolint:gosec // bounded by MaxMessageSize on send
	})
	for _, v := range samples {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf, nil
}

// DecodeFloat32 unpacks a GET_DAT response holding float32 samples
func DecodeFloat32(payload []byte) (DataDef, []float32, error) {
	def, body, err := parseDataDef(payload)
	if err != nil {
		return DataDef{}, nil, err
	}
	if def.DataType != TypeFloat32 {
		return def, nil, fmt.Errorf("data type %d is not float32", def.DataType)
	}
	out := make([]float32, len(body)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return def, out, nil
}

// Event is a discrete marker attached to an absolute sample
type Event struct {
	Type     string
	Value    int32
	Sample   int32
	Offset   int32
	Duration int32
}

// AppendEvent encodes e with a CHAR type and INT32 value
func AppendEvent(buf []byte, e Event) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(TypeChar))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Type))) //nolint:gosec // short label
	buf = binary.LittleEndian.AppendUint32(buf, uint32(TypeInt32))
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Sample))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Offset))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Duration))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Type)+4)) //nolint:gosec // short label
	buf = append(buf, e.Type...)
	return binary.LittleEndian.AppendUint32(buf, uint32(e.Value))
}

// EncodeEvents concatenates events into a PUT_EVT payload
func EncodeEvents(events []Event) []byte {
	var buf []byte
	for _, e := range events {
		buf = AppendEvent(buf, e)
	}
	return buf
}

// splitEvents cuts a payload into validated raw event records
func splitEvents(data []byte) ([][]byte, error) {
	var out [][]byte
	for len(data) > 0 {
		if len(data) < eventDefSize {
			return nil, fmt.Errorf("truncated event definition: %d bytes", len(data))
		}
		size := binary.LittleEndian.Uint32(data[28:])
		total := eventDefSize + int(size)
		if total > len(data) || size > MaxMessageSize {
			return nil, fmt.Errorf("event size %d exceeds remaining %d bytes", size, len(data)-eventDefSize)
		}
		typeType := DataType(binary.LittleEndian.Uint32(data[0:]))
		typeNumel := binary.LittleEndian.Uint32(data[4:])
		valueType := DataType(binary.LittleEndian.Uint32(data[8:]))
		valueNumel := binary.LittleEndian.Uint32(data[12:])
		if typeType.WordSize() == 0 || valueType.WordSize() == 0 {
			return nil, fmt.Errorf("unknown event element type")
		}
		need := uint64(typeType.WordSize())*uint64(typeNumel) + uint64(valueType.WordSize())*uint64(valueNumel)
		if need > uint64(size) {
			return nil, fmt.Errorf("event declares %d bytes but carries %d", need, size)
		}
		out = append(out, data[:total])
		data = data[total:]
	}
	return out, nil
}

// DecodeEvents parses a GET_EVT response. Types must be CHAR; integer and
// float values are converted to int32 from their first element.
func DecodeEvents(data []byte) ([]Event, error) {
	records, err := splitEvents(data)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		typeType := DataType(binary.LittleEndian.Uint32(rec[0:]))
		typeNumel := int(binary.LittleEndian.Uint32(rec[4:]))
		valueType := DataType(binary.LittleEndian.Uint32(rec[8:]))
		valueNumel := binary.LittleEndian.Uint32(rec[12:])
		if typeType != TypeChar {
			return nil, fmt.Errorf("event type of data type %d is not supported", typeType)
		}
		e := Event{
			Sample:   int32(binary.LittleEndian.Uint32(rec[16:])),
			Offset:   int32(binary.LittleEndian.Uint32(rec[20:])),
			Duration: int32(binary.LittleEndian.Uint32(rec[24:])),
		}
		body := rec[eventDefSize:]
		e.Type = string(body[:typeNumel])
		if valueNumel > 0 {
			v, err := scalarInt32(valueType, body[typeNumel:])
			if err != nil {
				return nil, err
			}
			e.Value = v
		}
		events = append(events, e)
	}
	return events, nil
}

func scalarInt32(t DataType, b []byte) (int32, error) {
	switch t {
	case TypeUint8, TypeChar:
		return int32(b[0]), nil
	case TypeInt8:
		return int32(int8(b[0])), nil
	case TypeUint16:
		return int32(binary.LittleEndian.Uint16(b)), nil
	case TypeInt16:
		return int32(int16(binary.LittleEndian.Uint16(b))), nil
	case TypeUint32, TypeInt32:
		return int32(binary.LittleEndian.Uint32(b)), nil
	case TypeUint64, TypeInt64:
		return int32(binary.LittleEndian.Uint64(b)), nil
	case TypeFloat32:
		return int32(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case TypeFloat64:
		return int32(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	default:
		return 0, fmt.Errorf("unknown event value type %d", t)
	}
}

func encodeSelection(begin, end uint32) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, begin)
	return binary.LittleEndian.AppendUint32(buf, end)
}

func decodeSelection(payload []byte) (begin, end uint32, err error) {
	if len(payload) != 8 {
		return 0, 0, fmt.Errorf("selection must be 8 bytes, got %d", len(payload))
	}
	return binary.LittleEndian.Uint32(payload[0:]), binary.LittleEndian.Uint32(payload[4:]), nil
}

// WaitDef is a WAIT_DAT request: return once either total exceeds its
// threshold or the timeout expires
type WaitDef struct {
	NSamples     uint32
	NEvents      uint32
	Milliseconds uint32
}

func (w WaitDef) encode() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, w.NSamples)
	buf = binary.LittleEndian.AppendUint32(buf, w.NEvents)
	return binary.LittleEndian.AppendUint32(buf, w.Milliseconds)
}

func decodeWaitDef(payload []byte) (WaitDef, error) {
	if len(payload) != 12 {
		return WaitDef{}, fmt.Errorf("wait definition must be 12 bytes, got %d", len(payload))
	}
	return WaitDef{
		NSamples:     binary.LittleEndian.Uint32(payload[0:]),
		NEvents:      binary.LittleEndian.Uint32(payload[4:]),
		Milliseconds: binary.LittleEndian.Uint32(payload[8:]),
	}, nil
}
