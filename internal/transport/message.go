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
	"io"
)

// FieldTrip buffer protocol, version 1.
// Every message is an 8 byte little-endian header followed by bufsize payload bytes.

// Command identifies a request or response
type Command uint16

const (
	CmdPutHdr Command = 0x101
	CmdPutDat Command = 0x102
	CmdPutEvt Command = 0x103
	CmdPutOK  Command = 0x104
	CmdPutErr Command = 0x105

	CmdGetHdr Command = 0x201
	CmdGetDat Command = 0x202
	CmdGetEvt Command = 0x203
	CmdGetOK  Command = 0x204
	CmdGetErr Command = 0x205

	CmdFlushHdr Command = 0x301
	CmdFlushDat Command = 0x302
	CmdFlushEvt Command = 0x303
	CmdFlushOK  Command = 0x304
	CmdFlushErr Command = 0x305

	CmdWaitDat Command = 0x402
	CmdWaitOK  Command = 0x404
	CmdWaitErr Command = 0x405
)

var commandNames = map[Command]string{
	CmdPutHdr: "PUT_HDR", CmdPutDat: "PUT_DAT", CmdPutEvt: "PUT_EVT", CmdPutOK: "PUT_OK", CmdPutErr: "PUT_ERR",
	CmdGetHdr: "GET_HDR", CmdGetDat: "GET_DAT", CmdGetEvt: "GET_EVT", CmdGetOK: "GET_OK", CmdGetErr: "GET_ERR",
	CmdFlushHdr: "FLUSH_HDR", CmdFlushDat: "FLUSH_DAT", CmdFlushEvt: "FLUSH_EVT", CmdFlushOK: "FLUSH_OK", CmdFlushErr: "FLUSH_ERR",
	CmdWaitDat: "WAIT_DAT", CmdWaitOK: "WAIT_OK", CmdWaitErr: "WAIT_ERR",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(c))
}

// Reply returns the OK and ERR responses that answer a request
func (c Command) Reply() (ok, fail Command) {
	switch c {
	case CmdPutHdr, CmdPutDat, CmdPutEvt:
		return CmdPutOK, CmdPutErr
	case CmdGetHdr, CmdGetDat, CmdGetEvt:
		return CmdGetOK, CmdGetErr
	case CmdFlushHdr, CmdFlushDat, CmdFlushEvt:
		return CmdFlushOK, CmdFlushErr
	case CmdWaitDat:
		return CmdWaitOK, CmdWaitErr
	default:
		return 0, 0
	}
}

const (
	// Version is the only protocol version understood
	Version = 1

	// DefaultPort is the conventional buffer port
	DefaultPort = 1972

	// MessageHeaderSize is the size of MessageHeader on the wire
	MessageHeaderSize = 8

	// MaxMessageSize bounds a single payload
	MaxMessageSize = 64 << 20
)

// MessageHeader is the fixed-size message prefix
type MessageHeader struct {
	Version uint16
	Command Command
	BufSize uint32
}

// Message is one request or response
type Message struct {
	Command Command
	Payload []byte
}

// Serialize converts a message to its wire format
func (m *Message) Serialize() ([]byte, error) {
	if len(m.Payload) > MaxMessageSize {
		return nil, fmt.Errorf("message payload too large: %d bytes (max %d)", len(m.Payload), MaxMessageSize)
	}

	header := MessageHeader{
		Version: Version,
		Command: m.Command,
		BufSize: uint32(len(m.Payload)), //nolint:gosec // G115: bounded by MaxMessageSize above
	}

	buf := bytes.NewBuffer(make([]byte, 0, MessageHeaderSize+len(m.Payload)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write message header: %w", err)
	}
	buf.Write(m.Payload)
	return buf.Bytes(), nil
}

// WriteMessage writes one message to w
func WriteMessage(w io.Writer, cmd Command, payload []byte) error {
	msg := Message{Command: cmd, Payload: payload}
	data, err := msg.Serialize()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", cmd, err)
	}
	return nil
}

// parseMessageHeader parses and validates the fixed prefix
func parseMessageHeader(headerData []byte) (*MessageHeader, error) {
	if len(headerData) != MessageHeaderSize {
		return nil, fmt.Errorf("invalid header size: %d bytes (expected %d)", len(headerData), MessageHeaderSize)
	}

	var header MessageHeader
	if err := binary.Read(bytes.NewReader(headerData), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}
	if header.Version != Version {
		return nil, fmt.Errorf("unsupported protocol version %d (expected %d)", header.Version, Version)
	}
	if header.BufSize > MaxMessageSize {
		return nil, fmt.Errorf("message payload too large: %d bytes (max %d)", header.BufSize, MaxMessageSize)
	}
	return &header, nil
}

// ReadMessage reads one complete message from r
func ReadMessage(r io.Reader) (*Message, error) {
	headerData := make([]byte, MessageHeaderSize)
	if _, err := io.ReadFull(r, headerData); err != nil {
		return nil, err
	}
	header, err := parseMessageHeader(headerData)
	if err != nil {
		return nil, err
	}

	msg := &Message{Command: header.Command}
	if header.BufSize > 0 {
		msg.Payload = make([]byte, header.BufSize)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, fmt.Errorf("failed to read %s payload: %w", header.Command, err)
		}
	}
	return msg, nil
}

// DeserializeMessage converts a complete wire message back into a Message
func DeserializeMessage(data []byte) (*Message, error) {
	if len(data) < MessageHeaderSize {
		return nil, fmt.Errorf("message too small: %d bytes (min %d)", len(data), MessageHeaderSize)
	}
	header, err := parseMessageHeader(data[:MessageHeaderSize])
	if err != nil {
		return nil, err
	}
	expected := MessageHeaderSize + int(header.BufSize)
	if len(data) != expected {
		return nil, fmt.Errorf("message size mismatch: got %d bytes, expected %d", len(data), expected)
	}
	msg := &Message{Command: header.Command}
	if header.BufSize > 0 {
		msg.Payload = append([]byte(nil), data[MessageHeaderSize:]...)
	}
	return msg, nil
}
