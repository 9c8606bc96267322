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
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrRejected is returned when the buffer answers a request with an *_ERR command
var ErrRejected = errors.New("request rejected by buffer")

// Client talks to a FieldTrip buffer over one persistent TCP connection.
// Requests are serialized; each waits for its response.
type Client struct {
	address string
	timeout time.Duration

	mutex  sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient creates a client for host:port
func NewClient(address string) *Client {
	return &Client{
		address: address,
		timeout: 10 * time.Second,
	}
}

// SetTimeout sets the dial and per-request deadline
func (c *Client) SetTimeout(timeout time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.timeout = timeout
}

// Address returns the remote buffer address
func (c *Client) Address() string {
	return c.address
}

// Connect dials the buffer
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to buffer at %s: %w", c.address, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// IsConnected reports whether a connection is open
func (c *Client) IsConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.conn != nil
}

// Close closes the connection
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// request sends one message and returns the response payload.
// A transport failure drops the connection.
func (c *Client) request(cmd Command, payload []byte) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn == nil {
		return nil, fmt.Errorf("not connected to buffer")
	}

	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if err := WriteMessage(c.conn, cmd, payload); err != nil {
		c.dropLocked()
		return nil, err
	}
	resp, err := ReadMessage(c.reader)
	if err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("failed to read %s response: %w", cmd, err)
	}

	ok, fail := cmd.Reply()
	switch resp.Command {
	case ok:
		return resp.Payload, nil
	case fail:
		return nil, fmt.Errorf("%w: %s", ErrRejected, cmd)
	default:
		c.dropLocked()
		return nil, fmt.Errorf("unexpected response %s to %s", resp.Command, cmd)
	}
}

func (c *Client) dropLocked() {
	_ = c.conn.Close()
	c.conn = nil
	c.reader = nil
}

// PutHeader replaces the stream header, which also clears data and events
func (c *Client) PutHeader(h Header) error {
	payload, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.request(CmdPutHdr, payload)
	return err
}

// PutData appends nsamples rows of nchans float32 values
func (c *Client) PutData(nchans, nsamples int, samples []float32) error {
	payload, err := EncodeFloat32(nchans, nsamples, samples)
	if err != nil {
		return err
	}
	_, err = c.request(CmdPutDat, payload)
	return err
}

// PutEvents appends events
func (c *Client) PutEvents(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	_, err := c.request(CmdPutEvt, EncodeEvents(events))
	return err
}

// GetHeader fetches the header with current sample and event totals
func (c *Client) GetHeader() (Header, error) {
	payload, err := c.request(CmdGetHdr, nil)
	if err != nil {
		return Header{}, err
	}
	var h Header
	if err := h.UnmarshalBinary(payload); err != nil {
		return Header{}, err
	}
	return h, nil
}

// GetData fetches samples begin..end inclusive
func (c *Client) GetData(begin, end uint32) (DataDef, []float32, error) {
	payload, err := c.request(CmdGetDat, encodeSelection(begin, end))
	if err != nil {
		return DataDef{}, nil, err
	}
	return DecodeFloat32(payload)
}

// GetEvents fetches events begin..end inclusive
func (c *Client) GetEvents(begin, end uint32) ([]Event, error) {
	payload, err := c.request(CmdGetEvt, encodeSelection(begin, end))
	if err != nil {
		return nil, err
	}
	return DecodeEvents(payload)
}

// Flush sends FLUSH_HDR, FLUSH_DAT or FLUSH_EVT
func (c *Client) Flush(cmd Command) error {
	switch cmd {
	case CmdFlushHdr, CmdFlushDat, CmdFlushEvt:
	default:
		return fmt.Errorf("%s is not a flush command", cmd)
	}
	_, err := c.request(cmd, nil)
	return err
}

// WaitData blocks on the server until more than nsamples samples or nevents
// events exist, or timeout passes. It returns the current totals.
func (c *Client) WaitData(nsamples, nevents uint32, timeout time.Duration) (uint32, uint32, error) {
	wait := WaitDef{NSamples: nsamples, NEvents: nevents, Milliseconds: uint32(timeout / time.Millisecond)} //nolint:gosec // caller-bounded wait

	c.mutex.Lock()
	saved := c.timeout
	if saved > 0 {
		c.timeout = saved + timeout
	}
	c.mutex.Unlock()
	defer func() {
		c.mutex.Lock()
		c.timeout = saved
		c.mutex.Unlock()
	}()

	payload, err := c.request(CmdWaitDat, wait.encode())
	if err != nil {
		return 0, 0, err
	}
	if len(payload) != 8 {
		return 0, 0, fmt.Errorf("wait response must be 8 bytes, got %d", len(payload))
	}
	s, e, _ := decodeSelection(payload)
	return s, e, nil
}
