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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Default ring sizes for the embedded buffer
const (
	DefaultSampleCapacity = 600000
	DefaultEventCapacity  = 10000
)

// ServerConfig sizes the embedded buffer
type ServerConfig struct {
	SampleCapacity int
	EventCapacity  int
}

// Server is an in-process FieldTrip buffer. It keeps the header, the most
// recent SampleCapacity samples and EventCapacity events, and answers PUT,
// GET, FLUSH and WAIT requests from any number of TCP clients.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu          sync.Mutex
	header      []byte // raw PUT_HDR payload, nil when no header
	nchans      int
	dataType    DataType
	data        []byte
	firstSample uint32
	nsamples    uint32
	events      [][]byte
	firstEvent  uint32
	nevents     uint32
	changed     chan struct{}

	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewServer creates an empty buffer
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.SampleCapacity <= 0 {
		cfg.SampleCapacity = DefaultSampleCapacity
	}
	if cfg.EventCapacity <= 0 {
		cfg.EventCapacity = DefaultEventCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		changed: make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start listens on addr and serves connections until ctx ends or Close is called
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("buffer server listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	}()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, drops clients and waits for handlers to exit
func (s *Server) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("buffer accept failed", "error", err)
			}
			return
		}
		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		msg, err := ReadMessage(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("buffer client dropped", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		var cmd Command
		var payload []byte
		if msg.Command == CmdWaitDat {
			cmd, payload = s.wait(ctx, msg.Payload)
		} else {
			cmd, payload = s.Handle(msg)
		}
		if cmd == 0 {
			s.logger.Warn("unknown buffer command", "command", msg.Command.String())
			return
		}
		if err := WriteMessage(conn, cmd, payload); err != nil {
			return
		}
	}
}

// Handle applies one non-blocking request and returns the response
func (s *Server) Handle(msg *Message) (Command, []byte) {
	ok, fail := msg.Command.Reply()
	if ok == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	var err error
	switch msg.Command {
	case CmdPutHdr:
		err = s.putHeader(msg.Payload)
	case CmdPutDat:
		err = s.putData(msg.Payload)
	case CmdPutEvt:
		err = s.putEvents(msg.Payload)
	case CmdGetHdr:
		payload, err = s.getHeader()
	case CmdGetDat:
		payload, err = s.getData(msg.Payload)
	case CmdGetEvt:
		payload, err = s.getEvents(msg.Payload)
	case CmdFlushHdr:
		s.header = nil
		s.flushData()
		s.flushEvents()
	case CmdFlushDat:
		s.flushData()
	case CmdFlushEvt:
		s.flushEvents()
	case CmdWaitDat:
		payload, err = s.waitStatusLocked(msg.Payload)
	}

	if err != nil {
		s.logger.Debug("buffer request rejected", "command", msg.Command.String(), "error", err)
		return fail, nil
	}
	return ok, payload
}

// notifyLocked wakes WAIT_DAT requests
func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) putHeader(payload []byte) error {
	var h Header
	if err := h.UnmarshalBinary(payload); err != nil {
		return err
	}
	if h.NChans == 0 {
		return fmt.Errorf("header has no channels")
	}
	if h.DataType.WordSize() == 0 {
		return fmt.Errorf("unknown data type %d", h.DataType)
	}
	s.header = append([]byte(nil), payload...)
	s.nchans = int(h.NChans)
	s.dataType = h.DataType
	s.flushData()
	s.flushEvents()
	return nil
}

func (s *Server) flushData() {
	s.data = nil
	s.firstSample = 0
	s.nsamples = 0
	s.notifyLocked()
}

func (s *Server) flushEvents() {
	s.events = nil
	s.firstEvent = 0
	s.nevents = 0
	s.notifyLocked()
}

func (s *Server) rowBytes() int {
	return s.nchans * s.dataType.WordSize()
}

func (s *Server) putData(payload []byte) error {
	if s.header == nil {
		return fmt.Errorf("no header")
	}
	def, body, err := parseDataDef(payload)
	if err != nil {
		return err
	}
	if int(def.NChans) != s.nchans || def.DataType != s.dataType {
		return fmt.Errorf("data %dx%d does not match header %dx%d", def.NChans, def.DataType, s.nchans, s.dataType)
	}

	s.data = append(s.data, body...)
	s.nsamples += def.NSamples
	if held := len(s.data) / s.rowBytes(); held > s.cfg.SampleCapacity {
		drop := held - s.cfg.SampleCapacity
		s.data = s.data[drop*s.rowBytes():]
		s.firstSample += uint32(drop) //nolint:gosec // bounded by held
	}
	s.notifyLocked()
	return nil
}

func (s *Server) putEvents(payload []byte) error {
	if s.header == nil {
		return fmt.Errorf("no header")
	}
	records, err := splitEvents(payload)
	if err != nil {
		return err
	}
	for _, rec := range records {
		s.events = append(s.events, append([]byte(nil), rec...))
	}
	s.nevents += uint32(len(records)) //nolint:gosec // bounded by payload size
	if over := len(s.events) - s.cfg.EventCapacity; over > 0 {
		s.events = s.events[over:]
		s.firstEvent += uint32(over) //nolint:gosec // bounded by len(events)
	}
	s.notifyLocked()
	return nil
}

func (s *Server) getHeader() ([]byte, error) {
	if s.header == nil {
		return nil, fmt.Errorf("no header")
	}
	out := append([]byte(nil), s.header...)
	binary.LittleEndian.PutUint32(out[4:], s.nsamples)
	binary.LittleEndian.PutUint32(out[8:], s.nevents)
	return out, nil
}

// selection resolves an optional inclusive range against [first, total)
func selection(payload []byte, first, total uint32) (uint32, uint32, error) {
	if total == first {
		return 0, 0, fmt.Errorf("nothing available")
	}
	begin, end := first, total-1
	if len(payload) > 0 {
		var err error
		if begin, end, err = decodeSelection(payload); err != nil {
			return 0, 0, err
		}
	}
	if begin > end {
		return 0, 0, fmt.Errorf("invalid range %d..%d", begin, end)
	}
	if begin < first || end >= total {
		return 0, 0, fmt.Errorf("range %d..%d outside available %d..%d", begin, end, first, total-1)
	}
	return begin, end, nil
}

func (s *Server) getData(payload []byte) ([]byte, error) {
	if s.header == nil {
		return nil, fmt.Errorf("no header")
	}
	begin, end, err := selection(payload, s.firstSample, s.nsamples)
	if err != nil {
		return nil, err
	}
	rb := s.rowBytes()
	n := int(end - begin + 1)
	from := int(begin-s.firstSample) * rb
	body := s.data[from : from+n*rb]

	out := make([]byte, 0, dataDefSize+len(body))
	out = appendDataDef(out, DataDef{
		NChans:   uint32(s.nchans), //nolint:gosec // from header
		NSamples: uint32(n),        //nolint:gosec // bounded by nsamples
		DataType: s.dataType,
		BufSize:  uint32(len(body)), //nolint:gosec // bounded by capacity
	})
	return append(out, body...), nil
}

func (s *Server) getEvents(payload []byte) ([]byte, error) {
	if s.header == nil {
		return nil, fmt.Errorf("no header")
	}
	begin, end, err := selection(payload, s.firstEvent, s.nevents)
	if err != nil {
		return nil, err
	}
	var out []byte
	for i := begin; i <= end; i++ {
		out = append(out, s.events[i-s.firstEvent]...)
	}
	return out, nil
}

func (s *Server) waitStatusLocked(payload []byte) ([]byte, error) {
	if _, err := decodeWaitDef(payload); err != nil {
		return nil, err
	}
	if s.header == nil {
		return nil, fmt.Errorf("no header")
	}
	return encodeSelection(s.nsamples, s.nevents), nil
}

// wait blocks until the totals exceed the request thresholds or the timeout passes
func (s *Server) wait(ctx context.Context, payload []byte) (Command, []byte) {
	def, err := decodeWaitDef(payload)
	if err != nil {
		return CmdWaitErr, nil
	}

	timer := time.NewTimer(time.Duration(def.Milliseconds) * time.Millisecond)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.header == nil {
			s.mu.Unlock()
			return CmdWaitErr, nil
		}
		nsamples, nevents := s.nsamples, s.nevents
		changed := s.changed
		s.mu.Unlock()

		if nsamples > def.NSamples || nevents > def.NEvents {
			return CmdWaitOK, encodeSelection(nsamples, nevents)
		}

		select {
		case <-changed:
		case <-timer.C:
			return CmdWaitOK, encodeSelection(nsamples, nevents)
		case <-ctx.Done():
			return CmdWaitOK, encodeSelection(nsamples, nevents)
		}
	}
}

// Totals returns the sample and event counts since the last header
func (s *Server) Totals() (nsamples, nevents uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nsamples, s.nevents
}
