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

package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultReplyTimeout bounds how long a TCP client waits for the loop to answer
const DefaultReplyTimeout = 5 * time.Second

// TCPServer accepts line-oriented control clients. Each line is one request
// and gets exactly one reply line.
type TCPServer struct {
	addr         string
	listener     *Listener
	logger       *slog.Logger
	ReplyTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTCPServer creates a server on addr feeding listener
func NewTCPServer(addr string, listener *Listener, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		addr:         addr,
		listener:     listener,
		logger:       logger,
		ReplyTimeout: DefaultReplyTimeout,
		conns:        make(map[net.Conn]struct{}),
	}
}

// Start listens until ctx ends or Close is called
func (s *TCPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for control on %s: %w", s.addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("control server listening", "addr", ln.Addr().String())

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
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the server and waits for client handlers to exit
func (s *TCPServer) Close() error {
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

func (s *TCPServer) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("control accept failed", "error", err)
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

func (s *TCPServer) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("control client connected", "remote", remote)

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)
	for scanner.Scan() {
		req, err := Parse(scanner.Text())
		if errors.Is(err, ErrEmptyRequest) {
			continue
		}

		replies := make(chan string, 1)
		req.Source = "tcp:" + remote
		req = req.WithReply(func(text string) { replies <- text }).Expirable()

		var reply string
		if s.listener.Submit(req) {
			timer := time.NewTimer(s.ReplyTimeout)
			select {
			case reply = <-replies:
			case <-timer.C:
				// a request already taken by the loop still gets its real reply
				if req.Expire() {
					reply = "ERR timeout"
				} else {
					reply = <-replies
				}
			case <-ctx.Done():
				timer.Stop()
				req.Expire()
				return
			}
			timer.Stop()
		} else {
			reply = <-replies
		}

		if _, err := writer.WriteString(reply + "\n"); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
	s.logger.Debug("control client disconnected", "remote", remote)
}
