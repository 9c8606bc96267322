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

package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Connection is the subset of *nats.Conn the bridge uses, for dependency injection
type Connection interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	PublishMsg(msg *nats.Msg) error
	Flush() error
	Close()
}

// ConnectionAdapter adapts *nats.Conn to Connection
type ConnectionAdapter struct {
	conn *nats.Conn
}

// NewConnectionAdapter wraps an established connection
func NewConnectionAdapter(conn *nats.Conn) *ConnectionAdapter {
	return &ConnectionAdapter{conn: conn}
}

func (a *ConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnectionAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *ConnectionAdapter) PublishMsg(msg *nats.Msg) error {
	return a.conn.PublishMsg(msg)
}

func (a *ConnectionAdapter) Flush() error {
	return a.conn.Flush()
}

func (a *ConnectionAdapter) Close() {
	a.conn.Close()
}

// ConnectOptions controls the connect retry
type ConnectOptions struct {
	Name       string
	Attempts   int
	RetryDelay time.Duration
}

// Connect dials url, retrying a few times before giving up
func Connect(url string, opts ConnectOptions, logger *slog.Logger) (*ConnectionAdapter, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < opts.Attempts; i++ {
		nc, err = nats.Connect(url, nats.Name(opts.Name))
		if err == nil {
			break
		}
		logger.Warn("failed to connect to NATS", "attempt", i+1, "of", opts.Attempts, "error", err)
		if i < opts.Attempts-1 {
			time.Sleep(opts.RetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", opts.Attempts, err)
	}

	logger.Info("connected to NATS", "url", url)
	return NewConnectionAdapter(nc), nil
}

// Subjects derives the bridge subjects from one prefix
type Subjects struct {
	Prefix string
}

func (s Subjects) Header() string  { return s.Prefix + ".hdr" }
func (s Subjects) Data() string    { return s.Prefix + ".dat" }
func (s Subjects) Events() string  { return s.Prefix + ".evt" }
func (s Subjects) Control() string { return s.Prefix + ".ctrl" }
