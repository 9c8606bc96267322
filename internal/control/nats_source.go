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
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	natsbus "github.com/loqalabs/loqa-amp/internal/nats"
)

// NATSSource feeds requests published on <prefix>.ctrl into a Listener.
// Replies go to the request's reply subject.
type NATSSource struct {
	conn     natsbus.Connection
	subject  string
	listener *Listener
	logger   *slog.Logger

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

// NewNATSSource creates a source; the caller owns conn
func NewNATSSource(conn natsbus.Connection, prefix string, listener *Listener, logger *slog.Logger) *NATSSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSource{
		conn:     conn,
		subject:  natsbus.Subjects{Prefix: prefix}.Control(),
		listener: listener,
		logger:   logger,
	}
}

// Subject returns the subscribed control subject
func (n *NATSSource) Subject() string {
	return n.subject
}

// Start subscribes to the control subject
func (n *NATSSource) Start(_ context.Context) error {
	sub, err := n.conn.Subscribe(n.subject, n.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}
	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
	n.logger.Info("control subscribed", "subject", n.subject)
	return nil
}

func (n *NATSSource) handle(msg *nats.Msg) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}

	req, err := Parse(string(msg.Data))
	if err != nil {
		n.reply(msg.Reply, "ERR "+err.Error())
		return
	}
	req.Source = "nats:" + msg.Subject
	reply := msg.Reply
	n.listener.Submit(req.WithReply(func(text string) { n.reply(reply, text) }))
}

func (n *NATSSource) reply(subject, text string) {
	if subject == "" {
		return
	}
	if err := n.conn.Publish(subject, []byte(text)); err != nil {
		n.logger.Warn("failed to send control reply", "subject", subject, "error", err)
	}
}

// Close stops accepting requests
func (n *NATSSource) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
		n.sub = nil
	}
	return nil
}
