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
	"sync"

	"github.com/nats-io/nats.go"
)

// MockConnection implements Connection in memory for testing.
// Published messages are recorded and delivered to local subscribers.
type MockConnection struct {
	mu          sync.RWMutex
	subscribers map[string][]nats.MsgHandler
	published   []*nats.Msg
	connected   bool
	errors      map[string]error
}

// NewMockConnection creates a connected mock
func NewMockConnection() *MockConnection {
	return &MockConnection{
		subscribers: make(map[string][]nats.MsgHandler),
		connected:   true,
		errors:      make(map[string]error),
	}
}

// SetError makes Subscribe and Publish fail for subject
func (m *MockConnection) SetError(subject string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[subject] = err
}

func (m *MockConnection) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, nats.ErrConnectionClosed
	}
	if err, exists := m.errors[subject]; exists {
		return nil, err
	}
	m.subscribers[subject] = append(m.subscribers[subject], cb)
	return &nats.Subscription{Subject: subject}, nil
}

func (m *MockConnection) Publish(subject string, data []byte) error {
	return m.PublishMsg(&nats.Msg{Subject: subject, Data: data})
}

func (m *MockConnection) PublishMsg(msg *nats.Msg) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nats.ErrConnectionClosed
	}
	if err, exists := m.errors[msg.Subject]; exists {
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, msg)
	handlers := append([]nats.MsgHandler(nil), m.subscribers[msg.Subject]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (m *MockConnection) Flush() error {
	return nil
}

func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Deliver simulates an inbound request with a reply subject
func (m *MockConnection) Deliver(subject, reply string, data []byte) {
	m.mu.RLock()
	handlers := append([]nats.MsgHandler(nil), m.subscribers[subject]...)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(&nats.Msg{Subject: subject, Reply: reply, Data: data})
	}
}

// Published returns every message published on subject, in order
func (m *MockConnection) Published(subject string) []*nats.Msg {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*nats.Msg
	for _, msg := range m.published {
		if msg.Subject == subject {
			out = append(out, msg)
		}
	}
	return out
}

// IsConnected reports whether Close has not been called
func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}
