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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	s := Subjects{Prefix: "amp.lab1"}
	assert.Equal(t, "amp.lab1.hdr", s.Header())
	assert.Equal(t, "amp.lab1.dat", s.Data())
	assert.Equal(t, "amp.lab1.evt", s.Events())
	assert.Equal(t, "amp.lab1.ctrl", s.Control())
}

func TestMockConnection(t *testing.T) {
	t.Run("publish reaches subscribers", func(t *testing.T) {
		conn := NewMockConnection()
		var got []string
		_, err := conn.Subscribe("a", func(msg *nats.Msg) { got = append(got, string(msg.Data)) })
		require.NoError(t, err)

		require.NoError(t, conn.Publish("a", []byte("one")))
		require.NoError(t, conn.Publish("b", []byte("two")))

		assert.Equal(t, []string{"one"}, got)
		assert.Len(t, conn.Published("a"), 1)
		assert.Len(t, conn.Published("b"), 1)
	})

	t.Run("deliver carries reply subject", func(t *testing.T) {
		conn := NewMockConnection()
		var reply string
		_, err := conn.Subscribe("ctrl", func(msg *nats.Msg) { reply = msg.Reply })
		require.NoError(t, err)

		conn.Deliver("ctrl", "_INBOX.1", []byte("PING"))
		assert.Equal(t, "_INBOX.1", reply)
	})

	t.Run("errors", func(t *testing.T) {
		conn := NewMockConnection()
		conn.SetError("bad", errors.New("denied"))

		_, err := conn.Subscribe("bad", func(*nats.Msg) {})
		assert.EqualError(t, err, "denied")
		assert.EqualError(t, conn.Publish("bad", nil), "denied")

		conn.Close()
		assert.False(t, conn.IsConnected())
		assert.ErrorIs(t, conn.Publish("a", nil), nats.ErrConnectionClosed)
		_, err = conn.Subscribe("a", func(*nats.Msg) {})
		assert.ErrorIs(t, err, nats.ErrConnectionClosed)
	})
}

func TestConnectionAdapter(t *testing.T) {
	t.Run("adapter_creation", func(t *testing.T) {
		var conn *nats.Conn
		adapter := NewConnectionAdapter(conn)
		require.NotNil(t, adapter)
		assert.Equal(t, conn, adapter.conn)
	})

	t.Run("close_with_nil_conn", func(t *testing.T) {
		adapter := NewConnectionAdapter(nil)
		// This should not panic even with nil conn
		adapter.Close()
	})
}

func TestConnect(t *testing.T) {
	t.Run("connection_failure", func(t *testing.T) {
		start := time.Now()
		conn, err := Connect("nats://127.0.0.1:1", ConnectOptions{Attempts: 2, RetryDelay: 10 * time.Millisecond}, nil)
		require.Error(t, err)
		assert.Nil(t, conn)
		assert.Contains(t, err.Error(), "after 2 attempts")
		assert.Less(t, time.Since(start), 10*time.Second)
	})
}

func TestMessagesJSON(t *testing.T) {
	msg := DataMessage{SessionID: "s1", FirstSample: 1024, Samples: 2, Channels: 1, Data: []float32{0.5, -1}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1","first_sample":1024,"samples":2,"channels":1,"data":[0.5,-1]}`, string(data))

	evt, err := json.Marshal(EventMessage{SessionID: "s1", Sample: 7, Type: "trigger", Value: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1","sample":7,"type":"trigger","value":1}`, string(evt))
}
