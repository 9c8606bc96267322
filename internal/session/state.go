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

package session

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/loqalabs/loqa-amp/internal/status"
)

// State is the lifecycle of a session
type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateStreaming
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StatusCode maps the state onto the exported status block
func (s State) StatusCode() uint16 {
	switch s {
	case StateConfiguring:
		return status.StateConfiguring
	case StateStreaming:
		return status.StateStreaming
	case StateStopping:
		return status.StateStopping
	default:
		return status.StateIdle
	}
}

// allowed lists the only legal transitions
var allowed = map[State]State{
	StateIdle:        StateConfiguring,
	StateConfiguring: StateStreaming,
	StateStreaming:   StateStopping,
	StateStopping:    StateIdle,
}

// stateMachine guards transitions; reads are safe from any goroutine
type stateMachine struct {
	state  atomic.Int32
	logger *slog.Logger
}

func (m *stateMachine) current() State {
	return State(m.state.Load())
}

// enter moves to next. Configuring may also fall straight to Stopping.
func (m *stateMachine) enter(next State) error {
	cur := m.current()
	ok := allowed[cur] == next || (cur == StateConfiguring && next == StateStopping)
	if !ok || !m.state.CompareAndSwap(int32(cur), int32(next)) {
		return fmt.Errorf("invalid session transition %s -> %s", cur, next)
	}
	m.logger.Info("session state", "from", cur.String(), "to", next.String())
	return nil
}
