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
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
)

// Commands understood by the listener
const (
	CmdStream  = "STREAM"
	CmdVerbose = "VERBOSE"
	CmdStop    = "STOP"
	CmdStatus  = "STATUS"
	CmdPing    = "PING"
	CmdConfig  = "CONFIG"
)

// DefaultQueueSize bounds requests waiting for the acquisition loop
const DefaultQueueSize = 16

// ErrEmptyRequest is returned by Parse for a blank line
var ErrEmptyRequest = errors.New("empty request")

// Target is the state a control request can change.
// It is only touched from the goroutine calling Listener.Poll.
type Target interface {
	SetStreaming(on bool)
	Streaming() bool
	SetVerbose(on bool)
	Verbose() bool
	RequestStop()
	Status() string
	// Reconfigure re-applies the channel selection and labels.
	// nil channels selects every hardware channel, nil labels keeps the defaults.
	Reconfigure(channels []int, labels []string) error
}

// Source accepts requests from outside and submits them to a Listener
type Source interface {
	Start(ctx context.Context) error
	Close() error
}

// Request is one parsed control command. It is consumed at most once.
type Request struct {
	Command string
	Args    []string
	Source  string

	reply func(string)
	state *atomic.Int32
}

// request states for expirable requests
const (
	reqQueued int32 = iota
	reqClaimed
	reqExpired
)

// Parse splits a command line; the command is matched case-insensitively
func Parse(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, ErrEmptyRequest
	}
	return Request{Command: strings.ToUpper(fields[0]), Args: fields[1:]}, nil
}

// WithReply attaches the function that receives the reply line
func (r Request) WithReply(reply func(string)) Request {
	r.reply = reply
	return r
}

// Expirable lets the submitter withdraw the request with Expire
// while it is still queued
func (r Request) Expirable() Request {
	r.state = new(atomic.Int32)
	return r
}

// Expire withdraws a queued request. It returns false once the request
// has been taken for execution, in which case a reply will still follow.
func (r Request) Expire() bool {
	return r.state != nil && r.state.CompareAndSwap(reqQueued, reqExpired)
}

func (r Request) claim() bool {
	return r.state == nil || r.state.CompareAndSwap(reqQueued, reqClaimed)
}

func (r Request) respond(text string) {
	if r.reply != nil {
		r.reply(text)
	}
}

func parseSwitch(arg string) (bool, error) {
	switch strings.ToUpper(arg) {
	case "ON", "1", "TRUE":
		return true, nil
	case "OFF", "0", "FALSE":
		return false, nil
	default:
		return false, fmt.Errorf("expected ON or OFF, got %q", arg)
	}
}

// parseChannels reads "ALL" or a comma-separated list of zero-based indices
func parseChannels(arg string) ([]int, error) {
	if strings.EqualFold(arg, "ALL") {
		return nil, nil
	}
	parts := strings.Split(arg, ",")
	channels := make([]int, 0, len(parts))
	for _, part := range parts {
		ch, err := strconv.Atoi(part)
		if err != nil || ch < 0 {
			return nil, fmt.Errorf("invalid channel %q", part)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// Apply executes req against target and returns the reply line
func Apply(target Target, req Request) string {
	switch req.Command {
	case CmdStream:
		if len(req.Args) != 1 {
			return "ERR usage: STREAM ON|OFF"
		}
		on, err := parseSwitch(req.Args[0])
		if err != nil {
			return "ERR " + err.Error()
		}
		target.SetStreaming(on)
		return "OK streaming " + onOff(target.Streaming())

	case CmdVerbose:
		var on bool
		switch len(req.Args) {
		case 0:
			on = !target.Verbose()
		case 1:
			var err error
			if on, err = parseSwitch(req.Args[0]); err != nil {
				return "ERR " + err.Error()
			}
		default:
			return "ERR usage: VERBOSE [ON|OFF]"
		}
		target.SetVerbose(on)
		return "OK verbose " + onOff(on)

	case CmdStop:
		target.RequestStop()
		return "OK stopping"

	case CmdStatus:
		return "OK " + target.Status()

	case CmdPing:
		return "OK PONG"

	case CmdConfig:
		if len(req.Args) < 1 || len(req.Args) > 2 {
			return "ERR usage: CONFIG ALL|<ch,ch,...> [label,label,...]"
		}
		channels, err := parseChannels(req.Args[0])
		if err != nil {
			return "ERR " + err.Error()
		}
		var labels []string
		if len(req.Args) == 2 {
			labels = strings.Split(req.Args[1], ",")
		}
		if err := target.Reconfigure(channels, labels); err != nil {
			return "ERR " + err.Error()
		}
		return "OK " + target.Status()

	default:
		return fmt.Sprintf("ERR unknown command %q", req.Command)
	}
}

// Listener queues requests from any number of sources and applies them on
// the polling goroutine, at most one per Poll
type Listener struct {
	queue  chan Request
	logger *slog.Logger
}

// NewListener creates a listener with room for size pending requests
func NewListener(size int, logger *slog.Logger) *Listener {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		queue:  make(chan Request, size),
		logger: logger,
	}
}

// Submit queues req without blocking; a full queue answers ERR busy
func (l *Listener) Submit(req Request) bool {
	select {
	case l.queue <- req:
		return true
	default:
		l.logger.Warn("control queue full, dropping request", "command", req.Command, "source", req.Source)
		req.respond("ERR busy")
		return false
	}
}

// Pending returns the number of queued requests
func (l *Listener) Pending() int {
	return len(l.queue)
}

// Poll applies at most one queued request and reports whether one was applied.
// Requests whose submitter already gave up are dropped unapplied.
func (l *Listener) Poll(target Target) bool {
	for {
		select {
		case req := <-l.queue:
			if !req.claim() {
				l.logger.Debug("dropping expired control request", "command", req.Command, "source", req.Source)
				continue
			}
			reply := Apply(target, req)
			l.logger.Info("control request", "command", req.Command, "args", req.Args, "source", req.Source, "reply", reply)
			req.respond(reply)
			return true
		default:
			return false
		}
	}
}
