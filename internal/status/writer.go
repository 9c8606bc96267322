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

package status

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// RegisterClient is the subset of modbus.Client the writer needs
type RegisterClient interface {
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// WriterConfig addresses the status block on a Modbus TCP server
type WriterConfig struct {
	Endpoint string
	UnitID   uint8
	BaseSlot uint16 // block index; the block starts at BaseSlot*SlotsPerBlock
	Timeout  time.Duration
}

// Writer delivers status blocks verbatim. It holds no session logic.
type Writer struct {
	mu      sync.Mutex
	client  RegisterClient
	handler *modbus.TCPClientHandler
	base    uint16
}

// Dial connects to the Modbus TCP server named in cfg
func Dial(cfg WriterConfig) (*Writer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("status writer: endpoint required")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("status writer: connect %s: %w", cfg.Endpoint, err)
	}

	w := NewWriter(modbus.NewClient(h), cfg.BaseSlot)
	w.handler = h
	return w, nil
}

// NewWriter wraps an existing client
func NewWriter(client RegisterClient, baseSlot uint16) *Writer {
	return &Writer{client: client, base: baseSlot * SlotsPerBlock}
}

// Write sends the full block for s
func (w *Writer) Write(s Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	regs := Encode(s)
	if _, err := w.client.WriteMultipleRegisters(w.base, uint16(len(regs)), packRegisters(regs)); err != nil {
		return fmt.Errorf("status writer: block write failed: %w", err)
	}
	return nil
}

// Close releases the TCP connection
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handler == nil {
		return nil
	}
	return w.handler.Close()
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}

// Reporter writes snapshots on its own goroutine so a slow Modbus server
// never stalls acquisition. Only the latest offered snapshot is kept.
type Reporter struct {
	writer *Writer
	logger *slog.Logger

	latest chan Snapshot
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	failures int
	written  int
}

// NewReporter starts the delivery goroutine
func NewReporter(w *Writer, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		writer: w,
		logger: logger,
		latest: make(chan Snapshot, 1),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.done)
	for s := range r.latest {
		err := r.writer.Write(s)
		r.mu.Lock()
		if err != nil {
			r.failures++
		} else {
			r.written++
		}
		r.mu.Unlock()
		if err != nil {
			r.logger.Warn("status export failed", "error", err)
		}
	}
}

// Offer queues s, replacing a snapshot that was not yet written
func (r *Reporter) Offer(s Snapshot) {
	for {
		select {
		case r.latest <- s:
			return
		default:
		}
		select {
		case <-r.latest:
		default:
		}
	}
}

// Stats returns the number of successful and failed writes
func (r *Reporter) Stats() (written, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written, r.failures
}

// Close writes the pending snapshot, stops the goroutine and closes the writer
func (r *Reporter) Close() error {
	var err error
	r.once.Do(func() {
		close(r.latest)
		<-r.done
		err = r.writer.Close()
	})
	return err
}
