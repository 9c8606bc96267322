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

import "io"

// KeyEscape toggles the verbose sample display, as does 'v'
const KeyEscape = 27

// KeySource is a non-blocking console key reader
type KeySource interface {
	Key() (byte, bool)
}

// ReaderKeys turns a byte stream into non-blocking key presses.
// A terminal in cooked mode delivers keys only after Enter.
type ReaderKeys struct {
	keys chan byte
}

// NewReaderKeys starts reading r in the background
func NewReaderKeys(r io.Reader) *ReaderKeys {
	k := &ReaderKeys{keys: make(chan byte, 64)}
	go k.read(r)
	return k
}

func (k *ReaderKeys) read(r io.Reader) {
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' || b == '\r' {
				continue
			}
			select {
			case k.keys <- b:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

// Key returns the next pending key, if any
func (k *ReaderKeys) Key() (byte, bool) {
	select {
	case b := <-k.keys:
		return b, true
	default:
		return 0, false
	}
}
