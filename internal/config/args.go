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

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedMode is returned for device maintenance modes this bridge does not run
var ErrUnsupportedMode = errors.New("mode not supported")

// Mode is the second positional argument
type Mode byte

const (
	ModeSample    Mode = 's'
	ModeReference Mode = 'r'
	ModeImpedance Mode = 'i'
	ModeFlash     Mode = 'f'
	ModeTime      Mode = 't'
	ModeOEM       Mode = '4'
)

func (m Mode) String() string {
	switch m {
	case ModeSample:
		return "sample"
	case ModeReference:
		return "reference"
	case ModeImpedance:
		return "impedance"
	case ModeFlash:
		return "flash"
	case ModeTime:
		return "time"
	case ModeOEM:
		return "oem"
	default:
		return string(m)
	}
}

// Usage is the positional argument synopsis
const Usage = "<w|u|b|n> <s|r> [sawdiff hex] [sawmask hex] [rate] [config.yaml|-] [port] [hostname|-] [ctrlport]\n" +
	"       <w|u|b|n> r [channel mask hex]"

// Args holds the positional command line. Nil pointers were not given.
type Args struct {
	Connection string
	Mode       Mode

	SawStep     *uint32
	SawMask     *uint32
	RateHz      *uint32
	ConfigFile  string
	Port        *int
	Host        *string
	ControlPort *int

	ChannelMask uint32
}

// ParseArgs interprets the positional arguments
func ParseArgs(args []string) (Args, error) {
	var a Args
	if len(args) < 2 {
		return a, fmt.Errorf("need connection type and mode")
	}

	if !validConnections[args[0]] || args[0] == "" {
		return a, fmt.Errorf("connection type %q: want w, u, b or n", args[0])
	}
	a.Connection = args[0]

	if len(args[1]) != 1 {
		return a, fmt.Errorf("mode %q: want s or r", args[1])
	}
	a.Mode = Mode(args[1][0])

	switch a.Mode {
	case ModeSample:
		return a, parseSampleArgs(&a, args[2:])
	case ModeReference:
		if len(args) > 2 {
			mask, err := parseHex(args[2])
			if err != nil {
				return a, fmt.Errorf("channel mask: %w", err)
			}
			a.ChannelMask = mask
		}
		return a, nil
	case ModeImpedance, ModeFlash, ModeTime, ModeOEM:
		return a, fmt.Errorf("%w: %s", ErrUnsupportedMode, a.Mode)
	default:
		return a, fmt.Errorf("mode %q: want s or r", args[1])
	}
}

func parseSampleArgs(a *Args, rest []string) error {
	for i, arg := range rest {
		switch i {
		case 0:
			v, err := parseHex(arg)
			if err != nil {
				return fmt.Errorf("sawdiff: %w", err)
			}
			a.SawStep = &v
		case 1:
			v, err := parseHex(arg)
			if err != nil {
				return fmt.Errorf("sawmask: %w", err)
			}
			a.SawMask = &v
		case 2:
			rate, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("rate %q: %w", arg, err)
			}
			var hz uint32
			if rate > 0 {
				hz = uint32(rate) //nolint:gosec // positive int from the command line
			}
			a.RateHz = &hz
		case 3:
			if arg != "-" {
				a.ConfigFile = arg
			}
		case 4:
			port, err := parsePort(arg)
			if err != nil {
				return fmt.Errorf("port: %w", err)
			}
			a.Port = &port
		case 5:
			host := arg
			a.Host = &host
		case 6:
			// -1 disables the control server
			port := -1
			if arg != "-1" {
				var err error
				if port, err = parsePort(arg); err != nil {
					return fmt.Errorf("ctrlport: %w", err)
				}
			}
			a.ControlPort = &port
		default:
			return fmt.Errorf("unexpected argument %q", arg)
		}
	}
	return nil
}

func parseHex(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q", s)
	}
	return uint32(v), nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if err := checkPort("port", port); err != nil {
		return 0, err
	}
	return port, nil
}

// Apply overlays the given arguments onto cfg
func (a Args) Apply(cfg *Config) {
	if a.Connection != "" {
		cfg.Device.Connection = a.Connection
	}
	if a.SawStep != nil {
		cfg.Acquisition.SawStep = *a.SawStep
	}
	if a.SawMask != nil {
		cfg.Acquisition.SawMask = *a.SawMask
	}
	if a.RateHz != nil {
		cfg.Acquisition.RateHz = *a.RateHz
	}
	if a.Port != nil {
		cfg.Sink.Port = *a.Port
	}
	if a.Host != nil {
		cfg.Sink.Host = *a.Host
	}
	if a.ControlPort != nil {
		cfg.Control.Port = *a.ControlPort
	}
}
