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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults matching the command line of the acquisition example
const (
	DefaultDriver      = "sim"
	DefaultConnection  = "u"
	DefaultChannels    = 8
	DefaultSawStep     = 0x1
	DefaultSawMask     = 0xffff
	DefaultPort        = 1972
	DefaultHost        = "-"
	DefaultControlPort = 8000
	DefaultNATSSubject = "amp"
	DefaultStatusMs    = 1000
	DefaultTimeoutMs   = 2000
	DefaultLogLevel    = "info"
)

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	Normalize(cfg)
	return cfg
}

// Load reads and decodes the YAML file at path. Unknown keys are rejected.
// Defaults are not applied; call Validate then Normalize.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration from data
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}
