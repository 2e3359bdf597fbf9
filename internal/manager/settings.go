/**
 * Copyright 2026 kmeaw
 *
 * Licensed under the GNU Affero General Public License (AGPL).
 *
 * This program is free software: you can redistribute it and/or modify it
 * under the terms of the GNU Affero General Public License as published by the
 * Free Software Foundation, version 3 of the License.
 *
 * This program is distributed in the hope that it will be useful, but WITHOUT
 * ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
 * FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
 * for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"mempatch/internal/protocol"
)

// Settings is the persisted manager configuration: a JSON document of
// dotted keys to strings under the user config directory.
type Settings struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// NewSettings prepares the config directory. An empty dir uses
// `mempatch' under os.UserConfigDir.
func NewSettings(dir string) (*Settings, error) {
	if dir == "" {
		cfgdir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(cfgdir, "mempatch")
	}
	err := os.MkdirAll(dir, 0o777)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, err
	}
	s := &Settings{
		path:   filepath.Join(dir, "config.json"),
		values: make(map[string]string),
	}
	s.setDefaults()
	return s, nil
}

func (s *Settings) setDefaults() {
	s.values["manager.listenPort"] = strconv.Itoa(protocol.DefaultPort)
	s.values["manager.webAddress"] = "127.0.0.1:8660"
	s.values["manager.PatchCompiler.objectsPath"] = filepath.Join(filepath.Dir(s.path), "objects")
	s.values["CoreManager.applicationName"] = "path/to/target"
	s.values["CoreManager.applicationParameters"] = ""
	s.values["CoreManager.libraryPath"] = "."
	s.values["CoreManager.coreLibrary"] = "mempatch-core"
	s.values["core.patchesLibrary"] = filepath.Join(filepath.Dir(s.path), "patches.anko")
}

func (s *Settings) Load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil // First run keeps the defaults.
		}
		return err
	}
	defer f.Close()

	loaded := make(map[string]string)
	if err := json.NewDecoder(f).Decode(&loaded); err != nil {
		return fmt.Errorf("error loading config file: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range loaded {
		s.values[key] = value
	}
	return nil
}

func (s *Settings) Save() error {
	s.mu.Lock()
	buf, err := json.MarshalIndent(s.values, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, buf, 0o666)
}

// Get returns the empty string for unknown keys, like an unset config
// entry.
func (s *Settings) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *Settings) Set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
}

func (s *Settings) GetInt(key string) int {
	n, err := strconv.Atoi(s.Get(key))
	if err != nil {
		return 0
	}
	return n
}

// vim: ai:ts=8:sw=8:noet:syntax=go
