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
	"fmt"
	"sync"

	"mempatch/internal/protocol"
	"mempatch/internal/wire"
)

// PluginManager tracks which plugins are loaded so patch packs can
// declare requirements on them, and replicates the name set to every
// core. The actual code loading happens outside the patch pipeline.
type PluginManager struct {
	cores *CoreManager

	mu    sync.Mutex
	names map[string]bool
}

func NewPluginManager(cores *CoreManager) *PluginManager {
	return &PluginManager{cores: cores, names: make(map[string]bool)}
}

func (pm *PluginManager) Load(name string) error {
	if name == "" {
		return fmt.Errorf("the plugin name cannot be empty")
	}
	pm.mu.Lock()
	if pm.names[name] {
		pm.mu.Unlock()
		return fmt.Errorf("a plugin with the same name is already loaded")
	}
	pm.names[name] = true
	pm.mu.Unlock()

	var w wire.Writer
	w.String(name)
	pm.cores.SendPacket(protocol.ServerPlugin, w.Bytes())
	return nil
}

func (pm *PluginManager) Remove(name string) error {
	pm.mu.Lock()
	if !pm.names[name] {
		pm.mu.Unlock()
		return fmt.Errorf("no plugin with that name is loaded")
	}
	delete(pm.names, name)
	pm.mu.Unlock()

	var w wire.Writer
	w.String(name)
	pm.cores.SendPacket(protocol.ServerPluginRemove, w.Bytes())
	return nil
}

func (pm *PluginManager) IsLoaded(name string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.names[name]
}

func (pm *PluginManager) Names() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	names := make([]string, 0, len(pm.names))
	for name := range pm.names {
		names = append(names, name)
	}
	return names
}

// UpdateCoreAboutAll replays the plugin set to a freshly connected
// core.
func (pm *PluginManager) UpdateCoreAboutAll(id CoreID) {
	for _, name := range pm.Names() {
		var w wire.Writer
		w.String(name)
		pm.cores.SendPacketTo(id, protocol.ServerPlugin, w.Bytes())
	}
}

// vim: ai:ts=8:sw=8:noet:syntax=go
