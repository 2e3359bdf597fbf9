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

	"mempatch/internal/hookrt"
	"mempatch/internal/patch"
	"mempatch/internal/protocol"
	"mempatch/internal/wire"
)

type managedHook struct {
	hook       patch.Hook
	dependants []string // patch packs using this hook
}

// PatchManager is the authoritative registry of hooks and patch packs.
// It validates every mutation before it exists anywhere, then compiles
// and broadcasts so the cores converge on the same state.
type PatchManager struct {
	logger   *Logger
	settings *Settings
	cores    *CoreManager
	plugins  *PluginManager
	codegen  *Codegen

	mu    sync.Mutex
	hooks []*managedHook
	packs []*patch.PatchPack
}

func NewPatchManager(logger *Logger, settings *Settings, cores *CoreManager,
	plugins *PluginManager) *PatchManager {
	pm := &PatchManager{
		logger:   logger,
		settings: settings,
		cores:    cores,
		plugins:  plugins,
		codegen:  NewCodegen(settings),
	}
	cores.OnCoreReady = pm.updateCoreAboutAll
	return pm
}

// RegisterHook validates name uniqueness and window overlap before the
// hook is compiled and broadcast.
func (pm *PatchManager) RegisterHook(hook patch.Hook) error {
	if hook.Name == "" {
		return fmt.Errorf("the hook name cannot be empty")
	}
	if err := hook.CheckValid(); err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.findHook(hook.Name) != nil {
		return fmt.Errorf("a hook with the same name is already registered")
	}
	if nameHook, ok := hook.Body.(*patch.NameHook); ok {
		for _, existing := range pm.hooks {
			existingName, ok := existing.hook.Body.(*patch.NameHook)
			if !ok {
				continue
			}
			if err := nameHook.CheckOverlapWith(&existingName.NameSearch); err != nil {
				return err
			}
		}
	}

	pm.hooks = append(pm.hooks, &managedHook{hook: hook})
	return pm.broadcastHook(&hook)
}

// UnregisterHook removes every dependant patch pack first; a hook is
// deleted only after nothing mentions it.
func (pm *PatchManager) UnregisterHook(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	h := pm.findHook(name)
	if h == nil {
		return fmt.Errorf("no hook with that name is registered")
	}

	for len(h.dependants) > 0 {
		if err := pm.removePatchPack(h.dependants[0]); err != nil {
			return err
		}
	}

	var w wire.Writer
	w.String(name)
	pm.cores.SendPacket(protocol.ServerPatchHookRemove, w.Bytes())
	pm.codegen.RemoveObject(hookrt.HookSafename(name))

	for i, existing := range pm.hooks {
		if existing == h {
			pm.hooks = append(pm.hooks[:i], pm.hooks[i+1:]...)
			break
		}
	}
	return nil
}

func (pm *PatchManager) IsHookRegistered(name string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.findHook(name) != nil
}

func (pm *PatchManager) Hooks() []patch.Hook {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	hooks := make([]patch.Hook, 0, len(pm.hooks))
	for _, h := range pm.hooks {
		hooks = append(hooks, h.hook)
	}
	return hooks
}

// AddPatchPack validates the pack against the registries: plugins
// present, hooks registered, replace windows non-overlapping.
func (pm *PatchManager) AddPatchPack(pack patch.PatchPack) error {
	if pack.Info.Name == "" {
		return fmt.Errorf("the patch pack name cannot be empty")
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.findPack(pack.Info.Name) != nil {
		return fmt.Errorf("a patch pack with the same name already exists")
	}
	for _, required := range pack.RequiredPlugins {
		if !pm.plugins.IsLoaded(required) {
			return fmt.Errorf("required plugin %q is not loaded", required)
		}
	}

	var hooksUsed []*managedHook
	for i := range pack.Patches {
		if err := pack.Patches[i].CheckValid(); err != nil {
			return err
		}
		switch body := pack.Patches[i].Body.(type) {
		case *patch.HookPatch:
			h := pm.findHook(body.HookName)
			if h == nil {
				return fmt.Errorf("no hook with name %q is registered", body.HookName)
			}
			hooksUsed = append(hooksUsed, h)
		case *patch.ReplaceNamePatch:
			for _, existingPack := range pm.packs {
				for j := range existingPack.Patches {
					existing, ok := existingPack.Patches[j].Body.(*patch.ReplaceNamePatch)
					if !ok {
						continue
					}
					if err := body.CheckOverlapWith(&existing.NameSearch); err != nil {
						return err
					}
				}
			}
		}
	}

	pack.Info.CurrentlyEnabled = false
	restoreExtraSettingDefaults(&pack.Info)
	added := &pack
	pm.packs = append(pm.packs, added)
	for _, h := range hooksUsed {
		h.dependants = append(h.dependants, pack.Info.Name)
	}

	if added.Info.DefaultEnabled {
		added.Info.CurrentlyEnabled = true
	}
	return pm.broadcastPack(added)
}

func (pm *PatchManager) RemovePatchPack(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.removePatchPack(name)
}

func (pm *PatchManager) removePatchPack(name string) error {
	pack := pm.findPack(name)
	if pack == nil {
		return fmt.Errorf("no patch pack with that name is loaded")
	}

	for _, p := range pack.Patches {
		body, ok := p.Body.(*patch.HookPatch)
		if !ok {
			continue
		}
		if h := pm.findHook(body.HookName); h != nil {
			for i, dependant := range h.dependants {
				if dependant == name {
					h.dependants = append(h.dependants[:i], h.dependants[i+1:]...)
					break
				}
			}
		}
	}

	var w wire.Writer
	w.String(name)
	pm.cores.SendPacket(protocol.ServerPatchPackRemove, w.Bytes())
	pm.codegen.RemoveObject(hookrt.PackSafename(name))

	for i, existing := range pm.packs {
		if existing == pack {
			pm.packs = append(pm.packs[:i], pm.packs[i+1:]...)
			break
		}
	}
	return nil
}

func (pm *PatchManager) IsPatchPackLoaded(name string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.findPack(name) != nil
}

func (pm *PatchManager) IsPatchPackEnabled(name string) (bool, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pack := pm.findPack(name)
	if pack == nil {
		return false, fmt.Errorf("no patch pack with that name is loaded")
	}
	return pack.Info.CurrentlyEnabled, nil
}

func (pm *PatchManager) PatchPacks() []patch.PatchPack {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	packs := make([]patch.PatchPack, 0, len(pm.packs))
	for _, pack := range pm.packs {
		packs = append(packs, *pack)
	}
	return packs
}

func (pm *PatchManager) EnablePatchPack(name string) error {
	return pm.setPackEnabled(name, true)
}

func (pm *PatchManager) DisablePatchPack(name string) error {
	return pm.setPackEnabled(name, false)
}

func (pm *PatchManager) setPackEnabled(name string, enabled bool) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pack := pm.findPack(name)
	if pack == nil {
		return fmt.Errorf("no patch pack with that name is loaded")
	}
	pack.Info.CurrentlyEnabled = enabled
	return pm.broadcastPack(pack)
}

func (pm *PatchManager) SetExtraSettingValue(name, label, value string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pack := pm.findPack(name)
	if pack == nil {
		return fmt.Errorf("no patch pack with that name is loaded")
	}
	setting, err := patch.ExtraSettingByLabel(pack.Info.ExtraSettings, label)
	if err != nil {
		return err
	}
	setting.CurrentValue = value
	return pm.broadcastPack(pack)
}

func (pm *PatchManager) RestoreExtraSettingDefaults(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pack := pm.findPack(name)
	if pack == nil {
		return fmt.Errorf("no patch pack with that name is loaded")
	}
	restoreExtraSettingDefaults(&pack.Info)
	return pm.broadcastPack(pack)
}

// CompileAll regenerates every object and, when anything changed,
// relinks around a lib-unload/lib-load broadcast pair so no core runs
// callbacks against a stale artifact.
func (pm *PatchManager) CompileAll() (string, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.compileAll()
}

func (pm *PatchManager) compileAll() (string, error) {
	var output string
	allSkipped := true
	for _, h := range pm.hooks {
		output += "Compiling hook " + h.hook.Name + "...\n"
		out, skipped, err := pm.codegen.CompileHook(&h.hook, false)
		if err != nil {
			return output, fmt.Errorf("failed to compile hook %q: %w", h.hook.Name, err)
		}
		output += out
		if skipped {
			output += "Skipped.\n"
		} else {
			allSkipped = false
		}
	}
	for _, pack := range pm.packs {
		output += "Compiling patch pack " + pack.Info.Name + "...\n"
		out, skipped, err := pm.codegen.CompilePatchPack(pack, false)
		if err != nil {
			return output, fmt.Errorf("failed to compile patch pack %q: %w", pack.Info.Name, err)
		}
		output += out
		if skipped {
			output += "Skipped.\n"
		} else {
			allSkipped = false
		}
	}

	output += "Linking...\n"
	if allSkipped {
		output += "Skipped.\n"
		return output, nil
	}

	pm.cores.SendPacket(protocol.ServerPatchLibUnload, nil)
	out, err := pm.codegen.LinkObjects(false)
	if err != nil {
		return output, err
	}
	output += out

	var w wire.Writer
	w.String(pm.settings.Get("core.patchesLibrary"))
	pm.cores.SendPacket(protocol.ServerPatchLibLoad, w.Bytes())
	return output, nil
}

func (pm *PatchManager) broadcastHook(hook *patch.Hook) error {
	if _, err := pm.compileAll(); err != nil {
		return err
	}
	var w wire.Writer
	w.Blob(hook.Serialise())
	pm.cores.SendPacket(protocol.ServerPatchHook, w.Bytes())
	return nil
}

func (pm *PatchManager) broadcastPack(pack *patch.PatchPack) error {
	if _, err := pm.compileAll(); err != nil {
		return err
	}
	var w wire.Writer
	w.Blob(pack.Serialise())
	pm.cores.SendPacket(protocol.ServerPatchPack, w.Bytes())
	return nil
}

// updateCoreAboutAll replays plugins, hooks and packs to a core that
// just finished its handshake.
func (pm *PatchManager) updateCoreAboutAll(id CoreID) {
	pm.plugins.UpdateCoreAboutAll(id)

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, err := pm.compileAll(); err != nil {
		pm.logger.Writef(SeverityError, "cannot compile for core #%d: %s", id, err)
		return
	}
	if len(pm.hooks) > 0 || len(pm.packs) > 0 {
		// compileAll only broadcasts the library when something
		// changed; a fresh core needs it regardless.
		var w wire.Writer
		w.String(pm.settings.Get("core.patchesLibrary"))
		pm.cores.SendPacketTo(id, protocol.ServerPatchLibLoad, w.Bytes())
	}
	for _, h := range pm.hooks {
		var w wire.Writer
		w.Blob(h.hook.Serialise())
		pm.cores.SendPacketTo(id, protocol.ServerPatchHook, w.Bytes())
	}
	for _, pack := range pm.packs {
		var w wire.Writer
		w.Blob(pack.Serialise())
		pm.cores.SendPacketTo(id, protocol.ServerPatchPack, w.Bytes())
	}
}

func (pm *PatchManager) findHook(name string) *managedHook {
	for _, h := range pm.hooks {
		if h.hook.Name == name {
			return h
		}
	}
	return nil
}

func (pm *PatchManager) findPack(name string) *patch.PatchPack {
	for _, pack := range pm.packs {
		if pack.Info.Name == name {
			return pack
		}
	}
	return nil
}

func restoreExtraSettingDefaults(info *patch.Info) {
	for i := range info.ExtraSettings {
		info.ExtraSettings[i].CurrentValue = info.ExtraSettings[i].DefaultValue
	}
}

// vim: ai:ts=8:sw=8:noet:syntax=go
