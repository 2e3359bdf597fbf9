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

package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"mempatch/internal/hookrt"
	"mempatch/internal/mem"
	"mempatch/internal/patch"
	"mempatch/internal/patcher"
	"mempatch/internal/protocol"
	"mempatch/internal/wire"
)

type hookEntry struct {
	hook        patch.Hook
	groupID     patcher.GroupID
	applied     bool
	wrapperAddr uintptr
	wrapperSize int
}

type packEntry struct {
	pack     patch.PatchPack
	groupID  patcher.GroupID
	hasGroup bool
}

// PatchLoader owns the core-side replica of hooks and patch packs, the
// compiled artifact, and the wiring of both into the patcher worker and
// the hook runtime.
type PatchLoader struct {
	core       *Core
	gatewayFor func(hookName string) uintptr

	mu      sync.Mutex
	hooks   []*hookEntry
	packs   []*packEntry
	plugins map[string]bool
	saved   map[string][]hookrt.Entry

	// artifactMu is a leaf lock: it only guards the pointer swap, so
	// callbacks running under a hook mutex can read it without risking
	// an ordering cycle with mu.
	artifactMu sync.Mutex
	artifact   *hookrt.Artifact
}

func newPatchLoader(c *Core, gatewayFor func(string) uintptr) *PatchLoader {
	if gatewayFor == nil {
		gatewayFor = func(string) uintptr { return 0 }
	}
	return &PatchLoader{
		core:       c,
		gatewayFor: gatewayFor,
		plugins:    make(map[string]bool),
	}
}

func (l *PatchLoader) subscribe() {
	d := l.core.dispatcher
	d.Add(uint32(protocol.ServerPatchHook), l.onPatchHook)
	d.Add(uint32(protocol.ServerPatchHookRemove), l.onPatchHookRemove)
	d.Add(uint32(protocol.ServerPatchPack), l.onPatchPack)
	d.Add(uint32(protocol.ServerPatchPackRemove), l.onPatchPackRemove)
	d.Add(uint32(protocol.ServerPatchLibLoad), l.onPatchLibLoad)
	d.Add(uint32(protocol.ServerPatchLibUnload), l.onPatchLibUnload)
	d.Add(uint32(protocol.ServerPlugin), l.onPlugin)
	d.Add(uint32(protocol.ServerPluginRemove), l.onPluginRemove)
}

// IsHookRegistered reports whether a hook replica exists.
func (l *PatchLoader) IsHookRegistered(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findHook(name) != nil
}

// IsPatchPackEnabled reports the replica's enabled state.
func (l *PatchLoader) IsPatchPackEnabled(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.findPack(name); e != nil {
		return e.pack.Info.CurrentlyEnabled
	}
	return false
}

// DispatchHook runs a hook's callback chain; the native gateway calls
// this from the generated wrapper's body call.
func (l *PatchLoader) DispatchHook(name string, regs *hookrt.Registers, returnAddress *uint32) error {
	l.mu.Lock()
	entry := l.findHook(name)
	l.mu.Unlock()
	artifact := l.currentArtifact()
	if entry == nil {
		return fmt.Errorf("%w: %q", hookrt.ErrNoSuchHook, name)
	}
	return l.core.runtime.Dispatch(&entry.hook, artifact, regs, returnAddress)
}

// CallbackEntries snapshots a hook's attached callbacks.
func (l *PatchLoader) CallbackEntries(hook string) []hookrt.Entry {
	return l.core.runtime.Entries(hook)
}

// Shutdown reverses everything: packs disabled, hooks unapplied, the
// artifact dropped. Used on DETACH.
func (l *PatchLoader) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.packs {
		l.disablePack(e)
	}
	l.packs = nil
	for _, e := range l.hooks {
		l.unapplyHook(e)
		l.core.runtime.UnregisterHook(e.hook.Name)
	}
	l.hooks = nil
	l.setArtifact(nil)
	l.saved = nil
}

func (l *PatchLoader) currentArtifact() *hookrt.Artifact {
	l.artifactMu.Lock()
	defer l.artifactMu.Unlock()
	return l.artifact
}

func (l *PatchLoader) setArtifact(a *hookrt.Artifact) {
	l.artifactMu.Lock()
	l.artifact = a
	l.artifactMu.Unlock()
}

func (l *PatchLoader) findHook(name string) *hookEntry {
	for _, e := range l.hooks {
		if e.hook.Name == name {
			return e
		}
	}
	return nil
}

func (l *PatchLoader) findPack(name string) *packEntry {
	for _, e := range l.packs {
		if e.pack.Info.Name == name {
			return e
		}
	}
	return nil
}

func (l *PatchLoader) onPatchHook(data []byte) {
	r := wire.NewReader(data)
	var hook patch.Hook
	if err := hook.Deserialise(r.Blob()); err != nil {
		l.core.logf("bad PATCH_HOOK frame: %s", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.findHook(hook.Name) != nil {
		return
	}
	entry := &hookEntry{hook: hook}
	l.hooks = append(l.hooks, entry)
	l.core.runtime.RegisterHook(hook.Name)
	if l.currentArtifact() != nil {
		if err := l.applyHook(entry); err != nil {
			l.core.logf("cannot apply hook %q: %s", hook.Name, err)
		}
	}
}

func (l *PatchLoader) onPatchHookRemove(data []byte) {
	name := wire.NewReader(data).String()

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.hooks {
		if e.hook.Name == name {
			l.unapplyHook(e)
			l.core.runtime.UnregisterHook(name)
			l.hooks = append(l.hooks[:i], l.hooks[i+1:]...)
			return
		}
	}
}

func (l *PatchLoader) onPatchPack(data []byte) {
	r := wire.NewReader(data)
	var pack patch.PatchPack
	if err := pack.Deserialise(r.Blob()); err != nil {
		l.core.logf("bad PATCH_PACK frame: %s", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	existing := l.findPack(pack.Info.Name)
	if existing == nil {
		wantEnabled := pack.Info.CurrentlyEnabled
		pack.Info.CurrentlyEnabled = false
		entry := &packEntry{pack: pack}
		l.packs = append(l.packs, entry)
		if wantEnabled {
			l.enablePack(entry)
		}
		return
	}
	if pack.Info.CurrentlyEnabled && !existing.pack.Info.CurrentlyEnabled {
		existing.pack.Info.ExtraSettings = pack.Info.ExtraSettings
		l.enablePack(existing)
	} else if !pack.Info.CurrentlyEnabled && existing.pack.Info.CurrentlyEnabled {
		l.disablePack(existing)
	}
}

func (l *PatchLoader) onPatchPackRemove(data []byte) {
	name := wire.NewReader(data).String()

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.packs {
		if e.pack.Info.Name == name {
			l.disablePack(e)
			l.packs = append(l.packs[:i], l.packs[i+1:]...)
			return
		}
	}
}

func (l *PatchLoader) onPlugin(data []byte) {
	name := wire.NewReader(data).String()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plugins[name] = true
}

func (l *PatchLoader) onPluginRemove(data []byte) {
	name := wire.NewReader(data).String()
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.plugins, name)
}

// onPatchLibLoad opens the freshly linked artifact, restores the
// stashed callback sets and reapplies every hook's trampoline patch.
func (l *PatchLoader) onPatchLibLoad(data []byte) {
	filename := wire.NewReader(data).String()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentArtifact() != nil {
		l.unloadLibrary()
	}

	source, err := os.ReadFile(filename)
	if err != nil {
		l.core.logf("cannot read patch library %q: %s", filename, err)
		return
	}
	artifact, err := hookrt.CompileArtifact(filepath.Base(filename), string(source))
	if err != nil {
		l.core.logf("%s", err)
		return
	}
	l.setArtifact(artifact)

	if l.saved != nil {
		l.core.runtime.RestoreAll(l.saved)
		l.saved = nil
	}
	for _, e := range l.hooks {
		if err := l.applyHook(e); err != nil {
			l.core.logf("cannot apply hook %q: %s", e.hook.Name, err)
		}
	}
}

// onPatchLibUnload unapplies every hook patch, stashes the callback
// sets under their mutexes and drops the artifact.
func (l *PatchLoader) onPatchLibUnload(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloadLibrary()
}

func (l *PatchLoader) unloadLibrary() {
	if l.currentArtifact() == nil {
		return
	}
	for _, e := range l.hooks {
		l.unapplyHook(e)
	}
	l.saved = l.core.runtime.SaveAll()
	l.setArtifact(nil)
}

// applyHook turns a hook into a one-patch group: everything in the
// window is left alone except the E8 at HookRva, whose displacement is
// fixed up to the freshly encoded wrapper.
func (l *PatchLoader) applyHook(e *hookEntry) error {
	if e.applied {
		return nil
	}

	var body patch.PatchBody
	var searchLen int
	switch hookBody := e.hook.Body.(type) {
	case *patch.NameHook:
		searchLen = len(hookBody.SearchBytes)
		replace := &patch.ReplaceNamePatch{NameSearch: hookBody.NameSearch}
		replace.ReplaceBytes, replace.IgnoredReplaceRvas = hookReplaceSpec(searchLen, e.hook.HookRva)
		body = replace
	case *patch.SearchHook:
		searchLen = len(hookBody.SearchBytes)
		replace := &patch.ReplaceSearchPatch{Search: hookBody.Search}
		replace.ReplaceBytes, replace.IgnoredReplaceRvas = hookReplaceSpec(searchLen, e.hook.HookRva)
		body = replace
	default:
		return fmt.Errorf("hook %q has no body", e.hook.Name)
	}

	size := len(hookrt.EncodeWrapper(&e.hook, 0, 0))
	addr, err := mem.AllocWritable(size)
	if err != nil {
		return err
	}
	code := hookrt.EncodeWrapper(&e.hook, addr, l.gatewayFor(e.hook.Name))
	copy(mem.Slice(addr, size), code)
	if err := mem.SealCode(addr, size); err != nil {
		mem.FreeCode(addr, size)
		return err
	}

	groupID, err := l.core.worker.AddToQueue(
		[]patcher.QueuedPatch{{
			Patch:           patch.Patch{Body: body},
			RelAddrReplaces: map[uint32]uintptr{e.hook.HookRva + 1: addr},
		}},
		patcher.NoTimeout, nil, nil)
	if err != nil {
		mem.FreeCode(addr, size)
		return err
	}
	e.groupID = groupID
	e.wrapperAddr = addr
	e.wrapperSize = size
	e.applied = true
	return nil
}

func (l *PatchLoader) unapplyHook(e *hookEntry) {
	if !e.applied {
		return
	}
	if err := l.core.worker.Undo(e.groupID); err != nil {
		l.core.logf("cannot undo hook %q: %s", e.hook.Name, err)
	}
	mem.FreeCode(e.wrapperAddr, e.wrapperSize)
	e.applied = false
	e.wrapperAddr = 0
	e.wrapperSize = 0
}

// hookReplaceSpec builds replace bytes that touch only the call opcode:
// the E8 at HookRva is literal, every other RVA is ignored, and the
// displacement is written by the rel-addr fixup.
func hookReplaceSpec(size int, hookRva uint32) ([]byte, patch.RvaSet) {
	replaceBytes := make([]byte, size)
	ignored := patch.NewRvaSet()
	for b := 0; b < size; b++ {
		replaceBytes[b] = 0xff
		if uint32(b) != hookRva {
			ignored.Add(uint32(b))
		}
	}
	replaceBytes[hookRva] = 0xe8
	return replaceBytes, ignored
}

// enablePack attaches every hook patch's callback and enqueues the
// replace patches as one group.
func (l *PatchLoader) enablePack(e *packEntry) {
	if e.pack.Info.CurrentlyEnabled {
		return
	}

	hookPatchNum := 0
	var group []patcher.QueuedPatch
	for _, p := range e.pack.Patches {
		switch body := p.Body.(type) {
		case *patch.HookPatch:
			symbol := hookrt.PackSafename(e.pack.Info.Name) + "_hookPatch" + strconv.Itoa(hookPatchNum)
			err := l.core.runtime.Attach(body.HookName, symbol,
				l.artifactCallback(symbol), e.pack.Info.ExtraSettings)
			if err != nil {
				l.core.logf("cannot attach hook patch %q: %s", symbol, err)
			}
			hookPatchNum++
		case *patch.ReplaceNamePatch, *patch.ReplaceSearchPatch:
			group = append(group, patcher.QueuedPatch{Patch: p})
		}
	}

	if len(group) > 0 {
		groupID, err := l.core.worker.AddToQueue(group, patcher.NoTimeout, nil, nil)
		if err != nil {
			l.core.logf("cannot enqueue patch pack %q: %s", e.pack.Info.Name, err)
		} else {
			e.groupID = groupID
			e.hasGroup = true
		}
	}
	e.pack.Info.CurrentlyEnabled = true
}

func (l *PatchLoader) disablePack(e *packEntry) {
	if !e.pack.Info.CurrentlyEnabled {
		return
	}

	if e.hasGroup {
		if err := l.core.worker.Undo(e.groupID); err != nil {
			l.core.logf("cannot undo patch pack %q: %s", e.pack.Info.Name, err)
		}
		e.hasGroup = false
	}
	hookPatchNum := 0
	for _, p := range e.pack.Patches {
		if body, ok := p.Body.(*patch.HookPatch); ok {
			symbol := hookrt.PackSafename(e.pack.Info.Name) + "_hookPatch" + strconv.Itoa(hookPatchNum)
			if err := l.core.runtime.Detach(body.HookName, symbol); err != nil {
				l.core.logf("cannot detach hook patch %q: %s", symbol, err)
			}
			hookPatchNum++
		}
	}
	e.pack.Info.CurrentlyEnabled = false
}

// artifactCallback binds a generated symbol late: the callback always
// runs against whatever artifact generation is loaded when the hook
// fires.
func (l *PatchLoader) artifactCallback(symbol string) hookrt.Callback {
	return func(regs *hookrt.Registers, returnAddress *uint32,
		extras []patch.ExtraSetting, extraParams *[]any) {
		artifact := l.currentArtifact()
		if artifact == nil {
			return
		}
		if err := artifact.InvokeHookPatch(symbol, regs, returnAddress, extras, extraParams); err != nil {
			l.core.logf("%s", err)
			l.core.SendLog(SeverityError, err.Error())
		}
	}
}

// vim: ai:ts=8:sw=8:noet:syntax=go
