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

// Package hookrt is the core-side hook runtime: per-hook callback sets
// behind per-hook mutexes, the dispatch contract the generated wrapper
// calls into, and the x86 wrapper encoder itself.
package hookrt

import (
	"fmt"
	"sync"

	"mempatch/internal/patch"
)

// Registers is the snapshot the wrapper hands to hook callbacks: one
// field per register saved by pusha. Mutations propagate back to the
// target through popa.
type Registers struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
	Esp uint32
	Ebp uint32
	Esi uint32
	Edi uint32
}

// Callback is one attached hook patch. Callbacks for the same hook run
// serialised, in attachment order; the return address is authoritative
// and may be redirected.
type Callback func(regs *Registers, returnAddress *uint32,
	extras []patch.ExtraSetting, extraParams *[]any)

// Entry is a keyed callback attachment. The key is the generated
// function symbol, so re-attaching the same symbol replaces in place
// without losing its position.
type Entry struct {
	Key    string
	Fn     Callback
	Extras []patch.ExtraSetting
}

type hookState struct {
	mu      sync.Mutex
	entries []Entry
}

var ErrNoSuchHook = fmt.Errorf("no hook with that name is registered")

// Runtime keeps the callback sets. It lives in the core process, so
// attachments survive artifact swaps without crossing the artifact
// boundary.
type Runtime struct {
	mu    sync.Mutex
	hooks map[string]*hookState
}

func NewRuntime() *Runtime {
	return &Runtime{hooks: make(map[string]*hookState)}
}

func (rt *Runtime) RegisterHook(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.hooks[name]; !ok {
		rt.hooks[name] = &hookState{}
	}
}

func (rt *Runtime) UnregisterHook(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.hooks, name)
}

func (rt *Runtime) state(name string) (*hookState, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	state, ok := rt.hooks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchHook, name)
	}
	return state, nil
}

// Attach adds a callback to a hook. An existing key is replaced in
// place, keeping its position in the invocation order.
func (rt *Runtime) Attach(hook, key string, fn Callback, extras []patch.ExtraSetting) error {
	state, err := rt.state(hook)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	for i := range state.entries {
		if state.entries[i].Key == key {
			state.entries[i].Fn = fn
			state.entries[i].Extras = extras
			return nil
		}
	}
	state.entries = append(state.entries, Entry{Key: key, Fn: fn, Extras: extras})
	return nil
}

// Detach removes a callback by key. A missing key is not an error; the
// pack may never have managed to attach.
func (rt *Runtime) Detach(hook, key string) error {
	state, err := rt.state(hook)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	for i := range state.entries {
		if state.entries[i].Key == key {
			state.entries = append(state.entries[:i], state.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Entries snapshots a hook's callback set in invocation order.
func (rt *Runtime) Entries(hook string) []Entry {
	state, err := rt.state(hook)
	if err != nil {
		return nil
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	out := make([]Entry, len(state.entries))
	copy(out, state.entries)
	return out
}

// SaveAll stashes every hook's callback set, taken under the per-hook
// mutexes. Used around artifact swaps.
func (rt *Runtime) SaveAll() map[string][]Entry {
	rt.mu.Lock()
	names := make([]string, 0, len(rt.hooks))
	for name := range rt.hooks {
		names = append(names, name)
	}
	rt.mu.Unlock()

	saved := make(map[string][]Entry, len(names))
	for _, name := range names {
		saved[name] = rt.Entries(name)
	}
	return saved
}

// RestoreAll merges stashed callback sets back in, replacing whatever
// is attached now. Hooks unknown to the runtime are registered first.
func (rt *Runtime) RestoreAll(saved map[string][]Entry) {
	for name, entries := range saved {
		rt.RegisterHook(name)
		state, err := rt.state(name)
		if err != nil {
			continue
		}
		state.mu.Lock()
		state.entries = make([]Entry, len(entries))
		copy(state.entries, entries)
		state.mu.Unlock()
	}
}

// Dispatch implements the generated body-function contract: fix the
// saved esp to the pre-call value, redirect the return address past the
// patched bytes, run the prologue, invoke every callback serialised
// under the hook mutex, run the epilogue.
func (rt *Runtime) Dispatch(h *patch.Hook, a *Artifact, regs *Registers, returnAddress *uint32) error {
	state, err := rt.state(h.Name)
	if err != nil {
		return err
	}

	regs.Esp += h.ExtraStack + 4
	*returnAddress += h.ReturnRva
	extraParams := []any{}

	if a != nil && h.PrologueSrc != "" {
		if err := a.RunHookStage(HookSafename(h.Name)+"_prologue", regs, returnAddress); err != nil {
			return err
		}
	}

	state.mu.Lock()
	for _, entry := range state.entries {
		entry.Fn(regs, returnAddress, entry.Extras, &extraParams)
	}
	state.mu.Unlock()

	if a != nil && h.EpilogueSrc != "" {
		if err := a.RunHookStage(HookSafename(h.Name)+"_epilogue", regs, returnAddress); err != nil {
			return err
		}
	}
	return nil
}

// vim: ai:ts=8:sw=8:noet:syntax=go
