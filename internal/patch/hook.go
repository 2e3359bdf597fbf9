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

package patch

import (
	"fmt"

	"mempatch/internal/wire"
)

// HookKind discriminates the hook-body union on the wire.
type HookKind uint32

const (
	HookBlank HookKind = iota
	HookName
	HookSearch
)

// Hook describes one function hook: where to plant the patched call
// (HookRva), where execution resumes (ReturnRva), the stack the
// generated wrapper reserves and the raw instruction bytes it runs
// around the saved frame.
//
// PrologueRaw and EpilogueRaw must never move the stack pointer or
// write below it; reads are fine.
type Hook struct {
	Name                string
	HookRva             uint32
	ReturnRva           uint32
	ExtraStack          uint32
	StackPopAfterReturn uint32
	PrologueSrc         string
	EpilogueSrc         string
	PrologueRaw         []byte
	EpilogueRaw         []byte
	HeaderIncludes      []string
	Body                HookBody // nil while blank
}

type HookBody interface {
	kind() HookKind
	Serialise() []byte
	Deserialise(data []byte) error
	checkValid(parent *Hook) error
}

// NameHook anchors the hook window at a named exported function.
type NameHook struct {
	NameSearch
}

func (h *NameHook) kind() HookKind { return HookName }

func (h *NameHook) checkValid(parent *Hook) error {
	return h.CheckValid(int(parent.HookRva + 5 + parent.ReturnRva))
}

// SearchHook finds the hook window by pattern search.
type SearchHook struct {
	Search
}

func (h *SearchHook) kind() HookKind { return HookSearch }

func (h *SearchHook) checkValid(parent *Hook) error {
	return h.CheckValid(int(parent.HookRva + 5 + parent.ReturnRva))
}

func (h *Hook) Kind() HookKind {
	if h.Body == nil {
		return HookBlank
	}
	return h.Body.kind()
}

func (h *Hook) Serialise() []byte {
	var w wire.Writer
	w.String(h.Name)
	w.Uint32(h.HookRva)
	w.Uint32(h.ReturnRva)
	w.Uint32(h.ExtraStack)
	w.Uint32(h.StackPopAfterReturn)
	w.String(h.PrologueSrc)
	w.String(h.EpilogueSrc)
	w.Blob(h.PrologueRaw)
	w.Blob(h.EpilogueRaw)
	w.Uint32(uint32(len(h.HeaderIncludes)))
	for _, include := range h.HeaderIncludes {
		w.String(include)
	}
	w.Uint32(uint32(h.Kind()))
	if h.Body != nil {
		w.Blob(h.Body.Serialise())
	}
	return w.Bytes()
}

func (h *Hook) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	h.Name = r.String()
	h.HookRva = r.Uint32()
	h.ReturnRva = r.Uint32()
	h.ExtraStack = r.Uint32()
	h.StackPopAfterReturn = r.Uint32()
	h.PrologueSrc = r.String()
	h.EpilogueSrc = r.String()
	h.PrologueRaw = r.Blob()
	h.EpilogueRaw = r.Blob()
	n := r.Uint32()
	h.HeaderIncludes = nil
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		h.HeaderIncludes = append(h.HeaderIncludes, r.String())
	}
	kind := HookKind(r.Uint32())
	if err := r.Err(); err != nil {
		return err
	}

	switch kind {
	case HookBlank:
		h.Body = nil
		return nil
	case HookName:
		h.Body = &NameHook{}
	case HookSearch:
		h.Body = &SearchHook{}
	default:
		return fmt.Errorf("unknown hook type %d", kind)
	}
	return h.Body.Deserialise(r.Blob())
}

// CheckValid requires enough window bytes for the patched call plus the
// saved return offset: len(searchBytes) >= hookRva + 5 + returnRva.
func (h *Hook) CheckValid() error {
	if h.Body == nil {
		return fmt.Errorf("hook cannot be blank: %w", ErrBlank)
	}
	return h.Body.checkValid(h)
}

// vim: ai:ts=8:sw=8:noet:syntax=go
