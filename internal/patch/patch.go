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

// PatchKind discriminates the patch union on the wire.
type PatchKind uint32

const (
	PatchBlank PatchKind = iota
	PatchHook
	PatchReplaceName
	PatchReplaceSearch
)

// Patch is a tagged union over the three patch flavours. A blank patch
// is valid in memory during construction; CheckValid rejects it.
type Patch struct {
	Body PatchBody // nil while blank
}

type PatchBody interface {
	kind() PatchKind
	Serialise() []byte
	Deserialise(data []byte) error
	checkValid() error
}

func (p *Patch) Kind() PatchKind {
	if p.Body == nil {
		return PatchBlank
	}
	return p.Body.kind()
}

func (p *Patch) Serialise() []byte {
	var w wire.Writer
	w.Uint32(uint32(p.Kind()))
	if p.Body != nil {
		w.Blob(p.Body.Serialise())
	}
	return w.Bytes()
}

func (p *Patch) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	kind := PatchKind(r.Uint32())
	if err := r.Err(); err != nil {
		return err
	}

	switch kind {
	case PatchBlank:
		p.Body = nil
		return nil
	case PatchHook:
		p.Body = &HookPatch{}
	case PatchReplaceName:
		p.Body = &ReplaceNamePatch{}
	case PatchReplaceSearch:
		p.Body = &ReplaceSearchPatch{}
	default:
		return fmt.Errorf("unknown patch type %d", kind)
	}
	return p.Body.Deserialise(r.Blob())
}

func (p *Patch) CheckValid() error {
	if p.Body == nil {
		return fmt.Errorf("patch cannot be blank: %w", ErrBlank)
	}
	return p.Body.checkValid()
}

// HookPatch attaches a callback body to a named hook.
type HookPatch struct {
	HookName     string
	FunctionBody string
}

func (p *HookPatch) kind() PatchKind { return PatchHook }

func (p *HookPatch) Serialise() []byte {
	var w wire.Writer
	w.String(p.HookName)
	w.String(p.FunctionBody)
	return w.Bytes()
}

func (p *HookPatch) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	p.HookName = r.String()
	p.FunctionBody = r.String()
	return r.Err()
}

func (p *HookPatch) checkValid() error {
	if p.HookName == "" {
		return fmt.Errorf("the hook name cannot be empty")
	}
	if p.FunctionBody == "" {
		return fmt.Errorf("the function body cannot be empty")
	}
	return nil
}

// ReplaceNamePatch replaces bytes inside a window anchored at a named
// function. ReplaceBytes must be exactly as long as the search bytes;
// RVAs in IgnoredReplaceRvas are left untouched at write time.
type ReplaceNamePatch struct {
	NameSearch
	ReplaceBytes       []byte
	IgnoredReplaceRvas RvaSet
}

func (p *ReplaceNamePatch) kind() PatchKind { return PatchReplaceName }

func (p *ReplaceNamePatch) Serialise() []byte {
	var w wire.Writer
	w.Blob(p.ReplaceBytes)
	w.Uint32s(p.IgnoredReplaceRvas.Sorted())
	w.Blob(p.NameSearch.Serialise())
	return w.Bytes()
}

func (p *ReplaceNamePatch) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	p.ReplaceBytes = r.Blob()
	p.IgnoredReplaceRvas = rvaSetFrom(r.Uint32s())
	if err := r.Err(); err != nil {
		return err
	}
	return p.NameSearch.Deserialise(r.Blob())
}

func (p *ReplaceNamePatch) checkValid() error {
	return checkReplace(p.ReplaceBytes, p.IgnoredReplaceRvas, len(p.SearchBytes),
		func(min int) error { return p.NameSearch.CheckValid(min) })
}

// ReplaceSearchPatch replaces bytes at every site a pattern search
// resolves.
type ReplaceSearchPatch struct {
	Search
	ReplaceBytes       []byte
	IgnoredReplaceRvas RvaSet
}

func (p *ReplaceSearchPatch) kind() PatchKind { return PatchReplaceSearch }

func (p *ReplaceSearchPatch) Serialise() []byte {
	var w wire.Writer
	w.Blob(p.ReplaceBytes)
	w.Uint32s(p.IgnoredReplaceRvas.Sorted())
	w.Blob(p.Search.Serialise())
	return w.Bytes()
}

func (p *ReplaceSearchPatch) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	p.ReplaceBytes = r.Blob()
	p.IgnoredReplaceRvas = rvaSetFrom(r.Uint32s())
	if err := r.Err(); err != nil {
		return err
	}
	return p.Search.Deserialise(r.Blob())
}

func (p *ReplaceSearchPatch) checkValid() error {
	return checkReplace(p.ReplaceBytes, p.IgnoredReplaceRvas, len(p.SearchBytes),
		func(min int) error { return p.Search.CheckValid(min) })
}

func checkReplace(replaceBytes []byte, ignored RvaSet, searchLen int, checkSearch func(int) error) error {
	for rva := range ignored {
		if rva >= uint32(len(replaceBytes)) {
			return fmt.Errorf("all ignored replace byte RVAs must be less than the replace bytes length")
		}
	}
	if len(replaceBytes) != searchLen {
		return fmt.Errorf("search bytes and replace bytes must be the same size")
	}
	return checkSearch(len(replaceBytes))
}

// vim: ai:ts=8:sw=8:noet:syntax=go
