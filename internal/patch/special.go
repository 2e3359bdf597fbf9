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
	"encoding/binary"
	"fmt"
	"unsafe"

	"mempatch/internal/mem"
	"mempatch/internal/wire"
)

// SpecialKind discriminates the special-search union on the wire.
type SpecialKind uint32

const (
	SpecialBlank SpecialKind = iota
	SpecialNamedRelCall
	SpecialUnnamedRelCall
	SpecialNamedAbsIndirectCall
	SpecialUnnamedAbsIndirectCall
	SpecialDataPointer
)

var ErrBlank = fmt.Errorf("blank variant")

// Special installs a predicate at one RVA of a byte pattern. The
// predicate overrides literal matching at that position. Predicates are
// pure: they may open modules and read memory but never mutate bytes or
// protections observable outside the engine.
type Special struct {
	Rva  uint32
	Data SpecialData // nil while blank
}

type SpecialData interface {
	kind() SpecialKind
	Serialise() []byte
	Deserialise(data []byte) error
	minWindow() uint32
	match(env *Env, cursor uintptr) bool
}

func (s *Special) Kind() SpecialKind {
	if s.Data == nil {
		return SpecialBlank
	}
	return s.Data.kind()
}

func (s *Special) Serialise() []byte {
	var w wire.Writer
	w.Uint32(s.Rva)
	w.Uint32(uint32(s.Kind()))
	if s.Data != nil {
		w.Blob(s.Data.Serialise())
	}
	return w.Bytes()
}

func (s *Special) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	s.Rva = r.Uint32()
	kind := SpecialKind(r.Uint32())
	if err := r.Err(); err != nil {
		return err
	}

	switch kind {
	case SpecialBlank:
		s.Data = nil
		return nil
	case SpecialNamedRelCall:
		s.Data = &NamedRelCall{}
	case SpecialUnnamedRelCall:
		s.Data = &UnnamedRelCall{}
	case SpecialNamedAbsIndirectCall:
		s.Data = &NamedAbsIndirectCall{}
	case SpecialUnnamedAbsIndirectCall:
		s.Data = &UnnamedAbsIndirectCall{}
	case SpecialDataPointer:
		s.Data = &DataPointer{}
	default:
		return fmt.Errorf("unknown special search type %d", kind)
	}
	return s.Data.Deserialise(r.Blob())
}

func (s *Special) checkValid(parent *Search) error {
	if s.Data == nil {
		return fmt.Errorf("special search cannot be blank: %w", ErrBlank)
	}
	size := uint32(len(parent.SearchBytes))
	if s.Rva >= size {
		return fmt.Errorf("special search RVA must be inside the search bytes")
	}
	if s.Rva+s.Data.minWindow() > size {
		return fmt.Errorf("special searches of this type require at least %d bytes after the RVA",
			s.Data.minWindow())
	}
	return nil
}

// pointerSize is 4 on the 32-bit target; keeping it the native word
// width lets the engine chase pointers in whatever process it runs in.
const pointerSize = int(unsafe.Sizeof(uintptr(0)))

func readPointer(addr uintptr) (uintptr, bool) {
	if _, err := mem.Query(addr, uintptr(pointerSize)); err != nil {
		return 0, false
	}
	buf := mem.ReadAt(addr, pointerSize)
	if pointerSize == 8 {
		return uintptr(binary.LittleEndian.Uint64(buf)), true
	}
	return uintptr(binary.LittleEndian.Uint32(buf)), true
}

// relCallTarget decodes `E8 disp32' at the cursor.
func relCallTarget(cursor uintptr) (uintptr, bool) {
	buf := mem.ReadAt(cursor, 5)
	if buf[0] != 0xe8 {
		return 0, false
	}
	disp := int32(binary.LittleEndian.Uint32(buf[1:]))
	return uintptr(int64(cursor) + 5 + int64(disp)), true
}

// absIndirectSlot decodes `FF 15 ptr' at the cursor and returns the
// pointer-slot address.
func absIndirectSlot(cursor uintptr) (uintptr, bool) {
	buf := mem.ReadAt(cursor, 2+pointerSize)
	if buf[0] != 0xff || buf[1] != 0x15 {
		return 0, false
	}
	if pointerSize == 8 {
		return uintptr(binary.LittleEndian.Uint64(buf[2:])), true
	}
	return uintptr(binary.LittleEndian.Uint32(buf[2:])), true
}

// NamedRelCall matches a relative call whose target is a named exported
// function.
type NamedRelCall struct {
	ModuleName   string
	FunctionName string
}

func (c *NamedRelCall) kind() SpecialKind { return SpecialNamedRelCall }
func (c *NamedRelCall) minWindow() uint32 { return 5 }

func (c *NamedRelCall) Serialise() []byte {
	var w wire.Writer
	w.String(c.ModuleName)
	w.String(c.FunctionName)
	return w.Bytes()
}

func (c *NamedRelCall) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	c.ModuleName = r.String()
	c.FunctionName = r.String()
	return r.Err()
}

func (c *NamedRelCall) match(env *Env, cursor uintptr) bool {
	target, ok := relCallTarget(cursor)
	if !ok {
		return false
	}
	m, err := env.Modules.Open(c.ModuleName)
	if err != nil {
		return false
	}
	defer m.Close()
	sym, err := m.Symbol(c.FunctionName)
	if err != nil {
		return false
	}
	return target == sym
}

// UnnamedRelCall matches a relative call whose target satisfies an
// inner search.
type UnnamedRelCall struct {
	Inner Search
}

func (c *UnnamedRelCall) kind() SpecialKind { return SpecialUnnamedRelCall }
func (c *UnnamedRelCall) minWindow() uint32 { return 5 }

func (c *UnnamedRelCall) Serialise() []byte {
	return c.Inner.Serialise()
}

func (c *UnnamedRelCall) Deserialise(data []byte) error {
	return c.Inner.Deserialise(data)
}

func (c *UnnamedRelCall) match(env *Env, cursor uintptr) bool {
	target, ok := relCallTarget(cursor)
	if !ok {
		return false
	}
	matched, err := c.Inner.matchWindow(env, target)
	return err == nil && matched
}

// NamedAbsIndirectCall matches `FF 15 ptr' where the pointed-to slot
// holds the address of a named exported function.
type NamedAbsIndirectCall struct {
	ModuleName   string
	FunctionName string
}

func (c *NamedAbsIndirectCall) kind() SpecialKind { return SpecialNamedAbsIndirectCall }
func (c *NamedAbsIndirectCall) minWindow() uint32 { return 6 }

func (c *NamedAbsIndirectCall) Serialise() []byte {
	var w wire.Writer
	w.String(c.ModuleName)
	w.String(c.FunctionName)
	return w.Bytes()
}

func (c *NamedAbsIndirectCall) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	c.ModuleName = r.String()
	c.FunctionName = r.String()
	return r.Err()
}

func (c *NamedAbsIndirectCall) match(env *Env, cursor uintptr) bool {
	slot, ok := absIndirectSlot(cursor)
	if !ok {
		return false
	}
	target, ok := readPointer(slot)
	if !ok {
		return false
	}
	m, err := env.Modules.Open(c.ModuleName)
	if err != nil {
		return false
	}
	defer m.Close()
	sym, err := m.Symbol(c.FunctionName)
	if err != nil {
		return false
	}
	return target == sym
}

// UnnamedAbsIndirectCall matches `FF 15 ptr' where the pointed-to
// function satisfies an inner search.
type UnnamedAbsIndirectCall struct {
	Inner Search
}

func (c *UnnamedAbsIndirectCall) kind() SpecialKind { return SpecialUnnamedAbsIndirectCall }
func (c *UnnamedAbsIndirectCall) minWindow() uint32 { return 6 }

func (c *UnnamedAbsIndirectCall) Serialise() []byte {
	return c.Inner.Serialise()
}

func (c *UnnamedAbsIndirectCall) Deserialise(data []byte) error {
	return c.Inner.Deserialise(data)
}

func (c *UnnamedAbsIndirectCall) match(env *Env, cursor uintptr) bool {
	slot, ok := absIndirectSlot(cursor)
	if !ok {
		return false
	}
	target, ok := readPointer(slot)
	if !ok {
		return false
	}
	matched, err := c.Inner.matchWindow(env, target)
	return err == nil && matched
}

// DataPointer matches when the pointer at the cursor leads to memory
// satisfying an inner search.
type DataPointer struct {
	Inner Search
}

func (c *DataPointer) kind() SpecialKind { return SpecialDataPointer }
func (c *DataPointer) minWindow() uint32 { return 4 }

func (c *DataPointer) Serialise() []byte {
	return c.Inner.Serialise()
}

func (c *DataPointer) Deserialise(data []byte) error {
	return c.Inner.Deserialise(data)
}

func (c *DataPointer) match(env *Env, cursor uintptr) bool {
	target, ok := readPointer(cursor)
	if !ok {
		return false
	}
	matched, err := c.Inner.matchWindow(env, target)
	return err == nil && matched
}

// vim: ai:ts=8:sw=8:noet:syntax=go
