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

// Package patch holds the serialisable patch model (searches, hooks,
// patches and patch packs) and the pattern-search engine that resolves
// them against live module memory.
package patch

import (
	"mempatch/internal/mem"
	"mempatch/internal/module"
)

// Handle is the slice of a module handle the search engine needs.
type Handle interface {
	Symbol(name string) (uintptr, error)
	Segments() []mem.Region
	OriginalSegments() []mem.Region
	Close() error
}

// Opener resolves module names to handles.
type Opener interface {
	Open(pathfile string) (Handle, error)
}

// Env carries the collaborators a search runs against. It is built once
// by the process entry point and passed down; nothing in this package
// keeps global state.
type Env struct {
	Modules Opener
}

type registryOpener struct {
	reg *module.Registry
}

func (o registryOpener) Open(pathfile string) (Handle, error) {
	m, err := o.reg.Open(pathfile)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// OpenerFor adapts a module registry to the Opener interface.
func OpenerFor(reg *module.Registry) Opener {
	return registryOpener{reg: reg}
}

// RvaSet is a set of byte offsets into a search or replace window.
type RvaSet map[uint32]struct{}

func NewRvaSet(vs ...uint32) RvaSet {
	s := make(RvaSet, len(vs))
	for _, v := range vs {
		s[v] = struct{}{}
	}
	return s
}

func (s RvaSet) Has(v uint32) bool {
	_, ok := s[v]
	return ok
}

func (s RvaSet) Add(v uint32) {
	s[v] = struct{}{}
}

func (s RvaSet) Sorted() []uint32 {
	vs := make([]uint32, 0, len(s))
	for v := range s {
		vs = append(vs, v)
	}
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j-1] > vs[j]; j-- {
			vs[j-1], vs[j] = vs[j], vs[j-1]
		}
	}
	return vs
}

func rvaSetFrom(vs []uint32) RvaSet {
	if len(vs) == 0 {
		return nil
	}
	return NewRvaSet(vs...)
}

// Serialisable is implemented by every entity that crosses the control
// channel.
type Serialisable interface {
	Serialise() []byte
	Deserialise(data []byte) error
}

// vim: ai:ts=8:sw=8:noet:syntax=go
