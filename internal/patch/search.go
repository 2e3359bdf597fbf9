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

	"mempatch/internal/mem"
	"mempatch/internal/wire"
)

// Search describes a byte pattern matched against a module's current
// segments. Positions listed in IgnoredRvas match any byte; positions
// carrying a Special are decided by the special's predicate instead.
type Search struct {
	ModuleName  string
	SearchBytes []byte
	IgnoredRvas RvaSet
	Specials    []Special
}

func (s *Search) Serialise() []byte {
	var w wire.Writer
	w.String(s.ModuleName)
	w.Blob(s.SearchBytes)
	w.Uint32s(s.IgnoredRvas.Sorted())
	w.Uint32(uint32(len(s.Specials)))
	for _, special := range s.Specials {
		w.Blob(special.Serialise())
	}
	return w.Bytes()
}

func (s *Search) Deserialise(data []byte) error {
	return s.readFrom(wire.NewReader(data))
}

func (s *Search) readFrom(r *wire.Reader) error {
	s.ModuleName = r.String()
	s.SearchBytes = r.Blob()
	s.IgnoredRvas = rvaSetFrom(r.Uint32s())
	n := r.Uint32()
	s.Specials = nil
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		var special Special
		if err := special.Deserialise(r.Blob()); err != nil {
			return err
		}
		s.Specials = append(s.Specials, special)
	}
	return r.Err()
}

// CheckValid rejects a search that could not possibly run: empty module
// name, too few bytes, offsets outside the window, duplicate or blank
// specials.
func (s *Search) CheckValid(minSearchBytes int) error {
	if s.ModuleName == "" {
		return fmt.Errorf("the module name cannot be empty")
	}
	if len(s.SearchBytes) < minSearchBytes {
		return fmt.Errorf("there must be at least %d search byte(s)", minSearchBytes)
	}
	size := uint32(len(s.SearchBytes))

	for rva := range s.IgnoredRvas {
		if rva >= size {
			return fmt.Errorf("all ignored search byte RVAs must be less than the search bytes length")
		}
	}

	used := make(map[uint32]bool, len(s.Specials))
	for _, special := range s.Specials {
		if used[special.Rva] {
			return fmt.Errorf("all special searches must have a unique search bytes RVA")
		}
		used[special.Rva] = true
		if err := special.checkValid(s); err != nil {
			return err
		}
	}
	return nil
}

// DoSearch returns the addresses of every match inside the module's
// current segments, in ascending order. Matches never straddle a
// segment boundary and never overlap one another.
func (s *Search) DoSearch(env *Env) ([]uintptr, error) {
	if err := s.CheckValid(len(s.SearchBytes)); err != nil {
		return nil, err
	}
	m, err := env.Modules.Open(s.ModuleName)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	var results []uintptr
	for _, segment := range m.Segments() {
		found, err := s.searchSegment(env, segment)
		if err != nil {
			return nil, err
		}
		results = append(results, found...)
	}
	return results, nil
}

func (s *Search) searchSegment(env *Env, segment mem.Region) ([]uintptr, error) {
	if uintptr(len(s.SearchBytes)) > segment.Size {
		return nil, nil
	}

	// If the segment isn't readable, make it readable for the scan.
	restore := []mem.Region(nil)
	if !segment.Readable {
		readable := segment
		readable.Readable = true
		prior, err := mem.ChangeProtection(readable)
		if err != nil {
			return nil, err
		}
		restore = prior
	}

	data := mem.Slice(segment.Start, int(segment.Size))
	var results []uintptr
	for start := 0; start+len(s.SearchBytes) <= len(data); {
		if s.matchAt(env, segment.Start, data, start) {
			results = append(results, segment.Start+uintptr(start))
			start += len(s.SearchBytes)
		} else {
			start++
		}
	}

	for _, prior := range restore {
		if _, err := mem.ChangeProtection(prior); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (s *Search) matchAt(env *Env, base uintptr, data []byte, start int) bool {
	for i, want := range s.SearchBytes {
		rva := uint32(i)
		if special := s.specialAt(rva); special != nil {
			if !special.Data.match(env, base+uintptr(start+i)) {
				return false
			}
			continue
		}
		if s.IgnoredRvas.Has(rva) {
			continue
		}
		if data[start+i] != want {
			return false
		}
	}
	return true
}

func (s *Search) specialAt(rva uint32) *Special {
	for i := range s.Specials {
		if s.Specials[i].Rva == rva {
			return &s.Specials[i]
		}
	}
	return nil
}

// matchWindow runs the pattern against exactly one window at `addr'.
// Unreadable pages covering the window are upgraded for the duration.
func (s *Search) matchWindow(env *Env, addr uintptr) (bool, error) {
	size := len(s.SearchBytes)
	regions, err := mem.Query(addr, uintptr(size))
	if err != nil {
		return false, err
	}

	var restore []mem.Region
	for _, region := range regions {
		if region.Readable {
			continue
		}
		readable := region
		readable.Readable = true
		prior, err := mem.ChangeProtection(readable)
		if err != nil {
			return false, err
		}
		restore = append(restore, prior...)
	}

	ok := s.matchAt(env, addr, mem.Slice(addr, size), 0)

	for _, prior := range restore {
		if _, err := mem.ChangeProtection(prior); err != nil {
			return false, err
		}
	}
	return ok, nil
}

// NameSearch narrows the scope to one window of len(SearchBytes) bytes
// at symbol(FunctionName) + FunctionRva.
type NameSearch struct {
	Search
	FunctionName string
	FunctionRva  uint32
}

func (s *NameSearch) Serialise() []byte {
	var w wire.Writer
	w.Blob(s.Search.Serialise())
	w.String(s.FunctionName)
	w.Uint32(s.FunctionRva)
	return w.Bytes()
}

func (s *NameSearch) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	if err := s.Search.Deserialise(r.Blob()); err != nil {
		return err
	}
	s.FunctionName = r.String()
	s.FunctionRva = r.Uint32()
	return r.Err()
}

func (s *NameSearch) CheckValid(minSearchBytes int) error {
	if err := s.Search.CheckValid(minSearchBytes); err != nil {
		return err
	}
	if s.FunctionName == "" {
		return fmt.Errorf("the function name cannot be empty")
	}
	return nil
}

// CheckOverlapWith fails when both searches cover any shared byte of the
// same function in the same module. The check is symmetric.
func (s *NameSearch) CheckOverlapWith(other *NameSearch) error {
	if s.ModuleName != other.ModuleName || s.FunctionName != other.FunctionName {
		return nil
	}
	start := s.FunctionRva
	end := start + uint32(len(s.SearchBytes))
	otherStart := other.FunctionRva
	otherEnd := otherStart + uint32(len(other.SearchBytes))
	if start < otherEnd && otherStart < end {
		return fmt.Errorf("the name search overlaps with another name search")
	}
	return nil
}

func (s *NameSearch) DoSearch(env *Env) ([]uintptr, error) {
	if err := s.CheckValid(len(s.SearchBytes)); err != nil {
		return nil, err
	}
	m, err := env.Modules.Open(s.ModuleName)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	sym, err := m.Symbol(s.FunctionName)
	if err != nil {
		return nil, err
	}
	addr := sym + uintptr(s.FunctionRva)
	ok, err := s.matchWindow(env, addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []uintptr{addr}, nil
}

// vim: ai:ts=8:sw=8:noet:syntax=go
