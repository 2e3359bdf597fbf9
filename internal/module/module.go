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

// Package module resolves loaded modules of the current process: their
// live segments, the loader's original view of those segments, and
// exported symbols.
package module

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/yookoala/realpath"
	"golang.org/x/sys/unix"

	"mempatch/internal/mem"
)

var (
	ErrNotLoaded    = fmt.Errorf("module is not loaded")
	ErrNotUnloadable = fmt.Errorf("not unloading an opened (not loaded) module")
	ErrNoSymbol     = fmt.Errorf("no such symbol")
)

// Registry hands out module handles. Original segments are frozen per
// module identity on first observation and survive later protection
// changes made by the patcher.
type Registry struct {
	mu        sync.Mutex
	originals map[string][]mem.Region
	loaded    map[string]*Module
}

func NewRegistry() *Registry {
	return &Registry{
		originals: make(map[string][]mem.Region),
		loaded:    make(map[string]*Module),
	}
}

// Module is a handle to one loadable unit. A Module obtained from Open
// borrows the process state; one obtained from Load owns a private
// mapping until Unload.
type Module struct {
	reg *Registry

	File string // base name
	Path string // absolute directory, with trailing separator
	Base uintptr

	segments []mem.Region
	original []mem.Region
	loaded   bool
	mapping  []byte
	syms     map[string]uintptr
}

// Open obtains a handle to an already-loaded module. The empty string
// resolves to the main executable.
func (r *Registry) Open(pathfile string) (*Module, error) {
	if pathfile == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve main executable: %w", err)
		}
		pathfile = exe
	}

	r.mu.Lock()
	for _, m := range r.loaded {
		if pathfileMatch(m.Path+m.File, pathfile) {
			r.mu.Unlock()
			view := *m
			view.loaded = false
			view.mapping = nil
			return &view, nil
		}
	}
	r.mu.Unlock()

	regions, err := mem.Regions()
	if err != nil {
		return nil, err
	}
	var segments []mem.Region
	mapped := ""
	for _, region := range regions {
		if region.MappedFile == "" || !strings.HasPrefix(region.MappedFile, "/") {
			continue
		}
		if !pathfileMatch(region.MappedFile, pathfile) {
			continue
		}
		segments = append(segments, region)
		mapped = region.MappedFile
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotLoaded, pathfile)
	}

	real, err := realpath.Realpath(mapped)
	if err != nil {
		real = mapped
	}
	dir, file := filepath.Split(real)

	m := &Module{
		reg:      r,
		File:     file,
		Path:     dir,
		Base:     segments[0].Start,
		segments: segments,
	}
	m.original, err = r.originalSegments(real, m.Base)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// OpenByAddress resolves the module whose image covers `addr'.
func (r *Registry) OpenByAddress(addr uintptr) (*Module, error) {
	r.mu.Lock()
	for _, m := range r.loaded {
		for _, segment := range m.segments {
			if addr >= segment.Start && addr < segment.End() {
				r.mu.Unlock()
				view := *m
				view.loaded = false
				view.mapping = nil
				return &view, nil
			}
		}
	}
	r.mu.Unlock()

	regions, err := mem.Regions()
	if err != nil {
		return nil, err
	}
	for _, region := range regions {
		if addr < region.Start || addr >= region.End() {
			continue
		}
		if region.MappedFile == "" || !strings.HasPrefix(region.MappedFile, "/") {
			return nil, fmt.Errorf("%#x is not backed by a module", addr)
		}
		return r.Open(region.MappedFile)
	}
	return nil, fmt.Errorf("%w: address %#x", mem.ErrUnmapped, addr)
}

// Load maps the PT_LOAD image of an ELF file into the process so its
// bytes can be searched and patched. No dynamic linking is performed;
// symbol addresses come from the file's symbol tables biased by the
// mapping base.
func (r *Registry) Load(pathfile string) (*Module, error) {
	real, err := realpath.Realpath(pathfile)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %q: %w", pathfile, err)
	}
	f, err := elf.Open(real)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q: %w", real, err)
	}
	defer f.Close()

	var minAddr, maxAddr uintptr
	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		down, up := mem.AlignPage(uintptr(prog.Vaddr), uintptr(prog.Vaddr+prog.Memsz))
		if first || down < minAddr {
			minAddr = down
		}
		if first || up > maxAddr {
			maxAddr = up
		}
		first = false
	}
	if first {
		return nil, fmt.Errorf("%q has no loadable segments", real)
	}

	mapping, err := unix.Mmap(-1, 0, int(maxAddr-minAddr),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("cannot map image: %w", err)
	}
	base := uintptr(unsafeBase(mapping))

	m := &Module{
		reg:     r,
		Base:    base,
		loaded:  true,
		mapping: mapping,
		syms:    make(map[string]uintptr),
	}
	dir, file := filepath.Split(real)
	m.Path, m.File = dir, file

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			unix.Munmap(mapping)
			return nil, fmt.Errorf("cannot read segment: %w", err)
		}
		copy(mapping[uintptr(prog.Vaddr)-minAddr:], data)

		down, up := mem.AlignPage(uintptr(prog.Vaddr), uintptr(prog.Vaddr+prog.Memsz))
		segment := mem.Region{
			Start:      base + down - minAddr,
			Size:       up - down,
			Readable:   prog.Flags&elf.PF_R != 0,
			Writable:   prog.Flags&elf.PF_W != 0,
			Executable: prog.Flags&elf.PF_X != 0,
			MappedFile: real,
		}
		m.segments = append(m.segments, segment)
		m.original = append(m.original, segment)
	}

	for _, sym := range imageSymbols(f) {
		m.syms[sym.Name] = base + uintptr(sym.Value) - minAddr
	}

	// Flip each segment to its declared protection now that the bytes
	// are in place.
	for _, segment := range m.segments {
		if _, err := mem.ChangeProtection(segment); err != nil {
			unix.Munmap(mapping)
			return nil, err
		}
	}

	r.mu.Lock()
	r.loaded[real] = m
	r.originals[real] = m.original
	r.mu.Unlock()
	return m, nil
}

// Unload releases a module. Only modules acquired via Load may be
// unloaded without force.
func (m *Module) Unload(force bool) error {
	if !m.loaded && !force {
		return ErrNotUnloadable
	}
	if m.mapping == nil {
		return nil
	}
	m.reg.mu.Lock()
	for key, loaded := range m.reg.loaded {
		if loaded == m {
			delete(m.reg.loaded, key)
		}
	}
	m.reg.mu.Unlock()
	err := unix.Munmap(m.mapping)
	m.mapping = nil
	m.loaded = false
	if err != nil {
		return fmt.Errorf("cannot unmap image: %w", err)
	}
	return nil
}

// Close releases the handle; loaded modules stay mapped, like a dlopen
// handle that is still referenced by the registry.
func (m *Module) Close() error {
	return nil
}

// Symbol resolves an exported symbol to its live address.
func (m *Module) Symbol(name string) (uintptr, error) {
	if m.syms == nil {
		if err := m.readSymbols(); err != nil {
			return 0, err
		}
	}
	addr, ok := m.syms[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q in %q", ErrNoSymbol, name, m.File)
	}
	return addr, nil
}

// Segments returns the live view of the module's regions, as observed
// when the handle was opened.
func (m *Module) Segments() []mem.Region {
	return m.segments
}

// OriginalSegments returns the loader's view of the module at first
// observation, before any patch ran.
func (m *Module) OriginalSegments() []mem.Region {
	return m.original
}

func (m *Module) readSymbols() error {
	f, err := elf.Open(m.Path + m.File)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", m.Path+m.File, err)
	}
	defer f.Close()

	bias := m.Base - imageStart(f)
	m.syms = make(map[string]uintptr)
	for _, sym := range imageSymbols(f) {
		m.syms[sym.Name] = bias + uintptr(sym.Value)
	}
	return nil
}

func (r *Registry) originalSegments(real string, base uintptr) ([]mem.Region, error) {
	r.mu.Lock()
	if original, ok := r.originals[real]; ok {
		r.mu.Unlock()
		return original, nil
	}
	r.mu.Unlock()

	f, err := elf.Open(real)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q: %w", real, err)
	}
	defer f.Close()

	bias := base - imageStart(f)
	var original []mem.Region
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		down, up := mem.AlignPage(uintptr(prog.Vaddr), uintptr(prog.Vaddr+prog.Memsz))
		original = append(original, mem.Region{
			Start:      bias + down,
			Size:       up - down,
			Readable:   prog.Flags&elf.PF_R != 0,
			Writable:   prog.Flags&elf.PF_W != 0,
			Executable: prog.Flags&elf.PF_X != 0,
			MappedFile: real,
		})
	}
	if len(original) == 0 {
		return nil, fmt.Errorf("%q has no loadable segments", real)
	}

	r.mu.Lock()
	if cached, ok := r.originals[real]; ok {
		original = cached
	} else {
		r.originals[real] = original
	}
	r.mu.Unlock()
	return original, nil
}

// imageStart returns the aligned start of the lowest PT_LOAD segment.
func imageStart(f *elf.File) uintptr {
	var min uintptr
	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		down, _ := mem.AlignPage(uintptr(prog.Vaddr), uintptr(prog.Vaddr)+1)
		if first || down < min {
			min = down
		}
		first = false
	}
	return min
}

func imageSymbols(f *elf.File) []elf.Symbol {
	var result []elf.Symbol
	if syms, err := f.DynamicSymbols(); err == nil {
		result = append(result, syms...)
	}
	if syms, err := f.Symbols(); err == nil {
		result = append(result, syms...)
	}
	return result
}

// pathfileMatch reports whether two path-or-file strings refer to the
// same module: by base name when either side carries no path, by
// (device, inode) identity otherwise.
func pathfileMatch(a, b string) bool {
	if !strings.Contains(a, "/") || !strings.Contains(b, "/") {
		return filepath.Base(a) == filepath.Base(b)
	}

	aDev, aInode, ok := inodeAndDevice(a)
	if !ok {
		return false
	}
	bDev, bInode, ok := inodeAndDevice(b)
	if !ok {
		return false
	}
	return aDev == bDev && aInode == bInode
}

func unsafeBase(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

func inodeAndDevice(pathfile string) (uint64, uint64, bool) {
	real, err := realpath.Realpath(pathfile)
	if err != nil {
		real = pathfile
	}
	var st unix.Stat_t
	if err := unix.Stat(real, &st); err != nil {
		return 0, 0, false
	}
	return uint64(st.Dev), st.Ino, true
}

// vim: ai:ts=8:sw=8:noet:syntax=go
