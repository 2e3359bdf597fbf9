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

// Package mem enumerates the memory regions of the current process and
// performs protection changes and cross-protection copies on them.
package mem

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region describes one mapped span of the address space. Start is
// page-aligned and Size is a multiple of the page size. Protection
// changes never mutate a Region in place; they produce new values.
type Region struct {
	Start      uintptr
	Size       uintptr
	Readable   bool
	Writable   bool
	Executable bool
	MappedFile string
}

func (r Region) End() uintptr {
	return r.Start + r.Size
}

func (r Region) prot() int {
	prot := unix.PROT_NONE
	if r.Readable {
		prot |= unix.PROT_READ
	}
	if r.Writable {
		prot |= unix.PROT_WRITE
	}
	if r.Executable {
		prot |= unix.PROT_EXEC
	}
	return prot
}

var ErrUnmapped = fmt.Errorf("address range is not mapped")

func PageSize() uintptr {
	return uintptr(os.Getpagesize())
}

// AlignPage rounds down to the page containing `down' and up to the page
// boundary past `up-1'.
func AlignPage(down, up uintptr) (uintptr, uintptr) {
	mask := PageSize() - 1
	return down &^ mask, ((up - 1) &^ mask) + PageSize()
}

// Regions parses /proc/self/maps and returns every mapped region,
// ordered by start address.
func Regions() ([]Region, error) {
	buf, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("cannot read maps: %w", err)
	}

	var result []Region
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		flds := strings.Fields(line)
		if len(flds) < 5 {
			continue
		}

		var from, to uintptr
		_, err = fmt.Sscanf(flds[0], "%x-%x", &from, &to)
		if err != nil {
			continue
		}

		perms := flds[1]
		region := Region{
			Start:      from,
			Size:       to - from,
			Readable:   strings.HasPrefix(perms, "r"),
			Writable:   len(perms) > 1 && perms[1] == 'w',
			Executable: len(perms) > 2 && perms[2] == 'x',
		}
		if len(flds) > 5 {
			region.MappedFile = flds[5]
		}
		result = append(result, region)
	}

	return result, nil
}

// Query returns the contiguous regions covering [start, start+size).
// The span is page-aligned first. Any gap in the coverage is an error.
func Query(start, size uintptr) ([]Region, error) {
	start, end := AlignPage(start, start+size)
	size = end - start
	if size == 0 {
		return nil, fmt.Errorf("empty page range")
	}

	regions, err := Regions()
	if err != nil {
		return nil, err
	}

	var result []Region
	for _, region := range regions {
		if start < region.Start {
			return nil, fmt.Errorf("%w: %#x", ErrUnmapped, start)
		}
		if start >= region.End() {
			continue
		}
		result = append(result, region)
		if region.End()-start >= size {
			size = 0
			break
		}
		size -= region.End() - start
		start = region.End()
	}
	if size != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrUnmapped, start)
	}

	return result, nil
}

// ChangeProtection applies the protection flags of `page' over its whole
// span as a single mprotect call and returns the exact prior coverage,
// trimmed to fit snugly inside the span, so callers can restore it
// verbatim.
func ChangeProtection(page Region) ([]Region, error) {
	start, end := AlignPage(page.Start, page.Start+page.Size)
	page.Start = start
	page.Size = end - start

	prior, err := Query(page.Start, page.Size)
	if err != nil {
		return nil, err
	}
	prior[0].Size -= page.Start - prior[0].Start
	prior[0].Start = page.Start
	last := len(prior) - 1
	prior[last].Size = page.End() - prior[last].Start

	err = unix.Mprotect(Slice(page.Start, int(page.Size)), page.prot())
	if err != nil {
		return nil, fmt.Errorf("mprotect %#x+%#x: %w", page.Start, page.Size, err)
	}
	return prior, nil
}

// SafeCopy writes `data' to `dst' regardless of the current protection
// there, then restores every prior sub-region individually.
func SafeCopy(data []byte, dst uintptr) error {
	prior, err := ChangeProtection(Region{
		Start:      dst,
		Size:       uintptr(len(data)),
		Readable:   true,
		Writable:   true,
		Executable: true,
	})
	if err != nil {
		return err
	}
	copy(Slice(dst, len(data)), data)
	for _, page := range prior {
		_, rerr := ChangeProtection(page)
		if rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// Slice returns a live view of process memory. The caller is responsible
// for the range being mapped and readable.
func Slice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// ReadAt copies `size' bytes out of process memory.
func ReadAt(addr uintptr, size int) []byte {
	buf := make([]byte, size)
	copy(buf, Slice(addr, size))
	return buf
}

// AllocWritable maps fresh anonymous read+write pages covering `size'
// bytes.
func AllocWritable(size int) (uintptr, error) {
	size = (size + int(PageSize()) - 1) &^ (int(PageSize()) - 1)
	page, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("cannot allocate page: %w", err)
	}
	return uintptr(unsafe.Pointer(&page[0])), nil
}

// SealCode flips pages from AllocWritable to read+execute once the code
// bytes are in place.
func SealCode(addr uintptr, size int) error {
	size = (size + int(PageSize()) - 1) &^ (int(PageSize()) - 1)
	err := unix.Mprotect(Slice(addr, size), unix.PROT_READ|unix.PROT_EXEC)
	if err != nil {
		return fmt.Errorf("cannot protect code page: %w", err)
	}
	return nil
}

// AllocCode maps a fresh page, fills it with `code' and flips it to
// read+execute, like a tiny one-off linker. Position-dependent code
// should use AllocWritable and encode against the returned base
// instead.
func AllocCode(code []byte) (uintptr, error) {
	addr, err := AllocWritable(len(code))
	if err != nil {
		return 0, err
	}
	copy(Slice(addr, len(code)), code)
	if err := SealCode(addr, len(code)); err != nil {
		FreeCode(addr, len(code))
		return 0, err
	}
	return addr, nil
}

// FreeCode releases a page obtained from AllocCode.
func FreeCode(addr uintptr, size int) error {
	size = (size + int(PageSize()) - 1) &^ (int(PageSize()) - 1)
	return unix.Munmap(Slice(addr, size))
}

// vim: ai:ts=8:sw=8:noet:syntax=go
