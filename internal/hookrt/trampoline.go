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

package hookrt

import (
	"encoding/binary"
	"encoding/hex"

	"mempatch/internal/patch"
)

// HookSafename mangles a hook name into a symbol-safe identifier.
func HookSafename(name string) string {
	return "hook_" + hex.EncodeToString([]byte(name))
}

// PackSafename mangles a patch-pack name the same way.
func PackSafename(name string) string {
	return "patchpack_" + hex.EncodeToString([]byte(name))
}

// EncodeWrapper emits the x86 wrapper for a hook, to be placed at
// `base'. The wrapper runs with the pushed return address on top of the
// stack:
//
//	add  esp, 4            ; pretend we aren't in a call frame
//	<prologue raw bytes>
//	sub  esp, 4            ; un-pretend
//	sub  esp, extraStack   ; reserve the working storage
//	pusha                  ; 8 x 32-bit registers
//	mov  eax, [esp+32+extraStack]
//	mov  [esp+32], eax     ; relocate the return address below the storage
//	lea  eax, [esp+32+extraStack]
//	push eax               ; &extra_stack_start
//	sub  eax, extraStack
//	push eax               ; &return_address
//	8 x  (sub eax, 4; push eax)  ; &eax &ecx &edx &ebx &esp &ebp &esi &edi
//	call body
//	add  esp, 40           ; the ten argument slots
//	popa                   ; restore the (possibly modified) registers
//	add  esp, 4
//	<epilogue raw bytes>
//	sub  esp, 4
//	ret  stackPopAfterReturn
//
// The prologue/epilogue raw bytes run with the call-frame pretence
// suppressed and must keep the stack pointer where they found it.
func EncodeWrapper(h *patch.Hook, base, bodyAddr uintptr) []byte {
	var out []byte
	emit := func(bs ...byte) { out = append(out, bs...) }
	imm32 := func(v uint32) { out = binary.LittleEndian.AppendUint32(out, v) }

	emit(0x83, 0xc4, 0x04) // add esp, 4
	out = append(out, h.PrologueRaw...)
	emit(0x83, 0xec, 0x04) // sub esp, 4

	emit(0x81, 0xec) // sub esp, imm32
	imm32(h.ExtraStack)
	emit(0x60) // pusha

	emit(0x8b, 0x84, 0x24) // mov eax, [esp+disp32]
	imm32(32 + h.ExtraStack)
	emit(0x89, 0x84, 0x24) // mov [esp+disp32], eax
	imm32(32)

	emit(0x8d, 0x84, 0x24) // lea eax, [esp+disp32]
	imm32(32 + h.ExtraStack)
	emit(0x50) // push eax
	emit(0x2d) // sub eax, imm32
	imm32(h.ExtraStack)
	emit(0x50)
	for i := 0; i < 8; i++ {
		emit(0x83, 0xe8, 0x04) // sub eax, 4
		emit(0x50)             // push eax
	}

	callAt := len(out)
	emit(0xe8) // call rel32
	imm32(uint32(int64(bodyAddr) - (int64(base) + int64(callAt) + 5)))

	emit(0x83, 0xc4, 0x28) // add esp, 40
	emit(0x61)             // popa

	emit(0x83, 0xc4, 0x04)
	out = append(out, h.EpilogueRaw...)
	emit(0x83, 0xec, 0x04)

	emit(0xc2, byte(h.StackPopAfterReturn), byte(h.StackPopAfterReturn>>8)) // ret imm16
	return out
}

// vim: ai:ts=8:sw=8:noet:syntax=go
