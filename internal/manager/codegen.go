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

package manager

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"mempatch/internal/hookrt"
	"mempatch/internal/patch"
)

// Codegen turns registered hooks and patch packs into the anko source
// the cores compile as their patch library. Per-object CRC32 checksums
// stored in the settings gate recompilation; a `modified' marker tells
// the linker whether anything changed.
type Codegen struct {
	settings *Settings
}

func NewCodegen(settings *Settings) *Codegen {
	return &Codegen{settings: settings}
}

func (c *Codegen) objectsDir() (string, error) {
	dir := c.settings.Get("manager.PatchCompiler.objectsPath")
	if err := os.MkdirAll(dir, 0o777); err != nil && !errors.Is(err, fs.ErrExist) {
		return "", err
	}
	return dir, nil
}

// GenerateHookSource emits the hook's prologue/epilogue stage
// functions. The wrapper itself and the callback set live in the core,
// so the generated side of a hook is only the user-supplied stages.
func GenerateHookSource(h *patch.Hook) string {
	var out strings.Builder
	out.WriteString("# " + h.Name + ": generated hook stages; do not edit\n")
	for _, include := range h.HeaderIncludes {
		out.WriteString("# include <" + include + ">\n")
	}
	safename := hookrt.HookSafename(h.Name)
	if h.PrologueSrc != "" {
		out.WriteString("func " + safename + "_prologue(registers, return_address) {\n")
		out.WriteString("\t" + h.PrologueSrc + "\n")
		out.WriteString("}\n")
	}
	if h.EpilogueSrc != "" {
		out.WriteString("func " + safename + "_epilogue(registers, return_address) {\n")
		out.WriteString("\t" + h.EpilogueSrc + "\n")
		out.WriteString("}\n")
	}
	return out.String()
}

// GeneratePatchPackSource emits the pack's shared variables and one
// hook-patch function per hook patch, numbered in declaration order.
func GeneratePatchPackSource(p *patch.PatchPack) string {
	var out strings.Builder
	out.WriteString("# " + p.Info.Name + ": generated patch pack; do not edit\n")
	for _, include := range p.HeaderIncludes {
		out.WriteString("# include <" + include + ">\n")
	}
	for _, sharedVariable := range p.SharedVariables {
		out.WriteString(sharedVariable.Name + " = " + zeroValue(sharedVariable.Type) + "\n")
	}

	safename := hookrt.PackSafename(p.Info.Name)
	hookPatchNum := 0
	for _, pt := range p.Patches {
		body, ok := pt.Body.(*patch.HookPatch)
		if !ok {
			continue
		}
		out.WriteString("func " + safename + "_hookPatch" + strconv.Itoa(hookPatchNum) +
			"(registers, return_address, extra_settings, extra_parameters) {\n")
		out.WriteString("\t" + body.FunctionBody + "\n")
		out.WriteString("}\n")
		hookPatchNum++
	}
	return out.String()
}

func zeroValue(typeName string) string {
	switch strings.ToLower(typeName) {
	case "int", "int32", "int64", "uint", "uint32", "uint64", "size_t":
		return "0"
	case "float", "float32", "float64", "double":
		return "0.0"
	case "string":
		return `""`
	case "bool":
		return "false"
	}
	return "nil"
}

// CompileHook writes a hook's generated source as one object. Skipped
// when the checksum matches the last compile and the object still
// exists.
func (c *Codegen) CompileHook(h *patch.Hook, force bool) (string, bool, error) {
	return c.compileObject("hooks."+h.Name, hookrt.HookSafename(h.Name),
		GenerateHookSource(h), force)
}

// CompilePatchPack does the same for a patch pack.
func (c *Codegen) CompilePatchPack(p *patch.PatchPack, force bool) (string, bool, error) {
	return c.compileObject("patchPacks."+p.Info.Name, hookrt.PackSafename(p.Info.Name),
		GeneratePatchPackSource(p), force)
}

func (c *Codegen) compileObject(settingsKey, safename, source string, force bool) (string, bool, error) {
	dir, err := c.objectsDir()
	if err != nil {
		return "", false, err
	}
	objectFilename := filepath.Join(dir, safename+".anko")

	sum := strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(source))), 10)
	if !force && sum == c.settings.Get(settingsKey+".crc32") {
		if _, err := os.Stat(objectFilename); err == nil {
			return "", true, nil
		}
	}

	if err := os.WriteFile(objectFilename, []byte(source), 0o666); err != nil {
		return "", false, err
	}
	// Touch the marker so LinkObjects knows to relink.
	if err := os.WriteFile(filepath.Join(dir, "modified"), nil, 0o666); err != nil {
		return "", false, err
	}
	c.settings.Set(settingsKey+".crc32", sum)
	return "compiled " + objectFilename + "\n", false, nil
}

// RemoveObject drops a stale object so the next link no longer carries
// it.
func (c *Codegen) RemoveObject(safename string) {
	dir, err := c.objectsDir()
	if err != nil {
		return
	}
	if err := os.Remove(filepath.Join(dir, safename+".anko")); err == nil {
		os.WriteFile(filepath.Join(dir, "modified"), nil, 0o666)
	}
}

// LinkObjects concatenates every compiled object into the patch
// library the cores load. Without force, linking is skipped while the
// library exists and no object was recompiled since the last link.
func (c *Codegen) LinkObjects(force bool) (string, error) {
	dir, err := c.objectsDir()
	if err != nil {
		return "", err
	}
	patchesFilename := c.settings.Get("core.patchesLibrary")
	marker := filepath.Join(dir, "modified")

	if !force {
		if _, err := os.Stat(patchesFilename); err == nil {
			if _, err := os.Stat(marker); err != nil {
				return "", nil
			}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var objects []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".anko") {
			continue
		}
		objects = append(objects, entry.Name())
	}
	sort.Strings(objects)

	var linked strings.Builder
	for _, object := range objects {
		buf, err := os.ReadFile(filepath.Join(dir, object))
		if err != nil {
			return "", err
		}
		linked.Write(buf)
		linked.WriteString("\n")
	}
	if err := os.WriteFile(patchesFilename, []byte(linked.String()), 0o666); err != nil {
		return "", err
	}
	os.Remove(marker)
	return fmt.Sprintf("linked %d object(s) into %s\n", len(objects), patchesFilename), nil
}

// vim: ai:ts=8:sw=8:noet:syntax=go
