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
	"fmt"

	"github.com/mattn/anko/env"
	"github.com/mattn/anko/vm"

	"mempatch/internal/patch"
)

// Artifact is one compiled generation of the patch library: the anko
// environment built from the source the manager's codegen produced.
// Each invocation runs in a child scope of the compiled environment;
// script globals such as shared variables live in the compiled
// environment and persist between invocations.
type Artifact struct {
	name string
	env  *env.Env
}

// CompileArtifact executes the generated source into a fresh
// environment. Shared variables and function definitions survive in it.
func CompileArtifact(name, source string) (*Artifact, error) {
	e := env.NewEnv()
	if _, err := vm.Execute(e, nil, source); err != nil {
		return nil, fmt.Errorf("cannot compile patch library %q: %w", name, err)
	}
	return &Artifact{name: name, env: e}, nil
}

func (a *Artifact) Name() string {
	return a.name
}

// HasSymbol reports whether the generation defines a symbol.
func (a *Artifact) HasSymbol(symbol string) bool {
	_, err := a.env.Get(symbol)
	return err == nil
}

// InvokeHookPatch calls one generated hook-patch function. The script
// sees the mutable register snapshot, the current return address, the
// pack's extra settings and the shared extra-parameters slot; it may
// redirect control with set_return_address.
func (a *Artifact) InvokeHookPatch(symbol string, regs *Registers, returnAddress *uint32,
	extras []patch.ExtraSetting, extraParams *[]any) error {
	if !a.HasSymbol(symbol) {
		return fmt.Errorf("no symbol %q in patch library %q", symbol, a.name)
	}
	e := a.env.NewEnv()
	e.Define("__registers", regs)
	e.Define("__return_address", *returnAddress)
	e.Define("__extra_settings", extras)
	e.Define("__extra_parameters", extraParams)
	e.Define("set_return_address", func(v int64) {
		*returnAddress = uint32(v)
	})
	e.Define("extra_setting", func(label string) string {
		setting, err := patch.ExtraSettingByLabel(extras, label)
		if err != nil {
			return ""
		}
		return setting.CurrentValue
	})
	_, err := vm.Execute(e, nil,
		symbol+"(__registers, __return_address, __extra_settings, __extra_parameters)")
	if err != nil {
		return fmt.Errorf("hook patch %q: %w", symbol, err)
	}
	return nil
}

// RunHookStage runs a generated prologue or epilogue function. Missing
// stages are fine; codegen only emits them when the hook declares
// source for them.
func (a *Artifact) RunHookStage(symbol string, regs *Registers, returnAddress *uint32) error {
	if !a.HasSymbol(symbol) {
		return nil
	}
	e := a.env.NewEnv()
	e.Define("__registers", regs)
	e.Define("__return_address", *returnAddress)
	e.Define("set_return_address", func(v int64) {
		*returnAddress = uint32(v)
	})
	_, err := vm.Execute(e, nil, symbol+"(__registers, __return_address)")
	if err != nil {
		return fmt.Errorf("hook stage %q: %w", symbol, err)
	}
	return nil
}

// vim: ai:ts=8:sw=8:noet:syntax=go
