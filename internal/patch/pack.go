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
	"mempatch/internal/wire"
)

// SharedVariable is one codegen-visible global of a patch pack. Order
// matters: the generated source declares them in declaration order.
type SharedVariable struct {
	Name string
	Type string
}

// PatchPack bundles patches that enable and disable together, plus the
// codegen inputs their hook-patch bodies need.
type PatchPack struct {
	Info            Info
	RequiredPlugins []string
	Patches         []Patch
	HeaderIncludes  []string
	SharedVariables []SharedVariable
}

func (p *PatchPack) Serialise() []byte {
	var w wire.Writer
	w.Blob(p.Info.Serialise())
	w.Uint32(uint32(len(p.RequiredPlugins)))
	for _, plugin := range p.RequiredPlugins {
		w.String(plugin)
	}
	w.Uint32(uint32(len(p.Patches)))
	for _, patch := range p.Patches {
		w.Blob(patch.Serialise())
	}
	w.Uint32(uint32(len(p.HeaderIncludes)))
	for _, include := range p.HeaderIncludes {
		w.String(include)
	}
	w.Uint32(uint32(len(p.SharedVariables)))
	for _, sharedVariable := range p.SharedVariables {
		w.String(sharedVariable.Name)
		w.String(sharedVariable.Type)
	}
	return w.Bytes()
}

func (p *PatchPack) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	if err := p.Info.Deserialise(r.Blob()); err != nil {
		return err
	}

	n := r.Uint32()
	p.RequiredPlugins = nil
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		p.RequiredPlugins = append(p.RequiredPlugins, r.String())
	}

	n = r.Uint32()
	p.Patches = nil
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		var patch Patch
		if err := patch.Deserialise(r.Blob()); err != nil {
			return err
		}
		p.Patches = append(p.Patches, patch)
	}

	n = r.Uint32()
	p.HeaderIncludes = nil
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		p.HeaderIncludes = append(p.HeaderIncludes, r.String())
	}

	n = r.Uint32()
	p.SharedVariables = nil
	for i := uint32(0); i < n && r.Err() == nil; i++ {
		p.SharedVariables = append(p.SharedVariables, SharedVariable{
			Name: r.String(),
			Type: r.String(),
		})
	}
	return r.Err()
}

// vim: ai:ts=8:sw=8:noet:syntax=go
