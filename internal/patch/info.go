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

type ExtraSettingType uint32

const (
	ExtraSettingText ExtraSettingType = iota
	ExtraSettingNumber
	ExtraSettingSlider
	ExtraSettingCheckbox
)

// ExtraSetting is one user-tunable knob of a patch pack. CurrentValue
// is ignored on input; Min/Max/Interval/Precision apply to the NUMBER
// and SLIDER types only.
type ExtraSetting struct {
	Label             string
	Type              ExtraSettingType
	CurrentValue      string
	DefaultValue      string
	NewlineAfterLabel bool
	Size              uint32
	Min               int64
	Max               int64
	Interval          uint64
	Precision         uint8
}

func (s *ExtraSetting) Serialise() []byte {
	var w wire.Writer
	w.String(s.Label)
	w.Uint32(uint32(s.Type))
	w.String(s.CurrentValue)
	w.String(s.DefaultValue)
	w.Bool(s.NewlineAfterLabel)
	w.Uint32(s.Size)
	w.Int64(s.Min)
	w.Int64(s.Max)
	w.Uint64(s.Interval)
	w.Uint8(s.Precision)
	return w.Bytes()
}

func (s *ExtraSetting) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	s.Label = r.String()
	s.Type = ExtraSettingType(r.Uint32())
	s.CurrentValue = r.String()
	s.DefaultValue = r.String()
	s.NewlineAfterLabel = r.Bool()
	s.Size = r.Uint32()
	s.Min = r.Int64()
	s.Max = r.Int64()
	s.Interval = r.Uint64()
	s.Precision = r.Uint8()
	return r.Err()
}

// ExtraSettingByLabel finds a setting in place so the caller can update
// its current value.
func ExtraSettingByLabel(settings []ExtraSetting, label string) (*ExtraSetting, error) {
	for i := range settings {
		if settings[i].Label == label {
			return &settings[i], nil
		}
	}
	return nil, fmt.Errorf("no setting with label %q exists", label)
}

// Info is the user-facing half of a patch pack.
type Info struct {
	Name             string
	Desc             string
	CurrentlyEnabled bool // ignored on input
	DefaultEnabled   bool
	ExtraSettings    []ExtraSetting
}

func (i *Info) Serialise() []byte {
	var w wire.Writer
	w.String(i.Name)
	w.String(i.Desc)
	w.Bool(i.CurrentlyEnabled)
	w.Bool(i.DefaultEnabled)
	w.Uint32(uint32(len(i.ExtraSettings)))
	for _, setting := range i.ExtraSettings {
		w.Blob(setting.Serialise())
	}
	return w.Bytes()
}

func (i *Info) Deserialise(data []byte) error {
	r := wire.NewReader(data)
	i.Name = r.String()
	i.Desc = r.String()
	i.CurrentlyEnabled = r.Bool()
	i.DefaultEnabled = r.Bool()
	n := r.Uint32()
	i.ExtraSettings = nil
	for s := uint32(0); s < n && r.Err() == nil; s++ {
		var setting ExtraSetting
		if err := setting.Deserialise(r.Blob()); err != nil {
			return err
		}
		i.ExtraSettings = append(i.ExtraSettings, setting)
	}
	return r.Err()
}

// vim: ai:ts=8:sw=8:noet:syntax=go
