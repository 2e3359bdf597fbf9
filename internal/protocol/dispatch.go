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

package protocol

import (
	"fmt"
	"sync"
)

// Handler consumes one decoded frame payload.
type Handler func(data []byte)

// Subscription identifies one registration so the same function can be
// subscribed several times and removed individually.
type Subscription struct {
	op uint32
	fn Handler
}

var ErrNoSuchHandler = fmt.Errorf("no such receive handler exists")

// Dispatcher maps op codes to handler sets. Registrations compose:
// overlapping subscribers each get the frame. The registry lock is held
// for the handler iteration only; a panicking handler is caught and
// reported, never propagated to the reader loop.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[uint32][]*Subscription

	// OnError, when set, receives handler panics.
	OnError func(err error)
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint32][]*Subscription)}
}

func (d *Dispatcher) Add(op uint32, fn Handler) *Subscription {
	sub := &Subscription{op: op, fn: fn}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[op] = append(d.handlers[op], sub)
	return sub
}

func (d *Dispatcher) Remove(sub *Subscription) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.handlers[sub.op]
	for i, s := range subs {
		if s == sub {
			d.handlers[sub.op] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return ErrNoSuchHandler
}

func (d *Dispatcher) Dispatch(op uint32, data []byte) {
	d.mu.Lock()
	subs := make([]*Subscription, len(d.handlers[op]))
	copy(subs, d.handlers[op])
	d.mu.Unlock()

	for _, sub := range subs {
		d.invoke(sub, data)
	}
}

func (d *Dispatcher) invoke(sub *Subscription, data []byte) {
	defer func() {
		if r := recover(); r != nil && d.OnError != nil {
			d.OnError(fmt.Errorf("receive handler panicked: %v", r))
		}
	}()
	sub.fn(data)
}

// vim: ai:ts=8:sw=8:noet:syntax=go
