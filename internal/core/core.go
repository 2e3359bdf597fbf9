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

// Package core is the in-target half: it dials the manager, replicates
// hooks and patch packs, and drives the patcher worker and hook runtime
// from the control channel.
package core

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"sync"

	"mempatch/internal/hookrt"
	"mempatch/internal/module"
	"mempatch/internal/patch"
	"mempatch/internal/patcher"
	"mempatch/internal/protocol"
	"mempatch/internal/wire"
)

// Log severities forwarded over LOG frames, mirrored by the manager's
// logger.
const (
	SeverityFatal uint32 = iota
	SeverityError
	SeverityWarning
	SeverityNotice
	SeverityDebug
)

type Config struct {
	// ManagerAddr defaults to loopback on the fixed control port.
	ManagerAddr string

	// Env defaults to a fresh module registry.
	Env *patch.Env

	// GatewayFor resolves the native dispatch gateway a generated
	// wrapper calls for a hook. Zero means the wrapper is encoded
	// against a null body; the injector's companion stub fills this
	// in for real targets.
	GatewayFor func(hookName string) uintptr

	// Logf replaces the default stdlib logger.
	Logf func(format string, args ...any)
}

// Core is one connected instance living inside a target process.
type Core struct {
	conn       *protocol.Conn
	dispatcher *protocol.Dispatcher
	env        *patch.Env
	worker     *patcher.Worker
	runtime    *hookrt.Runtime
	loader     *PatchLoader
	logf       func(format string, args ...any)

	coreName string

	mu        sync.Mutex
	connected bool
	done      chan struct{}
}

// Connect dials the manager, shakes hands, scrubs the preload
// environment and starts the worker and listener. The manager may
// broadcast state as soon as READY is on the wire.
func Connect(cfg Config) (*Core, error) {
	addr := cfg.ManagerAddr
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", protocol.DefaultPort)
	}
	env := cfg.Env
	if env == nil {
		env = &patch.Env{Modules: patch.OpenerFor(module.NewRegistry())}
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to manager: %w", err)
	}
	conn := protocol.NewConn(raw)

	if err := conn.SendRaw(uint32(protocol.ClientConnect)); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := conn.ReceiveRaw()
	if err != nil || protocol.ServerOp(reply) != protocol.ServerConnectOK {
		conn.Close()
		return nil, fmt.Errorf("could not connect to manager: invalid handshake")
	}

	blob, err := conn.ReceiveBlob()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not receive core name: %w", err)
	}
	r := wire.NewReader(blob)
	coreName := r.String()
	if err := r.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	scrubPreload(coreName)

	c := &Core{
		conn:       conn,
		dispatcher: protocol.NewDispatcher(),
		env:        env,
		worker:     patcher.NewWorker(env),
		runtime:    hookrt.NewRuntime(),
		logf:       logf,
		coreName:   coreName,
		connected:  true,
		done:       make(chan struct{}),
	}
	c.dispatcher.OnError = func(err error) {
		c.logf("receive handler error: %s", err)
		c.SendLog(SeverityError, err.Error())
	}
	c.loader = newPatchLoader(c, cfg.GatewayFor)
	c.loader.subscribe()

	c.worker.Start()
	go c.listen()

	if err := c.conn.SendRaw(uint32(protocol.ClientReady)); err != nil {
		c.Disconnect()
		return nil, err
	}
	return c, nil
}

func (c *Core) CoreName() string {
	return c.coreName
}

// Loader exposes the replicated hook/pack state, mainly so the native
// gateway can dispatch into it.
func (c *Core) Loader() *PatchLoader {
	return c.loader
}

// Wait blocks until the channel is gone, either by DISCONNECT, DETACH
// or a dead socket.
func (c *Core) Wait() {
	<-c.done
}

// SendPacket sends one framed message to the manager.
func (c *Core) SendPacket(op protocol.ClientOp, data []byte) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.conn.Send(uint32(op), data)
}

// SendCustomPacket wraps plugin data into a CUSTOM frame.
func (c *Core) SendCustomPacket(innerOp uint32, data []byte) error {
	return c.SendPacket(protocol.ClientCustom, protocol.EncodeCustom(innerOp, data))
}

// SendLog forwards a log record to the manager.
func (c *Core) SendLog(severity uint32, message string) error {
	var w wire.Writer
	w.Uint32(severity)
	w.String(message)
	return c.SendPacket(protocol.ClientLog, w.Bytes())
}

// Disconnect closes the channel cleanly. Applied patches stay applied.
func (c *Core) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	c.conn.Send(uint32(protocol.ClientDisconnect), nil)
	c.conn.Close()
}

// detach unwinds everything the manager installed and leaves the target
// running clean.
func (c *Core) detach() {
	c.loader.Shutdown()
	c.worker.Stop()
	c.Disconnect()
}

func (c *Core) listen() {
	defer close(c.done)
	for {
		op, data, err := c.conn.Receive()
		if err != nil || protocol.ServerOp(op) == protocol.ServerDisconnect {
			// Connection ended unexpectedly, or the manager asked
			// us to let go.
			c.Disconnect()
			c.worker.Stop()
			return
		}
		if protocol.ServerOp(op) == protocol.ServerDetach {
			c.detach()
			return
		}
		if protocol.ServerOp(op) > protocol.ServerCustom {
			// Unknown op code: the channel is corrupt, drop it.
			c.logf("unknown op code %d, closing channel", op)
			c.Disconnect()
			c.worker.Stop()
			return
		}
		c.dispatcher.Dispatch(op, data)
	}
}

// scrubPreload removes the core's own filename from LD_PRELOAD so child
// processes are not co-infected.
func scrubPreload(coreName string) {
	preload, ok := os.LookupEnv("LD_PRELOAD")
	if !ok || coreName == "" {
		return
	}
	var kept []string
	for _, entry := range strings.FieldsFunc(preload, func(r rune) bool {
		return r == ' ' || r == ':'
	}) {
		if entry == coreName || strings.HasSuffix(entry, "/"+coreName) {
			continue
		}
		kept = append(kept, entry)
	}
	os.Setenv("LD_PRELOAD", strings.Join(kept, " "))
}

// vim: ai:ts=8:sw=8:noet:syntax=go
