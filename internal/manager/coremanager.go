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
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"mempatch/internal/protocol"
	"mempatch/internal/wire"
)

type CoreID uint32

var ErrInvalidCoreID = fmt.Errorf("invalid core id")

type coreConn struct {
	id   CoreID
	conn *protocol.Conn
	cmd  *exec.Cmd // nil for cores that attached on their own
}

// ClientSubscription is one registered core-frame handler.
type ClientSubscription struct {
	op uint32
	fn func(coreID CoreID, data []byte)
}

// CoreManager owns every connected core: launch, handshake, one reader
// goroutine per core, broadcasts and per-core sends.
type CoreManager struct {
	logger   *Logger
	settings *Settings

	// OnCoreReady runs after the handshake, before the core is
	// announced; the patch manager uses it to replicate state.
	OnCoreReady func(id CoreID)

	mu       sync.Mutex
	cores    map[CoreID]*coreConn
	nextID   CoreID
	listener net.Listener

	handlersMu sync.Mutex
	handlers   map[uint32][]*ClientSubscription
}

func NewCoreManager(logger *Logger, settings *Settings) *CoreManager {
	cm := &CoreManager{
		logger:   logger,
		settings: settings,
		cores:    make(map[CoreID]*coreConn),
		nextID:   1,
		handlers: make(map[uint32][]*ClientSubscription),
	}
	cm.AddReceiveHandler(uint32(protocol.ClientLog), cm.logReceiveHandler)
	return cm
}

// Listen binds the loopback control port. An explicit addr overrides
// the settings, which the tests use to grab an ephemeral port.
func (cm *CoreManager) Listen(addr string) error {
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", cm.settings.GetInt("manager.listenPort"))
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", addr, err)
	}
	cm.mu.Lock()
	cm.listener = listener
	cm.mu.Unlock()
	return nil
}

func (cm *CoreManager) Addr() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.listener == nil {
		return ""
	}
	return cm.listener.Addr().String()
}

func (cm *CoreManager) Close() {
	cm.mu.Lock()
	listener := cm.listener
	cores := make([]*coreConn, 0, len(cm.cores))
	for _, c := range cm.cores {
		cores = append(cores, c)
	}
	cm.mu.Unlock()

	for _, c := range cores {
		cm.EndCoreConnection(c.id)
	}
	if listener != nil {
		listener.Close()
	}
}

// StartCore launches the configured target with the core library in
// its preload environment and waits for it to call back.
func (cm *CoreManager) StartCore() (CoreID, error) {
	applicationName := cm.settings.Get("CoreManager.applicationName")
	parameters := cm.settings.Get("CoreManager.applicationParameters")
	libraryPath := cm.settings.Get("CoreManager.libraryPath")
	coreName := "lib" + cm.settings.Get("CoreManager.coreLibrary") + ".so"

	cmd, err := launchTarget(applicationName, parameters, libraryPath, coreName)
	if err != nil {
		return 0, err
	}

	id, err := cm.AcceptCore(coreName, 5*time.Second, cmd)
	if err != nil {
		cmd.Process.Kill()
		return 0, err
	}
	return id, nil
}

// AcceptCore waits for one core to connect and runs the handshake:
// CONNECT, CONNECT_OK, the core-library name, READY. Only after READY
// is state replicated.
func (cm *CoreManager) AcceptCore(coreName string, timeout time.Duration, cmd *exec.Cmd) (CoreID, error) {
	cm.mu.Lock()
	listener := cm.listener
	cm.mu.Unlock()
	if listener == nil {
		return 0, fmt.Errorf("not listening")
	}

	type tcpListener interface{ SetDeadline(time.Time) error }
	if dl, ok := listener.(tcpListener); ok && timeout > 0 {
		dl.SetDeadline(time.Now().Add(timeout))
		defer dl.SetDeadline(time.Time{})
	}

	raw, err := listener.Accept()
	if err != nil {
		return 0, fmt.Errorf("could not connect to core: %w", err)
	}
	conn := protocol.NewConn(raw)

	op, err := conn.ReceiveRaw()
	if err != nil || protocol.ClientOp(op) != protocol.ClientConnect {
		conn.Close()
		return 0, fmt.Errorf("could not connect to core: invalid handshake")
	}
	if err := conn.SendRaw(uint32(protocol.ServerConnectOK)); err != nil {
		conn.Close()
		return 0, err
	}

	var w wire.Writer
	w.String(coreName)
	if err := conn.SendBlob(w.Bytes()); err != nil {
		conn.Close()
		return 0, err
	}

	for {
		op, err = conn.ReceiveRaw()
		if err != nil {
			conn.Close()
			return 0, fmt.Errorf("could not connect to core: %w", err)
		}
		if protocol.ClientOp(op) == protocol.ClientReady {
			break
		}
	}

	cm.mu.Lock()
	id, err := cm.nextCoreID()
	if err != nil {
		cm.mu.Unlock()
		conn.Close()
		return 0, err
	}
	c := &coreConn{id: id, conn: conn, cmd: cmd}
	cm.cores[id] = c
	cm.mu.Unlock()

	if cm.OnCoreReady != nil {
		cm.OnCoreReady(id)
	}
	go cm.reader(c)

	cm.logger.Writef(SeverityNotice, "core #%d connected", id)
	return id, nil
}

// EndCoreConnection disconnects a core, leaving it patched and running.
func (cm *CoreManager) EndCoreConnection(id CoreID) error {
	return cm.endWith(id, protocol.ServerDisconnect)
}

// EndCore detaches a core: it unwinds its patches and keeps the target
// alive without us.
func (cm *CoreManager) EndCore(id CoreID) error {
	return cm.endWith(id, protocol.ServerDetach)
}

func (cm *CoreManager) endWith(id CoreID, op protocol.ServerOp) error {
	cm.mu.Lock()
	c, ok := cm.cores[id]
	if !ok {
		cm.mu.Unlock()
		return ErrInvalidCoreID
	}
	delete(cm.cores, id)
	cm.mu.Unlock()

	c.conn.Send(uint32(op), nil)
	return c.conn.Close()
}

func (cm *CoreManager) ConnectedCores() []CoreID {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	ids := make([]CoreID, 0, len(cm.cores))
	for id := range cm.cores {
		ids = append(ids, id)
	}
	return ids
}

func (cm *CoreManager) AddReceiveHandler(op uint32, fn func(CoreID, []byte)) *ClientSubscription {
	sub := &ClientSubscription{op: op, fn: fn}
	cm.handlersMu.Lock()
	cm.handlers[op] = append(cm.handlers[op], sub)
	cm.handlersMu.Unlock()
	return sub
}

func (cm *CoreManager) RemoveReceiveHandler(sub *ClientSubscription) error {
	cm.handlersMu.Lock()
	defer cm.handlersMu.Unlock()
	subs := cm.handlers[sub.op]
	for i, s := range subs {
		if s == sub {
			cm.handlers[sub.op] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return protocol.ErrNoSuchHandler
}

// SendPacket broadcasts one framed message to every connected core.
func (cm *CoreManager) SendPacket(op protocol.ServerOp, data []byte) {
	for _, id := range cm.ConnectedCores() {
		if err := cm.SendPacketTo(id, op, data); err != nil {
			cm.logger.Writef(SeverityWarning, "cannot send to core #%d: %s", id, err)
		}
	}
}

func (cm *CoreManager) SendPacketTo(id CoreID, op protocol.ServerOp, data []byte) error {
	cm.mu.Lock()
	c, ok := cm.cores[id]
	cm.mu.Unlock()
	if !ok {
		return ErrInvalidCoreID
	}
	return c.conn.Send(uint32(op), data)
}

// SendCustomPacketTo wraps plugin data into a CUSTOM frame.
func (cm *CoreManager) SendCustomPacketTo(id CoreID, innerOp uint32, data []byte) error {
	return cm.SendPacketTo(id, protocol.ServerCustom, protocol.EncodeCustom(innerOp, data))
}

func (cm *CoreManager) reader(c *coreConn) {
	for {
		op, data, err := c.conn.Receive()
		if err != nil || protocol.ClientOp(op) == protocol.ClientDisconnect {
			cm.mu.Lock()
			_, present := cm.cores[c.id]
			delete(cm.cores, c.id)
			cm.mu.Unlock()
			c.conn.Close()
			if present {
				cm.logger.Writef(SeverityNotice, "core #%d disconnected", c.id)
			}
			return
		}

		if protocol.ClientOp(op) > protocol.ClientCustom {
			cm.logger.Writef(SeverityWarning,
				"core #%d sent unknown op code %d, closing", c.id, op)
			cm.mu.Lock()
			delete(cm.cores, c.id)
			cm.mu.Unlock()
			c.conn.Close()
			return
		}

		cm.handlersMu.Lock()
		subs := make([]*ClientSubscription, len(cm.handlers[op]))
		copy(subs, cm.handlers[op])
		cm.handlersMu.Unlock()
		for _, sub := range subs {
			sub.fn(c.id, data)
		}
	}
}

func (cm *CoreManager) logReceiveHandler(id CoreID, data []byte) {
	r := wire.NewReader(data)
	severity := Severity(r.Uint32())
	message := r.String()
	if r.Err() != nil {
		return
	}
	cm.logger.Writef(severity, "from core #%d: %s", id, message)
}

// nextCoreID never recycles: a packet for a vanished core must error
// out rather than reach a stranger.
func (cm *CoreManager) nextCoreID() (CoreID, error) {
	if cm.nextID == 0 {
		return 0, fmt.Errorf("limit on cores reached")
	}
	id := cm.nextID
	cm.nextID++
	return id, nil
}

// vim: ai:ts=8:sw=8:noet:syntax=go
