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

// Package protocol frames the loopback manager↔core control channel:
// `u32 op || u32 size || bytes', little-endian, with a distinct op-code
// space per direction.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"mempatch/internal/wire"
)

// DefaultPort is where the manager listens for cores.
const DefaultPort = ('C' + 'o') * ('r' + 'e') / 2

// Frames larger than this are treated as protocol corruption.
const maxFrameSize = 16 << 20

// ServerOp is a manager→core op code.
type ServerOp uint32

const (
	ServerConnectOK ServerOp = iota
	ServerDisconnect
	ServerDetach
	ServerPlugin
	ServerPluginRemove
	ServerPatchPack
	ServerPatchPackRemove
	ServerPatchHook
	ServerPatchHookRemove
	ServerPatchLibLoad
	ServerPatchLibUnload
	ServerCustom
)

// ClientOp is a core→manager op code.
type ClientOp uint32

const (
	ClientConnect ClientOp = iota
	ClientDisconnect
	ClientReady
	ClientLog
	ClientCustom
)

var ErrFrameTooLarge = fmt.Errorf("frame exceeds the size limit")

// Conn frames one side of the channel. Sends from any goroutine are
// serialised by the per-peer send mutex; reads belong to the single
// listener goroutine.
type Conn struct {
	c      net.Conn
	sendMu sync.Mutex
}

func NewConn(c net.Conn) *Conn {
	return &Conn{c: c}
}

func (p *Conn) Close() error {
	return p.c.Close()
}

// Send writes one framed message.
func (p *Conn) Send(op uint32, data []byte) error {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header, op)
	binary.LittleEndian.PutUint32(header[4:], uint32(len(data)))

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if _, err := p.c.Write(header); err != nil {
		return fmt.Errorf("cannot send header: %w", err)
	}
	if len(data) > 0 {
		if _, err := p.c.Write(data); err != nil {
			return fmt.Errorf("cannot send data: %w", err)
		}
	}
	return nil
}

// Receive reads one framed message, blocking until it arrives.
func (p *Conn) Receive() (uint32, []byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(p.c, header); err != nil {
		return 0, nil, err
	}
	op := binary.LittleEndian.Uint32(header)
	size := binary.LittleEndian.Uint32(header[4:])
	if size > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(p.c, data); err != nil {
		return 0, nil, err
	}
	return op, data, nil
}

// SendRaw writes a bare 4-byte op code, used only during the handshake.
func (p *Conn) SendRaw(op uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, op)
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	_, err := p.c.Write(buf)
	return err
}

// ReceiveRaw reads a bare 4-byte op code, used only during the
// handshake.
func (p *Conn) ReceiveRaw() (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(p.c, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// SendBlob writes a bare length-prefixed payload, used during the
// handshake to transfer the core-library name.
func (p *Conn) SendBlob(data []byte) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if _, err := p.c.Write(buf); err != nil {
		return err
	}
	_, err := p.c.Write(data)
	return err
}

// ReceiveBlob reads a bare length-prefixed payload.
func (p *Conn) ReceiveBlob() ([]byte, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(p.c, buf); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(buf)
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(p.c, data); err != nil {
		return nil, err
	}
	return data, nil
}

// EncodeCustom wraps a plugin-defined packet into the CUSTOM payload.
func EncodeCustom(innerOp uint32, data []byte) []byte {
	var w wire.Writer
	w.Uint32(innerOp)
	w.Blob(data)
	return w.Bytes()
}

// DecodeCustom unwraps a CUSTOM payload.
func DecodeCustom(data []byte) (uint32, []byte, error) {
	r := wire.NewReader(data)
	innerOp := r.Uint32()
	inner := r.Blob()
	return innerOp, inner, r.Err()
}

// vim: ai:ts=8:sw=8:noet:syntax=go
