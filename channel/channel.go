// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package channel defines the capability levels a raw duplex byte channel moves
// through on its way to carrying multiplexed streams:
//
//	Basic  -> read/write/close over a raw connection
//	Secure -> Basic + verified peer identity
//	Mux    -> Secure + stream lifecycle operations
//
// Each level is an interface that is a strict superset of the one below it, so
// code is written against the weakest level it needs.
package channel

import (
	"io"
	"net"
	"time"

	"github.com/xtaci/upmux/crypto"
)

// Direction records which side initiated a connection or stream.
type Direction int

const (
	// Inbound means the remote side initiated.
	Inbound Direction = iota
	// Outbound means the local side initiated.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// StreamID identifies a logical stream within one multiplexed channel.
type StreamID uint32

// Basic is a plain duplex byte channel.
type Basic interface {
	io.ReadWriteCloser
	Direction() Direction
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
}

// Secure is a Basic channel whose remote identity has been verified.
type Secure interface {
	Basic
	LocalPeer() crypto.PeerID
	LocalKey() crypto.KeyPair
	RemotePeer() crypto.PeerID
	RemotePublicKey() crypto.PublicKey
}

// Mux is a Secure channel that can carry many logical streams.
type Mux interface {
	Secure
	Session
	// Protocol is the negotiated multiplexer id.
	Protocol() string
}
