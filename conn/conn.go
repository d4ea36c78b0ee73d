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

// Package conn is the user-facing side of upmux: a Conn is a multiplexed
// channel plus the addressing and identity it was established with, and an
// Upgrader turns transport connections into Conns.
package conn

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/crypto"
	"github.com/xtaci/upmux/mux"
)

// Conn is an established, authenticated, multiplexed connection.
type Conn struct {
	id     uuid.UUID
	dir    channel.Direction
	opened time.Time
	local  net.Addr
	remote net.Addr
	core   *mux.Core
}

type options struct {
	clock   clock.Clock
	muxOpts []mux.Option
}

// Option configures a Conn.
type Option func(*options)

// WithClock stamps the Conn and its streams with c.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMuxOptions passes options to the stream owner.
func WithMuxOptions(opts ...mux.Option) Option {
	return func(o *options) { o.muxOpts = append(o.muxOpts, opts...) }
}

// New takes ownership of m and starts serving its streams.
func New(m channel.Mux, opts ...Option) *Conn {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	muxOpts := append([]mux.Option{mux.WithClock(o.clock)}, o.muxOpts...)
	return &Conn{
		id:     uuid.New(),
		dir:    m.Direction(),
		opened: o.clock.Now(),
		local:  m.LocalAddr(),
		remote: m.RemoteAddr(),
		core:   mux.New(m, muxOpts...),
	}
}

func (c *Conn) ID() uuid.UUID                { return c.id }
func (c *Conn) Direction() channel.Direction { return c.dir }
func (c *Conn) LocalAddr() net.Addr          { return c.local }
func (c *Conn) RemoteAddr() net.Addr         { return c.remote }
func (c *Conn) RemotePeer() crypto.PeerID    { return c.core.Mux().RemotePeer() }

// OpenStream prepares a request for a new outbound stream.
func (c *Conn) OpenStream() *mux.PendingRequest[*mux.Stream] { return c.core.OpenStream() }

// AcceptStream prepares a request for the next inbound stream.
func (c *Conn) AcceptStream() *mux.PendingRequest[*mux.Stream] { return c.core.AcceptStream() }

// ListenStreams returns the inbound streams in the order they were opened.
func (c *Conn) ListenStreams() *mux.ListenStream { return c.core.ListenStreams() }

// Done is closed when the connection is over, whichever side ended it.
func (c *Conn) Done() <-chan struct{} { return c.core.Done() }

// IsClosed reports whether Done is closed.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.core.Done():
		return true
	default:
		return false
	}
}

// Err is the reason the connection ended.
func (c *Conn) Err() error { return c.core.Err() }

// Close tears the connection down. Only the first call does anything.
func (c *Conn) Close() error { return c.core.Close() }

// Core exposes the stream owner.
func (c *Conn) Core() *mux.Core { return c.core }

// Info is a point-in-time description of a Conn. It is a copy: nothing in
// it changes after it is taken.
type Info[Extra any] struct {
	ID         uuid.UUID
	Direction  channel.Direction
	Opened     time.Time
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	LocalPeer  crypto.PeerID
	RemotePeer crypto.PeerID
	Protocol   string
	Closed     bool
	Extra      Extra
}

// Info returns a snapshot without extras.
func (c *Conn) Info() Info[struct{}] {
	return Snapshot(c, func(*Conn) struct{} { return struct{}{} })
}

// Snapshot returns a snapshot whose Extra is computed by extra.
func Snapshot[E any](c *Conn, extra func(*Conn) E) Info[E] {
	m := c.core.Mux()
	return Info[E]{
		ID:         c.id,
		Direction:  c.dir,
		Opened:     c.opened,
		LocalAddr:  c.local,
		RemoteAddr: c.remote,
		LocalPeer:  m.LocalPeer(),
		RemotePeer: m.RemotePeer(),
		Protocol:   m.Protocol(),
		Closed:     c.IsClosed(),
		Extra:      extra(c),
	}
}
