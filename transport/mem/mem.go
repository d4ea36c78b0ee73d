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

// Package mem is an in-process transport over net.Pipe, addressed by name.
package mem

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/xtaci/upmux/transport"
)

var (
	// ErrAddrInUse is returned by Listen for a name that is already bound.
	ErrAddrInUse = errors.New("mem: address in use")
	// ErrNoListener is returned by Dial for an unbound name.
	ErrNoListener = errors.New("mem: no such listener")
)

// Transport is a registry of named in-memory listeners. Dialers and listeners
// must share the same Transport value.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
	dials     atomic.Uint64
}

func New() *Transport {
	return &Transport{listeners: make(map[string]*listener)}
}

// Listen binds name. The binding is released when the listener is closed or
// ctx is done.
func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, &transport.ListenError{Addr: name, Err: ErrAddrInUse}
	}
	l := &listener{t: t, name: name, conns: make(chan net.Conn), die: make(chan struct{})}
	t.listeners[name] = l
	context.AfterFunc(ctx, func() { l.Close() })
	return l, nil
}

// Dial connects to the listener bound to name and waits until it accepts.
func (t *Transport) Dial(ctx context.Context, name string) (net.Conn, error) {
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, &transport.DialError{Addr: name, Err: ErrNoListener}
	}

	local := Addr(fmt.Sprintf("%s/dial-%d", name, t.dials.Add(1)))
	c1, c2 := net.Pipe()
	client := &conn{Conn: c1, local: local, remote: Addr(name)}
	server := &conn{Conn: c2, local: Addr(name), remote: local}
	select {
	case l.conns <- server:
		return client, nil
	case <-l.die:
		return nil, &transport.DialError{Addr: name, Err: transport.ErrListenerClosed}
	case <-ctx.Done():
		return nil, &transport.DialError{Addr: name, Err: ctx.Err()}
	}
}

type listener struct {
	t     *Transport
	name  string
	conns chan net.Conn
	die   chan struct{}
	once  sync.Once
}

func (l *listener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.die:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Addr() net.Addr { return Addr(l.name) }

func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.die)
		l.t.mu.Lock()
		if l.t.listeners[l.name] == l {
			delete(l.t.listeners, l.name)
		}
		l.t.mu.Unlock()
	})
	return nil
}

// Addr is the address of an in-memory endpoint.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

type conn struct {
	net.Conn
	local, remote net.Addr
}

func (c *conn) LocalAddr() net.Addr  { return c.local }
func (c *conn) RemoteAddr() net.Addr { return c.remote }
