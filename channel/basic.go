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

package channel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrClosed is returned by reads and writes on a closed channel.
var ErrClosed = errors.New("channel: closed")

type basicConn struct {
	conn   net.Conn
	dir    Direction
	closed atomic.Bool
	once   sync.Once
}

// NewBasic wraps a raw transport connection. The returned channel owns conn:
// closing it closes conn exactly once.
func NewBasic(conn net.Conn, dir Direction) Basic {
	return &basicConn{conn: conn, dir: dir}
}

func (b *basicConn) Read(p []byte) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	n, err := b.conn.Read(p)
	if err != nil && b.closed.Load() {
		return n, ErrClosed
	}
	return n, err
}

func (b *basicConn) Write(p []byte) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	n, err := b.conn.Write(p)
	if err != nil && b.closed.Load() {
		return n, ErrClosed
	}
	return n, err
}

// Close releases the raw connection. Calling it again is a no-op.
func (b *basicConn) Close() error {
	var err error
	b.once.Do(func() {
		b.closed.Store(true)
		err = b.conn.Close()
	})
	return err
}

func (b *basicConn) Direction() Direction          { return b.dir }
func (b *basicConn) LocalAddr() net.Addr           { return b.conn.LocalAddr() }
func (b *basicConn) RemoteAddr() net.Addr          { return b.conn.RemoteAddr() }
func (b *basicConn) SetDeadline(t time.Time) error { return b.conn.SetDeadline(t) }
