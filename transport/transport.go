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

// Package transport defines where raw channels come from. A Transport dials
// single connections and listens for a lazy sequence of inbound ones; the
// subpackages provide tcp, kcp, websocket and in-memory implementations.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrListenerClosed ends a listen sequence.
var ErrListenerClosed = errors.New("transport: listener closed")

// Transport produces raw, unauthenticated duplex connections.
type Transport interface {
	// Dial makes a single attempt to reach addr.
	Dial(ctx context.Context, addr string) (net.Conn, error)
	// Listen binds addr and returns the sequence of inbound connections.
	Listen(ctx context.Context, addr string) (Listener, error)
}

// Listener is a lazily consumed sequence of inbound connections. A failed
// inbound attempt is returned as a *ListenError and the sequence continues;
// ErrListenerClosed means it is over.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

// DialError is a failed dial attempt.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string { return fmt.Sprintf("dial %s: %v", e.Addr, e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// ListenError is a failure to bind, or a single failed inbound attempt.
type ListenError struct {
	Addr string
	Err  error
}

func (e *ListenError) Error() string { return fmt.Sprintf("listen %s: %v", e.Addr, e.Err) }
func (e *ListenError) Unwrap() error { return e.Err }

// Source is a blocking accept loop such as a net.Listener.
type Source interface {
	Accept() (net.Conn, error)
	Addr() net.Addr
	Close() error
}

const (
	minBackoff = 5 * time.Millisecond
	maxBackoff = time.Second
)

type item struct {
	conn net.Conn
	err  error
}

type sourceListener struct {
	srcs  []Source
	items chan item
	die   chan struct{}
	ended chan struct{}
	once  sync.Once
}

// Serve turns blocking sources into a Listener. Every source is accepted
// from on its own goroutine; a source that reports a closed socket leaves the
// sequence, and the sequence ends once all of them have.
func Serve(srcs ...Source) Listener {
	l := &sourceListener{
		srcs:  srcs,
		items: make(chan item),
		die:   make(chan struct{}),
		ended: make(chan struct{}),
	}
	var wg sync.WaitGroup
	wg.Add(len(srcs))
	for _, src := range srcs {
		go func(src Source) {
			defer wg.Done()
			l.acceptLoop(src)
		}(src)
	}
	go func() {
		wg.Wait()
		close(l.ended)
	}()
	return l
}

func (l *sourceListener) acceptLoop(src Source) {
	var delay time.Duration
	for {
		conn, err := src.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			if delay == 0 {
				delay = minBackoff
			} else if delay *= 2; delay > maxBackoff {
				delay = maxBackoff
			}
			if !l.deliver(item{err: &ListenError{Addr: src.Addr().String(), Err: err}}) {
				return
			}
			select {
			case <-time.After(delay):
			case <-l.die:
				return
			}
			continue
		}
		delay = 0
		if !l.deliver(item{conn: conn}) {
			conn.Close()
			return
		}
	}
}

func (l *sourceListener) deliver(it item) bool {
	select {
	case l.items <- it:
		return true
	case <-l.die:
		return false
	}
}

func (l *sourceListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case it := <-l.items:
		return it.conn, it.err
	case <-l.die:
		return nil, ErrListenerClosed
	case <-l.ended:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr is the address of the first source.
func (l *sourceListener) Addr() net.Addr {
	if len(l.srcs) == 0 {
		return nil
	}
	return l.srcs[0].Addr()
}

func (l *sourceListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.die)
		for _, src := range l.srcs {
			err = multierr.Append(err, src.Close())
		}
	})
	return err
}
