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

// Package ws carries raw channels as binary websocket messages, for links
// where only HTTP gets through.
package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/transport"
)

// Path is the HTTP path the upgrade is served on.
const Path = "/upmux"

// Transport dials ws://addr/upmux and serves the same path.
type Transport struct {
	dialer   websocket.Dialer
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func New() *Transport {
	return &Transport{
		dialer: websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: zap.L().Named("ws"),
	}
}

func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	c, resp, err := t.dialer.DialContext(ctx, "ws://"+addr+Path, nil)
	if err != nil {
		return nil, &transport.DialError{Addr: addr, Err: err}
	}
	resp.Body.Close()
	return newConn(c), nil
}

func (t *Transport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &transport.ListenError{Addr: addr, Err: err}
	}
	l := &listener{
		ln:    ln,
		items: make(chan item),
		die:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		c, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.deliver(item{err: &transport.ListenError{Addr: r.RemoteAddr, Err: err}})
			return
		}
		if !l.deliver(item{conn: newConn(c)}) {
			c.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 30 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.log.Warn("serve", zap.Error(err))
		}
		l.Close()
	}()
	context.AfterFunc(ctx, func() { l.Close() })
	return l, nil
}

type item struct {
	conn net.Conn
	err  error
}

type listener struct {
	ln    net.Listener
	srv   *http.Server
	items chan item
	die   chan struct{}
	once  sync.Once
}

func (l *listener) deliver(it item) bool {
	select {
	case l.items <- it:
		return true
	case <-l.die:
		return false
	}
}

func (l *listener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case it := <-l.items:
		return it.conn, it.err
	case <-l.die:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Addr() net.Addr { return l.ln.Addr() }

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.die)
		err = l.srv.Close()
	})
	return err
}

// conn presents a websocket as a byte stream. Each Write is one binary
// message; Read drains messages back to back.
type conn struct {
	ws  *websocket.Conn
	rmu sync.Mutex
	r   io.Reader
	wmu sync.Mutex
}

func newConn(ws *websocket.Conn) *conn { return &conn{ws: ws} }

func (c *conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame when it can and drops the connection.
func (c *conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
