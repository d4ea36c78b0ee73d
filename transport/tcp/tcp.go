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

// Package tcp carries raw channels over plain TCP.
package tcp

import (
	"context"
	"net"
	"time"

	"github.com/xtaci/upmux/transport"
)

// Transport dials and listens on TCP.
type Transport struct {
	dialer net.Dialer
	lc     net.ListenConfig
}

// New returns a TCP transport. keepAlive of zero keeps the Go default.
func New(keepAlive time.Duration) *Transport {
	return &Transport{
		dialer: net.Dialer{KeepAlive: keepAlive},
		lc:     net.ListenConfig{KeepAlive: keepAlive},
	}
}

func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &transport.DialError{Addr: addr, Err: err}
	}
	return conn, nil
}

func (t *Transport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	l, err := t.lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &transport.ListenError{Addr: addr, Err: err}
	}
	return transport.Serve(l), nil
}
