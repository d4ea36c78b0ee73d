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

package muxer

import (
	"sync/atomic"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/std"
)

type compressed struct {
	inner Protocol
}

// Compressed runs p over a snappy-compressed channel. Its id is p's id with
// a "+snappy" suffix, so compressed and plain peers never pair up.
func Compressed(p Protocol) Protocol {
	return compressed{inner: p}
}

func (c compressed) ID() string { return c.inner.ID() + "+snappy" }

func (c compressed) NewSession(sc channel.Secure) (channel.Session, error) {
	return c.inner.NewSession(&compSecure{Secure: sc, comp: std.NewCompStream(sc)})
}

// compSecure keeps the identity of the secured channel while its bytes go
// through snappy.
type compSecure struct {
	channel.Secure
	comp   *std.CompStream
	closed atomic.Bool
}

// Read stops at Close even when snappy still holds decoded bytes.
func (c *compSecure) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, channel.ErrClosed
	}
	return c.comp.Read(p)
}

func (c *compSecure) Write(p []byte) (int, error) { return c.comp.Write(p) }

func (c *compSecure) Close() error {
	c.closed.Store(true)
	return c.comp.Close()
}
