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

package noise

import (
	"sync"
	"sync/atomic"

	"github.com/flynn/noise"
	"github.com/pkg/errors"

	"github.com/xtaci/upmux/channel"
)

const (
	maxFrame     = 65535
	maxPlaintext = maxFrame - 16 // poly1305 tag
)

// conn encrypts every write into one or more length-prefixed frames and
// decrypts frames on read.
type conn struct {
	channel.Basic

	rmu     sync.Mutex
	recv    *noise.CipherState
	pending []byte

	wmu  sync.Mutex
	send *noise.CipherState

	closed atomic.Bool
}

func newConn(b channel.Basic, send, recv *noise.CipherState) *conn {
	return &conn{Basic: b, send: send, recv: recv}
}

func (c *conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.closed.Load() {
		return 0, channel.ErrClosed
	}
	if len(c.pending) == 0 {
		frame, err := readFrame(c.Basic)
		if err != nil {
			return 0, err
		}
		plain, err := c.recv.Decrypt(frame[:0], nil, frame)
		if err != nil {
			return 0, errors.Wrap(err, "noise: decrypt")
		}
		c.pending = plain
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		sealed, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return written, errors.Wrap(err, "noise: encrypt")
		}
		if err := writeFrame(c.Basic, sealed); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close drops any decrypted bytes not yet read along with the channel.
func (c *conn) Close() error {
	c.closed.Store(true)
	return c.Basic.Close()
}
