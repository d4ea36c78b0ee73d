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

package mux

import (
	"context"
	"sync/atomic"

	"github.com/xtaci/upmux/channel"
)

// ConnOp is an operation a caller asks the owner to perform.
type ConnOp int

const (
	OpenStream ConnOp = iota
	AcceptStream
	CloseStream
	CloseWriteStream
	CloseReadStream

	// stream data and bookkeeping, internal only
	opRead
	opWrite
	opStreams
)

func (op ConnOp) String() string {
	switch op {
	case OpenStream:
		return "open_stream"
	case AcceptStream:
		return "accept_stream"
	case CloseStream:
		return "close_stream"
	case CloseWriteStream:
		return "close_write_stream"
	case CloseReadStream:
		return "close_read_stream"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opStreams:
		return "streams"
	}
	return "unknown"
}

const (
	slotOpen int32 = iota
	slotFilled
	slotAbandoned
)

// request travels on the owner's queue. reply is buffered so the owner never
// blocks answering it.
type request struct {
	op    ConnOp
	id    channel.StreamID
	n     int    // read size
	data  []byte // write payload, owned by the request
	ctx   context.Context
	reply chan reply
	slot  atomic.Int32
}

type reply struct {
	stream *Stream
	n      int
	data   []byte
	ids    []channel.StreamID
	err    error
}

func newRequest(op ConnOp) *request {
	return &request{op: op, reply: make(chan reply, 1), ctx: context.Background()}
}

// fill claims the reply slot and writes r into it. It reports false when the
// caller has already walked away, in which case r was not delivered.
func (r *request) fill(rep reply) bool {
	if !r.slot.CompareAndSwap(slotOpen, slotFilled) {
		return false
	}
	r.reply <- rep
	return true
}

// abandon gives up the reply slot. If the owner got there first, the reply it
// wrote is returned so the caller can dispose of it.
func (r *request) abandon() (reply, bool) {
	if r.slot.CompareAndSwap(slotOpen, slotAbandoned) {
		return reply{}, false
	}
	if r.slot.Load() == slotAbandoned {
		return reply{}, false
	}
	return <-r.reply, true
}

// wanted reports whether someone still waits on the request.
func (r *request) wanted() bool {
	return r.slot.Load() == slotOpen && r.ctx.Err() == nil
}
