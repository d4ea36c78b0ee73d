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
	"io"
)

// ListenStream yields inbound streams in the order the remote opened them.
// At most one accept is in flight; it survives a cancelled Next and is
// reused by the following call. Once the owner is gone the sequence ends
// with io.EOF instead of an error.
type ListenStream struct {
	core *Core
	cur  *PendingRequest[*Stream]
	done bool
}

// Next waits for the next inbound stream.
func (l *ListenStream) Next(ctx context.Context) (*Stream, error) {
	if l.done {
		return nil, io.EOF
	}
	if l.cur == nil {
		l.cur = l.core.AcceptStream()
	}
	s, err := l.cur.Wait(ctx)
	if err != nil && !l.cur.Completed() {
		return nil, err
	}
	return l.settle(s, err)
}

// Poll returns the next stream if one is ready without blocking.
func (l *ListenStream) Poll() (*Stream, bool, error) {
	if l.done {
		return nil, true, io.EOF
	}
	if l.cur == nil {
		l.cur = l.core.AcceptStream()
	}
	s, ready, err := l.cur.Poll()
	if !ready {
		return nil, false, nil
	}
	s, err = l.settle(s, err)
	return s, true, err
}

func (l *ListenStream) settle(s *Stream, err error) (*Stream, error) {
	l.cur = nil
	if err != nil {
		l.done = true
		return nil, io.EOF
	}
	return s, nil
}

// Close ends the sequence. A stream accepted for the in-flight request but
// not yet handed out is closed.
func (l *ListenStream) Close() {
	if l.cur != nil {
		l.cur.Cancel()
		l.cur = nil
	}
	l.done = true
}
