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
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/xtaci/upmux/channel"
)

// Stream is a logical stream carried by a Core. Reads and writes are
// requests to the owner, never direct I/O on the channel. Overlapping reads
// (or overlapping writes) on one Stream have no defined order; callers that
// care serialize them.
type Stream struct {
	core   *Core
	id     channel.StreamID
	dir    channel.Direction
	opened time.Time

	rmu      sync.Mutex
	leftover []byte

	closeOnce sync.Once
	closeErr  error
}

// StreamInfo is a snapshot of a stream's identity.
type StreamInfo struct {
	ID        channel.StreamID
	Direction channel.Direction
	Opened    time.Time
}

func (s *Stream) ID() channel.StreamID          { return s.id }
func (s *Stream) Direction() channel.Direction { return s.dir }
func (s *Stream) Opened() time.Time            { return s.opened }

// Info returns a snapshot of the stream.
func (s *Stream) Info() StreamInfo {
	return StreamInfo{ID: s.id, Direction: s.dir, Opened: s.opened}
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext reads up to len(p) bytes, waiting until some arrive, the
// remote half-closes (io.EOF) or ctx ends. Bytes the owner handed out after
// ctx ended are kept for the next read.
func (s *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}

	req := newRequest(opRead)
	req.id, req.n, req.ctx = s.id, len(p), ctx
	pr := newPending(s.core, req,
		func(r reply) ([]byte, error) { return r.data, nil },
		func(err error) error {
			if err == io.EOF {
				return io.EOF
			}
			return &ReadError{Stream: s.id, Err: err}
		})
	pr.orphan = func(r reply) {
		s.leftover = append(s.leftover, r.data...)
	}

	data, err := pr.Wait(ctx)
	if err != nil {
		if !pr.Completed() {
			pr.Cancel()
			return 0, &ReadError{Stream: s.id, Err: err}
		}
		return 0, err
	}
	n := copy(p, data)
	if n < len(data) {
		s.leftover = append(s.leftover, data[n:]...)
	}
	return n, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.WriteContext(context.Background(), p)
}

// WriteContext sends p. If ctx ends first the write may still go out.
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	req := newRequest(opWrite)
	req.id = s.id
	req.data = append([]byte(nil), p...)
	pr := newPending(s.core, req,
		func(r reply) (int, error) { return r.n, nil },
		func(err error) error { return &WriteError{Stream: s.id, Err: err} })

	n, err := pr.Wait(ctx)
	if err != nil && !pr.Completed() {
		pr.Cancel()
		return 0, &WriteError{Stream: s.id, Err: err}
	}
	return n, err
}

// CloseWrite half-closes the stream; the remote side reads io.EOF.
func (s *Stream) CloseWrite() error {
	return s.control(CloseWriteStream)
}

// CloseRead discards buffered and future inbound data.
func (s *Stream) CloseRead() error {
	return s.control(CloseReadStream)
}

// Close releases the stream in both directions. Streams of a Core that has
// already terminated are closed implicitly, so Close then returns nil.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		err := s.control(CloseStream)
		if err != nil && !s.core.stopping.Load() && !errors.Is(err, ErrOwnerGone) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func (s *Stream) control(op ConnOp) error {
	req := newRequest(op)
	req.id = s.id
	pr := newPending(s.core, req,
		func(reply) (struct{}, error) { return struct{}{}, nil },
		func(err error) error { return &CloseError{What: "stream", Err: err} })
	_, err := pr.Wait(context.Background())
	return err
}

var _ io.ReadWriteCloser = (*Stream)(nil)
