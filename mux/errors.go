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
	"fmt"

	"github.com/pkg/errors"

	"github.com/xtaci/upmux/channel"
)

var (
	// ErrOwnerGone means the owner goroutine has terminated and can no longer
	// take requests.
	ErrOwnerGone = errors.New("mux: owner gone")
	// ErrConnClosed is the cause handed to requests failed by Close.
	ErrConnClosed = errors.New("mux: connection closed")
	// ErrStreamClosed is returned for operations on a released stream.
	ErrStreamClosed = errors.New("mux: stream closed")
	// ErrReadClosed is returned by reads after CloseRead.
	ErrReadClosed = errors.New("mux: stream closed for reading")
	// ErrWriteClosed is returned by writes after CloseWrite.
	ErrWriteClosed = errors.New("mux: stream closed for writing")
	// ErrConsumed is returned when a completed request is activated again.
	ErrConsumed = errors.New("mux: request already completed")
)

// OpenStreamError reports a failed OpenStream request.
type OpenStreamError struct{ Err error }

func (e *OpenStreamError) Error() string { return "open stream: " + e.Err.Error() }
func (e *OpenStreamError) Unwrap() error { return e.Err }

// AcceptStreamError reports a failed AcceptStream request.
type AcceptStreamError struct{ Err error }

func (e *AcceptStreamError) Error() string { return "accept stream: " + e.Err.Error() }
func (e *AcceptStreamError) Unwrap() error { return e.Err }

// ReadError reports a failed read on a logical stream.
type ReadError struct {
	Stream channel.StreamID
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read stream %d: %v", e.Stream, e.Err)
}
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError reports a failed write on a logical stream.
type WriteError struct {
	Stream channel.StreamID
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write stream %d: %v", e.Stream, e.Err)
}
func (e *WriteError) Unwrap() error { return e.Err }

// CloseError reports a failed close. The resource is unusable regardless.
type CloseError struct {
	What string
	Err  error
}

func (e *CloseError) Error() string { return "close " + e.What + ": " + e.Err.Error() }
func (e *CloseError) Unwrap() error { return e.Err }
