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
	"github.com/pkg/errors"
)

// EventKind classifies what a Session reports to its owner.
type EventKind int

const (
	// EventAccept announces a stream opened by the remote side.
	EventAccept EventKind = iota
	// EventData carries bytes received on a stream.
	EventData
	// EventEOF reports that the remote side will send no more on a stream.
	EventEOF
)

func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "accept"
	case EventData:
		return "data"
	case EventEOF:
		return "eof"
	}
	return "unknown"
}

// Event is one unit of inbound activity on a Session. Events for a single
// stream are delivered in order, and EventAccept always precedes any data for
// the stream it announces.
type Event struct {
	Kind   EventKind
	Stream StreamID
	Data   []byte
}

// Session is the physical multiplexing engine behind a Mux channel.
//
// Stream-level calls may block on the underlying connection. They are issued
// by a single owner, one at a time per stream; calls on different streams may
// run concurrently.
//
// Inbound data is flow controlled by read credit: a Session stops delivering
// EventData for a stream once its window of delivered bytes is outstanding,
// and resumes as the owner hands bytes back with Consumed.
type Session interface {
	// OpenStream announces a new outbound stream and returns its id.
	OpenStream() (StreamID, error)
	// WriteStream sends p on the stream.
	WriteStream(id StreamID, p []byte) (int, error)
	// CloseWrite half-closes the stream: the remote reads EOF.
	CloseWrite(id StreamID) error
	// CloseStream releases the stream in both directions.
	CloseStream(id StreamID) error
	// Consumed returns n bytes of read credit for a stream. It never blocks,
	// and ignores streams the Session no longer knows.
	Consumed(id StreamID, n int)
	// Events delivers inbound activity. It is closed when the session dies.
	Events() <-chan Event
	// NumStreams counts streams not yet released.
	NumStreams() int
	// Err reports why the session died, or nil while it is alive.
	Err() error
	// Close tears the session and its channel down.
	Close() error
}

// ErrHalfClose is returned by sessions whose wire protocol cannot half-close.
var ErrHalfClose = errors.New("channel: half-close not supported")

type muxConn struct {
	Secure
	Session
	protocol string
}

// NewMux combines a secured channel with the session running on top of it.
func NewMux(sc Secure, sess Session, protocol string) Mux {
	return &muxConn{Secure: sc, Session: sess, protocol: protocol}
}

func (m *muxConn) Protocol() string { return m.protocol }

// Close closes the session, which in turn closes the secured channel.
func (m *muxConn) Close() error {
	return m.Session.Close()
}
