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
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/xtaci/upmux/channel"
)

// FrameID names the native frame protocol.
const FrameID = "/upmux/frame/2.0.0"

const (
	frameVersion = 2
	headerSize   = 8
	maxPayload   = 65535

	// frameWindow is how many unconsumed bytes a stream may have in flight.
	frameWindow = 256 * 1024
	// updateThreshold batches credit so small reads don't each cost a frame.
	updateThreshold = frameWindow / 4
)

const (
	cmdSYN byte = iota // stream open
	cmdFIN             // no more data from the sender
	cmdPSH             // data push
	cmdRST             // stream released in both directions
	cmdUPD             // window update, payload is the credit (4, LE)
)

var (
	errBadVersion    = errors.New("frame: invalid protocol version")
	errBadCommand    = errors.New("frame: invalid command")
	errBadUpdate     = errors.New("frame: malformed window update")
	errSessionClosed = errors.New("frame: session closed")
	errUnknownStream = errors.New("frame: unknown stream")
)

// header is |ver|cmd|length (2, LE)|stream id (4, LE)|.
type header [headerSize]byte

func (h header) version() byte    { return h[0] }
func (h header) cmd() byte        { return h[1] }
func (h header) length() uint16   { return binary.LittleEndian.Uint16(h[2:]) }
func (h header) streamID() uint32 { return binary.LittleEndian.Uint32(h[4:]) }

type frameProtocol struct{}

// Frame returns the native protocol: length-prefixed frames tagged with a
// stream id. Each stream has a fixed window the receiver reopens with update
// frames as its data is consumed.
func Frame() Protocol { return frameProtocol{} }

func (frameProtocol) ID() string { return FrameID }

func (frameProtocol) NewSession(sc channel.Secure) (channel.Session, error) {
	return newFrameSession(sc, sc.Direction() == channel.Outbound), nil
}

// frameStream is the flow control state of one stream, guarded by the
// session's mu.
type frameStream struct {
	sendWin int // bytes we may still send
	held    int // bytes received and not yet consumed
	unacked int // consumed bytes not yet announced to the peer
}

type frameSession struct {
	conn   io.ReadWriteCloser
	nextID atomic.Uint32

	wmu sync.Mutex

	mu       sync.Mutex
	sendCond *sync.Cond
	streams  map[channel.StreamID]*frameStream
	updates  chan struct{}

	events  chan channel.Event
	die     chan struct{}
	dieOnce sync.Once

	errMu sync.Mutex
	err   error
}

// newFrameSession starts a session. Clients number their streams odd,
// servers even, so both sides can open without colliding.
func newFrameSession(conn io.ReadWriteCloser, client bool) *frameSession {
	s := &frameSession{
		conn:    conn,
		streams: make(map[channel.StreamID]*frameStream),
		updates: make(chan struct{}, 1),
		events:  make(chan channel.Event, 128),
		die:     make(chan struct{}),
	}
	s.sendCond = sync.NewCond(&s.mu)
	if client {
		s.nextID.Store(1)
	} else {
		s.nextID.Store(2)
	}
	go s.recvLoop()
	go s.updateLoop()
	return s
}

func (s *frameSession) OpenStream() (channel.StreamID, error) {
	if s.isClosed() {
		return 0, errSessionClosed
	}
	id := channel.StreamID(s.nextID.Add(2) - 2)
	s.mu.Lock()
	s.streams[id] = &frameStream{sendWin: frameWindow}
	s.mu.Unlock()
	if err := s.writeFrame(cmdSYN, id, nil); err != nil {
		s.forget(id)
		return 0, err
	}
	return id, nil
}

// WriteStream blocks while the stream's send window is shut.
func (s *frameSession) WriteStream(id channel.StreamID, p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n, err := s.reserve(id, len(p))
		if err != nil {
			return written, err
		}
		if err := s.writeFrame(cmdPSH, id, p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// reserve takes up to want bytes of send window, at most one frame's worth.
func (s *frameSession) reserve(id channel.StreamID, want int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.isClosed() {
			return 0, errSessionClosed
		}
		st, ok := s.streams[id]
		if !ok {
			return 0, errUnknownStream
		}
		if st.sendWin > 0 {
			n := min(want, maxPayload, st.sendWin)
			st.sendWin -= n
			return n, nil
		}
		s.sendCond.Wait()
	}
}

func (s *frameSession) CloseWrite(id channel.StreamID) error {
	if !s.known(id) {
		return errUnknownStream
	}
	return s.writeFrame(cmdFIN, id, nil)
}

func (s *frameSession) CloseStream(id channel.StreamID) error {
	if !s.forget(id) {
		return nil
	}
	return s.writeFrame(cmdRST, id, nil)
}

// Consumed queues credit for the update loop; it never writes itself.
func (s *frameSession) Consumed(id channel.StreamID, n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	st, ok := s.streams[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.held = max(st.held-n, 0)
	st.unacked += n
	due := st.unacked >= updateThreshold
	s.mu.Unlock()

	if due {
		select {
		case s.updates <- struct{}{}:
		default:
		}
	}
}

func (s *frameSession) Events() <-chan channel.Event { return s.events }

func (s *frameSession) NumStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *frameSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *frameSession) Close() error {
	var err error = channel.ErrClosed
	s.dieOnce.Do(func() {
		close(s.die)
		err = s.conn.Close()
		s.mu.Lock()
		s.sendCond.Broadcast()
		s.mu.Unlock()
	})
	return err
}

func (s *frameSession) isClosed() bool {
	select {
	case <-s.die:
		return true
	default:
		return false
	}
}

func (s *frameSession) known(id channel.StreamID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[id]
	return ok
}

// forget drops a stream and wakes any writer waiting on its window.
func (s *frameSession) forget(id channel.StreamID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[id]
	delete(s.streams, id)
	s.sendCond.Broadcast()
	return ok
}

func (s *frameSession) writeFrame(cmd byte, id channel.StreamID, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = frameVersion
	buf[1] = cmd
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(id))
	copy(buf[headerSize:], payload)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.conn.Write(buf); err != nil {
		s.fail(err)
		return errors.Wrap(err, "frame: write")
	}
	return nil
}

// fail records the first fatal error and tears the session down.
func (s *frameSession) fail(err error) {
	if s.isClosed() {
		return
	}
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	s.Close()
}

func (s *frameSession) emit(ev channel.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.die:
		return false
	}
}

// updateLoop announces consumed credit to the peer.
func (s *frameSession) updateLoop() {
	for {
		select {
		case <-s.updates:
		case <-s.die:
			return
		}

		due := make(map[channel.StreamID]uint32)
		s.mu.Lock()
		for id, st := range s.streams {
			if st.unacked >= updateThreshold {
				due[id] = uint32(st.unacked)
				st.unacked = 0
			}
		}
		s.mu.Unlock()

		var payload [4]byte
		for id, credit := range due {
			binary.LittleEndian.PutUint32(payload[:], credit)
			if err := s.writeFrame(cmdUPD, id, payload[:]); err != nil {
				return
			}
		}
	}
}

// hold accounts n received bytes against the stream's window. A peer that
// overruns it gets the stream reset.
func (s *frameSession) hold(id channel.StreamID, n int) (known, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.streams[id]
	if !found {
		return false, false
	}
	if st.held+n > frameWindow {
		delete(s.streams, id)
		s.sendCond.Broadcast()
		return true, false
	}
	st.held += n
	return true, true
}

func (s *frameSession) recvLoop() {
	defer close(s.events)

	var h header
	for {
		if _, err := io.ReadFull(s.conn, h[:]); err != nil {
			s.fail(err)
			return
		}
		if h.version() != frameVersion {
			s.fail(errBadVersion)
			return
		}
		id := channel.StreamID(h.streamID())

		switch h.cmd() {
		case cmdSYN:
			s.mu.Lock()
			s.streams[id] = &frameStream{sendWin: frameWindow}
			s.mu.Unlock()
			if !s.emit(channel.Event{Kind: channel.EventAccept, Stream: id}) {
				return
			}
		case cmdPSH:
			data := make([]byte, h.length())
			if _, err := io.ReadFull(s.conn, data); err != nil {
				s.fail(err)
				return
			}
			known, ok := s.hold(id, len(data))
			if !known {
				continue
			}
			if !ok {
				if !s.emit(channel.Event{Kind: channel.EventEOF, Stream: id}) {
					return
				}
				if s.writeFrame(cmdRST, id, nil) != nil {
					return
				}
				continue
			}
			if !s.emit(channel.Event{Kind: channel.EventData, Stream: id, Data: data}) {
				return
			}
		case cmdUPD:
			if h.length() != 4 {
				s.fail(errBadUpdate)
				return
			}
			var payload [4]byte
			if _, err := io.ReadFull(s.conn, payload[:]); err != nil {
				s.fail(err)
				return
			}
			s.mu.Lock()
			if st, ok := s.streams[id]; ok {
				st.sendWin += int(binary.LittleEndian.Uint32(payload[:]))
				s.sendCond.Broadcast()
			}
			s.mu.Unlock()
		case cmdFIN:
			if s.known(id) && !s.emit(channel.Event{Kind: channel.EventEOF, Stream: id}) {
				return
			}
		case cmdRST:
			if s.forget(id) && !s.emit(channel.Event{Kind: channel.EventEOF, Stream: id}) {
				return
			}
		default:
			s.fail(errBadCommand)
			return
		}
	}
}
