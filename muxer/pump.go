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
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/xtaci/upmux/channel"
)

const (
	pumpBufSize = 32 * 1024
	// defaultPumpWindow bounds what a pump reads ahead of the consumer when
	// the engine has no per-stream window of its own.
	defaultPumpWindow = 256 * 1024
)

// engine is a third-party multiplexer that hands out stream objects.
type engine interface {
	open() (engineStream, error)
	accept() (engineStream, error)
	numStreams() int
	close() error
}

type engineStream interface {
	io.ReadWriteCloser
	id() channel.StreamID
	closeWrite() error
}

// pumpStream is an engine stream with the read credit of its pump.
type pumpStream struct {
	engineStream

	mu       sync.Mutex
	cond     *sync.Cond
	held     int // bytes emitted and not yet consumed
	released bool
}

func newPumpStream(st engineStream) *pumpStream {
	ps := &pumpStream{engineStream: st}
	ps.cond = sync.NewCond(&ps.mu)
	return ps
}

// room waits until the stream may hold more unconsumed data and returns how
// much to read next. A released stream is drained without limit.
func (ps *pumpStream) room(window int) (int, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for ps.held >= window && !ps.released {
		ps.cond.Wait()
	}
	if ps.released {
		return pumpBufSize, true
	}
	return min(pumpBufSize, window-ps.held), false
}

// hold charges n emitted bytes, unless the stream was released meanwhile.
func (ps *pumpStream) hold(n int) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.released {
		return false
	}
	ps.held += n
	return true
}

func (ps *pumpStream) consumed(n int) {
	ps.mu.Lock()
	ps.held = max(ps.held-n, 0)
	ps.cond.Signal()
	ps.mu.Unlock()
}

func (ps *pumpStream) release() {
	ps.mu.Lock()
	ps.released = true
	ps.cond.Broadcast()
	ps.mu.Unlock()
}

// pumpSession adapts an engine to the event-driven channel.Session: one
// goroutine accepts, and one per stream reads and emits what arrives. A pump
// never holds more than window unconsumed bytes, so a stalled reader leaves
// the rest queued in the engine, whose own window pushes back on the peer.
type pumpSession struct {
	eng    engine
	window int

	mu      sync.Mutex
	streams map[channel.StreamID]*pumpStream
	dead    bool
	pumps   sync.WaitGroup

	events  chan channel.Event
	die     chan struct{}
	dieOnce sync.Once
	err     error // guarded by mu
}

func newPumpSession(eng engine, window int) *pumpSession {
	if window <= 0 {
		window = defaultPumpWindow
	}
	s := &pumpSession{
		eng:     eng,
		window:  window,
		streams: make(map[channel.StreamID]*pumpStream),
		events:  make(chan channel.Event, 128),
		die:     make(chan struct{}),
	}
	go s.acceptLoop()
	return s
}

func (s *pumpSession) OpenStream() (channel.StreamID, error) {
	st, err := s.eng.open()
	if err != nil {
		return 0, err
	}
	ps := s.track(st)
	if ps == nil {
		st.Close()
		return 0, errSessionClosed
	}
	go s.readLoop(ps)
	return st.id(), nil
}

func (s *pumpSession) WriteStream(id channel.StreamID, p []byte) (int, error) {
	ps := s.lookup(id)
	if ps == nil {
		return 0, errUnknownStream
	}
	return ps.Write(p)
}

func (s *pumpSession) CloseWrite(id channel.StreamID) error {
	ps := s.lookup(id)
	if ps == nil {
		return errUnknownStream
	}
	return ps.closeWrite()
}

// CloseStream closes the engine stream and leaves its pump draining whatever
// the peer still sends until the engine ends the stream.
func (s *pumpSession) CloseStream(id channel.StreamID) error {
	s.mu.Lock()
	ps := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if ps == nil {
		return nil
	}
	ps.release()
	return ps.Close()
}

func (s *pumpSession) Consumed(id channel.StreamID, n int) {
	if n <= 0 {
		return
	}
	if ps := s.lookup(id); ps != nil {
		ps.consumed(n)
	}
}

func (s *pumpSession) Events() <-chan channel.Event { return s.events }

func (s *pumpSession) NumStreams() int { return s.eng.numStreams() }

func (s *pumpSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pumpSession) Close() error {
	err := channel.ErrClosed
	s.dieOnce.Do(func() {
		close(s.die)
		err = s.eng.close()
		s.mu.Lock()
		for _, ps := range s.streams {
			ps.release()
		}
		s.mu.Unlock()
	})
	return err
}

func (s *pumpSession) track(st engineStream) *pumpStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil
	}
	ps := newPumpStream(st)
	s.streams[st.id()] = ps
	s.pumps.Add(1)
	return ps
}

func (s *pumpSession) lookup(id channel.StreamID) *pumpStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

func (s *pumpSession) emit(ev channel.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.die:
		return false
	}
}

func (s *pumpSession) acceptLoop() {
	for {
		st, err := s.eng.accept()
		if err != nil {
			s.stop(err)
			return
		}
		ps := s.track(st)
		if ps == nil {
			st.Close()
			continue
		}
		if !s.emit(channel.Event{Kind: channel.EventAccept, Stream: st.id()}) {
			s.pumps.Done()
			continue
		}
		go s.readLoop(ps)
	}
}

func (s *pumpSession) readLoop(ps *pumpStream) {
	defer s.pumps.Done()
	for {
		size, draining := ps.room(s.window)
		buf := make([]byte, size)
		n, err := ps.Read(buf)
		if n > 0 && !draining && ps.hold(n) {
			if !s.emit(channel.Event{Kind: channel.EventData, Stream: ps.id(), Data: buf[:n]}) {
				return
			}
		}
		if err != nil {
			if !draining {
				s.emit(channel.Event{Kind: channel.EventEOF, Stream: ps.id()})
			}
			return
		}
	}
}

// stop runs once the engine can no longer accept: it records why, waits for
// the stream pumps to drain and closes the event channel.
func (s *pumpSession) stop(cause error) {
	s.mu.Lock()
	s.dead = true
	select {
	case <-s.die:
	default:
		if s.err == nil && cause != nil {
			s.err = errors.WithStack(cause)
		}
	}
	s.mu.Unlock()

	s.Close()
	s.pumps.Wait()
	close(s.events)
}
