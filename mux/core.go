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

// Package mux runs the single owner of a multiplexed channel.
//
// A Core hands the channel's session to one goroutine, the owner. Callers
// never touch the session: every open, accept, read, write and close is a
// request put on the owner's bounded queue and answered through a one-shot
// reply slot. Blocking session calls the owner decides on run beside it, in
// submission order and one at a time per stream, so the owner itself never
// blocks outside its select and a stalled stream does not hold up the others.
//
// Bytes the owner buffers for a stream are bounded by the session's read
// credit: they are handed back with Consumed as readers take them.
package mux

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/channel"
)

type ioKind int

const (
	ioOpen ioKind = iota
	ioWrite
	ioCloseWrite
	ioClose
)

// ioTask is a blocking session call. req is nil for calls nobody waits on.
type ioTask struct {
	kind ioKind
	id   channel.StreamID
	data []byte
	req  *request
}

// lane groups the session calls that must not overlap. Opens share a lane,
// and each stream has one. A close gets a lane of its own so it can run
// beside a write blocked on flow control and release it.
type lane struct {
	id    channel.StreamID
	open  bool
	close bool
}

func (t ioTask) lane() lane {
	switch t.kind {
	case ioOpen:
		return lane{open: true}
	case ioClose:
		return lane{id: t.id, close: true}
	}
	return lane{id: t.id}
}

type ioResult struct {
	task ioTask
	id   channel.StreamID
	n    int
	err  error
}

// streamState is the owner's view of a logical stream.
type streamState struct {
	id          channel.StreamID
	dir         channel.Direction
	buf         []byte
	reads       []*request
	eof         bool
	readClosed  bool
	writeClosed bool
}

// Core owns a Mux channel. It is safe for concurrent use.
type Core struct {
	mux     channel.Mux
	log     *zap.Logger
	clock   clock.Clock
	metrics *Metrics
	backlog int

	reqs    chan *request
	closing chan struct{}
	die     chan struct{}

	ioDone chan ioResult

	closeOnce sync.Once
	stopping  atomic.Bool
	err       error // set before die is closed
	closeErr  error

	// owner goroutine only
	streams  map[channel.StreamID]*streamState
	inbound  []channel.StreamID
	accepts  []*request
	early    map[channel.StreamID][]channel.Event
	opening  int
	ioq      []ioTask
	inflight map[lane]ioTask
}

// New starts the owner of m and returns the Core that talks to it.
func New(m channel.Mux, opts ...Option) *Core {
	o := buildOptions(opts)
	c := &Core{
		mux:      m,
		log:      o.logger.With(zap.String("remote", string(m.RemotePeer())), zap.String("protocol", m.Protocol())),
		clock:    o.clock,
		metrics:  o.metrics,
		backlog:  o.backlog,
		reqs:     make(chan *request, o.queueSize),
		closing:  make(chan struct{}),
		die:      make(chan struct{}),
		ioDone:   make(chan ioResult),
		streams:  make(map[channel.StreamID]*streamState),
		early:    make(map[channel.StreamID][]channel.Event),
		inflight: make(map[lane]ioTask),
	}
	go c.run()
	return c
}

// Mux returns the channel the Core owns.
func (c *Core) Mux() channel.Mux { return c.mux }

// Done is closed once the owner has terminated.
func (c *Core) Done() <-chan struct{} { return c.die }

// Err reports why the owner terminated, or nil while it runs.
func (c *Core) Err() error {
	select {
	case <-c.die:
		return c.err
	default:
		return nil
	}
}

// Close stops the owner, fails every outstanding request and closes the
// channel. Only the first call does anything; later calls return nil.
func (c *Core) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.closing)
	})
	<-c.die
	if first {
		return c.closeErr
	}
	return nil
}

// OpenStream prepares a request for a new outbound stream. Nothing is sent
// until the request is polled or waited on.
func (c *Core) OpenStream() *PendingRequest[*Stream] {
	return c.streamRequest(OpenStream, func(err error) error { return &OpenStreamError{Err: err} })
}

// AcceptStream prepares a request for the next inbound stream.
func (c *Core) AcceptStream() *PendingRequest[*Stream] {
	return c.streamRequest(AcceptStream, func(err error) error { return &AcceptStreamError{Err: err} })
}

func (c *Core) streamRequest(op ConnOp, fail func(error) error) *PendingRequest[*Stream] {
	p := newPending(c, newRequest(op), func(r reply) (*Stream, error) { return r.stream, nil }, fail)
	p.orphan = func(r reply) {
		if r.stream != nil {
			go r.stream.Close()
		}
	}
	return p
}

// ListenStreams returns the sequence of inbound streams.
func (c *Core) ListenStreams() *ListenStream {
	return &ListenStream{core: c}
}

// Streams lists the ids of the streams the owner tracks.
func (c *Core) Streams(ctx context.Context) ([]channel.StreamID, error) {
	p := newPending(c, newRequest(opStreams),
		func(r reply) ([]channel.StreamID, error) { return r.ids, nil },
		func(err error) error { return err })
	ids, err := p.Wait(ctx)
	if err != nil && !p.Completed() {
		p.Cancel()
	}
	return ids, err
}

func (c *Core) run() {
	events := c.mux.Events()
	for {
		c.dispatch()

		select {
		case req := <-c.reqs:
			c.metrics.request(req.op)
			c.handle(req)
		case ev, ok := <-events:
			if !ok {
				cause := c.mux.Err()
				if cause == nil {
					cause = ErrConnClosed
				}
				c.shutdown(cause)
				return
			}
			c.event(ev)
		case res := <-c.ioDone:
			delete(c.inflight, res.task.lane())
			c.finish(res)
		case <-c.closing:
			c.shutdown(ErrConnClosed)
			return
		}
	}
}

// dispatch starts every queued session call whose lane is free. Calls that
// stay queued keep their order, and a close never overtakes a queued call on
// its stream. Writes abandoned before they started are dropped.
func (c *Core) dispatch() {
	if len(c.ioq) == 0 {
		return
	}
	kept := c.ioq[:0]
	waiting := make(map[channel.StreamID]bool)
	for _, t := range c.ioq {
		if t.kind == ioWrite && t.req.slot.Load() == slotAbandoned {
			continue
		}
		l := t.lane()
		_, busy := c.inflight[l]
		if busy || (t.kind == ioClose && waiting[t.id]) {
			kept = append(kept, t)
			if !l.open {
				waiting[t.id] = true
			}
			continue
		}
		c.inflight[l] = t
		go c.exec(t)
	}
	c.ioq = kept
}

// exec performs one session call off the owner goroutine.
func (c *Core) exec(t ioTask) {
	res := ioResult{task: t, id: t.id}
	switch t.kind {
	case ioOpen:
		res.id, res.err = c.mux.OpenStream()
	case ioWrite:
		res.n, res.err = c.mux.WriteStream(t.id, t.data)
	case ioCloseWrite:
		res.err = c.mux.CloseWrite(t.id)
	case ioClose:
		res.err = c.mux.CloseStream(t.id)
	}

	select {
	case c.ioDone <- res:
	case <-c.die:
	}
}

func (c *Core) submit(t ioTask) {
	c.ioq = append(c.ioq, t)
}

func (c *Core) handle(req *request) {
	if req.slot.Load() == slotAbandoned {
		return
	}
	switch req.op {
	case OpenStream:
		c.opening++
		c.submit(ioTask{kind: ioOpen, req: req})

	case AcceptStream:
		c.accepts = append(c.accepts, req)
		c.serveAccepts()

	case opRead:
		st := c.streams[req.id]
		switch {
		case st == nil:
			req.fill(reply{err: ErrStreamClosed})
		case st.readClosed:
			req.fill(reply{err: ErrReadClosed})
		default:
			st.reads = append(st.reads, req)
			c.serveReads(st)
		}

	case opWrite:
		st := c.streams[req.id]
		switch {
		case st == nil:
			req.fill(reply{err: ErrStreamClosed})
		case st.writeClosed:
			req.fill(reply{err: ErrWriteClosed})
		default:
			c.submit(ioTask{kind: ioWrite, id: req.id, data: req.data, req: req})
		}

	case CloseWriteStream:
		st := c.streams[req.id]
		switch {
		case st == nil:
			req.fill(reply{err: ErrStreamClosed})
		case st.writeClosed:
			req.fill(reply{})
		default:
			st.writeClosed = true
			c.submit(ioTask{kind: ioCloseWrite, id: req.id, req: req})
		}

	case CloseReadStream:
		st := c.streams[req.id]
		if st == nil {
			req.fill(reply{err: ErrStreamClosed})
			return
		}
		st.readClosed = true
		c.credit(st.id, len(st.buf))
		st.buf = nil
		c.failReads(st, ErrReadClosed)
		req.fill(reply{})

	case CloseStream:
		st := c.streams[req.id]
		if st == nil {
			req.fill(reply{})
			return
		}
		c.release(req.id, st)
		c.submit(ioTask{kind: ioClose, id: req.id, req: req})

	case opStreams:
		ids := make([]channel.StreamID, 0, len(c.streams))
		for id := range c.streams {
			ids = append(ids, id)
		}
		req.fill(reply{ids: ids})
	}
}

func (c *Core) event(ev channel.Event) {
	switch ev.Kind {
	case channel.EventAccept:
		c.addStream(ev.Stream, channel.Inbound)
		if len(c.inbound) >= c.backlog && len(c.accepts) == 0 {
			c.log.Warn("accept backlog full, closing stream", zap.Uint32("stream", uint32(ev.Stream)))
			c.metrics.rejected()
			c.release(ev.Stream, c.streams[ev.Stream])
			c.submit(ioTask{kind: ioClose, id: ev.Stream})
			return
		}
		c.inbound = append(c.inbound, ev.Stream)
		c.serveAccepts()

	case channel.EventData, channel.EventEOF:
		st := c.streams[ev.Stream]
		if st == nil {
			if c.opening > 0 {
				c.early[ev.Stream] = append(c.early[ev.Stream], ev)
			} else {
				c.log.Debug("event for unknown stream", zap.Stringer("kind", ev.Kind), zap.Uint32("stream", uint32(ev.Stream)))
				c.credit(ev.Stream, len(ev.Data))
			}
			return
		}
		c.apply(st, ev)
	}
}

func (c *Core) apply(st *streamState, ev channel.Event) {
	if ev.Kind == channel.EventEOF {
		st.eof = true
	} else if st.readClosed {
		c.credit(st.id, len(ev.Data))
	} else {
		st.buf = append(st.buf, ev.Data...)
		c.metrics.received(len(ev.Data))
	}
	c.serveReads(st)
}

func (c *Core) finish(res ioResult) {
	t := res.task
	switch t.kind {
	case ioOpen:
		c.opening--
		if res.err != nil {
			t.req.fill(reply{err: res.err})
		} else {
			st := c.addStream(res.id, channel.Outbound)
			for _, ev := range c.early[res.id] {
				c.apply(st, ev)
			}
			delete(c.early, res.id)
			if !t.req.fill(reply{stream: c.newStream(res.id, channel.Outbound)}) {
				c.release(res.id, st)
				c.submit(ioTask{kind: ioClose, id: res.id})
			}
		}
		if c.opening == 0 && len(c.early) > 0 {
			c.early = make(map[channel.StreamID][]channel.Event)
		}

	case ioWrite:
		if res.err == nil {
			c.metrics.sent(res.n)
		}
		t.req.fill(reply{n: res.n, err: res.err})

	case ioCloseWrite, ioClose:
		if errors.Is(res.err, channel.ErrHalfClose) {
			c.log.Debug("half-close unsupported", zap.Uint32("stream", uint32(t.id)))
		}
		if t.req != nil {
			t.req.fill(reply{err: res.err})
		}
	}
}

func (c *Core) addStream(id channel.StreamID, dir channel.Direction) *streamState {
	st := &streamState{id: id, dir: dir}
	c.streams[id] = st
	c.metrics.streamAdded(dir.String())
	return st
}

func (c *Core) release(id channel.StreamID, st *streamState) {
	if st == nil {
		return
	}
	delete(c.streams, id)
	c.credit(id, len(st.buf))
	st.buf = nil
	c.failReads(st, ErrStreamClosed)
	c.metrics.streamRemoved()
}

func (c *Core) newStream(id channel.StreamID, dir channel.Direction) *Stream {
	return &Stream{core: c, id: id, dir: dir, opened: c.clock.Now()}
}

func (c *Core) serveAccepts() {
	for len(c.accepts) > 0 && len(c.inbound) > 0 {
		req := c.accepts[0]
		c.accepts = c.accepts[1:]
		if !req.wanted() {
			continue
		}
		id := c.inbound[0]
		if !req.fill(reply{stream: c.newStream(id, channel.Inbound)}) {
			continue
		}
		c.inbound = c.inbound[1:]
	}
}

func (c *Core) serveReads(st *streamState) {
	for len(st.reads) > 0 && (len(st.buf) > 0 || st.eof) {
		req := st.reads[0]
		st.reads = st.reads[1:]
		if !req.wanted() {
			continue
		}
		if len(st.buf) == 0 {
			req.fill(reply{err: io.EOF})
			continue
		}
		n := req.n
		if n > len(st.buf) {
			n = len(st.buf)
		}
		data := make([]byte, n)
		copy(data, st.buf)
		if req.fill(reply{data: data, n: n}) {
			c.credit(st.id, n)
			st.buf = st.buf[n:]
			if len(st.buf) == 0 {
				st.buf = nil
			}
		}
	}
}

// credit hands n bytes the owner no longer holds back to the session.
func (c *Core) credit(id channel.StreamID, n int) {
	if n > 0 {
		c.mux.Consumed(id, n)
	}
}

func (c *Core) failReads(st *streamState, err error) {
	for _, req := range st.reads {
		req.fill(reply{err: err})
	}
	st.reads = nil
}

// shutdown answers everything still outstanding, then signals termination.
func (c *Core) shutdown(cause error) {
	c.stopping.Store(true)
	if cause != ErrConnClosed {
		c.log.Warn("mux owner stopping", zap.Error(cause))
	} else {
		c.log.Debug("mux owner stopping")
	}
	fail := reply{err: cause}

	for _, req := range c.accepts {
		req.fill(fail)
	}
	for id, st := range c.streams {
		c.failReads(st, cause)
		c.release(id, st)
	}
	for _, t := range c.inflight {
		if t.req != nil {
			t.req.fill(fail)
		}
	}
	for _, t := range c.ioq {
		if t.req != nil {
			t.req.fill(fail)
		}
	}
	c.accepts, c.ioq, c.inflight, c.inbound = nil, nil, nil, nil

drain:
	for {
		select {
		case req := <-c.reqs:
			req.fill(fail)
		default:
			break drain
		}
	}

	if err := c.mux.Close(); err != nil && !errors.Is(err, channel.ErrClosed) {
		c.closeErr = &CloseError{What: "connection", Err: err}
	}
	c.err = cause
	close(c.die)
}
