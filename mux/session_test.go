package mux

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/crypto"
)

// fakeSession is an in-memory channel.Session. Remote activity is injected
// with push; opens hand out odd ids in call order.
type fakeSession struct {
	mu         sync.Mutex
	next       channel.StreamID
	opened     []channel.StreamID
	writes     map[channel.StreamID][]byte
	halfClosed map[channel.StreamID]bool
	closed     map[channel.StreamID]bool
	credits    map[channel.StreamID]int
	closes     int
	entered    int
	err        error

	// openGate, when set, holds every OpenStream until it is closed.
	openGate chan struct{}
	// echo, when set, is pushed as data for each stream as soon as it opens.
	echo []byte
	// stall, when set, holds writes to that stream until it is closed.
	stall   channel.StreamID
	stalled int
	gone    map[channel.StreamID]chan struct{}

	emu    sync.Mutex
	events chan channel.Event
	die    chan struct{}
	once   sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		next:       1,
		writes:     make(map[channel.StreamID][]byte),
		halfClosed: make(map[channel.StreamID]bool),
		closed:     make(map[channel.StreamID]bool),
		credits:    make(map[channel.StreamID]int),
		gone:       make(map[channel.StreamID]chan struct{}),
		events:     make(chan channel.Event, 1024),
		die:        make(chan struct{}),
	}
}

func (f *fakeSession) OpenStream() (channel.StreamID, error) {
	f.mu.Lock()
	f.entered++
	f.mu.Unlock()
	if f.openGate != nil {
		select {
		case <-f.openGate:
		case <-f.die:
			return 0, channel.ErrClosed
		}
	}
	f.mu.Lock()
	id := f.next
	f.next += 2
	f.opened = append(f.opened, id)
	f.mu.Unlock()
	if f.echo != nil {
		f.push(channel.Event{Kind: channel.EventData, Stream: id, Data: f.echo})
	}
	return id, nil
}

func (f *fakeSession) WriteStream(id channel.StreamID, p []byte) (int, error) {
	f.mu.Lock()
	if id == f.stall {
		f.stalled++
		gone := f.goneLocked(id)
		f.mu.Unlock()
		select {
		case <-gone:
		case <-f.die:
		}
		return 0, channel.ErrClosed
	}
	defer f.mu.Unlock()
	f.writes[id] = append(f.writes[id], p...)
	return len(p), nil
}

func (f *fakeSession) CloseWrite(id channel.StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halfClosed[id] = true
	return nil
}

func (f *fakeSession) CloseStream(id channel.StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed[id] {
		close(f.goneLocked(id))
	}
	f.closed[id] = true
	return nil
}

func (f *fakeSession) goneLocked(id channel.StreamID) chan struct{} {
	ch, ok := f.gone[id]
	if !ok {
		ch = make(chan struct{})
		f.gone[id] = ch
	}
	return ch
}

func (f *fakeSession) Consumed(id channel.StreamID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits[id] += n
}

func (f *fakeSession) Events() <-chan channel.Event { return f.events }

func (f *fakeSession) NumStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened) - len(f.closed)
}

func (f *fakeSession) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.kill(nil)
	return nil
}

// kill ends the session the way a broken connection would.
func (f *fakeSession) kill(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		f.emu.Lock()
		close(f.die)
		close(f.events)
		f.emu.Unlock()
	})
}

func (f *fakeSession) push(ev channel.Event) {
	f.emu.Lock()
	defer f.emu.Unlock()
	select {
	case <-f.die:
	default:
		f.events <- ev
	}
}

func (f *fakeSession) isClosed(id channel.StreamID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[id]
}

func (f *fakeSession) written(id channel.StreamID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.writes[id])
}

func (f *fakeSession) stalledWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stalled
}

func (f *fakeSession) stallWrites(id channel.StreamID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall = id
}

func (f *fakeSession) credited(id channel.StreamID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credits[id]
}

func (f *fakeSession) openCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entered
}

func (f *fakeSession) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func newFakeMux(t *testing.T, sess *fakeSession) channel.Mux {
	t.Helper()
	local, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	remote, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)

	a, b := net.Pipe()
	t.Cleanup(func() { b.Close() })
	sc, err := channel.NewSecure(channel.NewBasic(a, channel.Outbound), channel.Identity{
		LocalKey:        local,
		RemotePublicKey: remote.Public(),
	})
	require.NoError(t, err)
	return channel.NewMux(sc, sess, "fake")
}
