package mux

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/upmux/channel"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestCore(t *testing.T, sess *fakeSession, opts ...Option) *Core {
	t.Helper()
	c := New(newFakeMux(t, sess), opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenStreamsFIFO(t *testing.T) {
	sess := newFakeSession()
	c := newTestCore(t, sess)
	ctx := testContext(t)

	const n = 16
	pending := make([]*PendingRequest[*Stream], n)
	streams := make([]*Stream, n)
	for i := range pending {
		pending[i] = c.OpenStream()
		s, ready, err := pending[i].Poll()
		require.NoError(t, err)
		if ready {
			streams[i] = s
		}
	}

	seen := make(map[channel.StreamID]bool)
	for i, p := range pending {
		s := streams[i]
		if s == nil {
			var err error
			s, err = p.Wait(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, channel.StreamID(2*i+1), s.ID(), "request %d", i)
		assert.Equal(t, channel.Outbound, s.Direction())
		assert.False(t, seen[s.ID()])
		seen[s.ID()] = true
	}
}

func TestConcurrentOpenDistinct(t *testing.T) {
	sess := newFakeSession()
	c := newTestCore(t, sess, WithQueueSize(4))
	ctx := testContext(t)

	const n = 50
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[channel.StreamID]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.OpenStream().Wait(ctx)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[s.ID()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, n)
}

func TestCancelledOpenIsIsolated(t *testing.T) {
	sess := newFakeSession()
	sess.openGate = make(chan struct{})
	c := newTestCore(t, sess)
	ctx := testContext(t)

	first := c.OpenStream()
	second := c.OpenStream()
	_, ready, err := first.Poll()
	require.NoError(t, err)
	require.False(t, ready)
	_, ready, err = second.Poll()
	require.NoError(t, err)
	require.False(t, ready)

	// the first open is underway on the session before it is dropped
	require.Eventually(t, func() bool { return sess.openCalls() == 1 }, time.Second, 5*time.Millisecond)
	first.Cancel()
	close(sess.openGate)

	s, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, channel.StreamID(3), s.ID())

	// the stream opened for the dropped request is released
	assert.Eventually(t, func() bool { return sess.isClosed(1) }, time.Second, 5*time.Millisecond)

	_, err = first.Wait(ctx)
	assert.ErrorIs(t, err, ErrConsumed)
}

func TestPollAccept(t *testing.T) {
	sess := newFakeSession()
	c := newTestCore(t, sess)

	p := c.AcceptStream()
	s, ready, err := p.Poll()
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Nil(t, s)

	sess.push(channel.Event{Kind: channel.EventAccept, Stream: 2})
	require.Eventually(t, func() bool {
		s, ready, err = p.Poll()
		return ready
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, channel.StreamID(2), s.ID())
	assert.Equal(t, channel.Inbound, s.Direction())

	_, ready, err = p.Poll()
	assert.True(t, ready)
	assert.ErrorIs(t, err, ErrConsumed)
}

func TestListenOrderAndEnd(t *testing.T) {
	sess := newFakeSession()
	c := newTestCore(t, sess)
	ctx := testContext(t)

	for _, id := range []channel.StreamID{2, 4, 6} {
		sess.push(channel.Event{Kind: channel.EventAccept, Stream: id})
	}

	l := c.ListenStreams()
	for _, want := range []channel.StreamID{2, 4, 6} {
		s, err := l.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, s.ID())
	}

	sess.kill(nil)
	_, err := l.Next(ctx)
	assert.Equal(t, io.EOF, err)
	_, err = l.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestListenSurvivesCancelledNext(t *testing.T) {
	sess := newFakeSession()
	c := newTestCore(t, sess)

	l := c.ListenStreams()
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Next(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sess.push(channel.Event{Kind: channel.EventAccept, Stream: 2})
	s, err := l.Next(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, channel.StreamID(2), s.ID())
}

func TestSingleAcceptFailsWhenOwnerGone(t *testing.T) {
	sess := newFakeSession()
	c := newTestCore(t, sess)
	require.NoError(t, c.Close())

	_, err := c.AcceptStream().Wait(testContext(t))
	var ae *AcceptStreamError
	require.ErrorAs(t, err, &ae)
	assert.ErrorIs(t, err, ErrOwnerGone)
}

func TestFatalErrorFailsPending(t *testing.T) {
	sess := newFakeSession()
	sess.openGate = make(chan struct{})
	c := newTestCore(t, sess)
	ctx := testContext(t)

	accepts := make([]*PendingRequest[*Stream], 3)
	for i := range accepts {
		accepts[i] = c.AcceptStream()
		_, ready, err := accepts[i].Poll()
		require.NoError(t, err)
		require.False(t, ready)
	}
	open := c.OpenStream()
	_, _, err := open.Poll()
	require.NoError(t, err)

	boom := errors.New("boom")
	sess.kill(boom)

	for _, p := range accepts {
		_, err := p.Wait(ctx)
		var ae *AcceptStreamError
		assert.ErrorAs(t, err, &ae)
	}
	_, err = open.Wait(ctx)
	var oe *OpenStreamError
	assert.ErrorAs(t, err, &oe)

	<-c.Done()
	assert.Equal(t, boom, c.Err())

	_, err = c.OpenStream().Wait(ctx)
	assert.ErrorIs(t, err, ErrOwnerGone)
}

func TestCloseIdempotent(t *testing.T) {
	sess := newFakeSession()
	c := New(newFakeMux(t, sess))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, sess.closeCount())
	assert.ErrorIs(t, c.Err(), ErrConnClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("owner still running")
	}
}

func TestStreamReadWrite(t *testing.T) {
	sess := newFakeSession()
	mock := clock.NewMock()
	c := newTestCore(t, sess, WithClock(mock))
	ctx := testContext(t)

	s, err := c.OpenStream().Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, mock.Now(), s.Opened())

	n, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", sess.written(s.ID()))

	sess.push(channel.Event{Kind: channel.EventData, Stream: s.ID(), Data: []byte("wor")})
	sess.push(channel.Event{Kind: channel.EventData, Stream: s.ID(), Data: []byte("ld")})
	sess.push(channel.Event{Kind: channel.EventEOF, Stream: s.ID()})

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
	assert.Equal(t, 5, sess.credited(s.ID()))

	require.NoError(t, s.CloseWrite())
	_, err = s.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrWriteClosed)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, sess.isClosed(s.ID()))

	ids, err := c.Streams(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.Read(make([]byte, 4))
	var re *ReadError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestReadCancelKeepsData(t *testing.T) {
	sess := newFakeSession()
	c := newTestCore(t, sess)

	s, err := c.OpenStream().Wait(testContext(t))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.ReadContext(short, make([]byte, 8))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sess.push(channel.Event{Kind: channel.EventData, Stream: s.ID(), Data: []byte("payload")})
	buf := make([]byte, 3)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pay", string(buf[:n]))
	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "loa", string(buf[:n]))
}

func TestCloseRead(t *testing.T) {
	sess := newFakeSession()
	c := newTestCore(t, sess)

	s, err := c.OpenStream().Wait(testContext(t))
	require.NoError(t, err)
	sess.push(channel.Event{Kind: channel.EventData, Stream: s.ID(), Data: []byte("dropped")})

	require.NoError(t, s.CloseRead())
	_, err = s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrReadClosed)
	assert.Eventually(t, func() bool { return sess.credited(s.ID()) == len("dropped") },
		time.Second, 5*time.Millisecond)

	sess.push(channel.Event{Kind: channel.EventData, Stream: s.ID(), Data: []byte("late")})
	assert.Eventually(t, func() bool { return sess.credited(s.ID()) == len("droppedlate") },
		time.Second, 5*time.Millisecond)

	_, err = s.Write([]byte("still writable"))
	assert.NoError(t, err)
}

func TestCreditFollowsReads(t *testing.T) {
	sess := newFakeSession()
	c := newTestCore(t, sess)

	s, err := c.OpenStream().Wait(testContext(t))
	require.NoError(t, err)
	sess.push(channel.Event{Kind: channel.EventData, Stream: s.ID(), Data: []byte("0123456789")})

	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return sess.credited(s.ID()) == 4 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	assert.Eventually(t, func() bool { return sess.credited(s.ID()) == 10 },
		time.Second, 5*time.Millisecond)
}

func TestCloseReleasesStalledWrite(t *testing.T) {
	sess := newFakeSession()
	c := newTestCore(t, sess)
	ctx := testContext(t)

	stuck, err := c.OpenStream().Wait(ctx)
	require.NoError(t, err)
	other, err := c.OpenStream().Wait(ctx)
	require.NoError(t, err)
	sess.stallWrites(stuck.ID())

	werr := make(chan error, 1)
	go func() {
		_, err := stuck.Write([]byte("blocked"))
		werr <- err
	}()
	require.Eventually(t, func() bool { return sess.stalledWrites() == 1 }, time.Second, 5*time.Millisecond)

	_, err = other.Write([]byte("free"))
	require.NoError(t, err)
	assert.Equal(t, "free", sess.written(other.ID()))

	require.NoError(t, stuck.Close())
	select {
	case err := <-werr:
		var we *WriteError
		assert.ErrorAs(t, err, &we)
	case <-ctx.Done():
		t.Fatal("stalled write was not released by Close")
	}
}

func TestDataBeforeOpenCompletes(t *testing.T) {
	sess := newFakeSession()
	sess.echo = []byte("early")
	c := newTestCore(t, sess)

	s, err := c.OpenStream().Wait(testContext(t))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "early", string(buf[:n]))
}

func TestAcceptBacklog(t *testing.T) {
	sess := newFakeSession()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := newTestCore(t, sess, WithAcceptBacklog(2), WithMetrics(m))
	ctx := testContext(t)

	for _, id := range []channel.StreamID{2, 4, 6} {
		sess.push(channel.Event{Kind: channel.EventAccept, Stream: id})
	}
	assert.Eventually(t, func() bool { return sess.isClosed(6) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Rejected))

	l := c.ListenStreams()
	for _, want := range []channel.StreamID{2, 4} {
		s, err := l.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, s.ID())
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Streams.WithLabelValues("inbound")))
}
