package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// fakeSource replays a scripted list of accept results, then blocks until
// closed.
type fakeSource struct {
	mu      sync.Mutex
	results []error
	die     chan struct{}
	once    sync.Once
	closes  int
}

func newFakeSource(results ...error) *fakeSource {
	return &fakeSource{results: results, die: make(chan struct{})}
}

func (s *fakeSource) Accept() (net.Conn, error) {
	s.mu.Lock()
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		c, _ := net.Pipe()
		return c, nil
	}
	s.mu.Unlock()
	<-s.die
	return nil, net.ErrClosed
}

func (s *fakeSource) Addr() net.Addr { return fakeAddr("fake:1") }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() { close(s.die) })
	return nil
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServeItemErrorsDoNotEndSequence(t *testing.T) {
	boom := errors.New("boom")
	src := newFakeSource(nil, boom, nil)
	l := Serve(src)
	ctx := testContext(t)

	c, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = l.Accept(ctx)
	var le *ListenError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "fake:1", le.Addr)
	assert.Equal(t, boom, errors.Unwrap(le))

	c, err = l.Accept(ctx)
	require.NoError(t, err)
	assert.NotNil(t, c)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, 1, src.closes)

	_, err = l.Accept(ctx)
	assert.Equal(t, ErrListenerClosed, err)
}

func TestServeEndsWhenSourcesEnd(t *testing.T) {
	a := newFakeSource()
	b := newFakeSource()
	l := Serve(a, b)
	a.Close()
	b.Close()

	_, err := l.Accept(testContext(t))
	assert.Equal(t, ErrListenerClosed, err)
}

func TestAcceptHonoursContext(t *testing.T) {
	l := Serve(newFakeSource())
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Accept(ctx)
	assert.Equal(t, context.Canceled, err)
}
