package mem

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/upmux/transport"
)

func TestDialAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := New()
	l, err := tr.Listen(ctx, "server")
	require.NoError(t, err)
	defer l.Close()

	done := make(chan error, 1)
	go func() {
		c, err := tr.Dial(ctx, "server")
		if err == nil {
			_, err = c.Write([]byte("hi"))
			c.Close()
		}
		done <- err
	}()

	c, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, "server", c.LocalAddr().String())
	assert.Equal(t, "mem", c.RemoteAddr().Network())
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
	require.NoError(t, <-done)
}

func TestAddrInUse(t *testing.T) {
	tr := New()
	l, err := tr.Listen(context.Background(), "a")
	require.NoError(t, err)

	_, err = tr.Listen(context.Background(), "a")
	assert.True(t, errors.Is(err, ErrAddrInUse))

	require.NoError(t, l.Close())
	l, err = tr.Listen(context.Background(), "a")
	require.NoError(t, err)
	l.Close()
}

func TestDialUnknown(t *testing.T) {
	_, err := New().Dial(context.Background(), "nowhere")
	var de *transport.DialError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ErrNoListener, de.Err)
}

func TestListenerEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := New()
	l, err := tr.Listen(ctx, "x")
	require.NoError(t, err)
	cancel()

	_, err = l.Accept(context.Background())
	assert.Equal(t, transport.ErrListenerClosed, err)
}
