package kcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/upmux/transport"
)

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()
	return addr
}

func TestApplyMode(t *testing.T) {
	c := Config{Mode: "fast3"}
	c.ApplyMode()
	assert.Equal(t, []int{1, 10, 2, 1}, []int{c.NoDelay, c.Interval, c.Resend, c.NoCongestion})

	c = Config{Mode: "manual", NoDelay: 1, Interval: 7, Resend: 3}
	c.ApplyMode()
	assert.Equal(t, []int{1, 7, 3, 0}, []int{c.NoDelay, c.Interval, c.Resend, c.NoCongestion})

	d := DefaultConfig()
	assert.Equal(t, 30, d.Interval)
}

func TestRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Crypt = "salsa20"
	tr := New(cfg)
	assert.Equal(t, "salsa20", tr.Crypt())

	addr := freeUDPAddr(t)
	l, err := tr.Listen(ctx, addr)
	require.NoError(t, err)
	defer l.Close()

	c, err := tr.Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)

	s, err := l.Accept(ctx)
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = s.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestUnknownCipherFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Crypt = "rot13"
	assert.Equal(t, "aes", New(cfg).Crypt())
}

func TestMalformedAddress(t *testing.T) {
	tr := New(DefaultConfig())
	_, err := tr.Dial(context.Background(), "no-port")
	var de *transport.DialError
	assert.True(t, errors.As(err, &de))

	_, err = tr.Listen(context.Background(), fmt.Sprintf("127.0.0.1:%d-%d", 9000, 8000))
	var le *transport.ListenError
	assert.True(t, errors.As(err, &le))
}
