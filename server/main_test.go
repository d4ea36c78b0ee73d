package main

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/conn"
	"github.com/xtaci/upmux/crypto"
	"github.com/xtaci/upmux/muxer"
	"github.com/xtaci/upmux/secure"
	"github.com/xtaci/upmux/secure/noise"
	"github.com/xtaci/upmux/transport/mem"
	"github.com/xtaci/upmux/tunnel"
)

// echoTarget serves an echo service on l.
func echoTarget(t *testing.T, l net.Listener) {
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()
}

func roundTrip(t *testing.T, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	newUpgrader := func() *conn.Upgrader {
		k, err := crypto.GenerateKeyPair(crypto.Ed25519)
		require.NoError(t, err)
		return &conn.Upgrader{Security: secure.New(noise.New(k)), Muxer: muxer.New(muxer.Yamux(nil))}
	}
	tr := mem.New()
	l, err := newUpgrader().Listen(ctx, tr, "server")
	require.NoError(t, err)
	defer l.Close()

	relayer := &tunnel.Relayer{Quiet: true, Log: zap.NewNop()}
	go func() {
		c, err := l.Accept(ctx)
		if err != nil {
			return
		}
		serveConn(ctx, c, target, relayer)
	}()

	client, err := newUpgrader().Dial(ctx, tr, "server")
	require.NoError(t, err)
	defer client.Close()

	for _, msg := range []string{"first stream", "second stream"} {
		s, err := client.OpenStream().Wait(ctx)
		require.NoError(t, err)
		_, err = s.Write([]byte(msg))
		require.NoError(t, err)
		require.NoError(t, s.CloseWrite())
		got, err := io.ReadAll(s)
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
		s.Close()
	}
}

func TestRelayToTCPTarget(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	echoTarget(t, l)
	roundTrip(t, l.Addr().String())
}

func TestRelayToUnixTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target.sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	echoTarget(t, l)
	roundTrip(t, path)
}
