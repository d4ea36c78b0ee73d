package conn

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/crypto"
	"github.com/xtaci/upmux/mux"
	"github.com/xtaci/upmux/muxer"
	"github.com/xtaci/upmux/secure"
	"github.com/xtaci/upmux/secure/noise"
	"github.com/xtaci/upmux/secure/plaintext"
	"github.com/xtaci/upmux/transport"
	"github.com/xtaci/upmux/transport/mem"
	"github.com/xtaci/upmux/upgrade"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newKey(t *testing.T, kt crypto.KeyType) crypto.KeyPair {
	t.Helper()
	k, err := crypto.GenerateKeyPair(kt)
	require.NoError(t, err)
	return k
}

func noiseUpgrader(k crypto.KeyPair, protocols ...muxer.Protocol) *Upgrader {
	return &Upgrader{
		Security: secure.New(noise.New(k)),
		Muxer:    muxer.New(protocols...),
	}
}

// pair starts a listener on tr and dials it, returning both ends.
func pair(t *testing.T, tr transport.Transport, cu, su *Upgrader) (client, server *Conn) {
	t.Helper()
	ctx := testContext(t)
	l, err := su.Listen(ctx, tr, "server")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	client, err = cu.Dial(ctx, tr, "server")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server, err = l.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestEndToEndOrderedStreams(t *testing.T) {
	for _, p := range []muxer.Protocol{muxer.Frame(), muxer.Yamux(nil)} {
		p := p
		t.Run(p.ID(), func(t *testing.T) {
			ck := newKey(t, crypto.Ed25519)
			sk := newKey(t, crypto.Secp256k1)
			client, server := pair(t, mem.New(), noiseUpgrader(ck, p), noiseUpgrader(sk, p))
			ctx := testContext(t)

			assert.Equal(t, crypto.PeerIDFromPublicKey(sk.Public()), client.RemotePeer())
			assert.Equal(t, crypto.PeerIDFromPublicKey(ck.Public()), server.RemotePeer())

			payloads := []string{"alpha", "bravo", "charlie"}
			var opened []channel.StreamID
			for _, msg := range payloads {
				s, err := client.OpenStream().Wait(ctx)
				require.NoError(t, err)
				assert.Equal(t, channel.Outbound, s.Direction())
				_, err = s.Write([]byte(msg))
				require.NoError(t, err)
				require.NoError(t, s.CloseWrite())
				opened = append(opened, s.ID())
			}

			ls := server.ListenStreams()
			defer ls.Close()
			for i, want := range payloads {
				s, err := ls.Next(ctx)
				require.NoError(t, err)
				assert.Equal(t, opened[i], s.ID())
				assert.Equal(t, channel.Inbound, s.Direction())
				got, err := io.ReadAll(s)
				require.NoError(t, err)
				assert.Equal(t, want, string(got))
			}
		})
	}
}

func TestListenOrderSurvivesStall(t *testing.T) {
	k := newKey(t, crypto.Ed25519)
	client, server := pair(t, mem.New(), noiseUpgrader(k, muxer.Frame()), noiseUpgrader(k, muxer.Frame()))
	ctx := testContext(t)

	ls := server.ListenStreams()
	defer ls.Close()

	// the server gives up on its first attempt before anything arrives
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err := ls.Next(short)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	first, err := client.OpenStream().Wait(ctx)
	require.NoError(t, err)

	// the second open is submitted but not driven for a while
	second := client.OpenStream()
	s2, ready, err := second.Poll()
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	if !ready {
		s2, err = second.Wait(ctx)
		require.NoError(t, err)
	}

	third, err := client.OpenStream().Wait(ctx)
	require.NoError(t, err)

	for _, want := range []*mux.Stream{first, s2, third} {
		got, err := ls.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.ID(), got.ID())
	}
}

func TestDialFailsOnSecurityMismatch(t *testing.T) {
	ctx := testContext(t)
	tr := mem.New()
	su := &Upgrader{
		Security: secure.New(noise.New(newKey(t, crypto.Ed25519))),
		Muxer:    muxer.New(muxer.Frame()),
	}
	l, err := su.Listen(ctx, tr, "server")
	require.NoError(t, err)
	defer l.Close()

	cu := &Upgrader{
		Security: secure.New(plaintext.New(newKey(t, crypto.Ed25519))),
		Muxer:    muxer.New(muxer.Frame()),
	}
	_, err = cu.Dial(ctx, tr, "server")
	require.Error(t, err)
	assert.True(t, errors.Is(err, upgrade.ErrUpgrade))

	var ue *upgrade.Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "secure", ue.Stage)
}

func TestListenerSkipsFailedUpgrades(t *testing.T) {
	ctx := testContext(t)
	tr := mem.New()
	k := newKey(t, crypto.Ed25519)
	su := noiseUpgrader(k, muxer.Frame())
	su.HandshakeTimeout = time.Second
	l, err := su.Listen(ctx, tr, "server")
	require.NoError(t, err)
	defer l.Close()

	bad, err := tr.Dial(ctx, "server")
	require.NoError(t, err)
	go func() {
		bad.Write([]byte("definitely not a protocol header\n"))
		bad.Close()
	}()

	client, err := noiseUpgrader(k, muxer.Frame()).Dial(ctx, tr, "server")
	require.NoError(t, err)
	defer client.Close()

	server, err := l.Accept(ctx)
	require.NoError(t, err)
	defer server.Close()
	assert.Equal(t, client.Info().LocalPeer, server.Info().RemotePeer)
}

func TestListenerClose(t *testing.T) {
	ctx := testContext(t)
	su := noiseUpgrader(newKey(t, crypto.Ed25519), muxer.Frame())
	l, err := su.Listen(ctx, mem.New(), "server")
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = l.Accept(ctx)
	assert.Equal(t, transport.ErrListenerClosed, err)
}

func TestUpgraderNeedsStages(t *testing.T) {
	_, err := (&Upgrader{}).Listen(testContext(t), mem.New(), "server")
	assert.Error(t, err)
}

func TestInfoIsSnapshot(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	k := newKey(t, crypto.Ed25519)
	cu := noiseUpgrader(k, muxer.Frame())
	cu.Options = []Option{WithClock(mock)}
	client, server := pair(t, mem.New(), cu, noiseUpgrader(k, muxer.Frame()))

	info := client.Info()
	assert.Equal(t, client.ID(), info.ID)
	assert.NotEqual(t, client.ID(), server.ID())
	assert.Equal(t, channel.Outbound, info.Direction)
	assert.Equal(t, mock.Now(), info.Opened)
	assert.Equal(t, muxer.FrameID, info.Protocol)
	assert.Equal(t, "server", info.RemoteAddr.String())
	assert.False(t, info.Closed)

	counted := Snapshot(client, func(c *Conn) int {
		ids, err := c.Core().Streams(testContext(t))
		require.NoError(t, err)
		return len(ids)
	})
	assert.Equal(t, 0, counted.Extra)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.False(t, info.Closed)
	assert.True(t, client.Info().Closed)
	assert.True(t, client.IsClosed())
}
