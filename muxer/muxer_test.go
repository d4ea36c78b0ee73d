package muxer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtaci/smux"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/crypto"
	"github.com/xtaci/upmux/mux"
	"github.com/xtaci/upmux/secure/plaintext"
	"github.com/xtaci/upmux/std"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// securePair returns the two ends of an authenticated in-memory channel.
func securePair(t *testing.T) (client, server channel.Secure) {
	t.Helper()
	ctx := testContext(t)
	ck, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	sk, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)

	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() {
		var err error
		server, err = plaintext.New(sk).Upgrade(ctx, channel.NewBasic(b, channel.Inbound))
		done <- err
	}()
	client, err = plaintext.New(ck).Upgrade(ctx, channel.NewBasic(a, channel.Outbound))
	require.NoError(t, err)
	require.NoError(t, <-done)
	return client, server
}

func upgradePair(t *testing.T, cu, su *Upgrader) (client, server channel.Mux, cerr, serr error) {
	t.Helper()
	ctx := testContext(t)
	csc, ssc := securePair(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		server, serr = su.Upgrade(ctx, ssc)
	}()
	client, cerr = cu.Upgrade(ctx, csc)
	<-done
	return client, server, cerr, serr
}

func TestProtocols(t *testing.T) {
	for _, p := range []Protocol{Frame(), Smux(nil), Yamux(nil), Compressed(Frame())} {
		p := p
		t.Run(p.ID(), func(t *testing.T) {
			cm, sm, cerr, serr := upgradePair(t, New(p), New(p))
			require.NoError(t, cerr)
			require.NoError(t, serr)
			assert.Equal(t, p.ID(), cm.Protocol())
			assert.Equal(t, p.ID(), sm.Protocol())
			assert.Equal(t, cm.LocalPeer(), sm.RemotePeer())

			client := mux.New(cm)
			server := mux.New(sm)
			defer client.Close()
			defer server.Close()
			ctx := testContext(t)

			cs, err := client.OpenStream().Wait(ctx)
			require.NoError(t, err)
			_, err = cs.Write([]byte("ping"))
			require.NoError(t, err)

			ss, err := server.ListenStreams().Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, channel.Inbound, ss.Direction())

			buf := make([]byte, 4)
			_, err = io.ReadFull(ss, buf)
			require.NoError(t, err)
			assert.Equal(t, "ping", string(buf))

			_, err = ss.Write([]byte("pong"))
			require.NoError(t, err)
			_, err = io.ReadFull(cs, buf)
			require.NoError(t, err)
			assert.Equal(t, "pong", string(buf))
		})
	}
}

func TestClientPreferenceWins(t *testing.T) {
	cm, sm, cerr, serr := upgradePair(t, New(Yamux(nil), Frame()), New(Frame(), Yamux(nil)))
	require.NoError(t, cerr)
	require.NoError(t, serr)
	defer cm.Close()
	defer sm.Close()
	assert.Equal(t, YamuxID, cm.Protocol())
	assert.Equal(t, YamuxID, sm.Protocol())
}

func TestNoCommonProtocol(t *testing.T) {
	_, _, cerr, serr := upgradePair(t, New(Frame()), New(Yamux(nil)))
	assert.Error(t, cerr)
	assert.Error(t, serr)
}

func TestFrameHalfClose(t *testing.T) {
	cm, sm, cerr, serr := upgradePair(t, New(Frame()), New(Frame()))
	require.NoError(t, cerr)
	require.NoError(t, serr)
	client := mux.New(cm)
	server := mux.New(sm)
	defer client.Close()
	defer server.Close()
	ctx := testContext(t)

	cs, err := client.OpenStream().Wait(ctx)
	require.NoError(t, err)
	_, err = cs.Write([]byte("request"))
	require.NoError(t, err)
	require.NoError(t, cs.CloseWrite())

	ss, err := server.AcceptStream().Wait(ctx)
	require.NoError(t, err)
	got, err := io.ReadAll(ss)
	require.NoError(t, err)
	assert.Equal(t, "request", string(got))

	_, err = ss.Write([]byte("response"))
	require.NoError(t, err)
	require.NoError(t, ss.Close())

	got, err = io.ReadAll(cs)
	require.NoError(t, err)
	assert.Equal(t, "response", string(got))
}

func TestSessionDeathEndsListen(t *testing.T) {
	cm, sm, cerr, serr := upgradePair(t, New(Frame()), New(Frame()))
	require.NoError(t, cerr)
	require.NoError(t, serr)
	client := mux.New(cm)
	server := mux.New(sm)
	defer server.Close()

	require.NoError(t, client.Close())
	_, err := server.ListenStreams().Next(testContext(t))
	assert.Equal(t, io.EOF, err)
}

func flowProtocols() []Protocol {
	v2 := smux.DefaultConfig()
	v2.Version = 2
	return []Protocol{Frame(), Smux(v2), Yamux(nil)}
}

func TestUnreadStreamStallsWriter(t *testing.T) {
	const limit = 2 << 20
	for _, p := range flowProtocols() {
		p := p
		t.Run(p.ID(), func(t *testing.T) {
			cm, sm, cerr, serr := upgradePair(t, New(p), New(p))
			require.NoError(t, cerr)
			require.NoError(t, serr)
			client := mux.New(cm)
			server := mux.New(sm)
			defer client.Close()
			defer server.Close()
			ctx := testContext(t)

			cs, err := client.OpenStream().Wait(ctx)
			require.NoError(t, err)

			chunk := make([]byte, 16*1024)
			sent := 0
			for sent < limit {
				wctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
				n, werr := cs.WriteContext(wctx, chunk)
				cancel()
				sent += n
				if werr != nil {
					assert.ErrorIs(t, werr, context.DeadlineExceeded)
					break
				}
			}
			assert.Less(t, sent, limit, "writer never stalled")
			assert.Positive(t, sent)
		})
	}
}

func TestClosedStreamKeepsDraining(t *testing.T) {
	for _, p := range flowProtocols() {
		p := p
		t.Run(p.ID(), func(t *testing.T) {
			cm, sm, cerr, serr := upgradePair(t, New(p), New(p))
			require.NoError(t, cerr)
			require.NoError(t, serr)
			client := mux.New(cm)
			server := mux.New(sm)
			defer client.Close()
			defer server.Close()
			ctx := testContext(t)

			cs, err := client.OpenStream().Wait(ctx)
			require.NoError(t, err)
			_, err = cs.Write([]byte("x"))
			require.NoError(t, err)

			ss, err := server.AcceptStream().Wait(ctx)
			require.NoError(t, err)
			_, err = io.ReadFull(ss, make([]byte, 1))
			require.NoError(t, err)
			require.NoError(t, ss.Close())

			// Writes past the window either drain or fail, they never hang.
			chunk := make([]byte, 64*1024)
			for i := 0; i < 16; i++ {
				wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				_, werr := cs.WriteContext(wctx, chunk)
				cancel()
				if werr != nil {
					assert.NotErrorIs(t, werr, context.DeadlineExceeded)
					break
				}
			}

			require.NoError(t, cs.Close())
			assert.Eventually(t, func() bool { return sm.NumStreams() == 0 },
				2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestCompressedReadAfterClose(t *testing.T) {
	csc, ssc := securePair(t)
	client := &compSecure{Secure: csc, comp: std.NewCompStream(csc)}
	server := &compSecure{Secure: ssc, comp: std.NewCompStream(ssc)}
	defer client.Close()

	go func() {
		client.Write([]byte("0123456789"))
	}()

	one := make([]byte, 1)
	_, err := io.ReadFull(server, one)
	require.NoError(t, err)
	assert.Equal(t, "0", string(one))

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	_, err = server.Read(one)
	assert.ErrorIs(t, err, channel.ErrClosed)
}
