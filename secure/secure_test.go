package secure_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/crypto"
	"github.com/xtaci/upmux/secure"
	"github.com/xtaci/upmux/secure/noise"
	"github.com/xtaci/upmux/secure/plaintext"
)

type side struct {
	sc  channel.Secure
	err error
}

func run(t *testing.T, client, server *secure.Negotiator) (side, side) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := net.Pipe()
	ch := make(chan side, 1)
	go func() {
		sc, err := server.Upgrade(ctx, channel.NewBasic(b, channel.Inbound))
		ch <- side{sc, err}
	}()
	sc, err := client.Upgrade(ctx, channel.NewBasic(a, channel.Outbound))
	return side{sc, err}, <-ch
}

func TestNegotiatePrefersClientOrder(t *testing.T) {
	ck, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	sk, err := crypto.GenerateKeyPair(crypto.Secp256k1)
	require.NoError(t, err)

	c, s := run(t,
		secure.New(noise.New(ck), plaintext.New(ck)),
		secure.New(plaintext.New(sk), noise.New(sk)))
	require.NoError(t, c.err)
	require.NoError(t, s.err)
	defer c.sc.Close()
	defer s.sc.Close()

	assert.Equal(t, crypto.PeerIDFromPublicKey(sk.Public()), c.sc.RemotePeer())
	assert.Equal(t, crypto.PeerIDFromPublicKey(ck.Public()), s.sc.RemotePeer())

	go c.sc.Write([]byte("sealed"))
	buf := make([]byte, 6)
	_, err = s.sc.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "sealed", string(buf))
}

func TestNegotiateMismatch(t *testing.T) {
	ck, _ := crypto.GenerateKeyPair(crypto.Ed25519)
	sk, _ := crypto.GenerateKeyPair(crypto.Ed25519)

	c, s := run(t, secure.New(noise.New(ck)), secure.New(plaintext.New(sk)))
	assert.Error(t, c.err)
	assert.Error(t, s.err)
}
