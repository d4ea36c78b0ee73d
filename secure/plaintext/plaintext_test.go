package plaintext

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/crypto"
)

func TestExchange(t *testing.T) {
	ck, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	sk, err := crypto.GenerateKeyPair(crypto.Secp256k1)
	require.NoError(t, err)

	left, right := net.Pipe()
	type result struct {
		sc  channel.Secure
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sc, err := New(sk).Upgrade(context.Background(), channel.NewBasic(right, channel.Inbound))
		ch <- result{sc, err}
	}()

	csc, err := New(ck).Upgrade(context.Background(), channel.NewBasic(left, channel.Outbound))
	require.NoError(t, err)
	res := <-ch
	require.NoError(t, res.err)
	defer csc.Close()
	defer res.sc.Close()

	assert.Equal(t, crypto.PeerIDFromPublicKey(sk.Public()), csc.RemotePeer())
	assert.Equal(t, crypto.PeerIDFromPublicKey(ck.Public()), res.sc.RemotePeer())
}

func TestVerifyRejectsWrongNonce(t *testing.T) {
	k, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)

	proof, err := New(k).proof([]byte("nonce-a"))
	require.NoError(t, err)

	_, err = verify(proof, []byte("nonce-b"))
	assert.Error(t, err)

	pk, err := verify(proof, []byte("nonce-a"))
	require.NoError(t, err)
	assert.Equal(t, crypto.PeerIDFromPublicKey(k.Public()), crypto.PeerIDFromPublicKey(pk))
}
