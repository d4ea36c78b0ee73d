package noise

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/crypto"
)

type result struct {
	sc  channel.Secure
	err error
}

func handshake(t *testing.T, client, server crypto.KeyPair) (result, result) {
	t.Helper()
	left, right := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		sc, err := New(server).Upgrade(ctx, channel.NewBasic(right, channel.Inbound))
		ch <- result{sc, err}
	}()
	sc, err := New(client).Upgrade(ctx, channel.NewBasic(left, channel.Outbound))
	return result{sc, err}, <-ch
}

func TestHandshakeAuthenticates(t *testing.T) {
	ck, err := crypto.GenerateKeyPair(crypto.Ed25519)
	require.NoError(t, err)
	sk, err := crypto.GenerateKeyPair(crypto.Secp256k1)
	require.NoError(t, err)

	c, s := handshake(t, ck, sk)
	require.NoError(t, c.err)
	require.NoError(t, s.err)
	defer c.sc.Close()
	defer s.sc.Close()

	assert.Equal(t, crypto.PeerIDFromPublicKey(sk.Public()), c.sc.RemotePeer())
	assert.Equal(t, crypto.PeerIDFromPublicKey(ck.Public()), s.sc.RemotePeer())
	assert.Equal(t, c.sc.LocalPeer(), s.sc.RemotePeer())
}

func TestEncryptedRoundTrip(t *testing.T) {
	ck, _ := crypto.GenerateKeyPair(crypto.Ed25519)
	sk, _ := crypto.GenerateKeyPair(crypto.Ed25519)
	c, s := handshake(t, ck, sk)
	require.NoError(t, c.err)
	require.NoError(t, s.err)
	defer c.sc.Close()
	defer s.sc.Close()

	// larger than one noise frame
	payload := make([]byte, 3*maxPlaintext+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() {
		c.sc.Write(payload)
	}()

	got := make([]byte, len(payload))
	_, err := io.ReadFull(s.sc, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadAfterCloseDropsDecrypted(t *testing.T) {
	ck, _ := crypto.GenerateKeyPair(crypto.Ed25519)
	sk, _ := crypto.GenerateKeyPair(crypto.Ed25519)
	c, s := handshake(t, ck, sk)
	require.NoError(t, c.err)
	require.NoError(t, s.err)
	defer c.sc.Close()

	go func() {
		c.sc.Write([]byte("0123456789"))
	}()

	one := make([]byte, 1)
	_, err := io.ReadFull(s.sc, one)
	require.NoError(t, err)
	assert.Equal(t, "0", string(one))

	require.NoError(t, s.sc.Close())
	require.NoError(t, s.sc.Close())
	_, err = s.sc.Read(one)
	assert.ErrorIs(t, err, channel.ErrClosed)
}

// impostor claims one identity but signs with another key.
type impostor struct {
	crypto.KeyPair
	claimed crypto.KeyPair
}

func (i impostor) PublicMaterial() []byte   { return i.claimed.PublicMaterial() }
func (i impostor) Public() crypto.PublicKey { return i.claimed.Public() }

func TestHandshakeRejectsUnboundStaticKey(t *testing.T) {
	signer, _ := crypto.GenerateKeyPair(crypto.Ed25519)
	victim, _ := crypto.GenerateKeyPair(crypto.Ed25519)
	sk, _ := crypto.GenerateKeyPair(crypto.Ed25519)

	c, s := handshake(t, impostor{KeyPair: signer, claimed: victim}, sk)
	assert.Error(t, s.err)
	if c.sc != nil {
		c.sc.Close()
	}
}
