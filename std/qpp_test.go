package std

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtaci/qpp"
)

func TestQPPPortRoundTrip(t *testing.T) {
	pad := qpp.NewQPP([]byte("pad-seed"), 16)
	seed := []byte("session-seed")

	aliceConn, bobConn := net.Pipe()
	alice := NewQPPPort(aliceConn, pad, seed)
	bob := NewQPPPort(bobConn, pad, seed)
	t.Cleanup(func() {
		alice.Close()
		bob.Close()
	})

	t.Run("alice to bob", func(t *testing.T) {
		assertRoundTrip(t, alice, bob, []byte("encrypted hello"))
	})

	t.Run("bob to alice", func(t *testing.T) {
		assertRoundTrip(t, bob, alice, []byte("reply payload"))
	})

	assert.ErrorIs(t, alice.CloseWrite(), ErrNoHalfClose)
}

func assertRoundTrip(t *testing.T, writer io.Writer, reader io.Reader, payload []byte) {
	t.Helper()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		io.ReadFull(reader, buf)
		got <- buf
	}()

	sent := append([]byte(nil), payload...)
	n, err := writer.Write(sent)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, <-got)
	assert.Equal(t, payload, sent, "caller buffer must not be encrypted in place")
}

func TestValidateQPPParams(t *testing.T) {
	_, err := ValidateQPPParams(0, "key")
	assert.Error(t, err)

	warnings, err := ValidateQPPParams(4, "short")
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)
}
