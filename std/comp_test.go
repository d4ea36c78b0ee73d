package std

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompStreamRoundTrip(t *testing.T) {
	left, right := net.Pipe()
	compWriter := NewCompStream(left)
	compReader := NewCompStream(right)
	t.Cleanup(func() {
		compWriter.Close()
		compReader.Close()
	})

	payload := bytes.Repeat([]byte("compressed payload"), 64)
	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		io.ReadFull(compReader, buf)
		got <- buf
	}()

	n, err := compWriter.Write(append([]byte(nil), payload...))
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, <-got)
}
