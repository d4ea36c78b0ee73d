package upgrade

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/upmux/channel"
)

// readN upgrades a Basic channel into the string made of its first n bytes.
func readN(n int) Upgrader[channel.Basic, string] {
	return Func[channel.Basic, string](func(ctx context.Context, in channel.Basic) (string, error) {
		buf := make([]byte, n)
		if _, err := io.ReadFull(in, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	})
}

func TestFutureCompletes(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	in := channel.NewBasic(left, channel.Inbound)
	defer in.Close()

	f := Start(context.Background(), readN(5), in)
	_, ready, _ := f.Poll()
	assert.False(t, ready)

	go right.Write([]byte("hello"))
	out, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, ready, err = f.Poll()
	assert.True(t, ready)
	assert.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestFutureCancelExpiresDeadline(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	in := channel.NewBasic(left, channel.Inbound)
	defer in.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := Start(ctx, readN(5), in)
	cancel()

	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not abort on cancel")
	}
	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwaitAbandon(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()
	in := channel.NewBasic(left, channel.Inbound)
	defer in.Close()

	f := Start(context.Background(), readN(5), in)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-f.Done()
}

func TestFailWrapsOnce(t *testing.T) {
	cause := errors.New("boom")
	err := Fail("secure", cause)
	assert.ErrorIs(t, err, ErrUpgrade)
	assert.ErrorIs(t, err, cause)

	again := Fail("full", err)
	var ue *Error
	require.True(t, errors.As(again, &ue))
	assert.Equal(t, "secure", ue.Stage)
	assert.Nil(t, Fail("mux", nil))
}
