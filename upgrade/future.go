// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package upgrade

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Future is an upgrade in flight. It only forwards suspension and turns
// completion into the upgrade's output or error.
type Future[Out any] struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	finished  bool
	abandoned bool
	out       Out
	err       error
}

// Start begins upgrading in on its own goroutine. Cancelling ctx aborts the
// handshake: when in has a deadline, it is expired so blocked reads return.
func Start[In, Out any](ctx context.Context, u Upgrader[In, Out], in In) *Future[Out] {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future[Out]{done: make(chan struct{}), cancel: cancel}

	var (
		dmu     sync.Mutex
		over    bool
		expired bool
	)
	d, hasDeadline := any(in).(deadliner)
	stop := context.AfterFunc(ctx, func() {
		if !hasDeadline {
			return
		}
		dmu.Lock()
		defer dmu.Unlock()
		if !over {
			expired = true
			d.SetDeadline(time.Now())
		}
	})

	go func() {
		defer cancel()
		out, err := u.Upgrade(ctx, in)
		stop()

		dmu.Lock()
		over = true
		wasExpired := expired
		dmu.Unlock()

		switch {
		case err != nil && ctx.Err() != nil:
			err = errors.Wrap(ctx.Err(), err.Error())
		case err == nil && wasExpired:
			d.SetDeadline(time.Time{})
		}

		f.mu.Lock()
		f.out, f.err = out, err
		f.finished = true
		abandoned := f.abandoned
		f.mu.Unlock()
		close(f.done)

		if abandoned && err == nil {
			if c, ok := any(out).(io.Closer); ok {
				c.Close()
			}
		}
	}()
	return f
}

// Done is closed once the upgrade has completed.
func (f *Future[Out]) Done() <-chan struct{} { return f.done }

// Poll reports the result without blocking; ready is false while the upgrade
// is still suspended.
func (f *Future[Out]) Poll() (out Out, ready bool, err error) {
	select {
	case <-f.done:
		return f.out, true, f.err
	default:
		return out, false, nil
	}
}

// Await blocks until the upgrade completes or ctx is done. Giving up through
// ctx abandons the upgrade: it is cancelled, and an output that still arrives
// is closed.
func (f *Future[Out]) Await(ctx context.Context) (Out, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
	}

	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return f.out, f.err
	}
	f.abandoned = true
	f.mu.Unlock()
	f.cancel()

	var zero Out
	return zero, ctx.Err()
}
