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

package conn

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/transport"
	"github.com/xtaci/upmux/upgrade"
)

const (
	// DefaultHandshakeTimeout bounds one inbound upgrade.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultMaxHandshakes bounds concurrent inbound upgrades per listener.
	DefaultMaxHandshakes = 128
)

// Upgrader takes raw transport connections through security and
// multiplexer negotiation. Full, when set, replaces Security and Muxer.
type Upgrader struct {
	Security upgrade.SecUpgrader
	Muxer    upgrade.MuxUpgrader
	Full     upgrade.FullUpgrader

	HandshakeTimeout time.Duration
	MaxHandshakes    int
	Options          []Option
	Logger           *zap.Logger
}

func (u *Upgrader) pipeline() (upgrade.FullUpgrader, error) {
	if u.Full != nil {
		return u.Full, nil
	}
	if u.Security == nil || u.Muxer == nil {
		return nil, errors.New("conn: upgrader needs Security and Muxer, or Full")
	}
	return upgrade.Chain(u.Security, u.Muxer), nil
}

func (u *Upgrader) logger() *zap.Logger {
	if u.Logger != nil {
		return u.Logger
	}
	return zap.L().Named("conn")
}

// Upgrade runs the whole pipeline over raw, which is closed on failure.
func (u *Upgrader) Upgrade(ctx context.Context, raw net.Conn, dir channel.Direction) (*Conn, error) {
	full, err := u.pipeline()
	if err != nil {
		raw.Close()
		return nil, err
	}
	in := channel.NewBasic(raw, dir)
	m, err := upgrade.Full(ctx, full, in)
	if err != nil {
		in.Close()
		return nil, err
	}
	return New(m, u.Options...), nil
}

// Dial connects to addr over t and upgrades the connection.
func (u *Upgrader) Dial(ctx context.Context, t transport.Transport, addr string) (*Conn, error) {
	raw, err := t.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c, err := u.Upgrade(ctx, raw, channel.Outbound)
	if err != nil {
		return nil, err
	}
	u.logger().Debug("dialed",
		zap.Stringer("conn", c.ID()),
		zap.String("peer", c.RemotePeer().ShortString()),
		zap.Stringer("remote", c.RemoteAddr()))
	return c, nil
}

// Listen binds addr on t. The returned Listener upgrades inbound connections
// concurrently and yields the ones that succeed.
func (u *Upgrader) Listen(ctx context.Context, t transport.Transport, addr string) (*Listener, error) {
	if _, err := u.pipeline(); err != nil {
		return nil, err
	}
	raw, err := t.Listen(ctx, addr)
	if err != nil {
		return nil, err
	}

	timeout := u.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	limit := u.MaxHandshakes
	if limit <= 0 {
		limit = DefaultMaxHandshakes
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		raw:     raw,
		u:       u,
		log:     u.logger().With(zap.Stringer("listen", raw.Addr())),
		timeout: timeout,
		conns:   make(chan *Conn),
		die:     make(chan struct{}),
		cancel:  cancel,
		served:  make(chan struct{}),
	}
	l.group.SetLimit(limit)
	go l.serve(ctx)
	return l, nil
}

// Listener yields upgraded inbound connections. A failed inbound upgrade
// is logged and skipped.
type Listener struct {
	raw     transport.Listener
	u       *Upgrader
	log     *zap.Logger
	timeout time.Duration

	conns  chan *Conn
	die    chan struct{}
	cancel context.CancelFunc
	served chan struct{}
	group  errgroup.Group

	once     sync.Once
	closeErr error
}

func (l *Listener) serve(ctx context.Context) {
	defer close(l.served)
	defer l.group.Wait()
	for {
		raw, err := l.raw.Accept(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || ctx.Err() != nil {
				return
			}
			l.log.Warn("inbound connection failed", zap.Error(err))
			continue
		}
		l.group.Go(func() error {
			l.handshake(ctx, raw)
			return nil
		})
	}
}

func (l *Listener) handshake(ctx context.Context, raw net.Conn) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	c, err := l.u.Upgrade(ctx, raw, channel.Inbound)
	if err != nil {
		l.log.Info("inbound upgrade failed", zap.Stringer("remote", raw.RemoteAddr()), zap.Error(err))
		return
	}
	select {
	case l.conns <- c:
	case <-l.die:
		c.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.die:
		return nil, transport.ErrListenerClosed
	case <-l.served:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return l.raw.Addr() }

// Close stops accepting, aborts handshakes in progress and waits for them.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.die)
		l.cancel()
		l.closeErr = l.raw.Close()
		<-l.served
	})
	return l.closeErr
}
