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

package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/conn"
	"github.com/xtaci/upmux/crypto"
)

// scavengePeriod defines how frequently expired connections are purged.
const scavengePeriod = 5 * time.Second

// dialFunc establishes one fully upgraded connection to the server.
type dialFunc func(ctx context.Context) (*conn.Conn, error)

// timedConn annotates a connection with its expiration deadline.
type timedConn struct {
	conn       *conn.Conn
	expiryDate time.Time
}

// pool keeps a fixed number of connections to the server and hands them out
// round-robin. It is not safe for concurrent use; the accept loop owns it.
type pool struct {
	dial       dialFunc
	peer       crypto.PeerID
	autoExpire time.Duration
	ttl        time.Duration
	clock      clock.Clock
	log        *zap.Logger

	conns []timedConn
	rr    int
	// expired connections waiting for the scavenger
	expiring chan timedConn
}

func newPool(dial dialFunc, n int, autoExpire, ttl time.Duration, clk clock.Clock, log *zap.Logger) *pool {
	if n < 1 {
		n = 1
	}
	return &pool{
		dial:       dial,
		autoExpire: autoExpire,
		ttl:        ttl,
		clock:      clk,
		log:        log,
		conns:      make([]timedConn, n),
		expiring:   make(chan timedConn, 128),
	}
}

// get returns the next connection, replacing it first if it is missing,
// closed or past its expiry date.
func (p *pool) get(ctx context.Context) (*conn.Conn, error) {
	idx := p.rr % len(p.conns)
	p.rr++

	tc := &p.conns[idx]
	if tc.conn == nil || tc.conn.IsClosed() ||
		(p.autoExpire > 0 && p.clock.Now().After(tc.expiryDate)) {
		c, err := p.waitConn(ctx)
		if err != nil {
			return nil, err
		}
		if tc.conn != nil && p.autoExpire > 0 {
			// the old connection may still carry streams, let it drain
			select {
			case p.expiring <- *tc:
			default:
				tc.conn.Close()
			}
		}
		tc.conn = c
		tc.expiryDate = p.clock.Now().Add(p.autoExpire)
	}
	return tc.conn, nil
}

// waitConn keeps dialing until a healthy connection becomes available.
func (p *pool) waitConn(ctx context.Context) (*conn.Conn, error) {
	for {
		c, err := p.connect(ctx)
		if err == nil {
			return c, nil
		}
		p.log.Warn("re-connecting", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(time.Second):
		}
	}
}

func (p *pool) connect(ctx context.Context) (*conn.Conn, error) {
	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	if p.peer != "" && c.RemotePeer() != p.peer {
		got := c.RemotePeer()
		c.Close()
		return nil, errors.Errorf("unexpected server identity %s", got)
	}
	p.log.Info("connection established",
		zap.Stringer("conn", c.ID()),
		zap.Stringer("remote", c.RemoteAddr()),
		zap.String("peer", string(c.RemotePeer())),
		zap.String("protocol", c.Info().Protocol))
	return c, nil
}

// scavenger closes expired connections once they have had ttl to drain.
func (p *pool) scavenger(ctx context.Context) {
	ticker := p.clock.Ticker(scavengePeriod)
	defer ticker.Stop()
	var list []timedConn
	for {
		select {
		case <-ctx.Done():
			for _, tc := range list {
				tc.conn.Close()
			}
			return
		case tc := <-p.expiring:
			tc.expiryDate = tc.expiryDate.Add(p.ttl)
			list = append(list, tc)
		case <-ticker.C:
			list = p.sweep(list, p.clock.Now())
		}
	}
}

// sweep drops closed connections from list and closes those whose deadline
// has passed, returning what is left.
func (p *pool) sweep(list []timedConn, now time.Time) []timedConn {
	var kept []timedConn
	for _, tc := range list {
		switch {
		case tc.conn.IsClosed():
			p.log.Info("scavenger: connection normally closed", zap.Stringer("conn", tc.conn.ID()))
		case now.After(tc.expiryDate):
			tc.conn.Close()
			p.log.Info("scavenger: connection closed due to ttl", zap.Stringer("conn", tc.conn.ID()))
		default:
			kept = append(kept, tc)
		}
	}
	return kept
}
