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

// Package kcp carries raw channels over KCP, optionally wrapped in tcpraw
// packets, with forward error correction and a block cipher on every packet.
package kcp

import (
	"context"
	"net"

	"github.com/pkg/errors"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/tcpraw"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/std"
	"github.com/xtaci/upmux/transport"
)

// Config holds the tunables of a KCP link. Both ends must agree on Key,
// Crypt, DataShard, ParityShard and TCP.
type Config struct {
	Key          string
	Crypt        string
	Mode         string
	MTU          int
	SndWnd       int
	RcvWnd       int
	DataShard    int
	ParityShard  int
	DSCP         int
	AckNodelay   bool
	NoDelay      int
	Interval     int
	Resend       int
	NoCongestion int
	SockBuf      int
	TCP          bool
}

// DefaultConfig matches the defaults of the tunnel binaries.
func DefaultConfig() Config {
	c := Config{
		Key:         "it's a secrect",
		Crypt:       "aes",
		Mode:        "fast",
		MTU:         1350,
		SndWnd:      128,
		RcvWnd:      512,
		DataShard:   10,
		ParityShard: 3,
		SockBuf:     4194304,
	}
	c.ApplyMode()
	return c
}

// ApplyMode overwrites the nodelay profile for the named modes. "manual" and
// unknown modes keep the explicit values.
func (c *Config) ApplyMode() {
	switch c.Mode {
	case "normal":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 0, 40, 2, 1
	case "fast":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 0, 30, 2, 1
	case "fast2":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 1, 20, 2, 1
	case "fast3":
		c.NoDelay, c.Interval, c.Resend, c.NoCongestion = 1, 10, 2, 1
	}
}

// Transport dials and listens on KCP. Addresses may carry a port range,
// "host:min-max": dials pick a random port in it and listens bind every port.
type Transport struct {
	cfg   Config
	block kcp.BlockCrypt
	log   *zap.Logger
}

// New derives the packet key from cfg.Key and selects the cipher. The cipher
// actually in use is reported by Crypt.
func New(cfg Config) *Transport {
	log := zap.L().Named("kcp")
	block, effective := std.SelectBlockCrypt(cfg.Crypt, std.DeriveKey(cfg.Key))
	if effective != cfg.Crypt {
		log.Warn("cipher fallback", zap.String("requested", cfg.Crypt), zap.String("using", effective))
	}
	cfg.Crypt = effective
	return &Transport{cfg: cfg, block: block, log: log}
}

// Crypt is the effective cipher name.
func (t *Transport) Crypt() string { return t.cfg.Crypt }

func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &transport.DialError{Addr: addr, Err: err}
	}
	mp, err := std.ParseMultiPort(addr)
	if err != nil {
		return nil, &transport.DialError{Addr: addr, Err: err}
	}
	remote := mp.Random()

	sess, err := t.dial(remote)
	if err != nil {
		return nil, &transport.DialError{Addr: remote, Err: err}
	}
	t.tune(sess)
	t.log.Debug("dialed", zap.Stringer("local", sess.LocalAddr()), zap.String("remote", remote))
	return sess, nil
}

func (t *Transport) dial(remote string) (*kcp.UDPSession, error) {
	if t.cfg.TCP {
		conn, err := tcpraw.Dial("tcp", remote)
		if err != nil {
			return nil, errors.Wrap(err, "tcpraw.Dial()")
		}
		return kcp.NewConn(remote, t.block, t.cfg.DataShard, t.cfg.ParityShard, conn)
	}
	return kcp.DialWithOptions(remote, t.block, t.cfg.DataShard, t.cfg.ParityShard)
}

func (t *Transport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	mp, err := std.ParseMultiPort(addr)
	if err != nil {
		return nil, &transport.ListenError{Addr: addr, Err: err}
	}

	var srcs []transport.Source
	for _, local := range mp.Addrs() {
		l, err := t.listen(local)
		if err != nil {
			for _, src := range srcs {
				src.Close()
			}
			return nil, &transport.ListenError{Addr: local, Err: err}
		}
		if err := l.SetDSCP(t.cfg.DSCP); err != nil {
			t.log.Warn("SetDSCP", zap.Error(err))
		}
		if err := l.SetReadBuffer(t.cfg.SockBuf); err != nil {
			t.log.Warn("SetReadBuffer", zap.Error(err))
		}
		if err := l.SetWriteBuffer(t.cfg.SockBuf); err != nil {
			t.log.Warn("SetWriteBuffer", zap.Error(err))
		}
		t.log.Info("listening", zap.Stringer("addr", l.Addr()))
		srcs = append(srcs, &source{Listener: l, t: t})
	}
	ln := transport.Serve(srcs...)
	context.AfterFunc(ctx, func() { ln.Close() })
	return ln, nil
}

func (t *Transport) listen(local string) (*kcp.Listener, error) {
	if t.cfg.TCP {
		conn, err := tcpraw.Listen("tcp", local)
		if err != nil {
			return nil, errors.Wrap(err, "tcpraw.Listen()")
		}
		return kcp.ServeConn(t.block, t.cfg.DataShard, t.cfg.ParityShard, conn)
	}
	return kcp.ListenWithOptions(local, t.block, t.cfg.DataShard, t.cfg.ParityShard)
}

// tune applies the link profile to a session from either side.
func (t *Transport) tune(sess *kcp.UDPSession) {
	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
	sess.SetNoDelay(t.cfg.NoDelay, t.cfg.Interval, t.cfg.Resend, t.cfg.NoCongestion)
	sess.SetWindowSize(t.cfg.SndWnd, t.cfg.RcvWnd)
	sess.SetMtu(t.cfg.MTU)
	sess.SetACKNoDelay(t.cfg.AckNodelay)

	if err := sess.SetDSCP(t.cfg.DSCP); err != nil {
		t.log.Debug("SetDSCP", zap.Error(err))
	}
	if err := sess.SetReadBuffer(t.cfg.SockBuf); err != nil {
		t.log.Debug("SetReadBuffer", zap.Error(err))
	}
	if err := sess.SetWriteBuffer(t.cfg.SockBuf); err != nil {
		t.log.Debug("SetWriteBuffer", zap.Error(err))
	}
}

// source tunes every accepted session before handing it on.
type source struct {
	*kcp.Listener
	t *Transport
}

func (s *source) Accept() (net.Conn, error) {
	sess, err := s.AcceptKCP()
	if err != nil {
		return nil, err
	}
	s.t.tune(sess)
	return sess, nil
}
