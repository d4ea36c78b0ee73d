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

// Package muxer negotiates a stream multiplexer over a secured channel and
// runs the chosen physical session on it.
package muxer

import (
	"context"
	"time"

	mss "github.com/multiformats/go-multistream"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/channel"
)

const defaultNegotiateTimeout = 60 * time.Second

// Protocol is a multiplexer wire protocol.
type Protocol interface {
	// ID is the name both sides agree on during negotiation.
	ID() string
	// NewSession starts the protocol over sc. The session owns sc.
	NewSession(sc channel.Secure) (channel.Session, error)
}

// Upgrader turns a secured channel into a multiplexed one. The outbound side
// proposes its protocols in order of preference; the inbound side takes the
// first it also supports.
type Upgrader struct {
	protocols []Protocol
	log       *zap.Logger
}

// New returns an Upgrader offering protocols, most preferred first.
func New(protocols ...Protocol) *Upgrader {
	return &Upgrader{protocols: protocols, log: zap.L().Named("muxer")}
}

// Default offers the native frame protocol, then smux, then yamux.
func Default() *Upgrader {
	return New(Frame(), Smux(nil), Yamux(nil))
}

// Upgrade negotiates a protocol and starts its session. sc is closed on
// failure.
func (u *Upgrader) Upgrade(ctx context.Context, sc channel.Secure) (channel.Mux, error) {
	p, err := u.negotiate(ctx, sc)
	if err != nil {
		sc.Close()
		return nil, err
	}
	sess, err := p.NewSession(sc)
	if err != nil {
		sc.Close()
		return nil, errors.Wrapf(err, "start %s session", p.ID())
	}
	u.log.Debug("multiplexer negotiated",
		zap.String("protocol", p.ID()),
		zap.Stringer("direction", sc.Direction()),
		zap.String("remote", string(sc.RemotePeer())))
	return channel.NewMux(sc, sess, p.ID()), nil
}

func (u *Upgrader) negotiate(ctx context.Context, sc channel.Secure) (Protocol, error) {
	if len(u.protocols) == 0 {
		return nil, errors.New("muxer: no protocols configured")
	}
	deadline := time.Now().Add(defaultNegotiateTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := sc.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}
	defer sc.SetDeadline(time.Time{})

	var selected string
	var err error
	if sc.Direction() == channel.Outbound {
		ids := make([]string, len(u.protocols))
		for i, p := range u.protocols {
			ids[i] = p.ID()
		}
		selected, err = mss.SelectOneOf(ids, sc)
		if err != nil {
			return nil, errors.Wrap(err, "client muxer negotiation")
		}
	} else {
		m := mss.NewMultistreamMuxer[string]()
		for _, p := range u.protocols {
			m.AddHandler(p.ID(), nil)
		}
		selected, _, err = m.Negotiate(sc)
		if err != nil {
			return nil, errors.Wrap(err, "server muxer negotiation")
		}
	}

	for _, p := range u.protocols {
		if p.ID() == selected {
			return p, nil
		}
	}
	return nil, errors.Errorf("negotiated muxer %s not found", selected)
}
