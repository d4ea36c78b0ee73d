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

// Package secure negotiates which security handshake to run on a fresh
// channel. The handshakes themselves live in the subpackages.
package secure

import (
	"context"
	"time"

	mss "github.com/multiformats/go-multistream"
	"github.com/pkg/errors"

	"github.com/xtaci/upmux/channel"
)

const defaultNegotiateTimeout = 60 * time.Second

// Transport is a security handshake with a negotiable name.
type Transport interface {
	ID() string
	Upgrade(ctx context.Context, in channel.Basic) (channel.Secure, error)
}

// Negotiator picks a Transport both sides support and runs it. The outbound
// side's order of preference wins.
type Negotiator struct {
	transports []Transport
}

// New returns a Negotiator offering transports, most preferred first.
func New(transports ...Transport) *Negotiator {
	return &Negotiator{transports: transports}
}

// Upgrade negotiates and runs the handshake. in is closed on failure.
func (n *Negotiator) Upgrade(ctx context.Context, in channel.Basic) (channel.Secure, error) {
	t, err := n.negotiate(ctx, in)
	if err != nil {
		in.Close()
		return nil, err
	}
	return t.Upgrade(ctx, in)
}

func (n *Negotiator) negotiate(ctx context.Context, in channel.Basic) (Transport, error) {
	if len(n.transports) == 0 {
		return nil, errors.New("secure: no transports configured")
	}
	deadline := time.Now().Add(defaultNegotiateTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := in.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}
	defer in.SetDeadline(time.Time{})

	var selected string
	var err error
	if in.Direction() == channel.Outbound {
		ids := make([]string, len(n.transports))
		for i, t := range n.transports {
			ids[i] = t.ID()
		}
		if selected, err = mss.SelectOneOf(ids, in); err != nil {
			return nil, errors.Wrap(err, "client security negotiation")
		}
	} else {
		m := mss.NewMultistreamMuxer[string]()
		for _, t := range n.transports {
			m.AddHandler(t.ID(), nil)
		}
		if selected, _, err = m.Negotiate(in); err != nil {
			return nil, errors.Wrap(err, "server security negotiation")
		}
	}

	for _, t := range n.transports {
		if t.ID() == selected {
			return t, nil
		}
	}
	return nil, errors.Errorf("negotiated security %s not found", selected)
}
