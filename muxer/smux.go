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

package muxer

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"

	"github.com/xtaci/upmux/channel"
)

type smuxProtocol struct {
	cfg *smux.Config
}

// Smux runs github.com/xtaci/smux. A nil cfg means smux.DefaultConfig. The
// protocol id carries the smux version, so peers only agree on matching
// versions. Version 1 has no per-stream window: one unread stream holds up
// the whole session once MaxReceiveBuffer fills.
func Smux(cfg *smux.Config) Protocol {
	if cfg == nil {
		cfg = smux.DefaultConfig()
	}
	return &smuxProtocol{cfg: cfg}
}

func (p *smuxProtocol) ID() string {
	return fmt.Sprintf("/smux/%d.0.0", p.cfg.Version)
}

func (p *smuxProtocol) NewSession(sc channel.Secure) (channel.Session, error) {
	var sess *smux.Session
	var err error
	if sc.Direction() == channel.Outbound {
		sess, err = smux.Client(sc, p.cfg)
	} else {
		sess, err = smux.Server(sc, p.cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "smux session")
	}
	return newPumpSession(smuxEngine{sess}, p.cfg.MaxStreamBuffer), nil
}

type smuxEngine struct {
	sess *smux.Session
}

func (e smuxEngine) open() (engineStream, error) {
	st, err := e.sess.OpenStream()
	if err != nil {
		return nil, err
	}
	return smuxStream{st}, nil
}

func (e smuxEngine) accept() (engineStream, error) {
	st, err := e.sess.AcceptStream()
	if err != nil {
		return nil, err
	}
	return smuxStream{st}, nil
}

func (e smuxEngine) numStreams() int { return e.sess.NumStreams() }
func (e smuxEngine) close() error    { return e.sess.Close() }

type smuxStream struct {
	*smux.Stream
}

func (s smuxStream) id() channel.StreamID { return channel.StreamID(s.ID()) }

// smux has no half-close on the wire.
func (s smuxStream) closeWrite() error { return channel.ErrHalfClose }
