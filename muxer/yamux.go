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
	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/channel"
)

// YamuxID names the yamux protocol.
const YamuxID = "/yamux/1.0.0"

type yamuxProtocol struct {
	cfg *yamux.Config
}

// Yamux runs github.com/hashicorp/yamux. A nil cfg means yamux.DefaultConfig
// with its log routed through zap.
func Yamux(cfg *yamux.Config) Protocol {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
		cfg.LogOutput = nil
		cfg.Logger = zap.NewStdLog(zap.L().Named("yamux"))
	}
	return &yamuxProtocol{cfg: cfg}
}

func (p *yamuxProtocol) ID() string { return YamuxID }

func (p *yamuxProtocol) NewSession(sc channel.Secure) (channel.Session, error) {
	var sess *yamux.Session
	var err error
	if sc.Direction() == channel.Outbound {
		sess, err = yamux.Client(sc, p.cfg)
	} else {
		sess, err = yamux.Server(sc, p.cfg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "yamux session")
	}
	return newPumpSession(yamuxEngine{sess}, int(p.cfg.MaxStreamWindowSize)), nil
}

type yamuxEngine struct {
	sess *yamux.Session
}

func (e yamuxEngine) open() (engineStream, error) {
	st, err := e.sess.OpenStream()
	if err != nil {
		return nil, err
	}
	return yamuxStream{st}, nil
}

func (e yamuxEngine) accept() (engineStream, error) {
	st, err := e.sess.AcceptStream()
	if err != nil {
		return nil, err
	}
	return yamuxStream{st}, nil
}

func (e yamuxEngine) numStreams() int { return e.sess.NumStreams() }
func (e yamuxEngine) close() error    { return e.sess.Close() }

// yamuxStream wraps a yamux stream. yamux has no public reset: Close sends
// FIN, and a stream the peer never closes is reset by yamux itself once
// StreamCloseTimeout passes. The pump keeps draining it until then.
type yamuxStream struct {
	*yamux.Stream
}

func (s yamuxStream) id() channel.StreamID { return channel.StreamID(s.StreamID()) }

// Close on a yamux stream only ends our side of it.
func (s yamuxStream) closeWrite() error { return s.Stream.Close() }
