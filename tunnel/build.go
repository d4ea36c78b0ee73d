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

package tunnel

import (
	"time"

	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xtaci/qpp"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/conn"
	"github.com/xtaci/upmux/crypto"
	"github.com/xtaci/upmux/mux"
	"github.com/xtaci/upmux/muxer"
	"github.com/xtaci/upmux/secure"
	"github.com/xtaci/upmux/secure/noise"
	"github.com/xtaci/upmux/secure/plaintext"
	"github.com/xtaci/upmux/std"
	"github.com/xtaci/upmux/transport"
	"github.com/xtaci/upmux/transport/kcp"
	"github.com/xtaci/upmux/transport/tcp"
	"github.com/xtaci/upmux/transport/ws"
)

// KCP is the kcp transport configuration in c.
func (c *Config) KCP() kcp.Config {
	kc := kcp.Config{
		Key:          c.Key,
		Crypt:        c.Crypt,
		Mode:         c.Mode,
		MTU:          c.MTU,
		SndWnd:       c.SndWnd,
		RcvWnd:       c.RcvWnd,
		DataShard:    c.DataShard,
		ParityShard:  c.ParityShard,
		DSCP:         c.DSCP,
		AckNodelay:   c.AckNodelay,
		NoDelay:      c.NoDelay,
		Interval:     c.Interval,
		Resend:       c.Resend,
		NoCongestion: c.NoCongestion,
		SockBuf:      c.SockBuf,
		TCP:          c.TCP,
	}
	kc.ApplyMode()
	return kc
}

// NewTransport builds the transport c names.
func (c *Config) NewTransport() (transport.Transport, error) {
	switch c.Transport {
	case "kcp":
		t := kcp.New(c.KCP())
		c.Crypt = t.Crypt()
		return t, nil
	case "tcp":
		return tcp.New(time.Duration(c.KeepAlive) * time.Second), nil
	case "ws":
		return ws.New(), nil
	}
	return nil, errors.Errorf("unknown transport %q", c.Transport)
}

// Protocol is the multiplexer c names, compressed unless NoComp is set.
func (c *Config) Protocol() (muxer.Protocol, error) {
	var p muxer.Protocol
	switch c.Mux {
	case "frame":
		p = muxer.Frame()
	case "smux":
		cfg, err := std.BuildSmuxConfig(std.SmuxConfigParams{
			Version:          c.SmuxVer,
			MaxReceiveBuffer: c.SmuxBuf,
			MaxStreamBuffer:  c.StreamBuf,
			MaxFrameSize:     c.FrameSize,
			KeepAliveSeconds: c.KeepAlive,
		})
		if err != nil {
			return nil, err
		}
		p = muxer.Smux(cfg)
	case "yamux":
		cfg := yamux.DefaultConfig()
		cfg.LogOutput = nil
		cfg.Logger = zap.NewStdLog(zap.L().Named("yamux"))
		if c.KeepAlive > 0 {
			cfg.KeepAliveInterval = time.Duration(c.KeepAlive) * time.Second
		}
		if c.StreamBuf > int(cfg.MaxStreamWindowSize) {
			cfg.MaxStreamWindowSize = uint32(c.StreamBuf)
		}
		p = muxer.Yamux(cfg)
	default:
		return nil, errors.Errorf("unknown mux %q", c.Mux)
	}
	if !c.NoComp {
		p = muxer.Compressed(p)
	}
	return p, nil
}

// Upgrader builds the upgrade pipeline for identity k. The configured
// handshake is preferred and the other one offered as a fallback, except
// that noise-only is enforced when c.Security is noise. Metrics are
// registered with reg when it is not nil.
func (c *Config) Upgrader(k crypto.KeyPair, reg prometheus.Registerer) (*conn.Upgrader, error) {
	var sec *secure.Negotiator
	switch c.Security {
	case "noise":
		sec = secure.New(noise.New(k))
	case "plaintext":
		sec = secure.New(plaintext.New(k), noise.New(k))
	default:
		return nil, errors.Errorf("unknown security %q", c.Security)
	}
	p, err := c.Protocol()
	if err != nil {
		return nil, err
	}

	muxOpts := []mux.Option{
		mux.WithQueueSize(c.QueueSize),
		mux.WithAcceptBacklog(c.Backlog),
	}
	if reg != nil {
		muxOpts = append(muxOpts, mux.WithMetrics(mux.NewMetrics(reg)))
	}
	return &conn.Upgrader{
		Security: sec,
		Muxer:    muxer.New(p),
		Options:  []conn.Option{conn.WithMuxOptions(muxOpts...)},
	}, nil
}

// LoadIdentity loads or creates the local key pair.
func (c *Config) LoadIdentity() (crypto.KeyPair, error) {
	t, err := crypto.ParseKeyType(c.KeyType)
	if err != nil {
		return nil, err
	}
	return crypto.LoadOrGenerate(c.Identity, t)
}

// Pad is the shared QPP pad, or nil when QPP is off.
func (c *Config) Pad() *qpp.QuantumPermutationPad {
	if !c.QPP {
		return nil
	}
	return qpp.NewQPP([]byte(c.Key), uint16(c.QPPCount))
}
