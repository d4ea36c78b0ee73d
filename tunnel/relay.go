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
	"context"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xtaci/qpp"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/mux"
	"github.com/xtaci/upmux/std"
)

// Relayer pipes local connections to logical streams.
type Relayer struct {
	Pad       *qpp.QuantumPermutationPad
	Seed      []byte
	CloseWait int
	Quiet     bool
	Log       *zap.Logger
}

// NewRelayer builds the relayer c describes.
func (c *Config) NewRelayer(log *zap.Logger) *Relayer {
	return &Relayer{Pad: c.Pad(), Seed: []byte(c.Key), CloseWait: c.CloseWait, Quiet: c.Quiet, Log: log}
}

// Relay pipes local and s until both directions are done, wrapping s in QPP
// when a pad is set. Both are closed on return.
func (r *Relayer) Relay(local net.Conn, s *mux.Stream) {
	log := r.Log.With(zap.Stringer("in", local.RemoteAddr()), zap.Uint32("stream", uint32(s.ID())))
	if !r.Quiet {
		log.Info("stream opened")
		defer log.Info("stream closed")
	}

	var remote io.ReadWriteCloser = s
	if r.Pad != nil {
		remote = std.NewQPPPort(s, r.Pad, r.Seed)
	}

	errA, errB := std.Pipe(local, remote, r.CloseWait)
	for _, err := range []error{errA, errB} {
		if err != nil && err != io.EOF && !r.Quiet {
			log.Info("pipe", zap.Error(err))
		}
	}
}

// StartDebug starts the profiling and metrics endpoints c asks for. The
// returned registry is nil when metrics are off.
func StartDebug(ctx context.Context, c *Config) *prometheus.Registry {
	log := zap.L().Named("debug")
	if c.Pprof {
		go func() {
			log.Info("pprof listening", zap.String("addr", ":6060"))
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Warn("pprof", zap.Error(err))
			}
		}()
	}
	if c.SnmpLog != "" {
		go std.SnmpLogger(ctx, c.SnmpLog, c.SnmpPeriod)
	}
	if c.Metrics == "" {
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: c.Metrics, Handler: handler}
	go func() {
		log.Info("metrics listening", zap.String("addr", c.Metrics))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics", zap.Error(err))
		}
	}()
	context.AfterFunc(ctx, func() { srv.Close() })
	return reg
}
