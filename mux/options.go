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

package mux

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// DefaultQueueSize bounds the owner's request queue.
	DefaultQueueSize = 64
	// DefaultAcceptBacklog bounds inbound streams nobody has accepted yet.
	DefaultAcceptBacklog = 256
)

type options struct {
	queueSize int
	backlog   int
	logger    *zap.Logger
	clock     clock.Clock
	metrics   *Metrics
}

// Option configures a Core.
type Option func(*options)

// WithQueueSize sets how many requests may wait for the owner.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithAcceptBacklog sets how many unaccepted inbound streams are kept.
// Streams past the backlog are closed on arrival.
func WithAcceptBacklog(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.backlog = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the clock used to stamp streams.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{
		queueSize: DefaultQueueSize,
		backlog:   DefaultAcceptBacklog,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	o.logger = o.logger.Named("mux")
	return o
}
