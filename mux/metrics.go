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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors a Core reports to. A nil *Metrics
// disables reporting.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Streams       *prometheus.CounterVec
	ActiveStreams prometheus.Gauge
	Rejected      prometheus.Counter
	BytesIn       prometheus.Counter
	BytesOut      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upmux",
			Subsystem: "mux",
			Name:      "requests_total",
			Help:      "Requests handled by mux owners, by operation.",
		}, []string{"op"}),
		Streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upmux",
			Subsystem: "mux",
			Name:      "streams_total",
			Help:      "Logical streams established, by direction.",
		}, []string{"direction"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "upmux",
			Subsystem: "mux",
			Name:      "active_streams",
			Help:      "Logical streams currently tracked by mux owners.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "upmux",
			Subsystem: "mux",
			Name:      "rejected_streams_total",
			Help:      "Inbound streams closed because the accept backlog was full.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "upmux",
			Subsystem: "mux",
			Name:      "received_bytes_total",
			Help:      "Payload bytes received on logical streams.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "upmux",
			Subsystem: "mux",
			Name:      "sent_bytes_total",
			Help:      "Payload bytes sent on logical streams.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Streams, m.ActiveStreams, m.Rejected, m.BytesIn, m.BytesOut)
	}
	return m
}

func (m *Metrics) request(op ConnOp) {
	if m != nil {
		m.Requests.WithLabelValues(op.String()).Inc()
	}
}

func (m *Metrics) streamAdded(dir string) {
	if m != nil {
		m.Streams.WithLabelValues(dir).Inc()
		m.ActiveStreams.Inc()
	}
}

func (m *Metrics) streamRemoved() {
	if m != nil {
		m.ActiveStreams.Dec()
	}
}

func (m *Metrics) rejected() {
	if m != nil {
		m.Rejected.Inc()
	}
}

func (m *Metrics) received(n int) {
	if m != nil {
		m.BytesIn.Add(float64(n))
	}
}

func (m *Metrics) sent(n int) {
	if m != nil {
		m.BytesOut.Add(float64(n))
	}
}
