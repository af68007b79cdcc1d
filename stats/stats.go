// Package stats holds the per-context counters and gauges described in
// spec §6 (the `stats` callback) and §8 (testable properties: received,
// recovered, lost, reordered). Grounded on the prometheus/client_golang
// usage in runZeroInc-conniver/runZeroInc-sockstats: each context owns
// its own registry rather than registering into the global default one,
// matching §9's "no hidden singletons" design note.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

// Snapshot is the immutable point-in-time view handed to the application's
// stats callback (spec §6 "stats.Fired on a configured interval").
type Snapshot struct {
	PeerID string

	Received  uint64
	Recovered uint64
	Lost      uint64
	Reordered uint64

	RTTMin      float64
	RTTSmoothed float64
	RTTMax      float64

	SenderEvictions uint64
	FlowResets      uint64
}

// Registry is the per-context collection of counters/gauges. It is safe
// for concurrent use; prometheus counter/gauge types already serialize
// their own updates.
type Registry struct {
	reg *prometheus.Registry

	received  *prometheus.CounterVec
	recovered *prometheus.CounterVec
	lost      *prometheus.CounterVec
	reordered *prometheus.CounterVec

	rttMin      *prometheus.GaugeVec
	rttSmoothed *prometheus.GaugeVec
	rttMax      *prometheus.GaugeVec

	senderEvictions *prometheus.CounterVec
	flowResets      *prometheus.CounterVec
}

// NewRegistry creates a fresh, unregistered-with-anything-global registry
// scoped to one Sender/Receiver context.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	mk := func(name, help string) *prometheus.CounterVec {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "rist", Name: name, Help: help}, []string{"peer"})
		r.reg.MustRegister(v)
		return v
	}
	mkGauge := func(name, help string) *prometheus.GaugeVec {
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: "rist", Name: name, Help: help}, []string{"peer"})
		r.reg.MustRegister(v)
		return v
	}

	r.received = mk("packets_received_total", "data packets accepted into a reorder buffer")
	r.recovered = mk("packets_recovered_total", "packets delivered after a successful retransmit")
	r.lost = mk("packets_lost_total", "packets marked Lost after exhausting retries or a fast-forward")
	r.reordered = mk("packets_reordered_total", "packets that arrived out of sequence order")
	r.rttMin = mkGauge("rtt_min_seconds", "RTT lower bound")
	r.rttSmoothed = mkGauge("rtt_smoothed_seconds", "EWMA-smoothed RTT")
	r.rttMax = mkGauge("rtt_max_seconds", "RTT upper bound")
	r.senderEvictions = mk("sender_ring_evictions_total", "retransmit ring slots evicted before ack")
	r.flowResets = mk("flow_resets_total", "flow fast-forwards due to lagging cursor")

	return r
}

// Registerer exposes the underlying prometheus registry so the
// application can serve /metrics if it chooses; this module never starts
// its own HTTP listener (out of scope per spec §1).
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

func (r *Registry) IncReceived(peer string, n uint64)       { r.received.WithLabelValues(peer).Add(float64(n)) }
func (r *Registry) IncRecovered(peer string, n uint64)      { r.recovered.WithLabelValues(peer).Add(float64(n)) }
func (r *Registry) IncLost(peer string, n uint64)           { r.lost.WithLabelValues(peer).Add(float64(n)) }
func (r *Registry) IncReordered(peer string, n uint64)      { r.reordered.WithLabelValues(peer).Add(float64(n)) }
func (r *Registry) IncSenderEviction(peer string, n uint64) { r.senderEvictions.WithLabelValues(peer).Add(float64(n)) }
func (r *Registry) IncFlowReset(peer string, n uint64)      { r.flowResets.WithLabelValues(peer).Add(float64(n)) }

func (r *Registry) SetRTT(peer string, min, smoothed, max float64) {
	r.rttMin.WithLabelValues(peer).Set(min)
	r.rttSmoothed.WithLabelValues(peer).Set(smoothed)
	r.rttMax.WithLabelValues(peer).Set(max)
}

// NewInstanceID mints a sortable, collision-resistant identifier for a
// new peer or flow, used as the prometheus label and in log fields.
func NewInstanceID() string {
	return xid.New().String()
}
