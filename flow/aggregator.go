package flow

import (
	"sync"
	"time"

	"github.com/nanake-go/rist/internal/xlog"
	"github.com/nanake-go/rist/wire"
)

// dedupWindow bounds how many already-delivered-or-seen sequences the
// aggregator remembers per flow purely for duplicate detection, separate
// from the reorder ring itself (spec §4.5 "duplicates ... do not re-enter
// the reorder buffer").
const dedupWindow = 1 << 16

// PeerArrivalStats are the per-peer counters updated on every arrival,
// including duplicates. NACK peer selection does not consult them: a NACK
// goes to the peer whose packet revealed the gap.
type PeerArrivalStats struct {
	Arrivals   uint64
	Duplicates uint64
	LastSeen   time.Time
}

// Aggregator owns the set of lazily created flows for one receiver
// context and implements §4.5 flow aggregation: several peers may be
// bound to the same flow_id (redundant paths), and packets are
// deduplicated by (flow_id, sequence) with first-arrival-wins.
type Aggregator struct {
	mu sync.Mutex

	cfgTemplate func(flowID uint32) Config
	deliver     func(flowID uint32) DataFunc
	nacks       NACKSender
	log         *xlog.Logger

	flows map[uint32]*Flow
	seen  map[uint32]map[wire.Sequence]struct{}

	peerStats map[uint32]map[string]*PeerArrivalStats
}

// NewAggregator creates an empty Aggregator. cfgTemplate builds a Config
// for a newly seen flow_id (e.g. pulling recovery_* bounds from the
// peer's configuration); deliver returns the DataFunc the application
// wants invoked for that flow's packets.
func NewAggregator(cfgTemplate func(flowID uint32) Config, deliver func(flowID uint32) DataFunc, nacks NACKSender, log *xlog.Logger) *Aggregator {
	return &Aggregator{
		cfgTemplate: cfgTemplate,
		deliver:     deliver,
		nacks:       nacks,
		log:         log,
		flows:       make(map[uint32]*Flow),
		seen:        make(map[uint32]map[wire.Sequence]struct{}),
		peerStats:   make(map[uint32]map[string]*PeerArrivalStats),
	}
}

// Ingest routes one arriving data packet, creating the flow on first
// sight and deduplicating by (flow_id, sequence) across redundant peers.
// flow_id collisions under a new peer are treated as same-flow per spec
// §9's Open Question resolution.
func (a *Aggregator) Ingest(flowID uint32, seq wire.Sequence, peerID string, payload []byte, now time.Time) {
	a.mu.Lock()

	stats, ok := a.peerStats[flowID]
	if !ok {
		stats = make(map[string]*PeerArrivalStats)
		a.peerStats[flowID] = stats
	}
	ps, ok := stats[peerID]
	if !ok {
		ps = &PeerArrivalStats{}
		stats[peerID] = ps
	}
	ps.Arrivals++
	ps.LastSeen = now

	seenSet, ok := a.seen[flowID]
	if !ok {
		seenSet = make(map[wire.Sequence]struct{})
		a.seen[flowID] = seenSet
	}
	if _, dup := seenSet[seq]; dup {
		ps.Duplicates++
		a.mu.Unlock()
		return
	}
	seenSet[seq] = struct{}{}
	if len(seenSet) > dedupWindow {
		// Bounded memory: drop the oldest-looking entries is unnecessary
		// here because reorder-window eviction in Flow already frees the
		// corresponding ring slot; this set is only sized to survive one
		// full reorder window of duplicates, so simply reset once it
		// overflows grossly stale state (e.g. after a FlowReset).
		a.seen[flowID] = make(map[wire.Sequence]struct{}, dedupWindow)
	}

	f, ok := a.flows[flowID]
	if !ok {
		f = New(a.cfgTemplate(flowID), seq, a.deliver(flowID), a.nacks, a.log)
		a.flows[flowID] = f
		f.Start()
		a.log.Debugf("flow %d: created, cursor anchored at %d", flowID, seq)
	}
	a.mu.Unlock()

	f.Ingest(seq, peerID, payload, now)
}

// Flow returns the flow for flowID, or nil if it has not been seen yet.
func (a *Aggregator) Flow(flowID uint32) *Flow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flows[flowID]
}

// FlowIDs returns the flow_ids seen so far, for stats aggregation.
func (a *Aggregator) FlowIDs() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint32, 0, len(a.flows))
	for id := range a.flows {
		out = append(out, id)
	}
	return out
}

// PeerStats returns a snapshot of per-peer arrival stats for a flow. No
// code in this module calls it; NACKs are not round-robined across peers
// or weighted by loss rate.
func (a *Aggregator) PeerStats(flowID uint32) map[string]PeerArrivalStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]PeerArrivalStats, len(a.peerStats[flowID]))
	for id, ps := range a.peerStats[flowID] {
		out[id] = *ps
	}
	return out
}

// Stop halts every flow's background goroutines, used during context
// teardown (spec §5 "Cancellation").
func (a *Aggregator) Stop() {
	a.mu.Lock()
	flows := make([]*Flow, 0, len(a.flows))
	for _, f := range a.flows {
		flows = append(flows, f)
	}
	a.mu.Unlock()
	for _, f := range flows {
		f.Stop()
	}
}
