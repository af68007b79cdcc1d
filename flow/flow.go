// Package flow implements the §3 Flow data model and the §4.3 receiver
// reorder/NACK engine: a ring of reorder slots spanning a sliding
// sequence-space window, a timer-wheel NACK scheduler, and a release
// loop that delivers packets to the application in strictly increasing
// sequence order. Grounded on the ring-buffer-plus-deadline shape of
// pion-webrtc's NACK interceptors and rustyguts-bken's jitter buffer,
// generalized to hold payloads (not just sequence-number bookkeeping) and
// to drive timed NACKs rather than immediate ones.
package flow

import (
	"sync"
	"time"

	"github.com/nanake-go/rist/internal/timerqueue"
	"github.com/nanake-go/rist/internal/worker"
	"github.com/nanake-go/rist/internal/xlog"
	"github.com/nanake-go/rist/wire"
)

// SlotState is the state of one reorder slot (spec §3 "Reorder slot").
type SlotState int

const (
	SlotEmpty SlotState = iota
	SlotPending
	SlotHeld
	SlotDelivered
	SlotLost
)

type reorderSlot struct {
	state SlotState
	seq   wire.Sequence

	payload []byte
	peerID  string

	arrival time.Time

	nackSentCount int
	nackInterval  time.Duration
	nackEntry     *timerqueue.Entry
}

// DataFunc delivers one payload to the application in sequence order
// (spec §6 "data" callback).
type DataFunc func(payload []byte)

// NACKSender is the collaborator that actually transmits NACK packets; it
// is implemented by the owning receiver context, which knows the UDP
// socket and peer set. Flow only decides *what* to ask for and *when*.
type NACKSender interface {
	SendNACKRange(peerID string, flowID uint32, entries []wire.NACKRangeEntry) error
	SendNACKBitmask(peerID string, flowID uint32, nb wire.NACKBitmask) error
}

// Counters are the cumulative per-flow statistics from spec §3/§8.
type Counters struct {
	Received  uint64
	Recovered uint64
	Lost      uint64
	Reordered uint64
	FlowResets uint64
}

// Config bounds a Flow's behavior; all durations come from the owning
// peer's recovery_* configuration (spec §6), reduced to the flow-wide
// values used for reorder-buffer sizing and release scheduling.
type Config struct {
	FlowID uint32

	Window uint32 // M: reorder slot ring size, spec §3

	RecoveryLengthMin time.Duration
	RTTMin            time.Duration
	RTTMax            time.Duration
	MaxRetries        int

	// BitmaskDensityThreshold is the >=50% density rule from spec §4.3.
	BitmaskDensityThreshold float64
}

// Flow is a lazily created, per-flow_id reorder buffer (spec §3 "Flow").
// Invariant: delivered sequences are monotonically non-decreasing and a
// sequence is delivered at most once.
type Flow struct {
	worker.Worker

	mu sync.Mutex

	cfg Config
	log *xlog.Logger

	ring      []reorderSlot
	cursor    wire.Sequence
	highWater wire.Sequence

	counters Counters

	deliver DataFunc
	nacks   NACKSender

	nackQueue *timerqueue.TimerQueue

	wakeCh chan struct{}

	now func() time.Time
}

// New creates a Flow anchored at cursor=firstSeq, release deadline
// anchored to now+recovery_length_min (spec §4.3 step 1).
func New(cfg Config, firstSeq wire.Sequence, deliver DataFunc, nacks NACKSender, log *xlog.Logger) *Flow {
	if cfg.Window == 0 {
		cfg.Window = 8192
	}
	if cfg.BitmaskDensityThreshold == 0 {
		cfg.BitmaskDensityThreshold = 0.5
	}
	f := &Flow{
		cfg:       cfg,
		log:       log,
		ring:      make([]reorderSlot, cfg.Window),
		cursor:    firstSeq,
		highWater: firstSeq,
		deliver:   deliver,
		nacks:     nacks,
		wakeCh:    make(chan struct{}, 1),
		now:       time.Now,
	}
	f.nackQueue = timerqueue.NewTimerQueue(f.onNackDue)
	return f
}

// Start launches the NACK scheduler and release loop goroutines. The
// owning context calls Start once per newly created flow.
func (f *Flow) Start() {
	f.nackQueue.Start()
	f.Go(f.releaseLoop)
}

// Stop halts the flow's background goroutines and drains them.
func (f *Flow) Stop() {
	f.nackQueue.Halt()
	f.Halt()
	f.nackQueue.Wait()
	f.Wait()
}

func (f *Flow) slotIndex(s wire.Sequence) int {
	return int(uint32(s) % f.cfg.Window)
}

func (f *Flow) wake() {
	select {
	case f.wakeCh <- struct{}{}:
	default:
	}
}

// Counters returns a copy of the flow's cumulative counters.
func (f *Flow) Counters() Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters
}

// Cursor returns the next sequence to deliver.
func (f *Flow) Cursor() wire.Sequence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// Ingest handles one arriving data packet (spec §4.3). peerID identifies
// the peer that delivered it, used for NACK peer-selection and dedup
// bookkeeping (spec §4.5 is implemented one layer up, in Aggregator,
// which only calls Ingest on first arrival of a given sequence).
func (f *Flow) Ingest(seq wire.Sequence, peerID string, payload []byte, now time.Time) {
	f.mu.Lock()

	d := wire.Distance(seq, f.cursor)

	if d < 0 {
		// Late arrival: only useful if the slot at this index is still
		// Pending on this exact sequence. The index can alias onto a
		// different, newer sequence (seq + k*Window) that is legitimately
		// Pending; filling that slot with this stale packet's payload
		// would silently corrupt what advance() later delivers for it, so
		// the owning sequence must match before we treat it as a match.
		idx := f.slotIndex(seq)
		slot := &f.ring[idx]
		if slot.state == SlotPending && slot.seq == seq {
			f.fillSlot(idx, seq, peerID, payload, now)
			f.mu.Unlock()
			f.wake()
			return
		}
		f.mu.Unlock()
		return // LateDrop: not counted against the flow's delivered stream.
	}

	if int64(d) >= int64(f.cfg.Window) {
		f.fastForward(seq, now)
	}

	idx := f.slotIndex(seq)
	if f.ring[idx].state != SlotDelivered {
		wasPending := f.ring[idx].state == SlotPending
		f.fillSlot(idx, seq, peerID, payload, now)
		if wasPending {
			f.counters.Reordered++
		}
	}

	if wire.Less(f.highWater, seq) {
		f.markPendingBetween(f.highWater+1, seq, peerID, now)
		f.highWater = seq
	}

	f.mu.Unlock()
	f.wake()
}

// fillSlot must be called with f.mu held.
func (f *Flow) fillSlot(idx int, seq wire.Sequence, peerID string, payload []byte, now time.Time) {
	slot := &f.ring[idx]
	if slot.nackEntry != nil {
		f.nackQueue.Remove(slot.nackEntry)
		slot.nackEntry = nil
	}
	slot.state = SlotHeld
	slot.seq = seq
	slot.payload = payload
	slot.peerID = peerID
	slot.arrival = now
}

// markPendingBetween marks [from, to) empty slots as pending and schedules
// their first NACK at now+RTT_min (spec §4.3 step 4), addressed to peerID,
// the peer whose packet revealed the gap. Must be called with f.mu held.
func (f *Flow) markPendingBetween(from, to wire.Sequence, peerID string, now time.Time) {
	for s := from; wire.Less(s, to); s++ {
		idx := f.slotIndex(s)
		slot := &f.ring[idx]
		if slot.state != SlotEmpty {
			continue
		}
		slot.state = SlotPending
		slot.seq = s
		slot.peerID = peerID
		slot.nackSentCount = 0
		slot.nackInterval = f.cfg.RTTMin
		due := now.Add(f.cfg.RTTMin)
		slot.nackEntry = f.nackQueue.Push(uint64(due.UnixNano()), nackToken{seq: s, peerID: peerID})
	}
}

// fastForward handles a lagging flow (spec §4.3 step 3): intervening
// empty slots become Lost, counters bump, and a FlowReset is recorded.
// Must be called with f.mu held.
func (f *Flow) fastForward(seq wire.Sequence, now time.Time) {
	newCursor := seq - wire.Sequence(f.cfg.Window) + 1
	for s := f.cursor; wire.Less(s, newCursor); s++ {
		idx := f.slotIndex(s)
		slot := &f.ring[idx]
		if slot.state == SlotEmpty || slot.state == SlotPending {
			if slot.nackEntry != nil {
				f.nackQueue.Remove(slot.nackEntry)
			}
			f.counters.Lost++
		}
		f.ring[idx] = reorderSlot{}
	}
	f.cursor = newCursor
	if wire.Less(f.highWater, newCursor) {
		f.highWater = newCursor
	}
	f.counters.FlowResets++
	f.log.Warnf("flow %d: FlowReset, cursor fast-forwarded to %d", f.cfg.FlowID, newCursor)
}

// releaseLoop is the single cooperative releaser task (spec §4.3
// "Release loop"): it wakes on the earliest of {next slot deadline,
// external wake} and advances the cursor, delivering in order.
func (f *Flow) releaseLoop() {
	for {
		f.mu.Lock()
		idx := f.slotIndex(f.cursor)
		slot := &f.ring[idx]

		var deadline time.Time
		switch slot.state {
		case SlotDelivered:
			deadline = time.Time{} // immediate
		case SlotHeld:
			deadline = slot.arrival // already ready; release now
		default:
			// Find the first held sequence at or above cursor to anchor
			// the deadline on, per spec §4.3.
			anchor, ok := f.firstHeldAtOrAbove(f.cursor)
			if ok {
				deadline = anchor.Add(f.cfg.RecoveryLengthMin)
			}
		}
		f.mu.Unlock()

		if !deadline.IsZero() && !f.now().Before(deadline) {
			f.advance()
			continue
		}

		var wait time.Duration
		if deadline.IsZero() {
			wait = 50 * time.Millisecond
		} else {
			wait = deadline.Sub(f.now())
			if wait < 0 {
				wait = 0
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-f.HaltCh():
			timer.Stop()
			return
		case <-f.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
		f.advance()
	}
}

// firstHeldAtOrAbove scans forward from `from` for the first Held slot,
// bounded by the window. Must be called with f.mu held.
func (f *Flow) firstHeldAtOrAbove(from wire.Sequence) (time.Time, bool) {
	for s := from; wire.Distance(s, from) < int32(f.cfg.Window); s++ {
		slot := &f.ring[f.slotIndex(s)]
		if slot.state == SlotHeld {
			return slot.arrival, true
		}
		if slot.state == SlotEmpty {
			// First gap beyond any held run: nothing more to anchor on
			// until a new arrival extends the window.
			if s != from {
				break
			}
		}
	}
	return time.Time{}, false
}

// advance delivers every contiguous Held/Lost slot starting at cursor,
// stopping at the first Empty/Pending slot whose deadline has not yet
// expired (spec §4.3 "Release loop").
func (f *Flow) advance() {
	for {
		f.mu.Lock()
		idx := f.slotIndex(f.cursor)
		slot := &f.ring[idx]

		switch slot.state {
		case SlotHeld:
			payload := slot.payload
			recovered := slot.nackSentCount > 0
			f.ring[idx] = reorderSlot{}
			f.cursor++
			f.counters.Received++
			if recovered {
				f.counters.Recovered++
			}
			f.mu.Unlock()
			f.deliver(payload)
			continue
		case SlotLost:
			f.ring[idx] = reorderSlot{}
			f.cursor++
			f.mu.Unlock()
			continue
		default:
			anchor, ok := f.firstHeldAtOrAbove(f.cursor)
			if ok && !f.now().Before(anchor.Add(f.cfg.RecoveryLengthMin)) {
				// Deadline expired with nothing held at cursor: the
				// slot is unrecoverable. Mark Lost and keep advancing.
				if slot.nackEntry != nil {
					f.nackQueue.Remove(slot.nackEntry)
				}
				f.ring[idx] = reorderSlot{state: SlotLost}
				f.counters.Lost++
				f.mu.Unlock()
				continue
			}
			f.mu.Unlock()
			return
		}
	}
}

