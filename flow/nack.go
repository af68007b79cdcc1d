package flow

import (
	"math/rand"
	"time"

	"github.com/nanake-go/rist/wire"
)

// nackToken is the value boxed into the flow's timerqueue: "this sequence,
// last seen via this peer, is due for a NACK".
type nackToken struct {
	seq    wire.Sequence
	peerID string
}

// nackJitter is the +-12.5% jitter applied to re-armed NACK intervals
// (spec §4.3), to avoid synchronized retries across flows/peers.
const nackJitter = 0.125

// onNackDue fires from the timerqueue's background goroutine when a
// pending slot's nack-due time elapses. It coalesces contiguous pending
// sequences for the same peer into one range or bitmask NACK, then
// re-arms (spec §4.3 "NACK scheduler").
func (f *Flow) onNackDue(v interface{}) {
	tok := v.(nackToken)

	f.mu.Lock()
	idx := f.slotIndex(tok.seq)
	slot := &f.ring[idx]
	if slot.state != SlotPending {
		f.mu.Unlock()
		return // already filled or fast-forwarded away
	}
	slot.nackEntry = nil

	run := f.collectPendingRun(tok.seq, tok.peerID)

	for _, s := range run {
		rs := &f.ring[f.slotIndex(s)]
		if rs.nackEntry != nil {
			// This NACK covers s too: drop its own pending timer.
			f.nackQueue.Remove(rs.nackEntry)
			rs.nackEntry = nil
		}
		rs.nackSentCount++
		if rs.nackSentCount >= f.cfg.MaxRetries {
			rs.state = SlotLost
			f.counters.Lost++
			continue
		}
		rs.nackInterval = nextInterval(rs.nackInterval, f.cfg.RTTMax)
		due := f.now().Add(jitter(rs.nackInterval))
		rs.nackEntry = f.nackQueue.Push(uint64(due.UnixNano()), nackToken{seq: s, peerID: tok.peerID})
	}

	peerID := tok.peerID
	entries := make([]wire.NACKRangeEntry, 0, len(run))
	still := make([]wire.Sequence, 0, len(run))
	for _, s := range run {
		if f.ring[f.slotIndex(s)].state == SlotPending {
			still = append(still, s)
		}
	}
	f.mu.Unlock()

	if len(still) == 0 {
		return
	}

	if bitmaskDense(still, f.cfg.BitmaskDensityThreshold) {
		nb := buildBitmask(still)
		if err := f.nacks.SendNACKBitmask(peerID, f.cfg.FlowID, nb); err != nil {
			f.log.Debugf("flow %d: send NACK bitmask to %s failed: %v", f.cfg.FlowID, peerID, err)
		}
		return
	}

	entries = coalesceRanges(still)
	if err := f.nacks.SendNACKRange(peerID, f.cfg.FlowID, entries); err != nil {
		f.log.Debugf("flow %d: send NACK range to %s failed: %v", f.cfg.FlowID, peerID, err)
	}
}

// collectPendingRun gathers the contiguous run of Pending slots, for the
// given peer, that share (approximately) this nack-due firing, bounded to
// one 128-wide bitmask window so a single control packet always suffices.
// Must be called with f.mu held.
func (f *Flow) collectPendingRun(seq wire.Sequence, peerID string) []wire.Sequence {
	const maxRun = 128
	run := []wire.Sequence{seq}

	for s := seq + 1; len(run) < maxRun; s++ {
		slot := &f.ring[f.slotIndex(s)]
		if slot.state != SlotPending || slot.peerID != peerID {
			break
		}
		run = append(run, s)
	}
	for s := seq - 1; len(run) < maxRun; s-- {
		slot := &f.ring[f.slotIndex(s)]
		if slot.state != SlotPending || slot.peerID != peerID {
			break
		}
		run = append([]wire.Sequence{s}, run...)
	}
	return run
}

// bitmaskDense reports whether run is dense enough (>=threshold over a
// 16-bit window, spec §4.3) to prefer a single bitmask NACK over a list
// of ranges.
func bitmaskDense(run []wire.Sequence, threshold float64) bool {
	if len(run) == 0 {
		return false
	}
	span := wire.Distance(run[len(run)-1], run[0]) + 1
	if span <= 0 || span > 128 {
		return false
	}
	return float64(len(run))/float64(span) >= threshold
}

// buildBitmask packs a dense run into a single NACKBitmask rooted at
// run[0].
func buildBitmask(run []wire.Sequence) wire.NACKBitmask {
	nb := wire.NACKBitmask{Base: uint32(run[0])}
	base := run[0]
	for _, s := range run {
		off := int(wire.Distance(s, base))
		if off >= 0 && off < 128 {
			nb.Set(off)
		}
	}
	return nb
}

// coalesceRanges packs a sparse run into minimal [base,count] entries.
func coalesceRanges(run []wire.Sequence) []wire.NACKRangeEntry {
	entries := make([]wire.NACKRangeEntry, 0, len(run))
	i := 0
	for i < len(run) {
		start := run[i]
		count := uint16(1)
		j := i + 1
		for j < len(run) && wire.Distance(run[j], run[j-1]) == 1 && count < 0xffff {
			count++
			j++
		}
		entries = append(entries, wire.NACKRangeEntry{Base: uint16(start), Count: count})
		i = j
	}
	return entries
}

// nextInterval re-arms at min(2*previous, rttMax), per spec §4.3.
func nextInterval(previous, rttMax time.Duration) time.Duration {
	doubled := previous * 2
	if doubled > rttMax {
		return rttMax
	}
	return doubled
}

// jitter applies +-12.5% jitter to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * nackJitter
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}
