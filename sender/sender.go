// Package sender implements the §4.2 sender retransmit engine: a
// per-peer retransmit ring, NACK-driven resend with duplicate
// suppression, and bitrate-governed output pacing built on
// golang.org/x/time/rate (grounded on nishisan-dev-n-backup's use of the
// same package for its own transfer throttling). Buffer-bloat control
// (spec §4.2) consults the owning peer.Peer's congestion state.
package sender

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nanake-go/rist/internal/xlog"
	"github.com/nanake-go/rist/peer"
	"github.com/nanake-go/rist/wire"
)

// ErrWouldBlock is the spec §7 WouldBlock error kind.
var ErrWouldBlock = errors.New("rist/sender: would block")

// Transport is the collaborator that actually writes bytes to the
// network for one peer; implemented by the owning sender context.
type Transport interface {
	WriteTo(peerID string, b []byte) error
}

// slot is one retransmit ring entry (spec §3 "Packet slot").
type slot struct {
	valid    bool
	seq      wire.Sequence
	wire     []byte
	sentAt   time.Time
	deadline time.Time
	retries  int
}

// Ring is the per-peer retransmit queue. Capacity N = ceil(recovery
// _length_max * peak_bitrate / mtu) per spec §3; the caller computes N
// and passes it to NewRing.
type Ring struct {
	mu sync.Mutex

	peerID string
	slots  []slot
	mtu    uint32

	maxRetries int
	lengthMax  time.Duration

	pacer        *rate.Limiter
	retransmitCh chan wire.Sequence

	transport Transport
	peerState *peer.Peer
	log       *xlog.Logger

	evictions uint64
}

// NewRing creates a retransmit ring sized for capacity slots.
func NewRing(peerID string, capacity int, mtu uint32, maxBitrate uint64, maxRetries int, lengthMax time.Duration, transport Transport, peerState *peer.Peer, log *xlog.Logger) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	burst := int(maxBitrate / 8)
	if burst < int(mtu) {
		burst = int(mtu)
	}
	return &Ring{
		peerID:       peerID,
		slots:        make([]slot, capacity),
		mtu:          mtu,
		maxRetries:   maxRetries,
		lengthMax:    lengthMax,
		pacer:        rate.NewLimiter(rate.Limit(maxBitrate/8), burst),
		retransmitCh: make(chan wire.Sequence, capacity),
		transport:    transport,
		peerState:    peerState,
		log:          log,
	}
}

// PeerID returns the identifier of the peer this ring transmits to.
func (r *Ring) PeerID() string { return r.peerID }

func (r *Ring) index(seq wire.Sequence) int {
	return int(uint32(seq)) % len(r.slots)
}

// Store inserts (or evicts-and-replaces) the wire bytes for seq, per spec
// §4.2 enqueue semantics: "retains a copy in the retransmit buffer
// indexed by sequence". Eviction of a slot still mid-retry is the sole
// source of unrecoverable sender-side loss (spec §4.2).
func (r *Ring) Store(seq wire.Sequence, wireBytes []byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.index(seq)
	old := &r.slots[idx]
	if old.valid && old.seq != seq {
		r.evictions++
	}
	r.slots[idx] = slot{
		valid:    true,
		seq:      seq,
		wire:     wireBytes,
		sentAt:   now,
		deadline: now.Add(r.lengthMax),
		retries:  0,
	}
}

// Evictions returns the cumulative count of slots overwritten by a newer
// sequence when the ring wraps, whatever their retry state (spec §4.2
// stats).
func (r *Ring) Evictions() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictions
}

// lookup returns a copy of the slot for seq if present, valid, matching,
// and not expired.
func (r *Ring) lookup(seq wire.Sequence, now time.Time) (slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[r.index(seq)]
	if !s.valid || s.seq != seq {
		return slot{}, false
	}
	if now.After(s.deadline) {
		return slot{}, false
	}
	return s, true
}

// bumpRetry increments the retry counter for seq and records sentAt,
// returning false if the slot is gone/stale/exhausted.
func (r *Ring) bumpRetry(seq wire.Sequence, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.index(seq)
	s := &r.slots[idx]
	if !s.valid || s.seq != seq || now.After(s.deadline) {
		return false
	}
	if s.retries >= r.maxRetries {
		return false
	}
	s.retries++
	s.sentAt = now
	return true
}

// RequestRetransmit handles one NACKed sequence (spec §4.2 "On receiving
// a NACK"): enqueues it for priority resend if present and not expired,
// suppressing duplicate requests arriving within one RTT of the last
// retransmit, then flushes the retransmit queue as far as the pacer's
// tokens allow.
func (r *Ring) RequestRetransmit(seq wire.Sequence, now time.Time) {
	s, ok := r.lookup(seq, now)
	if !ok {
		return
	}
	_, smoothedRTT, _ := r.peerState.RTT()
	if s.retries > 0 && now.Sub(s.sentAt) < smoothedRTT {
		return // duplicate NACK suppression
	}
	if r.peerState.EvaluateBufferBloat().DropRetransmits {
		r.log.Debugf("peer %s: dropping retransmit for seq %d, buffer-bloat tripped", r.peerID, seq)
		return
	}
	if !r.bumpRetry(seq, now) {
		return
	}
	select {
	case r.retransmitCh <- seq:
	default:
		r.log.Warnf("peer %s: retransmit queue full, dropping request for seq %d", r.peerID, seq)
	}
	if err := r.drainRetransmits(context.Background(), now); err != nil && !errors.Is(err, ErrWouldBlock) {
		r.log.Debugf("peer %s: retransmit of seq %d failed: %v", r.peerID, seq, err)
	}
}

// Enqueue transmits a freshly framed original packet, storing a copy for
// future retransmission. It consumes from the same token bucket as
// retransmits, but retransmits are always drained first (spec §4.2
// pacing: "a bounded retransmit queue is drained before new originals
// when both are ready").
func (r *Ring) Enqueue(ctx context.Context, seq wire.Sequence, wireBytes []byte, now time.Time) error {
	if err := r.drainRetransmits(ctx, now); err != nil {
		return err
	}

	bb := r.peerState.EvaluateBufferBloat()
	if bb.ThrottleOriginals || bb.PauseOriginalsOneRTT {
		_, rtt, _ := r.peerState.RTT()
		select {
		case <-time.After(rtt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !r.pacer.AllowN(now, len(wireBytes)) {
		return ErrWouldBlock
	}
	if err := r.transport.WriteTo(r.peerID, wireBytes); err != nil {
		return err
	}
	r.Store(seq, wireBytes, now)
	return nil
}

// drainRetransmits flushes every queued retransmit before allowing a new
// original through, per the pacer priority rule.
func (r *Ring) drainRetransmits(ctx context.Context, now time.Time) error {
	for {
		select {
		case seq := <-r.retransmitCh:
			s, ok := r.lookup(seq, now)
			if !ok {
				continue
			}
			if !r.pacer.AllowN(now, len(s.wire)) {
				// Put it back; the caller will try again once tokens
				// refill rather than blocking indefinitely (spec §5
				// "Neither path ever blocks indefinitely").
				select {
				case r.retransmitCh <- seq:
				default:
				}
				return ErrWouldBlock
			}
			if err := r.transport.WriteTo(r.peerID, s.wire); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
