package sender

import (
	"context"
	"sync"
	"time"

	"github.com/nanake-go/rist/clock"
	"github.com/nanake-go/rist/internal/xlog"
	"github.com/nanake-go/rist/wire"
)

// DataBlock is one application-submitted media block (spec §4.2
// "enqueue(data_block)").
type DataBlock struct {
	FlowID   uint32
	Seq      wire.Sequence // filled by Engine.Enqueue if zero
	NTPShort uint32        // filled by Engine.Enqueue if zero
	PT       uint8
	Marker   bool
	Payload  []byte
}

// Engine fans a submitted data block out to every peer assigned to its
// flow (spec §4.2), stamping sequence/timestamp once per flow_id and
// reusing that stamp across all peers (redundant paths carry identical
// sequence numbers, per spec §4.5's dedup-by-(flow_id,sequence)
// assumption).
type Engine struct {
	mu sync.Mutex

	nextSeq map[uint32]wire.Sequence
	peers   map[uint32][]*Ring

	profile wire.Profile
	log     *xlog.Logger

	now func() time.Time
}

// NewEngine creates an empty Engine for the given wire profile.
func NewEngine(profile wire.Profile, log *xlog.Logger) *Engine {
	return &Engine{
		nextSeq: make(map[uint32]wire.Sequence),
		peers:   make(map[uint32][]*Ring),
		profile: profile,
		log:     log,
		now:     time.Now,
	}
}

// AssignPeer adds ring as an output path for flowID.
func (e *Engine) AssignPeer(flowID uint32, ring *Ring) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[flowID] = append(e.peers[flowID], ring)
}

// PeersFor returns the rings currently assigned to flowID, for callers that
// need to frame and transmit per-peer (e.g. per-peer encryption) rather than
// through Enqueue's identical-bytes fan-out.
func (e *Engine) PeersFor(flowID uint32) []*Ring {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Ring(nil), e.peers[flowID]...)
}

// NextStamp reserves the next sequence number and NTP timestamp for
// flowID without framing or transmitting, for callers that need to frame
// each peer's copy independently (per-peer compression/encryption).
func (e *Engine) NextStamp(block DataBlock) (wire.Sequence, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := block.Seq
	if seq == 0 {
		seq = e.nextSeq[block.FlowID] + 1
	}
	e.nextSeq[block.FlowID] = seq
	ntp := block.NTPShort
	if ntp == 0 {
		ntp = uint32(clock.Now())
	}
	return seq, ntp
}

// Enqueue stamps and transmits a data block on every peer assigned to its
// flow (spec §4.2). It attempts every peer (a stalled peer must not
// prevent delivery to the others, per §5 "per-peer failure isolation")
// and returns the first WouldBlock/transport error only when no peer
// accepted the block; otherwise per-peer errors are only logged.
func (e *Engine) Enqueue(ctx context.Context, block DataBlock) (int, error) {
	now := e.now()

	e.mu.Lock()
	seq := block.Seq
	if seq == 0 {
		seq = e.nextSeq[block.FlowID] + 1
	}
	e.nextSeq[block.FlowID] = seq
	rings := append([]*Ring(nil), e.peers[block.FlowID]...)
	e.mu.Unlock()

	ntp := block.NTPShort
	if ntp == 0 {
		ntp = uint32(clock.Now())
	}

	pkt := &wire.Packet{
		Header: wire.Header{
			Version:     wire.ProtocolVersion,
			PayloadType: wire.PayloadData,
			FlowID:      block.FlowID,
			Marker:      block.Marker,
			PT:          block.PT,
			Seq:         uint16(seq),
			NTPShort:    ntp,
		},
		Payload: block.Payload,
	}
	wireBytes, err := wire.Encode(e.profile, pkt)
	if err != nil {
		return 0, err
	}

	written := 0
	var firstErr error
	for _, r := range rings {
		if err := r.Enqueue(ctx, seq, wireBytes, now); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			e.log.Debugf("flow %d: enqueue to peer %s failed: %v", block.FlowID, r.peerID, err)
			continue
		}
		written += len(wireBytes)
	}
	if written == 0 && firstErr != nil {
		return 0, firstErr
	}
	return written, nil
}

// HandleNACKRange dispatches retransmit requests for a decoded NACK-range
// control packet received from peerID (spec §4.2).
func (e *Engine) HandleNACKRange(flowID uint32, peerID string, entries []wire.NACKRangeEntry, ref wire.Sequence) {
	ring := e.ringFor(flowID, peerID)
	if ring == nil {
		return
	}
	now := e.now()
	for _, ent := range entries {
		base := wire.ExtendSeq16(ent.Base, ref)
		for i := uint16(0); i < ent.Count; i++ {
			ring.RequestRetransmit(base+wire.Sequence(i), now)
		}
	}
}

// HandleNACKBitmask dispatches retransmit requests for a decoded
// NACK-bitmask control packet.
func (e *Engine) HandleNACKBitmask(flowID uint32, peerID string, nb wire.NACKBitmask) {
	ring := e.ringFor(flowID, peerID)
	if ring == nil {
		return
	}
	now := e.now()
	base := wire.Sequence(nb.Base)
	for i := 0; i < 128; i++ {
		if nb.IsSet(i) {
			ring.RequestRetransmit(base+wire.Sequence(i), now)
		}
	}
}

func (e *Engine) ringFor(flowID uint32, peerID string) *Ring {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.peers[flowID] {
		if r.peerID == peerID {
			return r
		}
	}
	return nil
}
