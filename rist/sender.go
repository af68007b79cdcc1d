package rist

import (
	"context"
	"net"
	"time"

	"github.com/nanake-go/rist/compress"
	"github.com/nanake-go/rist/config"
	"github.com/nanake-go/rist/internal/xlog"
	"github.com/nanake-go/rist/peer"
	"github.com/nanake-go/rist/sender"
	"github.com/nanake-go/rist/stats"
	"github.com/nanake-go/rist/wire"
	"github.com/nanake-go/rist/xcrypto"
)

// Sender is the §4.2 send-side context: one retransmit engine, one
// outbound pacer ring per peer, and the control-packet handling (NACK/RR)
// that drives retransmission and RTT sampling.
type Sender struct {
	*base

	engine *sender.Engine
}

// NewSender validates cfg, resolves peers, builds one retransmit ring per
// peer assigned to cfg.FlowID, and returns a Sender ready to Start.
func NewSender(cfg *config.Config, conn net.PacketConn, log *xlog.Logger) (*Sender, error) {
	b, err := newBase(cfg, conn, log)
	if err != nil {
		return nil, err
	}
	s := &Sender{
		base:   b,
		engine: sender.NewEngine(b.profile, xlog.Child(b.log, "rist", "sender")),
	}

	for _, pc := range cfg.Peers {
		p := b.peersByAddr[mustResolve(pc.Address)]
		if p == nil {
			continue
		}
		capacity := ringCapacity(pc)
		ring := sender.NewRing(p.ID, capacity, pc.MTU, pc.RecoveryMaxBitrate, pc.MaxRetries, pc.RecoveryLengthMax, b, p, xlog.Child(b.log, "rist", "ring"))
		s.engine.AssignPeer(cfg.FlowID, ring)
	}
	return s, nil
}

func mustResolve(address string) string {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return address
	}
	return addr.String()
}

// ringCapacity implements spec §3's "Capacity N = ceil(recovery_length_max
// * peak_bitrate / mtu)".
func ringCapacity(pc config.Peer) int {
	if pc.MTU == 0 || pc.RecoveryLengthMax <= 0 || pc.RecoveryMaxBitrate == 0 {
		return 1024
	}
	bitsPerSec := float64(pc.RecoveryMaxBitrate)
	seconds := pc.RecoveryLengthMax.Seconds()
	bytes := bitsPerSec * seconds / 8
	n := int(bytes / float64(pc.MTU))
	if float64(n)*float64(pc.MTU) < bytes {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Start begins the control-packet receive loop and background
// keepalive/liveness/stats loops.
func (s *Sender) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	s.Go(s.receiveLoop)
	s.Go(s.keepaliveLoop)
	s.Go(s.livenessLoop)
	s.Go(func() { s.statsLoop(s.snapshotFor) })
	return nil
}

// Stop tears the context down per spec §5's cancellation sequence.
func (s *Sender) Stop() {
	s.teardown()
}

// Enqueue submits one application data block for transmission to every
// peer assigned to its flow, applying per-peer compression/encryption
// before framing (spec §4.2 "enqueue(data_block)").
func (s *Sender) Enqueue(ctx context.Context, flowID uint32, pt uint8, marker bool, payload []byte) (int, error) {
	block := sender.DataBlock{FlowID: flowID, PT: pt, Marker: marker, Payload: payload}
	seq, ntp := s.engine.NextStamp(block)

	rings := s.engine.PeersFor(flowID)
	written := 0
	var firstErr error
	for _, ring := range rings {
		p := s.peerForRing(ring)
		if p == nil {
			continue
		}
		wireBytes, err := s.frameFor(p, flowID, seq, ntp, pt, marker, payload)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := ring.Enqueue(ctx, seq, wireBytes, time.Now()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.log.Debugf("flow %d: enqueue to peer %s failed: %v", flowID, p.ID, err)
			continue
		}
		written += len(wireBytes)
	}
	if written == 0 && firstErr != nil {
		return 0, firstErr
	}
	return written, nil
}

func (s *Sender) peerForRing(ring *sender.Ring) *peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peersByID[ring.PeerID()]
}

// frameFor applies this peer's compression/encryption configuration and
// returns the final wire bytes (spec §4.7: LZ4 then AES, §4.2: framed with
// the shared sequence/timestamp stamped once per flow).
func (s *Sender) frameFor(p *peer.Peer, flowID uint32, seq wire.Sequence, ntp uint32, pt uint8, marker bool, payload []byte) ([]byte, error) {
	var flags wire.Flags
	out := payload

	if s.profile == wire.ProfileMain {
		compressed, err := compress.Compress(out)
		if err == nil && len(compressed) < len(out) {
			out = compressed
			flags |= wire.FlagCompressed
		}
	}

	codec, salt := p.Codec()
	if codec != nil {
		nonce := xcrypto.Nonce(salt, flowID, uint32(seq))
		ciphertext, err := codec.Encrypt(nonce, out)
		if err != nil {
			return nil, err
		}
		out = ciphertext
		flags |= wire.FlagEncrypted
	}

	pkt := &wire.Packet{
		Header: wire.Header{
			Version:     wire.ProtocolVersion,
			Flags:       flags,
			PayloadType: wire.PayloadData,
			FlowID:      flowID,
			Marker:      marker,
			PT:          pt,
			Seq:         uint16(seq),
			NTPShort:    ntp,
		},
		Payload: out,
	}
	return wire.Encode(s.profile, pkt)
}

func (s *Sender) snapshotFor(p *peer.Peer) stats.Snapshot {
	return stats.Snapshot{SenderEvictions: s.evictionsFor(p)}
}

func (s *Sender) evictionsFor(p *peer.Peer) uint64 {
	for _, ring := range s.engine.PeersFor(s.cfg.FlowID) {
		if ring.PeerID() == p.ID {
			return ring.Evictions()
		}
	}
	return 0
}

// receiveLoop reads control packets (NACK-range, NACK-bitmask, RR,
// keep-alive) sent back by receivers and dispatches them (spec §4.2 "On
// receiving a NACK").
func (s *Sender) receiveLoop() {
	buf := make([]byte, 65535)
	for {
		select {
		case <-s.HaltCh():
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.HaltCh():
				return
			default:
				s.log.Debugf("receive: %v", err)
				continue
			}
		}
		s.handleDatagram(addr, append([]byte(nil), buf[:n]...))
	}
}

func (s *Sender) handleDatagram(addr net.Addr, raw []byte) {
	now := time.Now()
	pkt, err := wire.Decode(s.profile, raw)
	if err != nil {
		s.log.Debugf("malformed control packet from %s: %v", addr, err)
		return
	}
	p := s.peerByAddr(addr)
	if p == nil {
		return
	}
	p.OnInboundPacket(now)

	switch pkt.Header.PayloadType {
	case wire.PayloadNACKRange:
		entries, err := wire.DecodeNACKRange(pkt.Payload)
		if err != nil {
			return
		}
		s.engine.HandleNACKRange(pkt.Header.FlowID, p.ID, entries, wire.Sequence(pkt.Header.Seq))
	case wire.PayloadNACKBitmask:
		nb, err := wire.DecodeNACKBitmask(pkt.Payload)
		if err != nil {
			return
		}
		s.engine.HandleNACKBitmask(pkt.Header.FlowID, p.ID, *nb)
	case wire.PayloadRR:
		p.OnDataOrRR()
		s.sampleRTTFromKeepAlive(p, now)
	case wire.PayloadKeepAlive:
		ka, err := wire.DecodeKeepAlive(pkt.Payload)
		if err == nil {
			_ = p.CompleteHandshake(peer.HandshakeInfo{Cname: ka.Cname, Caps: ka.Capabilities})
		}
		s.sampleRTTFromKeepAlive(p, now)
	default:
		s.log.Debugf("peer %s: unexpected payload type %s on send side", p.ID, pkt.Header.PayloadType)
	}
}

// sampleRTTFromKeepAlive approximates an RTT sample as the round trip from
// this sender's most recent outbound keep-alive to an inbound RR or
// keep-alive packet; NACKs do not produce a sample (spec §4.4 leaves the exact sampling mechanism unspecified beyond
// "each retransmit request/response pair"; keep-alive round trip is the
// only periodic, symmetric exchange available once NACKs stay quiet).
func (s *Sender) sampleRTTFromKeepAlive(p *peer.Peer, now time.Time) {
	sentAt, ok := s.lastKeepAliveSentAt(p.ID)
	if !ok {
		return
	}
	if d := now.Sub(sentAt); d > 0 {
		p.SampleRTT(d)
	}
}
