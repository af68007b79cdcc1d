package rist

import (
	"net"
	"time"

	"github.com/nanake-go/rist/compress"
	"github.com/nanake-go/rist/config"
	"github.com/nanake-go/rist/flow"
	"github.com/nanake-go/rist/internal/xlog"
	"github.com/nanake-go/rist/oob"
	"github.com/nanake-go/rist/peer"
	"github.com/nanake-go/rist/stats"
	"github.com/nanake-go/rist/wire"
	"github.com/nanake-go/rist/xcrypto"
)

// Receiver is the §4.3/§4.5/§4.6 receive-side context: it owns the
// transport socket, the configured peer set, the flow aggregator/reorder
// engine, and the OOB channel. It mirrors client2.Client's shape: one
// context, one capability record, one set of background loops.
type Receiver struct {
	*base

	agg *flow.Aggregator
	oob *oob.Channel

	pull chan DataBlock

	nackSentAt map[string]time.Time
}

// NewReceiver validates cfg, resolves every configured peer address, and
// returns a Receiver ready to Start. conn must already be bound by the
// application (spec §1: socket acquisition is out of scope).
func NewReceiver(cfg *config.Config, conn net.PacketConn, log *xlog.Logger) (*Receiver, error) {
	b, err := newBase(cfg, conn, log)
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		base:       b,
		oob:        oob.New(cfg.OOBQueueSize),
		pull:       make(chan DataBlock, 1024),
		nackSentAt: make(map[string]time.Time),
	}
	r.agg = flow.NewAggregator(r.flowConfig, r.flowDeliver, r, xlog.Child(b.log, "rist", "flow"))
	return r, nil
}

// SetCallbacks installs the application's capability record, including the
// data/oob push callbacks consulted by the receive loop.
func (r *Receiver) SetCallbacks(cbs Callbacks) {
	r.base.SetCallbacks(cbs)
	if cbs.OOB != nil {
		r.oob.SetCallback(func(b oob.Block) {
			cbs.OOB(OOBBlock{PeerID: b.PeerID, NTPShort: b.Payload.NTPShort, Payload: b.Payload.Payload})
		})
	}
}

// Start begins the receive loop and background keepalive/liveness/stats
// loops. Returns ErrAlreadyStarted if called twice.
func (r *Receiver) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	r.Go(r.receiveLoop)
	r.Go(r.keepaliveLoop)
	r.Go(r.livenessLoop)
	r.Go(func() { r.statsLoop(r.snapshotFor) })
	return nil
}

// Stop tears the context down per spec §5's cancellation sequence.
func (r *Receiver) Stop() {
	r.agg.Stop()
	r.teardown()
}

// Read pulls the next data block, blocking until one is available or
// timeout elapses (spec §6 "read returns {ok, TimedOut, NotStarted}").
func (r *Receiver) Read(timeout time.Duration) (DataBlock, error) {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return DataBlock{}, ErrNotStarted
	}
	if timeout <= 0 {
		b := <-r.pull
		return b, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-r.pull:
		return b, nil
	case <-timer.C:
		return DataBlock{}, ErrTimedOut
	}
}

func (r *Receiver) flowConfig(flowID uint32) flow.Config {
	rttMin, rttMax := 20*time.Millisecond, 200*time.Millisecond
	lengthMin := 100 * time.Millisecond
	maxRetries := 10
	for _, pc := range r.cfg.Peers {
		if pc.RecoveryRTTMin > 0 {
			rttMin = pc.RecoveryRTTMin
		}
		if pc.RecoveryRTTMax > 0 {
			rttMax = pc.RecoveryRTTMax
		}
		if pc.RecoveryLengthMin > 0 {
			lengthMin = pc.RecoveryLengthMin
		}
		if pc.MaxRetries > 0 {
			maxRetries = pc.MaxRetries
		}
		break
	}
	return flow.Config{
		FlowID:            flowID,
		RecoveryLengthMin: lengthMin,
		RTTMin:            rttMin,
		RTTMax:            rttMax,
		MaxRetries:        maxRetries,
	}
}

func (r *Receiver) flowDeliver(flowID uint32) flow.DataFunc {
	return func(payload []byte) {
		b := DataBlock{FlowID: flowID, Payload: payload}
		r.mu.Lock()
		cb := r.cbs.Data
		r.mu.Unlock()
		if cb != nil {
			cb(b)
			return
		}
		select {
		case r.pull <- b:
		default:
			r.log.Warnf("flow %d: pull queue full, dropping delivered block", flowID)
		}
	}
}

// SendNACKRange implements flow.NACKSender (spec §4.3 NACK scheduler).
func (r *Receiver) SendNACKRange(peerID string, flowID uint32, entries []wire.NACKRangeEntry) error {
	body := wire.EncodeNACKRange(entries)
	return r.sendControl(peerID, flowID, wire.PayloadNACKRange, body)
}

// SendNACKBitmask implements flow.NACKSender.
func (r *Receiver) SendNACKBitmask(peerID string, flowID uint32, nb wire.NACKBitmask) error {
	body := wire.EncodeNACKBitmask(nb)
	return r.sendControl(peerID, flowID, wire.PayloadNACKBitmask, body)
}

func (r *Receiver) sendControl(peerID string, flowID uint32, pt wire.PayloadType, body []byte) error {
	pkt := &wire.Packet{
		Header:  wire.Header{Version: wire.ProtocolVersion, PayloadType: pt, FlowID: flowID},
		Payload: body,
	}
	out, err := wire.Encode(r.profile, pkt)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.nackSentAt[peerID] = time.Now()
	r.mu.Unlock()
	return r.WriteTo(peerID, out)
}

func (r *Receiver) snapshotFor(p *peer.Peer) stats.Snapshot {
	var s stats.Snapshot
	for _, fid := range r.agg.FlowIDs() {
		f := r.agg.Flow(fid)
		if f == nil {
			continue
		}
		c := f.Counters()
		s.Received += c.Received
		s.Recovered += c.Recovered
		s.Lost += c.Lost
		s.Reordered += c.Reordered
		s.FlowResets += c.FlowResets
	}
	return s
}

// receiveLoop is the single receive task: decode -> decrypt -> decompress
// -> route (spec §2 "Data flow — receive side").
func (r *Receiver) receiveLoop() {
	buf := make([]byte, 65535)
	for {
		select {
		case <-r.HaltCh():
			return
		default:
		}
		r.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-r.HaltCh():
				return
			default:
				r.log.Debugf("receive: %v", err)
				continue
			}
		}
		r.handleDatagram(addr, append([]byte(nil), buf[:n]...))
	}
}

func (r *Receiver) handleDatagram(addr net.Addr, raw []byte) {
	now := time.Now()
	pkt, err := wire.Decode(r.profile, raw)
	if err != nil {
		r.log.Debugf("malformed packet from %s: %v", addr, err)
		return
	}
	p := r.peerByAddr(addr)
	if p == nil {
		r.log.Debugf("packet from unconfigured peer %s, dropping", addr)
		return
	}
	p.OnInboundPacket(now)

	switch pkt.Header.PayloadType {
	case wire.PayloadKeepAlive:
		ka, err := wire.DecodeKeepAlive(pkt.Payload)
		if err != nil {
			r.log.Debugf("peer %s: malformed keep-alive: %v", p.ID, err)
			return
		}
		udpAddr, _ := addr.(*net.UDPAddr)
		info := peer.HandshakeInfo{Cname: ka.Cname, Caps: ka.Capabilities}
		if udpAddr != nil {
			info.RemoteIP, info.RemotePort = udpAddr.IP, udpAddr.Port
		}
		if err := p.CompleteHandshake(info); err != nil {
			r.log.Debugf("peer %s: handshake rejected: %v", p.ID, err)
		}
	case wire.PayloadData:
		r.handleData(p, pkt, now)
	case wire.PayloadOOB:
		r.handleOOB(p, pkt)
	case wire.PayloadNACKRange, wire.PayloadNACKBitmask, wire.PayloadRR:
		r.log.Debugf("peer %s: unexpected control packet %s on receive side, dropping", p.ID, pkt.Header.PayloadType)
	default:
		r.log.Debugf("peer %s: unknown payload type, dropping", p.ID)
	}
}

func (r *Receiver) handleData(p *peer.Peer, pkt *wire.Packet, now time.Time) {
	payload := pkt.Payload
	if pkt.Header.Flags&wire.FlagEncrypted != 0 {
		codec, salt := p.Codec()
		if codec == nil {
			r.log.Debugf("peer %s: encrypted packet but no codec configured", p.ID)
			p.OnDecryptFailure()
			return
		}
		nonce := xcrypto.Nonce(salt, pkt.Header.FlowID, uint32(pkt.Header.Seq))
		plain, err := codec.Decrypt(nonce, payload)
		if err != nil {
			p.OnDecryptFailure()
			return
		}
		payload = plain
		p.OnDecryptSuccess()
	}
	if pkt.Header.Flags&wire.FlagCompressed != 0 {
		decompressed, err := compress.Decompress(payload)
		if err != nil {
			r.log.Debugf("peer %s: malformed lz4 frame: %v", p.ID, err)
			return
		}
		payload = decompressed
	}

	p.OnDataOrRR()
	r.mu.Lock()
	sentAt, hadNack := r.nackSentAt[p.ID]
	delete(r.nackSentAt, p.ID)
	r.mu.Unlock()
	if hadNack {
		p.SampleRTT(now.Sub(sentAt))
	}

	reference := wire.Sequence(pkt.Header.Seq)
	if f := r.agg.Flow(pkt.Header.FlowID); f != nil {
		reference = f.Cursor()
	}
	seq := wire.ExtendSeq16(pkt.Header.Seq, reference)
	r.agg.Ingest(pkt.Header.FlowID, seq, p.ID, payload, now)
}

func (r *Receiver) handleOOB(p *peer.Peer, pkt *wire.Packet) {
	payload := pkt.Payload
	if pkt.Header.Flags&wire.FlagEncrypted != 0 {
		codec, salt := p.Codec()
		if codec == nil {
			return
		}
		nonce := xcrypto.Nonce(salt, pkt.Header.FlowID, pkt.Header.NTPShort)
		plain, err := codec.Decrypt(nonce, payload)
		if err != nil {
			p.OnDecryptFailure()
			return
		}
		payload = plain
		p.OnDecryptSuccess()
	}
	ob, err := wire.DecodeOOB(payload)
	if err != nil {
		r.log.Debugf("peer %s: malformed oob block: %v", p.ID, err)
		return
	}
	r.oob.Deliver(oob.Block{PeerID: p.ID, Payload: *ob})
}
