package rist

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nanake-go/rist/config"
	"github.com/nanake-go/rist/internal/worker"
	"github.com/nanake-go/rist/internal/xlog"
	"github.com/nanake-go/rist/peer"
	"github.com/nanake-go/rist/stats"
	"github.com/nanake-go/rist/wire"
)

// Callbacks is the capability record handed to Start: a null entry means
// "use default (buffer or drop)" per spec §9's design note on dynamic
// callback dispatch. None of these may call back into the owning context.
type Callbacks struct {
	AuthConnect    peer.AuthFunc
	AuthDisconnect peer.DisconnectFunc
	Data           func(DataBlock)
	OOB            func(OOBBlock)
	Stats          func(stats.Snapshot)
}

// DataBlock is the payload handed to the application's data callback. The
// receiver fills in FlowID and Payload only; PeerID, NTPShort, PT and
// Marker are left at their zero values, and the sequence number is not
// carried.
type DataBlock struct {
	FlowID   uint32
	PeerID   string
	NTPShort uint32
	PT       uint8
	Marker   bool
	Payload  []byte
}

// OOBBlock is the payload handed to the application's oob callback.
type OOBBlock struct {
	PeerID   string
	NTPShort uint32
	Payload  []byte
}

// profileFromConfig maps the config's string profile to the wire enum.
func profileFromConfig(name string) wire.Profile {
	if name == "simple" {
		return wire.ProfileSimple
	}
	return wire.ProfileMain
}

// base holds the fields and plumbing shared by Sender and Receiver: the
// transport socket, the configured peer set, and the liveness/keepalive
// loops. Embedding worker.Worker gives both contexts the same
// Go/Halt/HaltCh/Wait shutdown dance used throughout the rest of the
// module (mirroring client2.Client's own embedding of worker.Worker).
type base struct {
	worker.Worker

	mu sync.Mutex

	conn    net.PacketConn
	profile wire.Profile
	cfg     *config.Config
	log     *xlog.Logger
	statsReg *stats.Registry

	peersByID   map[string]*peer.Peer
	peersByAddr map[string]*peer.Peer

	keepaliveSentAt map[string]time.Time

	cbs Callbacks

	started bool
}

func newBase(cfg *config.Config, conn net.PacketConn, log *xlog.Logger) (*base, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	if log == nil {
		log = xlog.New(nil, "rist", xlog.LevelInfo)
	}

	b := &base{
		conn:        conn,
		profile:     profileFromConfig(cfg.Profile),
		cfg:         cfg,
		log:         log,
		statsReg:    stats.NewRegistry(),
		peersByID:       make(map[string]*peer.Peer),
		peersByAddr:     make(map[string]*peer.Peer),
		keepaliveSentAt: make(map[string]time.Time),
	}

	now := time.Now()
	for _, pc := range cfg.Peers {
		addr, err := net.ResolveUDPAddr("udp", pc.Address)
		if err != nil {
			return nil, errors.Join(ErrInvalidConfig, err)
		}
		p := peer.New(pc, addr, xlog.Child(log, "rist", "peer"), now)
		b.peersByID[p.ID] = p
		b.peersByAddr[addr.String()] = p
	}
	return b, nil
}

// SetCallbacks installs the application's capability record and pushes the
// auth callbacks down to every configured peer.
func (b *base) SetCallbacks(cbs Callbacks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cbs = cbs
	for _, p := range b.peersByID {
		p.SetCallbacks(cbs.AuthConnect, cbs.AuthDisconnect)
	}
}

func (b *base) peerByAddr(addr net.Addr) *peer.Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peersByAddr[addr.String()]
}

func (b *base) allPeers() []*peer.Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*peer.Peer, 0, len(b.peersByID))
	for _, p := range b.peersByID {
		out = append(out, p)
	}
	return out
}

// WriteTo implements sender.Transport and is also used directly for
// control packets: it looks peerID up and writes to its configured
// address.
func (b *base) WriteTo(peerID string, wireBytes []byte) error {
	b.mu.Lock()
	p, ok := b.peersByID[peerID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("rist: unknown peer %q", peerID)
	}
	_, err := b.conn.WriteTo(wireBytes, p.Addr)
	return err
}

// sendKeepAlive frames and transmits a keep-alive to p (spec §4.4, only
// meaningful on the main profile; the simple profile has no keep-alives).
func (b *base) sendKeepAlive(p *peer.Peer) error {
	if b.profile != wire.ProfileMain {
		return nil
	}
	body, err := wire.EncodeKeepAlive(wire.KeepAlive{Cname: b.cfg.CName})
	if err != nil {
		return err
	}
	pkt := &wire.Packet{
		Header:  wire.Header{Version: wire.ProtocolVersion, PayloadType: wire.PayloadKeepAlive, FlowID: b.cfg.FlowID},
		Payload: body,
	}
	out, err := wire.Encode(b.profile, pkt)
	if err != nil {
		return err
	}
	p.OnOutboundKeepAlive()
	if err := b.WriteTo(p.ID, out); err != nil {
		return err
	}
	b.mu.Lock()
	b.keepaliveSentAt[p.ID] = time.Now()
	b.mu.Unlock()
	return nil
}

// lastKeepAliveSentAt returns the time of the most recent outbound
// keep-alive to peerID, if any.
func (b *base) lastKeepAliveSentAt(peerID string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.keepaliveSentAt[peerID]
	return t, ok
}

// keepaliveLoop sends a keep-alive to every configured peer on its own
// keepalive_timeout/3 cadence (spec §4.4).
func (b *base) keepaliveLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	due := make(map[string]time.Time)
	for {
		select {
		case <-b.HaltCh():
			return
		case now := <-ticker.C:
			for _, p := range b.allPeers() {
				next, ok := due[p.ID]
				if ok && now.Before(next) {
					continue
				}
				if err := b.sendKeepAlive(p); err != nil {
					b.log.Debugf("keepalive to peer %s failed: %v", p.ID, err)
				}
				due[p.ID] = now.Add(p.KeepaliveInterval())
			}
		}
	}
}

// livenessLoop periodically evaluates every peer's session_timeout and
// fires auth.disconnect exactly once on expiry (spec §4.4 "any -> dead").
func (b *base) livenessLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.HaltCh():
			return
		case now := <-ticker.C:
			for _, p := range b.allPeers() {
				p.IsAlive(now)
			}
		}
	}
}

// statsLoop fires the application's stats callback on cfg.StatsInterval,
// or every second if unset, and feeds the per-context prometheus registry
// from the same cumulative snapshot, tracked since the previous tick.
func (b *base) statsLoop(snapshot func(p *peer.Peer) stats.Snapshot) {
	interval := b.cfg.StatsInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	prev := make(map[string]stats.Snapshot)
	for {
		select {
		case <-b.HaltCh():
			return
		case <-ticker.C:
			b.mu.Lock()
			cb := b.cbs.Stats
			b.mu.Unlock()
			for _, p := range b.allPeers() {
				s := snapshot(p)
				min, smoothed, max := p.RTT()
				s.RTTMin, s.RTTSmoothed, s.RTTMax = min.Seconds(), smoothed.Seconds(), max.Seconds()
				s.PeerID = p.ID

				last := prev[p.ID]
				b.statsReg.IncReceived(p.ID, counterDelta(s.Received, last.Received))
				b.statsReg.IncRecovered(p.ID, counterDelta(s.Recovered, last.Recovered))
				b.statsReg.IncLost(p.ID, counterDelta(s.Lost, last.Lost))
				b.statsReg.IncReordered(p.ID, counterDelta(s.Reordered, last.Reordered))
				b.statsReg.IncFlowReset(p.ID, counterDelta(s.FlowResets, last.FlowResets))
				b.statsReg.IncSenderEviction(p.ID, counterDelta(s.SenderEvictions, last.SenderEvictions))
				b.statsReg.SetRTT(p.ID, s.RTTMin, s.RTTSmoothed, s.RTTMax)
				prev[p.ID] = s

				if cb != nil {
					cb(s)
				}
			}
		}
	}
}

// counterDelta returns the increase of a cumulative counter since the last
// tick, or 0 if it went backwards (flow reset/restart).
func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// teardown signals every background loop to stop, drains them, and fires
// auth.disconnect for each still-live peer (spec §5 "Cancellation").
func (b *base) teardown() {
	b.Halt()
	b.Wait()
	for _, p := range b.allPeers() {
		p.MarkDead("context destroyed")
	}
	b.conn.Close()
}
