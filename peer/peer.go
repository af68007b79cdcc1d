// Package peer implements the §4.4 peer state machine: idle ->
// handshaking -> authenticated -> active -> dead, keep-alives, RTT
// estimation, and the buffer-bloat congestion state consulted by the
// sender's pacer (§4.2). Grounded on client2/connection.go's embedding of
// worker.Worker plus a charmbracelet/log handle, generalized from "one
// TCP connection to a Provider" to "one UDP peer participating in a
// flow".
package peer

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/nanake-go/rist/config"
	"github.com/nanake-go/rist/internal/xlog"
	"github.com/nanake-go/rist/xcrypto"
)

// State is a position in the spec §4.4 lifecycle.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateAuthenticated
	StateActive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Error kinds from spec §7 that are peer-scoped.
var (
	ErrPeerDead     = errors.New("rist/peer: peer is dead")
	ErrUnauthorized = errors.New("rist/peer: peer is unauthorized")
)

// AuthFunc is the application's auth.connect callback (spec §6). It may
// not call back into the owning context.
type AuthFunc func(remoteIP net.IP, remotePort int, localIP net.IP, localPort int, p *Peer) bool

// DisconnectFunc is auth.disconnect, invoked exactly once per peer.
type DisconnectFunc func(p *Peer)

// BufferBloatMode is an alias of config.BufferBloatMode, re-exported so
// callers of this package can name the modes without importing config.
type BufferBloatMode = config.BufferBloatMode

const (
	BufferBloatOff        = config.BufferBloatOff
	BufferBloatNormal     = config.BufferBloatNormal
	BufferBloatAggressive = config.BufferBloatAggressive
)

// Peer is one configured remote endpoint (spec §3 "Peer"). A Peer is
// owned by exactly one sender or receiver context; lookups go through the
// owning context rather than peers referencing each other directly (spec
// §9 cyclic-reference note).
type Peer struct {
	mu sync.RWMutex

	ID   string
	Addr net.Addr

	log *xlog.Logger

	cfg config.Peer

	state State

	cname       string
	capsBitmap  uint32
	authCb      AuthFunc
	disconnCb   DisconnectFunc
	disconnOnce sync.Once

	// RTT estimation (spec §4.4): smoothed via EWMA alpha=1/8, clamped to
	// [recovery_rtt_min, recovery_rtt_max].
	rttMin      time.Duration
	rttMax      time.Duration
	rttSmoothed time.Duration
	haveRTT     bool

	// Liveness.
	lastRecv     time.Time
	sessionTO    time.Duration
	keepaliveTO  time.Duration

	// Congestion / buffer-bloat (spec §4.2, §9 Open Question on
	// buffer_bloat_hard_limit).
	bbMode      BufferBloatMode
	bbLimit     time.Duration
	bbHardLimit time.Duration
	bbTripped   bool

	// Encryption (spec §4.7); nil when key_size==0.
	codec *xcrypto.Codec
	salt  [xcrypto.SaltLength]byte

	decryptFailures int
	weight          uint32
}

// New creates an idle peer from configuration. now is the construction
// time, used to seed the liveness deadline.
func New(cfg config.Peer, addr net.Addr, log *xlog.Logger, now time.Time) *Peer {
	p := &Peer{
		ID:          xid.New().String(),
		Addr:        addr,
		log:         log,
		cfg:         cfg,
		state:       StateIdle,
		rttMin:      cfg.RecoveryRTTMin,
		rttMax:      cfg.RecoveryRTTMax,
		rttSmoothed: cfg.RecoveryRTTMin,
		lastRecv:    now,
		sessionTO:   cfg.SessionTimeout,
		keepaliveTO: cfg.KeepaliveTimeout,
		bbMode:      cfg.BufferBloatMode,
		bbLimit:     cfg.BufferBloatLimit,
		bbHardLimit: cfg.BufferBloatHardLimit,
		weight:      cfg.Weight,
	}
	return p
}

// SetCallbacks installs the application's auth callbacks. A nil authCb
// means implicit accept (spec §4.4 "or no auth handler is installed").
func (p *Peer) SetCallbacks(authCb AuthFunc, disconnCb DisconnectFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authCb = authCb
	p.disconnCb = disconnCb
}

// SetCodec installs the AES-CTR codec derived for this peer (spec §4.7).
func (p *Peer) SetCodec(codec *xcrypto.Codec, salt [xcrypto.SaltLength]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codec = codec
	p.salt = salt
}

// Codec returns the peer's encryption codec, or nil if encryption is
// disabled for this peer.
func (p *Peer) Codec() (*xcrypto.Codec, [xcrypto.SaltLength]byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.codec, p.salt
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Weight is the configured load-balancing weight (spec §3).
func (p *Peer) Weight() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.weight
}

// OnOutboundKeepAlive transitions idle->handshaking when the first
// outbound keep-alive is sent (spec §4.4).
func (p *Peer) OnOutboundKeepAlive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateIdle {
		p.state = StateHandshaking
		p.log.Debugf("peer %s idle -> handshaking (outbound keepalive)", p.ID)
	}
}

// HandshakeInfo carries the cname/capabilities exchanged during the
// handshake (spec §6 keep-alive payload).
type HandshakeInfo struct {
	RemoteIP   net.IP
	RemotePort int
	LocalIP    net.IP
	LocalPort  int
	Cname      string
	Caps       uint32
}

// OnInboundPacket updates liveness and advances idle->handshaking on
// first contact (spec §4.4).
func (p *Peer) OnInboundPacket(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRecv = now
	if p.state == StateIdle {
		p.state = StateHandshaking
		p.log.Debugf("peer %s idle -> handshaking (inbound packet)", p.ID)
	}
}

// CompleteHandshake runs the configured auth callback (if any) and
// transitions handshaking->authenticated on accept (spec §4.4).
func (p *Peer) CompleteHandshake(info HandshakeInfo) error {
	p.mu.Lock()
	authCb := p.authCb
	if p.state != StateHandshaking && p.state != StateIdle {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	accept := true
	if authCb != nil {
		accept = authCb(info.RemoteIP, info.RemotePort, info.LocalIP, info.LocalPort, p)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !accept {
		p.state = StateDead
		return ErrUnauthorized
	}
	p.cname = info.Cname
	p.capsBitmap = info.Caps
	p.state = StateAuthenticated
	p.log.Debugf("peer %s handshaking -> authenticated (cname=%q)", p.ID, info.Cname)
	return nil
}

// OnDataOrRR transitions authenticated->active on the first data/RR
// exchange (spec §4.4).
func (p *Peer) OnDataOrRR() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateAuthenticated {
		p.state = StateActive
		p.log.Debugf("peer %s authenticated -> active", p.ID)
	}
}

// IsAlive reports whether the peer has received traffic within
// session_timeout of now; if not, it transitions to dead and fires
// disconnCb exactly once (spec §4.4).
func (p *Peer) IsAlive(now time.Time) bool {
	p.mu.Lock()
	var fire bool
	if p.state != StateDead && now.Sub(p.lastRecv) > p.sessionTO {
		p.state = StateDead
		fire = true
		p.log.Warnf("peer %s -> dead (session_timeout exceeded)", p.ID)
	}
	dead := p.state == StateDead
	disconnCb := p.disconnCb
	p.mu.Unlock()

	if fire {
		p.fireDisconnect(disconnCb)
	}
	return !dead
}

// MarkDead transitions the peer to dead immediately, e.g. on
// disconn_cb-triggered removal or repeated decryption failure (spec
// §4.4). It is idempotent.
func (p *Peer) MarkDead(reason string) {
	p.mu.Lock()
	already := p.state == StateDead
	p.state = StateDead
	disconnCb := p.disconnCb
	p.mu.Unlock()

	if !already {
		p.log.Warnf("peer %s -> dead (%s)", p.ID, reason)
	}
	p.fireDisconnect(disconnCb)
}

func (p *Peer) fireDisconnect(cb DisconnectFunc) {
	p.disconnOnce.Do(func() {
		if cb != nil {
			cb(p)
		}
	})
}

// MaxDecryptFailures bounds repeated DecryptFailed before the peer is
// killed (spec §4.4 "decryption failed >= K times within a window"). K is
// fixed rather than config-exposed: spec leaves the window/K unspecified
// beyond "a window", so this module uses a simple failure counter reset
// on every successful decrypt, conservative per spec §9's guidance to
// resolve ambiguity toward the safer interpretation.
const MaxDecryptFailures = 8

// OnDecryptFailure increments the failure counter and kills the peer if
// MaxDecryptFailures is reached.
func (p *Peer) OnDecryptFailure() {
	p.mu.Lock()
	p.decryptFailures++
	tripped := p.decryptFailures >= MaxDecryptFailures
	p.mu.Unlock()
	if tripped {
		p.MarkDead("decryption failures exceeded threshold")
	}
}

// OnDecryptSuccess resets the failure counter.
func (p *Peer) OnDecryptSuccess() {
	p.mu.Lock()
	p.decryptFailures = 0
	p.mu.Unlock()
}

// KeepaliveInterval is keepalive_timeout/3 (spec §4.4).
func (p *Peer) KeepaliveInterval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keepaliveTO / 3
}

// SampleRTT folds a new round-trip sample into the smoothed estimate
// using EWMA alpha=1/8, clamped to [rttMin, rttMax] (spec §4.4).
func (p *Peer) SampleRTT(sample time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveRTT {
		p.rttSmoothed = sample
		p.haveRTT = true
	} else {
		p.rttSmoothed += (sample - p.rttSmoothed) / 8
	}
	if p.rttSmoothed < p.rttMin {
		p.rttSmoothed = p.rttMin
	}
	if p.rttSmoothed > p.rttMax {
		p.rttSmoothed = p.rttMax
	}
}

// RTT returns the current (min, smoothed, max) RTT estimate.
func (p *Peer) RTT() (min, smoothed, max time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rttMin, p.rttSmoothed, p.rttMax
}

// BufferBloatState reports whether the pacer should currently suppress
// new retransmissions/originals for this peer (spec §4.2).
type BufferBloatState struct {
	DropRetransmits bool
	ThrottleOriginals bool
	PauseOriginalsOneRTT bool
}

// bufferBloatLowWater is the fraction of bbLimit the smoothed RTT must
// fall back below before retransmissions resume, matching spec §4.2's
// "until RTT returns below a low-water threshold".
const bufferBloatLowWater = 0.8

// EvaluateBufferBloat updates and returns the congestion state given the
// current smoothed RTT (spec §4.2, and §9's resolution of the
// buffer_bloat_hard_limit Open Question: AGGRESSIVE pauses originals for
// one RTT when RTT exceeds bbHardLimit; NORMAL/OFF ignore it).
func (p *Peer) EvaluateBufferBloat() BufferBloatState {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bbMode == BufferBloatOff {
		p.bbTripped = false
		return BufferBloatState{}
	}

	if !p.bbTripped && p.rttSmoothed > p.bbLimit {
		p.bbTripped = true
	} else if p.bbTripped && p.rttSmoothed < time.Duration(float64(p.bbLimit)*bufferBloatLowWater) {
		p.bbTripped = false
	}

	st := BufferBloatState{DropRetransmits: p.bbTripped}
	if p.bbMode == BufferBloatAggressive {
		st.ThrottleOriginals = p.bbTripped
		if p.bbHardLimit > 0 && p.rttSmoothed > p.bbHardLimit {
			st.PauseOriginalsOneRTT = true
		}
	}
	return st
}
