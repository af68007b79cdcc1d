package sender

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanake-go/rist/config"
	"github.com/nanake-go/rist/internal/xlog"
	"github.com/nanake-go/rist/peer"
	"github.com/nanake-go/rist/wire"
)

type recordingTransport struct {
	mu      sync.Mutex
	written [][]byte
}

func (t *recordingTransport) WriteTo(peerID string, b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := append([]byte(nil), b...)
	t.written = append(t.written, cp)
	return nil
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.written)
}

func testLogger() *xlog.Logger {
	return xlog.New(io.Discard, "test", xlog.LevelError)
}

func newTestPeer() *peer.Peer {
	cfg := config.Peer{
		RecoveryRTTMin: 10 * time.Millisecond,
		RecoveryRTTMax: 200 * time.Millisecond,
	}
	return peer.New(cfg, nil, testLogger(), time.Now())
}

func TestRingStoreAndRetransmit(t *testing.T) {
	transport := &recordingTransport{}
	p := newTestPeer()
	r := NewRing("peerA", 64, 1400, 10_000_000, 5, time.Second, transport, p, testLogger())

	now := time.Now()
	r.Store(1, []byte("hello"), now)

	r.RequestRetransmit(1, now.Add(50*time.Millisecond))
	require.Eventually(t, func() bool { return transport.count() == 1 }, time.Second, time.Millisecond)
}

func TestRingEvictionOnWrap(t *testing.T) {
	transport := &recordingTransport{}
	p := newTestPeer()
	r := NewRing("peerA", 4, 1400, 10_000_000, 5, time.Second, transport, p, testLogger())

	now := time.Now()
	for i := wire.Sequence(0); i < 8; i++ {
		r.Store(i, []byte{byte(i)}, now)
	}
	require.EqualValues(t, 4, r.Evictions())
}

func TestRingDuplicateNACKSuppression(t *testing.T) {
	transport := &recordingTransport{}
	p := newTestPeer()
	r := NewRing("peerA", 64, 1400, 10_000_000, 5, time.Second, transport, p, testLogger())

	now := time.Now()
	r.Store(1, []byte("hello"), now)

	r.RequestRetransmit(1, now)
	require.Eventually(t, func() bool { return transport.count() == 1 }, time.Second, time.Millisecond)

	// A second NACK for the same sequence within one RTT should be
	// suppressed (spec §4.2).
	r.RequestRetransmit(1, now.Add(5*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, transport.count())
}

func TestEngineEnqueueFanOut(t *testing.T) {
	transportA := &recordingTransport{}
	transportB := &recordingTransport{}
	pA := newTestPeer()
	pB := newTestPeer()
	ringA := NewRing("peerA", 64, 1400, 10_000_000, 5, time.Second, transportA, pA, testLogger())
	ringB := NewRing("peerB", 64, 1400, 10_000_000, 5, time.Second, transportB, pB, testLogger())

	e := NewEngine(wire.ProfileMain, testLogger())
	e.AssignPeer(7, ringA)
	e.AssignPeer(7, ringB)

	n, err := e.Enqueue(context.Background(), DataBlock{FlowID: 7, Payload: []byte("ts-packet")})
	require.NoError(t, err)
	require.Greater(t, n, 0)
	require.Equal(t, 1, transportA.count())
	require.Equal(t, 1, transportB.count())
}
