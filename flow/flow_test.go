package flow

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanake-go/rist/internal/xlog"
	"github.com/nanake-go/rist/wire"
)

type fakeNACKSender struct {
	mu     sync.Mutex
	ranges []wire.NACKRangeEntry
	masks  []wire.NACKBitmask
}

func (f *fakeNACKSender) SendNACKRange(peerID string, flowID uint32, entries []wire.NACKRangeEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, entries...)
	return nil
}

func (f *fakeNACKSender) SendNACKBitmask(peerID string, flowID uint32, nb wire.NACKBitmask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.masks = append(f.masks, nb)
	return nil
}

func testLogger() *xlog.Logger {
	return xlog.New(io.Discard, "test", xlog.LevelError)
}

func TestFlowCleanInOrderDelivery(t *testing.T) {
	var mu sync.Mutex
	var delivered [][]byte

	nacks := &fakeNACKSender{}
	cfg := Config{
		FlowID:            1,
		Window:            256,
		RecoveryLengthMin: 20 * time.Millisecond,
		RTTMin:            5 * time.Millisecond,
		RTTMax:            50 * time.Millisecond,
		MaxRetries:        5,
	}
	f := New(cfg, 0, func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, p)
	}, nacks, testLogger())
	f.Start()
	defer f.Stop()

	now := time.Now()
	for i := wire.Sequence(0); i < 50; i++ {
		f.Ingest(i, "peerA", []byte{byte(i)}, now)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 50
	}, 2*time.Second, 5*time.Millisecond)

	c := f.Counters()
	require.EqualValues(t, 50, c.Received)
	require.EqualValues(t, 0, c.Lost)
	require.EqualValues(t, 0, c.Recovered)
}

func TestFlowReorderWithinWindowNoNACK(t *testing.T) {
	var mu sync.Mutex
	var delivered []wire.Sequence

	nacks := &fakeNACKSender{}
	cfg := Config{
		FlowID:            2,
		Window:            256,
		RecoveryLengthMin: 100 * time.Millisecond,
		RTTMin:            50 * time.Millisecond,
		RTTMax:            200 * time.Millisecond,
		MaxRetries:        5,
	}
	f := New(cfg, 0, func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, wire.Sequence(p[0]))
	}, nacks, testLogger())
	f.Start()
	defer f.Stop()

	now := time.Now()
	order := []wire.Sequence{1, 0, 3, 2, 5, 4, 7, 6}
	for _, s := range order {
		f.Ingest(s, "peerA", []byte{byte(s)}, now)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 8
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	got := append([]wire.Sequence(nil), delivered...)
	mu.Unlock()
	for i, s := range got {
		require.EqualValues(t, i, s)
	}

	c := f.Counters()
	require.EqualValues(t, 0, c.Lost)
	require.EqualValues(t, 0, c.Recovered)

	nacks.mu.Lock()
	defer nacks.mu.Unlock()
	require.Empty(t, nacks.ranges)
	require.Empty(t, nacks.masks)
}

func TestFlowSingleLossTriggersNACKAndRecovers(t *testing.T) {
	var mu sync.Mutex
	delivered := map[wire.Sequence]bool{}

	nacks := &fakeNACKSender{}
	cfg := Config{
		FlowID:            3,
		Window:            256,
		RecoveryLengthMin: 500 * time.Millisecond,
		RTTMin:            20 * time.Millisecond,
		RTTMax:            100 * time.Millisecond,
		MaxRetries:        5,
	}
	var f *Flow
	f = New(cfg, 0, func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		delivered[wire.Sequence(p[0])] = true
	}, nacks, testLogger())
	f.Start()
	defer f.Stop()

	now := time.Now()
	for i := wire.Sequence(0); i < 10; i++ {
		if i == 5 {
			continue // dropped, retransmitted below once NACKed
		}
		f.Ingest(i, "peerA", []byte{byte(i)}, now)
	}

	require.Eventually(t, func() bool {
		nacks.mu.Lock()
		defer nacks.mu.Unlock()
		return len(nacks.ranges) > 0 || len(nacks.masks) > 0
	}, 2*time.Second, 5*time.Millisecond)

	// Simulate the sender's retransmit arriving.
	f.Ingest(5, "peerA", []byte{5}, time.Now())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 10
	}, 2*time.Second, 5*time.Millisecond)

	c := f.Counters()
	require.EqualValues(t, 0, c.Lost)
	require.GreaterOrEqual(t, c.Recovered, uint64(1))
}

func TestLateArrivalDoesNotFillMismatchedPendingSlot(t *testing.T) {
	var mu sync.Mutex
	delivered := map[wire.Sequence][]byte{}

	nacks := &fakeNACKSender{}
	cfg := Config{
		FlowID:            4,
		Window:            8,
		RecoveryLengthMin: 300 * time.Millisecond,
		RTTMin:            20 * time.Millisecond,
		RTTMax:            100 * time.Millisecond,
		MaxRetries:        5,
	}
	var f *Flow
	f = New(cfg, 0, func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		delivered[wire.Sequence(p[0])] = p
	}, nacks, testLogger())
	f.Start()
	defer f.Stop()

	now := time.Now()
	for i := wire.Sequence(0); i < 5; i++ {
		f.Ingest(i, "peerA", []byte{byte(i), 0}, now)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 5
	}, time.Second, 5*time.Millisecond)

	// seq 12 arrives ahead of the gap, marking [5,11] pending. With
	// Window=8, index 3 (seq 12 % 8 == 4, seq 11 % 8 == 3) is the same
	// index that held the long-delivered, now-cleared seq 3: seq 11
	// becomes a legitimate Pending occupant of that index.
	f.Ingest(12, "peerA", []byte{12, 0}, now)

	// A stale, late retransmit for seq 3 arrives at the same ring index.
	// It must not be mistaken for the new Pending occupant (seq 11).
	f.Ingest(3, "peerA", []byte{3, 0xFF}, now)

	// The genuine seq 11 arrives with its own payload.
	f.Ingest(11, "peerA", []byte{11, 0}, now)
	for i := wire.Sequence(5); i < 11; i++ {
		f.Ingest(i, "peerA", []byte{byte(i), 0}, now)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 13
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte{11, 0}, delivered[11])
}

func TestCoalesceRanges(t *testing.T) {
	run := []wire.Sequence{10, 11, 12, 20, 21}
	entries := coalesceRanges(run)
	require.Equal(t, []wire.NACKRangeEntry{
		{Base: 10, Count: 3},
		{Base: 20, Count: 2},
	}, entries)
}

func TestBuildBitmask(t *testing.T) {
	run := []wire.Sequence{100, 101, 103}
	nb := buildBitmask(run)
	require.EqualValues(t, 100, nb.Base)
	require.True(t, nb.IsSet(0))
	require.True(t, nb.IsSet(1))
	require.False(t, nb.IsSet(2))
	require.True(t, nb.IsSet(3))
}
