package peer

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanake-go/rist/config"
	"github.com/nanake-go/rist/internal/xlog"
)

func testLogger() *xlog.Logger {
	return xlog.New(io.Discard, "test", xlog.LevelError)
}

func newTestConfig() config.Peer {
	return config.Peer{
		RecoveryRTTMin:   10 * time.Millisecond,
		RecoveryRTTMax:   200 * time.Millisecond,
		SessionTimeout:   100 * time.Millisecond,
		KeepaliveTimeout: 30 * time.Millisecond,
		BufferBloatMode:  config.BufferBloatNormal,
		BufferBloatLimit: 50 * time.Millisecond,
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	now := time.Now()
	p := New(newTestConfig(), nil, testLogger(), now)
	require.Equal(t, StateIdle, p.State())

	p.OnInboundPacket(now)
	require.Equal(t, StateHandshaking, p.State())

	require.NoError(t, p.CompleteHandshake(HandshakeInfo{Cname: "sender-1"}))
	require.Equal(t, StateAuthenticated, p.State())

	p.OnDataOrRR()
	require.Equal(t, StateActive, p.State())
}

func TestCompleteHandshakeRejected(t *testing.T) {
	now := time.Now()
	p := New(newTestConfig(), nil, testLogger(), now)
	p.SetCallbacks(func(remoteIP net.IP, remotePort int, localIP net.IP, localPort int, peer *Peer) bool {
		return false
	}, nil)

	err := p.CompleteHandshake(HandshakeInfo{Cname: "sender-1"})
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, StateDead, p.State())
}

func TestIsAliveFiresDisconnectOnce(t *testing.T) {
	now := time.Now()
	p := New(newTestConfig(), nil, testLogger(), now)

	fired := 0
	p.SetCallbacks(nil, func(peer *Peer) { fired++ })

	require.True(t, p.IsAlive(now.Add(10*time.Millisecond)))
	require.False(t, p.IsAlive(now.Add(time.Second)))
	require.False(t, p.IsAlive(now.Add(2*time.Second)))
	require.Equal(t, 1, fired)
	require.Equal(t, StateDead, p.State())
}

func TestSampleRTTClampedAndSmoothed(t *testing.T) {
	now := time.Now()
	p := New(newTestConfig(), nil, testLogger(), now)

	p.SampleRTT(5 * time.Millisecond) // below rttMin
	_, smoothed, _ := p.RTT()
	require.Equal(t, 10*time.Millisecond, smoothed)

	p.SampleRTT(500 * time.Millisecond) // above rttMax
	_, smoothed, _ = p.RTT()
	require.LessOrEqual(t, smoothed, 200*time.Millisecond)
}

func TestEvaluateBufferBloatTripsAndUntrips(t *testing.T) {
	now := time.Now()
	p := New(newTestConfig(), nil, testLogger(), now)

	for i := 0; i < 10; i++ {
		p.SampleRTT(100 * time.Millisecond)
	}
	st := p.EvaluateBufferBloat()
	require.True(t, st.DropRetransmits)

	for i := 0; i < 10; i++ {
		p.SampleRTT(5 * time.Millisecond)
	}
	st = p.EvaluateBufferBloat()
	require.False(t, st.DropRetransmits)
}

func TestDecryptFailureThresholdKillsPeer(t *testing.T) {
	now := time.Now()
	p := New(newTestConfig(), nil, testLogger(), now)

	fired := 0
	p.SetCallbacks(nil, func(peer *Peer) { fired++ })

	for i := 0; i < MaxDecryptFailures; i++ {
		p.OnDecryptFailure()
	}
	require.Equal(t, StateDead, p.State())
	require.Equal(t, 1, fired)
}
