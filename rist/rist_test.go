package rist

import (
	"context"
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

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return conn
}

func TestSenderReceiverCleanDelivery(t *testing.T) {
	recvConn := listenLoopback(t)
	sendConn := listenLoopback(t)

	senderCfg := &config.Config{
		Profile: "simple",
		FlowID:  42,
		CName:   "sender-1",
		Peers: []config.Peer{{
			Address:            recvConn.LocalAddr().String(),
			RecoveryMaxBitrate: 1_000_000,
			RecoveryLengthMax:  time.Second,
			RecoveryLengthMin:  20 * time.Millisecond,
			RecoveryRTTMin:     5 * time.Millisecond,
			RecoveryRTTMax:     100 * time.Millisecond,
			MTU:                1400,
			MaxRetries:         5,
			SessionTimeout:      2 * time.Second,
			KeepaliveTimeout:    500 * time.Millisecond,
		}},
	}
	receiverCfg := &config.Config{
		Profile: "simple",
		FlowID:  42,
		CName:   "receiver-1",
		Peers: []config.Peer{{
			Address:            sendConn.LocalAddr().String(),
			RecoveryRTTMin:     5 * time.Millisecond,
			RecoveryRTTMax:     100 * time.Millisecond,
			RecoveryLengthMin:  20 * time.Millisecond,
			SessionTimeout:      2 * time.Second,
			KeepaliveTimeout:    500 * time.Millisecond,
			MaxRetries:         5,
		}},
	}

	sender, err := NewSender(senderCfg, sendConn, testLogger())
	require.NoError(t, err)
	receiver, err := NewReceiver(receiverCfg, recvConn, testLogger())
	require.NoError(t, err)

	var delivered [][]byte
	receiver.SetCallbacks(Callbacks{
		Data: func(b DataBlock) { delivered = append(delivered, b.Payload) },
	})

	require.NoError(t, sender.Start())
	require.NoError(t, receiver.Start())
	defer sender.Stop()
	defer receiver.Stop()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := sender.Enqueue(ctx, 42, 33, false, []byte{byte(i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(delivered) == 20 }, 2*time.Second, 5*time.Millisecond)
	for i, b := range delivered {
		require.Equal(t, []byte{byte(i)}, b)
	}
}

func TestStartTwiceReturnsAlreadyStarted(t *testing.T) {
	conn := listenLoopback(t)
	cfg := &config.Config{
		Profile: "simple",
		FlowID:  1,
		Peers: []config.Peer{{
			Address:        conn.LocalAddr().String(),
			SessionTimeout: time.Second,
		}},
	}
	s, err := NewSender(cfg, conn, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()
	require.ErrorIs(t, s.Start(), ErrAlreadyStarted)
}

func TestReceiverReadNotStartedBeforeStart(t *testing.T) {
	conn := listenLoopback(t)
	cfg := &config.Config{
		Profile: "simple",
		FlowID:  1,
		Peers: []config.Peer{{
			Address:        conn.LocalAddr().String(),
			SessionTimeout: time.Second,
		}},
	}
	r, err := NewReceiver(cfg, conn, testLogger())
	require.NoError(t, err)
	_, err = r.Read(time.Millisecond)
	require.ErrorIs(t, err, ErrNotStarted)
}
