package oob

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanake-go/rist/wire"
)

func TestPullModeFIFOOrder(t *testing.T) {
	c := New(4)
	c.Deliver(Block{PeerID: "p1", Payload: wire.OOBBlock{Payload: []byte("A")}})
	c.Deliver(Block{PeerID: "p1", Payload: wire.OOBBlock{Payload: []byte("B")}})
	c.Deliver(Block{PeerID: "p1", Payload: wire.OOBBlock{Payload: []byte("C")}})

	require.Equal(t, 3, c.Len())
	out := c.Pull(10)
	require.Len(t, out, 3)
	require.Equal(t, []byte("A"), out[0].Payload.Payload)
	require.Equal(t, []byte("B"), out[1].Payload.Payload)
	require.Equal(t, []byte("C"), out[2].Payload.Payload)
	require.Equal(t, 0, c.Len())
}

func TestOverflowDropsOldest(t *testing.T) {
	c := New(2)
	c.Deliver(Block{PeerID: "p1", Payload: wire.OOBBlock{Payload: []byte("A")}})
	c.Deliver(Block{PeerID: "p1", Payload: wire.OOBBlock{Payload: []byte("B")}})
	c.Deliver(Block{PeerID: "p1", Payload: wire.OOBBlock{Payload: []byte("C")}})

	out := c.Pull(10)
	require.Len(t, out, 2)
	require.Equal(t, []byte("B"), out[0].Payload.Payload)
	require.Equal(t, []byte("C"), out[1].Payload.Payload)
}

func TestCallbackModeDeliversSynchronously(t *testing.T) {
	c := New(4)
	var got []string
	c.SetCallback(func(b Block) { got = append(got, string(b.Payload.Payload)) })

	c.Deliver(Block{PeerID: "p1", Payload: wire.OOBBlock{Payload: []byte("A")}})
	c.Deliver(Block{PeerID: "p1", Payload: wire.OOBBlock{Payload: []byte("B")}})

	require.Equal(t, []string{"A", "B"}, got)
	require.Equal(t, 0, c.Len())
}
