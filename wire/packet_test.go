package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataPacketRoundTrip(t *testing.T) {
	pkt := &Packet{
		Header: Header{
			Version:     ProtocolVersion,
			PayloadType: PayloadData,
			VirtSrcPort: 1234,
			VirtDstPort: 5678,
			FlowID:      0xdeadbeef,
			Marker:      true,
			PT:          33,
			Seq:         4242,
			NTPShort:    0x01020304,
		},
		Payload: []byte("mpeg-ts payload bytes"),
	}

	buf, err := Encode(ProfileMain, pkt)
	require.NoError(t, err)

	got, err := Decode(ProfileMain, buf)
	require.NoError(t, err)

	require.Equal(t, pkt.Header.Version, got.Header.Version)
	require.Equal(t, pkt.Header.PayloadType, got.Header.PayloadType)
	require.Equal(t, pkt.Header.VirtSrcPort, got.Header.VirtSrcPort)
	require.Equal(t, pkt.Header.VirtDstPort, got.Header.VirtDstPort)
	require.Equal(t, pkt.Header.FlowID, got.Header.FlowID)
	require.Equal(t, pkt.Header.Marker, got.Header.Marker)
	require.Equal(t, pkt.Header.PT, got.Header.PT)
	require.Equal(t, pkt.Header.Seq, got.Header.Seq)
	require.Equal(t, pkt.Header.NTPShort, got.Header.NTPShort)
	require.Equal(t, pkt.Payload, got.Payload)
}

func TestSimpleProfileRoundTrip(t *testing.T) {
	pkt := &Packet{
		Header: Header{
			PayloadType: PayloadData,
			FlowID:      7,
			Seq:         99,
			NTPShort:    55,
		},
		Payload: []byte("x"),
	}
	buf, err := Encode(ProfileSimple, pkt)
	require.NoError(t, err)
	got, err := Decode(ProfileSimple, buf)
	require.NoError(t, err)
	require.Equal(t, pkt.Header.FlowID, got.Header.FlowID)
	require.Equal(t, pkt.Header.Seq, got.Header.Seq)
	require.Equal(t, pkt.Payload, got.Payload)
}

func TestDecodeRejectsReservedBits(t *testing.T) {
	pkt := &Packet{Header: Header{PayloadType: PayloadRR}, Payload: EncodeRR(RR{})}
	buf, err := Encode(ProfileMain, pkt)
	require.NoError(t, err)

	buf[0] |= 0x08 // set a reserved flag bit
	_, err = Decode(ProfileMain, buf)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	pkt := &Packet{Header: Header{PayloadType: PayloadRR}, Payload: EncodeRR(RR{})}
	buf, err := Encode(ProfileMain, pkt)
	require.NoError(t, err)

	truncated := buf[:len(buf)-1]
	_, err = Decode(ProfileMain, truncated)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestNACKRangeRoundTrip(t *testing.T) {
	entries := []NACKRangeEntry{{Base: 100, Count: 5}, {Base: 200, Count: 1}}
	got, err := DecodeNACKRange(EncodeNACKRange(entries))
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestNACKBitmaskSetAndDensity(t *testing.T) {
	var nb NACKBitmask
	nb.Base = 42
	for i := 0; i < 64; i++ {
		nb.Set(i)
	}
	require.InDelta(t, 0.5, nb.Density(), 1e-9)
	require.True(t, nb.IsSet(0))
	require.False(t, nb.IsSet(127))

	decoded, err := DecodeNACKBitmask(EncodeNACKBitmask(nb))
	require.NoError(t, err)
	require.Equal(t, nb, *decoded)
}

func TestExtendSeq16Rollover(t *testing.T) {
	ref := Sequence(0x0001FFF0)
	// low wraps from 0xfff0 past 0xffff to 0x0005: should extend into the
	// next epoch.
	got := ExtendSeq16(0x0005, ref)
	require.Equal(t, Sequence(0x00020005), got)
}
