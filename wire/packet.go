// Package wire implements the §4.1 framer: the GRE-style envelope, the
// RTP-style data header, and the control payload types (NACK-range,
// NACK-bitmask, RR, keep-alive, OOB). Encode/decode is pure and total:
// decode never panics and never returns a partially parsed packet, it
// either fully succeeds or returns ErrMalformedPacket.
//
// Wire layout (main/advanced profile), matching spec §6:
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Ver(4)|Flg(4) |  PayloadType  |            Length             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|       VirtSrcPort (16)       |       VirtDstPort (16)        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                          FlowID (32)                         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// followed, for PayloadType == Data, by a 12-byte RTP-style header and the
// (optionally compressed, optionally encrypted) payload. The simple
// profile omits the GRE-style envelope entirely and is RTP-over-UDP.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedPacket is returned by Decode when lengths mismatch, reserved
// bits are set, or the buffer is too short for its declared payload type.
var ErrMalformedPacket = errors.New("rist/wire: malformed packet")

// ProtocolVersion is the only version this decoder accepts.
const ProtocolVersion = 0

// PayloadType identifies the control/data kind of a packet.
type PayloadType uint8

const (
	PayloadData        PayloadType = 0x00
	PayloadNACKRange   PayloadType = 0x01
	PayloadNACKBitmask PayloadType = 0x02
	PayloadRR          PayloadType = 0x03
	PayloadKeepAlive   PayloadType = 0x04
	PayloadOOB         PayloadType = 0x05
)

func (t PayloadType) String() string {
	switch t {
	case PayloadData:
		return "data"
	case PayloadNACKRange:
		return "nack-range"
	case PayloadNACKBitmask:
		return "nack-bitmask"
	case PayloadRR:
		return "rr"
	case PayloadKeepAlive:
		return "keep-alive"
	case PayloadOOB:
		return "oob"
	default:
		return "unknown"
	}
}

// Flags are the per-packet hop-by-hop bits. They are excluded from the
// round-trip equality property in spec §8.4 ("except hop-by-hop flags").
type Flags uint8

const (
	FlagEncrypted Flags = 1 << iota
	FlagCompressed
)

// Profile selects which envelope is present on the wire.
type Profile uint8

const (
	// ProfileSimple is RTP-over-UDP: no GRE envelope, no virtual ports,
	// no OOB, no keep-alives, no compression.
	ProfileSimple Profile = iota
	// ProfileMain adds the GRE-style envelope and enables OOB,
	// keep-alives, and compression.
	ProfileMain
)

// Header is the fully decoded packet header, independent of profile: for
// ProfileSimple, VirtSrcPort/VirtDstPort/FlowID are not present on the
// wire and are zero-valued here (FlowID is recovered from the RTP SSRC
// field instead, per spec's "ssrc=flow_id").
type Header struct {
	Version     uint8
	Flags       Flags
	PayloadType PayloadType
	VirtSrcPort uint16
	VirtDstPort uint16
	FlowID      uint32

	// Data-packet-only fields (RTP-style sub-header).
	Marker   bool
	PT       uint8
	Seq      uint16
	NTPShort uint32 // low 32 bits of the NTP timestamp, carried as RTP ts
}

// Packet is a fully decoded wire packet: header plus payload bytes. For
// PayloadData, Payload is the (still encrypted/compressed, per Flags)
// media block. For control types, Payload carries the type-specific
// encoded body (see NACKRange/NACKBitmask/RR/KeepAlive/OOB below).
type Packet struct {
	Header  Header
	Payload []byte
}

const (
	greHeaderLen = 4 + 8 // version/flags/type/length + ports/flowid
	rtpHeaderLen = 12
)

// Encode serializes pkt for the given profile into a newly allocated
// buffer.
func Encode(profile Profile, pkt *Packet) ([]byte, error) {
	var rtp []byte
	if pkt.Header.PayloadType == PayloadData {
		rtp = make([]byte, rtpHeaderLen)
		b0 := uint8(2) << 6 // V=2, P=0, X=0, CC=0
		rtp[0] = b0
		b1 := pkt.Header.PT & 0x7f
		if pkt.Header.Marker {
			b1 |= 0x80
		}
		rtp[1] = b1
		binary.BigEndian.PutUint16(rtp[2:4], pkt.Header.Seq)
		binary.BigEndian.PutUint32(rtp[4:8], pkt.Header.NTPShort)
		binary.BigEndian.PutUint32(rtp[8:12], pkt.Header.FlowID)
	}

	if profile == ProfileSimple {
		out := make([]byte, 0, len(rtp)+len(pkt.Payload))
		out = append(out, rtp...)
		out = append(out, pkt.Payload...)
		return out, nil
	}

	total := greHeaderLen + len(rtp) + len(pkt.Payload)
	out := make([]byte, total)

	verFlags := (pkt.Header.Version&0xf)<<4 | uint8(pkt.Header.Flags)&0xf
	out[0] = verFlags
	out[1] = uint8(pkt.Header.PayloadType)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(rtp)+len(pkt.Payload)))
	binary.BigEndian.PutUint16(out[4:6], pkt.Header.VirtSrcPort)
	binary.BigEndian.PutUint16(out[6:8], pkt.Header.VirtDstPort)
	binary.BigEndian.PutUint32(out[8:12], pkt.Header.FlowID)

	off := greHeaderLen
	off += copy(out[off:], rtp)
	copy(out[off:], pkt.Payload)

	return out, nil
}

// Decode parses buf according to profile. It is total: any malformed
// input yields ErrMalformedPacket rather than a partial Packet.
func Decode(profile Profile, buf []byte) (*Packet, error) {
	if profile == ProfileSimple {
		return decodeSimple(buf)
	}
	return decodeMain(buf)
}

func decodeSimple(buf []byte) (*Packet, error) {
	if len(buf) < rtpHeaderLen {
		return nil, ErrMalformedPacket
	}
	hdr, err := decodeRTP(buf[:rtpHeaderLen])
	if err != nil {
		return nil, err
	}
	hdr.PayloadType = PayloadData
	return &Packet{Header: *hdr, Payload: append([]byte(nil), buf[rtpHeaderLen:]...)}, nil
}

func decodeMain(buf []byte) (*Packet, error) {
	if len(buf) < greHeaderLen {
		return nil, ErrMalformedPacket
	}
	verFlags := buf[0]
	version := verFlags >> 4
	if version != ProtocolVersion {
		return nil, ErrMalformedPacket
	}
	flags := Flags(verFlags & 0xf)
	if flags&^(FlagEncrypted|FlagCompressed) != 0 {
		return nil, ErrMalformedPacket
	}
	payloadType := PayloadType(buf[1])
	length := binary.BigEndian.Uint16(buf[2:4])
	virtSrc := binary.BigEndian.Uint16(buf[4:6])
	virtDst := binary.BigEndian.Uint16(buf[6:8])
	flowID := binary.BigEndian.Uint32(buf[8:12])

	body := buf[greHeaderLen:]
	if int(length) != len(body) {
		return nil, ErrMalformedPacket
	}

	hdr := Header{
		Version:     version,
		Flags:       flags,
		PayloadType: payloadType,
		VirtSrcPort: virtSrc,
		VirtDstPort: virtDst,
		FlowID:      flowID,
	}

	if payloadType != PayloadData {
		return &Packet{Header: hdr, Payload: append([]byte(nil), body...)}, nil
	}

	if len(body) < rtpHeaderLen {
		return nil, ErrMalformedPacket
	}
	rtpHdr, err := decodeRTP(body[:rtpHeaderLen])
	if err != nil {
		return nil, err
	}
	hdr.Marker = rtpHdr.Marker
	hdr.PT = rtpHdr.PT
	hdr.Seq = rtpHdr.Seq
	hdr.NTPShort = rtpHdr.NTPShort
	if rtpHdr.FlowID != 0 && rtpHdr.FlowID != flowID {
		return nil, ErrMalformedPacket
	}

	return &Packet{Header: hdr, Payload: append([]byte(nil), body[rtpHeaderLen:]...)}, nil
}

func decodeRTP(b []byte) (*Header, error) {
	if len(b) != rtpHeaderLen {
		return nil, ErrMalformedPacket
	}
	versionBits := b[0] >> 6
	padding := b[0]&0x20 != 0
	extension := b[0]&0x10 != 0
	csrcCount := b[0] & 0x0f
	if versionBits != 2 || padding || extension || csrcCount != 0 {
		return nil, ErrMalformedPacket
	}
	marker := b[1]&0x80 != 0
	pt := b[1] & 0x7f
	seq := binary.BigEndian.Uint16(b[2:4])
	ts := binary.BigEndian.Uint32(b[4:8])
	ssrc := binary.BigEndian.Uint32(b[8:12])

	return &Header{
		Marker:   marker,
		PT:       pt,
		Seq:      seq,
		NTPShort: ts,
		FlowID:   ssrc,
	}, nil
}
