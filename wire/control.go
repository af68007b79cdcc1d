package wire

import (
	"encoding/binary"
)

// NACKRangeEntry is one [base:16, count:16] run of missing sequences
// (spec §6 payload type 0x01).
type NACKRangeEntry struct {
	Base  uint16
	Count uint16
}

// EncodeNACKRange serializes a list of range entries into a control
// payload.
func EncodeNACKRange(entries []NACKRangeEntry) []byte {
	out := make([]byte, 4*len(entries))
	for i, e := range entries {
		binary.BigEndian.PutUint16(out[i*4:], e.Base)
		binary.BigEndian.PutUint16(out[i*4+2:], e.Count)
	}
	return out
}

// DecodeNACKRange parses a NACK-range control payload.
func DecodeNACKRange(buf []byte) ([]NACKRangeEntry, error) {
	if len(buf)%4 != 0 {
		return nil, ErrMalformedPacket
	}
	entries := make([]NACKRangeEntry, len(buf)/4)
	for i := range entries {
		entries[i].Base = binary.BigEndian.Uint16(buf[i*4:])
		entries[i].Count = binary.BigEndian.Uint16(buf[i*4+2:])
	}
	return entries, nil
}

// nackBitmaskWidth is the number of sequences covered by the 128-bit mask
// following a bitmask NACK's 32-bit base (spec §6 payload type 0x02).
const nackBitmaskWidth = 128

// NACKBitmask is a [base:32, mask:128] descriptor: sequence base and
// base+1..base+128 are requested wherever the corresponding mask bit is
// set. Base is the full 32-bit extended sequence (unlike NACKRangeEntry,
// which truncates to 16 bits), so a bitmask NACK is unambiguous across a
// sequence-space rollover.
type NACKBitmask struct {
	Base uint32
	Mask [nackBitmaskWidth / 8]byte
}

// EncodeNACKBitmask serializes a single bitmask NACK.
func EncodeNACKBitmask(nb NACKBitmask) []byte {
	out := make([]byte, 4+len(nb.Mask))
	binary.BigEndian.PutUint32(out, nb.Base)
	copy(out[4:], nb.Mask[:])
	return out
}

// DecodeNACKBitmask parses a NACK-bitmask control payload.
func DecodeNACKBitmask(buf []byte) (*NACKBitmask, error) {
	if len(buf) != 4+nackBitmaskWidth/8 {
		return nil, ErrMalformedPacket
	}
	var nb NACKBitmask
	nb.Base = binary.BigEndian.Uint32(buf)
	copy(nb.Mask[:], buf[4:])
	return &nb, nil
}

// Set marks sequence base+offset (0 <= offset < 128) as requested.
func (nb *NACKBitmask) Set(offset int) {
	nb.Mask[offset/8] |= 1 << uint(offset%8)
}

// IsSet reports whether sequence base+offset is requested.
func (nb *NACKBitmask) IsSet(offset int) bool {
	return nb.Mask[offset/8]&(1<<uint(offset%8)) != 0
}

// Density returns the fraction of the 128-slot window that is set, used
// by the NACK scheduler (spec §4.3) to decide range vs. bitmask encoding.
func (nb *NACKBitmask) Density() float64 {
	n := 0
	for _, b := range nb.Mask {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return float64(n) / float64(nackBitmaskWidth)
}

// RR is a receiver report (spec §6 payload type 0x03), RTCP-style.
type RR struct {
	CumulativeReceived uint32
	CumulativeLost     uint32
	Jitter             uint32
	LSR                uint32 // last sender report timestamp (middle 32 bits of NTP)
	DLSR               uint32 // delay since last sender report, in 1/65536s units
}

const rrLen = 20

// EncodeRR serializes an RR.
func EncodeRR(rr RR) []byte {
	out := make([]byte, rrLen)
	binary.BigEndian.PutUint32(out[0:], rr.CumulativeReceived)
	binary.BigEndian.PutUint32(out[4:], rr.CumulativeLost)
	binary.BigEndian.PutUint32(out[8:], rr.Jitter)
	binary.BigEndian.PutUint32(out[12:], rr.LSR)
	binary.BigEndian.PutUint32(out[16:], rr.DLSR)
	return out
}

// DecodeRR parses an RR control payload.
func DecodeRR(buf []byte) (*RR, error) {
	if len(buf) != rrLen {
		return nil, ErrMalformedPacket
	}
	return &RR{
		CumulativeReceived: binary.BigEndian.Uint32(buf[0:]),
		CumulativeLost:     binary.BigEndian.Uint32(buf[4:]),
		Jitter:             binary.BigEndian.Uint32(buf[8:]),
		LSR:                binary.BigEndian.Uint32(buf[12:]),
		DLSR:               binary.BigEndian.Uint32(buf[16:]),
	}, nil
}

// MaxCnameLength bounds the cname carried in a keep-alive (spec GLOSSARY).
const MaxCnameLength = 128

// KeepAlive is the payload of a 0x04 keep-alive packet.
type KeepAlive struct {
	Cname        string
	Capabilities uint32
}

// EncodeKeepAlive serializes a keep-alive. It returns ErrMalformedPacket
// if the cname exceeds MaxCnameLength.
func EncodeKeepAlive(ka KeepAlive) ([]byte, error) {
	if len(ka.Cname) > MaxCnameLength {
		return nil, ErrMalformedPacket
	}
	out := make([]byte, 1+MaxCnameLength+4)
	out[0] = uint8(len(ka.Cname))
	copy(out[1:], ka.Cname)
	binary.BigEndian.PutUint32(out[1+MaxCnameLength:], ka.Capabilities)
	return out, nil
}

// DecodeKeepAlive parses a keep-alive control payload.
func DecodeKeepAlive(buf []byte) (*KeepAlive, error) {
	if len(buf) != 1+MaxCnameLength+4 {
		return nil, ErrMalformedPacket
	}
	n := int(buf[0])
	if n > MaxCnameLength {
		return nil, ErrMalformedPacket
	}
	return &KeepAlive{
		Cname:        string(buf[1 : 1+n]),
		Capabilities: binary.BigEndian.Uint32(buf[1+MaxCnameLength:]),
	}, nil
}

// OOBBlock is an out-of-band payload: opaque bytes, not sequenced, not
// retransmitted (spec §3 "OOB block").
type OOBBlock struct {
	NTPShort uint32
	Payload  []byte
}

// EncodeOOB serializes an OOB block.
func EncodeOOB(b OOBBlock) []byte {
	out := make([]byte, 4+len(b.Payload))
	binary.BigEndian.PutUint32(out, b.NTPShort)
	copy(out[4:], b.Payload)
	return out
}

// DecodeOOB parses an OOB control payload.
func DecodeOOB(buf []byte) (*OOBBlock, error) {
	if len(buf) < 4 {
		return nil, ErrMalformedPacket
	}
	return &OOBBlock{
		NTPShort: binary.BigEndian.Uint32(buf),
		Payload:  append([]byte(nil), buf[4:]...),
	}, nil
}
