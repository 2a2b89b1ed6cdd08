// Package aether implements the distributed shared-memory protocol: an
// authenticated, Ethernet-encapsulated wire frame carrying
// page-fault/invalidate/generation/revoke/ack traffic between DSM nodes,
// and the strict-order security pipeline (structural check, token-bucket
// rate limit, HMAC-SHA256, sliding replay window, per-node permissions)
// that every inbound frame must clear before the DSM layer acts on it.
//
// biscuit has no distributed-memory story, so the frame layout and
// security state are new, grounded stylistically on biscuit's other
// wire-format packages (explicit little-endian codecs via citadel/util,
// a fixed-capacity per-node table via citadel/hashtable, a circular
// per-node event log via citadel/circbuf), with the wire fixed as
// little-endian carrying EtherType 0x88B6.
package aether

import (
	"encoding/binary"
	"fmt"

	"citadel/util"
)

// Magic is the fixed Aether header magic.
const Magic uint32 = 0x48544541

// Version is the only wire version this module speaks.
const Version uint8 = 1

// EtherType is the module-local EtherType Aether frames are encapsulated
// under: an IEEE 802 "experimental" block value, never assigned to a
// real protocol.
const EtherType uint16 = 0x88B6

// MaxOffset48 is the largest representable 48-bit page offset.
const MaxOffset48 = 1<<48 - 1

// MsgType enumerates the Aether message types.
type MsgType uint8

const (
	PageRequest  MsgType = 1
	PageResponse MsgType = 2
	Invalidate   MsgType = 3
	Generation   MsgType = 4
	Revoke       MsgType = 5
	Ack          MsgType = 6
)

func (t MsgType) String() string {
	switch t {
	case PageRequest:
		return "PAGE_REQUEST"
	case PageResponse:
		return "PAGE_RESPONSE"
	case Invalidate:
		return "INVALIDATE"
	case Generation:
		return "GENERATION"
	case Revoke:
		return "REVOKE"
	case Ack:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is one of the six defined message types
// (type ∈ [1,6]).
func (t MsgType) Valid() bool { return t >= PageRequest && t <= Ack }

// HeaderFlags are the bits carried in the Aether header's flags byte.
type HeaderFlags uint8

// FlagWrite marks a PAGE_REQUEST as needing write (not merely read) access,
// which drives the permission step's WRITE-vs-READ requirement.
const FlagWrite HeaderFlags = 1 << 0

// HeaderLen is the on-wire size of the Aether header, in field order:
// magic, version, type, seq_num, src_node, dst_node, offset, flags,
// data_len, generation.
const HeaderLen = 4 + 1 + 1 + 8 + 4 + 4 + 8 + 1 + 4 + 8

// HMACLen is the trailing digest size (HMAC-SHA256).
const HMACLen = 32

// EthHeaderLen is the Ethernet II header size: dst MAC, src MAC, EtherType.
const EthHeaderLen = 6 + 6 + 2

// EthHeader is the minimal Ethernet II encapsulation this protocol
// requires. Unlike the Aether header, Ethernet fields are big-endian
// (network byte order): all numeric fields are little-endian except the
// ethernet header.
type EthHeader struct {
	Dst       [6]byte
	Src       [6]byte
	EtherType uint16
}

func (h EthHeader) encode(b []byte) {
	copy(b[0:6], h.Dst[:])
	copy(b[6:12], h.Src[:])
	binary.BigEndian.PutUint16(b[12:14], h.EtherType)
}

func decodeEthHeader(b []byte) EthHeader {
	var h EthHeader
	copy(h.Dst[:], b[0:6])
	copy(h.Src[:], b[6:12])
	h.EtherType = binary.BigEndian.Uint16(b[12:14])
	return h
}

// Header is the Aether protocol header, all fields little-endian.
type Header struct {
	Magic      uint32
	Version    uint8
	Type       MsgType
	SeqNum     uint64
	SrcNode    uint32
	DstNode    uint32
	Offset     uint64 // must fit in 48 bits
	Flags      HeaderFlags
	DataLen    uint32
	Generation uint64
}

func (h Header) encode(b []byte) {
	util.PutLE32(b, 0, h.Magic)
	b[4] = h.Version
	b[5] = byte(h.Type)
	util.PutLE64(b, 6, h.SeqNum)
	util.PutLE32(b, 14, h.SrcNode)
	util.PutLE32(b, 18, h.DstNode)
	util.PutLE64(b, 22, h.Offset)
	b[30] = byte(h.Flags)
	util.PutLE32(b, 31, h.DataLen)
	util.PutLE64(b, 35, h.Generation)
}

func decodeHeader(b []byte) Header {
	return Header{
		Magic:      util.GetLE32(b, 0),
		Version:    b[4],
		Type:       MsgType(b[5]),
		SeqNum:     util.GetLE64(b, 6),
		SrcNode:    util.GetLE32(b, 14),
		DstNode:    util.GetLE32(b, 18),
		Offset:     util.GetLE64(b, 22),
		Flags:      HeaderFlags(b[30]),
		DataLen:    util.GetLE32(b, 31),
		Generation: util.GetLE64(b, 35),
	}
}

// Frame is a fully decoded Aether frame: Ethernet envelope, Aether header,
// payload, and trailing HMAC-SHA256 digest.
type Frame struct {
	Eth     EthHeader
	Header  Header
	Payload []byte
	HMAC    [HMACLen]byte
}

// Encode serializes f to its wire form. The HMAC field is written as-is —
// callers that need an authenticated frame must call Sign first (security.go).
func (f *Frame) Encode() []byte {
	total := EthHeaderLen + HeaderLen + len(f.Payload) + HMACLen
	b := make([]byte, total)
	f.Eth.encode(b[0:EthHeaderLen])
	f.Header.encode(b[EthHeaderLen : EthHeaderLen+HeaderLen])
	copy(b[EthHeaderLen+HeaderLen:EthHeaderLen+HeaderLen+len(f.Payload)], f.Payload)
	copy(b[total-HMACLen:], f.HMAC[:])
	return b
}

// signedSpan returns the byte range of b that the HMAC digest covers:
// everything except the Ethernet envelope and the trailing digest
// itself (header + payload).
func signedSpan(b []byte) []byte {
	return b[EthHeaderLen : len(b)-HMACLen]
}

// decodeRaw parses the Ethernet + Aether headers and slices out payload and
// HMAC without validating semantics (magic/version/type/bounds) — that is
// the security pipeline's job in Validate. decodeRaw only errors if b is
// too short to contain the fixed-size portions at all.
func decodeRaw(b []byte) (*Frame, error) {
	if len(b) < EthHeaderLen+HeaderLen+HMACLen {
		return nil, fmt.Errorf("aether: frame too short (%d bytes)", len(b))
	}
	f := &Frame{
		Eth:    decodeEthHeader(b[0:EthHeaderLen]),
		Header: decodeHeader(b[EthHeaderLen : EthHeaderLen+HeaderLen]),
	}
	payloadEnd := len(b) - HMACLen
	f.Payload = append([]byte(nil), b[EthHeaderLen+HeaderLen:payloadEnd]...)
	copy(f.HMAC[:], b[payloadEnd:])
	return f, nil
}
