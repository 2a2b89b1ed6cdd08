package aether

import (
	"testing"

	"github.com/stretchr/testify/require"

	"citadel/fixed"
	"citadel/void"
)

func newTestNode(t *testing.T, log *void.Log, id uint32, perms Perm) (*NodeTable, [32]byte) {
	t.Helper()
	nt := NewNodeTable(16, log)
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	nt.Register(id, key, perms, fixed.FromInt(8), fixed.FromRatio(1, 1))
	return nt, key
}

func buildFrame(seq uint64, src, dst uint32, t MsgType, write bool, payload []byte) *Frame {
	var flags HeaderFlags
	if write {
		flags = FlagWrite
	}
	return &Frame{
		Header: Header{
			Magic:   Magic,
			Version: Version,
			Type:    t,
			SeqNum:  seq,
			SrcNode: src,
			DstNode: dst,
			Offset:  4096,
			Flags:   flags,
			DataLen: uint32(len(payload)),
		},
		Payload: payload,
	}
}

// TestAetherFrameValidationS5 covers: a well-formed, correctly
// authenticated PAGE_REQUEST is accepted; resending the identical frame
// is rejected as a replay duplicate; flipping any payload byte fails
// HMAC verification.
func TestAetherFrameValidationS5(t *testing.T) {
	log := void.NewLog()
	nt, _ := newTestNode(t, log, 1, PermWrite)

	frame := buildFrame(7, 1, 2, PageRequest, true, []byte("hello"))
	require.True(t, nt.Sign(1, frame))
	raw := frame.Encode()

	result, decoded := Validate(log, nt, raw, 0)
	require.Equal(t, Accepted, result)
	require.NotNil(t, decoded)
	require.Equal(t, uint64(7), decoded.Header.SeqNum)

	// Re-sending the identical frame is a replay duplicate.
	result2, _ := Validate(log, nt, raw, 0)
	require.Equal(t, RejectReplayDuplicate, result2)

	// Flip a payload byte: HMAC must fail, not silently pass.
	tampered := append([]byte(nil), raw...)
	payloadStart := EthHeaderLen + HeaderLen
	tampered[payloadStart] ^= 0xFF
	// use a fresh sequence number so replay doesn't mask the HMAC failure
	patchSeq(tampered, 8)
	result3, _ := Validate(log, nt, tampered, 0)
	require.Equal(t, RejectHMACFail, result3)
}

// patchSeq patches the little-endian seq_num field of an encoded frame
// in place, used only to keep the HMAC-tamper test's sequence number ahead
// of the replay window.
func patchSeq(raw []byte, seq uint64) {
	off := EthHeaderLen + 6 // magic(4)+version(1)+type(1)
	for i := 0; i < 8; i++ {
		raw[off+i] = byte(seq >> (8 * i))
	}
}

func TestAetherRejectsMalformedMagic(t *testing.T) {
	log := void.NewLog()
	nt, _ := newTestNode(t, log, 1, PermRead)
	frame := buildFrame(1, 1, 2, PageRequest, false, nil)
	frame.Header.Magic = 0xdeadbeef
	nt.Sign(1, frame)
	raw := frame.Encode()
	result, _ := Validate(log, nt, raw, 0)
	require.Equal(t, RejectMalformed, result)
}

func TestAetherRejectsMissingPermission(t *testing.T) {
	log := void.NewLog()
	nt, _ := newTestNode(t, log, 1, PermRead) // lacks PermWrite
	frame := buildFrame(1, 1, 2, PageRequest, true, nil)
	nt.Sign(1, frame)
	raw := frame.Encode()
	result, _ := Validate(log, nt, raw, 0)
	require.Equal(t, RejectPermission, result)
}

func TestAetherReplayTooOld(t *testing.T) {
	log := void.NewLog()
	nt, _ := newTestNode(t, log, 1, PermRead)

	ahead := buildFrame(100, 1, 2, PageResponse, false, nil)
	nt.Sign(1, ahead)
	result, _ := Validate(log, nt, ahead.Encode(), 0)
	require.Equal(t, Accepted, result)

	stale := buildFrame(30, 1, 2, PageResponse, false, nil)
	nt.Sign(1, stale)
	result2, _ := Validate(log, nt, stale.Encode(), 0)
	require.Equal(t, RejectReplayTooOld, result2)
}

func TestAetherUnauthenticatedNode(t *testing.T) {
	log := void.NewLog()
	nt := NewNodeTable(4, log)
	frame := buildFrame(1, 9, 2, Ack, false, nil)
	raw := frame.Encode()
	result, _ := Validate(log, nt, raw, 0)
	require.Equal(t, RejectUnauthenticated, result)
}

func TestAetherRateLimited(t *testing.T) {
	log := void.NewLog()
	nt := NewNodeTable(4, log)
	var key [32]byte
	// Capacity of exactly one token, no refill: the second frame at the
	// same tick must be rate limited.
	nt.Register(1, key, PermRead, fixed.One, fixed.Zero)

	f1 := buildFrame(1, 1, 2, PageResponse, false, nil)
	nt.Sign(1, f1)
	r1, _ := Validate(log, nt, f1.Encode(), 0)
	require.Equal(t, Accepted, r1)

	f2 := buildFrame(2, 1, 2, PageResponse, false, nil)
	nt.Sign(1, f2)
	r2, _ := Validate(log, nt, f2.Encode(), 0)
	require.Equal(t, RejectRateLimited, r2)
}
