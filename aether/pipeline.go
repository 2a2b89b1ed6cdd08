package aether

import (
	"citadel/chronon"
	"citadel/util"
	"citadel/void"
)

// MaxNodes bounds the node id space the structural check accepts
// (src_node < MAX_NODES).
const MaxNodes = 1 << 16

// Validate runs raw through the five-step security pipeline in strict
// order — structural, rate limit, HMAC, replay, permissions — rejecting
// at the first failing step. On Accepted, it has already consumed one
// rate-limit token and committed the replay-window update; a rejection
// never mutates node state.
func Validate(log *void.Log, nodes *NodeTable, raw []byte, now chronon.Chronon) (Result, *Frame) {
	// Step 1: structural.
	frame, err := decodeRaw(raw)
	if err != nil {
		log.Record(void.ReasonMalformedFrame, []int64{int64(len(raw))}, "aether: "+err.Error())
		return RejectMalformed, nil
	}
	h := frame.Header
	switch {
	case h.Magic != Magic:
		log.Record(void.ReasonMalformedFrame, []int64{int64(h.Magic)}, "aether: bad magic")
		return RejectMalformed, nil
	case h.Version != Version:
		log.Record(void.ReasonMalformedFrame, []int64{int64(h.Version)}, "aether: bad version")
		return RejectMalformed, nil
	case !h.Type.Valid():
		log.Record(void.ReasonMalformedFrame, []int64{int64(h.Type)}, "aether: type out of [1,6]")
		return RejectMalformed, nil
	case h.SrcNode >= MaxNodes:
		log.Record(void.ReasonMalformedFrame, []int64{int64(h.SrcNode)}, "aether: src_node out of range")
		return RejectMalformed, nil
	case int(h.DataLen) != len(frame.Payload):
		log.Record(void.ReasonMalformedFrame, []int64{int64(h.DataLen), int64(len(frame.Payload))}, "aether: data_len inconsistent with frame size")
		return RejectMalformed, nil
	case h.Offset > MaxOffset48:
		log.Record(void.ReasonMalformedFrame, []int64{int64(h.Offset)}, "aether: offset exceeds 48 bits")
		return RejectMalformed, nil
	}

	st := nodes.Get(h.SrcNode)
	if st == nil {
		log.Record(void.ReasonLookupMiss, []int64{int64(h.SrcNode)}, "aether: frame from unregistered node")
		return RejectUnauthenticated, nil
	}

	// Step 2: rate limit (peek only; consumption is deferred to final
	// acceptance).
	if r := st.Bucket.Peek(now); r != Accepted {
		return r, nil
	}

	// Step 3: HMAC. Node must be authenticated; digest covers header+payload
	// and is compared in constant time so verification time never leaks the
	// position of the first differing byte.
	if !st.Authenticated() {
		log.Record(void.ReasonMalformedFrame, []int64{int64(h.SrcNode)}, "aether: node has no provisioned key")
		return RejectUnauthenticated, nil
	}
	want := HmacSha256(st.Key[:], signedSpan(raw))
	if !util.ConstTimeEqual(want[:], frame.HMAC[:]) {
		log.Record(void.ReasonMalformedFrame, []int64{int64(h.SrcNode), int64(h.SeqNum)}, "aether: HMAC verification failed")
		return RejectHMACFail, nil
	}

	// Step 4: replay (evaluate only; window update commits on acceptance).
	if r := st.Replay.evaluate(h.SeqNum); r != Accepted {
		return r, nil
	}

	// Step 5: permissions.
	need := RequiredPerm(h.Type, h.Flags&FlagWrite != 0)
	if st.Perms&need != need {
		log.Record(void.ReasonOutOfRange, []int64{int64(h.SrcNode), int64(need)}, "aether: insufficient permission")
		return RejectPermission, nil
	}

	// Accepted: commit rate-limit consumption, replay-window update, and
	// append a terse record to the node's circular event log.
	st.Bucket.Consume()
	st.Replay.commit(h.SeqNum)
	st.EventLog.Write([]byte{byte(h.Type)})
	return Accepted, frame
}
