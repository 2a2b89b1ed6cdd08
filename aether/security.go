package aether

import (
	"citadel/chronon"
	"citadel/circbuf"
	"citadel/fixed"
	"citadel/hashtable"
	"citadel/void"
)

// Perm is the per-node permission bitmask.
type Perm uint8

const (
	PermRead       Perm = 1 << 0
	PermWrite      Perm = 1 << 1
	PermInvalidate Perm = 1 << 2
	PermGeneration Perm = 1 << 3
	PermRevoke     Perm = 1 << 4
)

// RequiredPerm returns the permission bit a frame of type t (with the
// given write flag, meaningful only for PAGE_REQUEST) must hold, per
// the message-type-to-permission table. ACK requires no permission.
func RequiredPerm(t MsgType, write bool) Perm {
	switch t {
	case PageRequest:
		if write {
			return PermWrite
		}
		return PermRead
	case PageResponse:
		return PermRead
	case Invalidate:
		return PermInvalidate
	case Generation:
		return PermGeneration
	case Revoke:
		return PermRevoke
	default: // Ack
		return 0
	}
}

// Result is the outcome of running a frame through the security pipeline.
type Result int

const (
	Accepted Result = iota
	RejectMalformed
	RejectUnauthenticated
	RejectRateLimited
	RejectBackoff
	RejectHMACFail
	RejectReplayDuplicate
	RejectReplayTooOld
	RejectPermission
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "ACCEPTED"
	case RejectMalformed:
		return "MALFORMED"
	case RejectUnauthenticated:
		return "UNAUTHENTICATED"
	case RejectRateLimited:
		return "LIMITED"
	case RejectBackoff:
		return "BACKOFF"
	case RejectHMACFail:
		return "HMAC_FAIL"
	case RejectReplayDuplicate:
		return "DUPLICATE"
	case RejectReplayTooOld:
		return "TOO_OLD"
	case RejectPermission:
		return "PERMISSION"
	default:
		return "UNKNOWN"
	}
}

// ReplayWidth is the sliding replay window's bit width.
const ReplayWidth = 64

// ReplayWindow is a per-node sliding-window duplicate/too-old sequence
// filter. Bit i of the bitmap (i < ReplayWidth) records whether
// lastSeq-i has already been accepted.
type ReplayWindow struct {
	initialized bool
	lastSeq     uint64
	bitmap      uint64
}

// evaluate reports the outcome of seq against the current window without
// mutating it — the pipeline only commits the window update on
// acceptance, i.e. after every later pipeline step (permissions) also
// passes.
func (w *ReplayWindow) evaluate(seq uint64) Result {
	if !w.initialized {
		return Accepted
	}
	if seq > w.lastSeq {
		return Accepted
	}
	diff := w.lastSeq - seq
	if diff >= ReplayWidth {
		return RejectReplayTooOld
	}
	if w.bitmap&(1<<diff) != 0 {
		return RejectReplayDuplicate
	}
	return Accepted
}

// commit applies the window update for an already-accepted seq: either
// shift-and-set-bit-0 (seq advances the window) or set-bit-at-diff
// (seq fills a gap behind the current high-water mark).
func (w *ReplayWindow) commit(seq uint64) {
	if !w.initialized {
		w.initialized = true
		w.lastSeq = seq
		w.bitmap = 1
		return
	}
	if seq > w.lastSeq {
		shift := seq - w.lastSeq
		if shift >= ReplayWidth {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.lastSeq = seq
		return
	}
	diff := w.lastSeq - seq
	w.bitmap |= 1 << diff
}

// TokenBucket is a fixed-point (Q16.16) token bucket: refill tokens +=
// elapsed · pps / tps, clamped to bucket size. Using fixed.Q16 rather
// than golang.org/x/time/rate.Limiter's float64 internals is deliberate:
// the refill formula must round identically on every run for the
// replay/rate invariants to be deterministic (see DESIGN.md).
type TokenBucket struct {
	tokens        fixed.Q16
	capacity      fixed.Q16
	refillPerTick fixed.Q16 // pps/tps, pre-divided
	lastTick      chronon.Chronon
	initializedAt bool
}

// NewTokenBucket returns a full bucket of the given capacity, refilling at
// refillPerTick tokens per chronon tick.
func NewTokenBucket(capacity, refillPerTick fixed.Q16) *TokenBucket {
	return &TokenBucket{tokens: capacity, capacity: capacity, refillPerTick: refillPerTick}
}

// refill advances the bucket to now, adding elapsed·refillPerTick tokens
// clamped to capacity.
func (b *TokenBucket) refill(now chronon.Chronon) {
	if !b.initializedAt {
		b.lastTick = now
		b.initializedAt = true
		return
	}
	if now <= b.lastTick {
		return
	}
	elapsed := fixed.FromInt(int64(now - b.lastTick))
	b.tokens = b.tokens.Add(elapsed.Mul(b.refillPerTick)).Min(b.capacity)
	b.lastTick = now
}

// Peek refills the bucket to now and reports whether at least one token
// (fixed.One) is currently available, without consuming it. It returns
// RejectRateLimited when the bucket is fully drained, RejectBackoff when
// a fraction of a token remains (the client should retry shortly), or
// Accepted when a full token is available.
func (b *TokenBucket) Peek(now chronon.Chronon) Result {
	b.refill(now)
	switch {
	case b.tokens <= fixed.Zero:
		return RejectRateLimited
	case b.tokens < fixed.One:
		return RejectBackoff
	default:
		return Accepted
	}
}

// Consume deducts one token. Callers must have verified availability via
// Peek first; Consume never rejects.
func (b *TokenBucket) Consume() {
	b.tokens = b.tokens.Sub(fixed.One)
}

// NodeState is the per-node Aether security state: shared HMAC key,
// permission mask, replay window, rate-limit bucket, and circular event
// log.
type NodeState struct {
	Key        [32]byte
	HasKey     bool
	Perms      Perm
	Replay     ReplayWindow
	Bucket     *TokenBucket
	EventLog   *circbuf.Circbuf
	Generation uint64 // bumped by REVOKE; stale dereferences read VOID
}

// Authenticated reports whether a key has been provisioned for this
// node: a node must be authenticated (key set) to pass this step.
func (n *NodeState) Authenticated() bool { return n.HasKey }

// eventLogCap is the default per-node circular event-log capacity.
const eventLogCap = 4096

// NodeTable is the registry of per-node Aether security state, keyed by
// wire node id and backed by citadel/hashtable (bucket-locked, so frames
// from distinct nodes validate without contending on a single mutex).
type NodeTable struct {
	nodes *hashtable.Hashtable[uint32, *NodeState]
	log   *void.Log
}

// NewNodeTable returns an empty node registry sized for maxNodes entries.
func NewNodeTable(maxNodes int, log *void.Log) *NodeTable {
	if maxNodes <= 0 {
		maxNodes = 1
	}
	return &NodeTable{
		nodes: hashtable.New[uint32, *NodeState](maxNodes, hashtable.Uint32Hash),
		log:   log,
	}
}

// Register installs (or replaces) the security state for node id.
func (nt *NodeTable) Register(id uint32, key [32]byte, perms Perm, capacity, refillPerTick fixed.Q16) *NodeState {
	st := &NodeState{
		Key:      key,
		HasKey:   true,
		Perms:    perms,
		Bucket:   NewTokenBucket(capacity, refillPerTick),
		EventLog: circbuf.New(eventLogCap),
	}
	nt.nodes.Set(id, st)
	return st
}

// Get returns the registered state for id, or nil if unregistered.
func (nt *NodeTable) Get(id uint32) *NodeState {
	st, ok := nt.nodes.Get(id)
	if !ok {
		return nil
	}
	return st
}

// Revoke bumps node id's capability generation, invalidating every
// dereference that still carries the prior generation: any dereference
// with a stale generation returns VOID.
func (nt *NodeTable) Revoke(id uint32) void.Vbit {
	st := nt.Get(id)
	if st == nil {
		nt.log.Record(void.ReasonLookupMiss, []int64{int64(id)}, "aether: revoke of unregistered node")
		return void.VOID
	}
	st.Generation++
	return void.TRUE
}

// CheckGeneration returns TRUE if observed matches node id's current
// generation, and VOID (recorded) if it is stale or the node is
// unregistered.
func (nt *NodeTable) CheckGeneration(id uint32, observed uint64) void.Vbit {
	st := nt.Get(id)
	if st == nil {
		nt.log.Record(void.ReasonLookupMiss, []int64{int64(id)}, "aether: generation check on unregistered node")
		return void.VOID
	}
	if st.Generation != observed {
		nt.log.Record(void.ReasonGenerationMismatch, []int64{int64(id), int64(observed)}, "aether: stale node generation")
		return void.VOID
	}
	return void.TRUE
}

// Sign computes the HMAC-SHA256 digest over frame's header+payload using
// node id's key and writes it into frame.HMAC, returning false if id has no
// provisioned key.
func (nt *NodeTable) Sign(id uint32, frame *Frame) bool {
	st := nt.Get(id)
	if st == nil || !st.HasKey {
		return false
	}
	raw := frame.Encode()
	frame.HMAC = HmacSha256(st.Key[:], signedSpan(raw))
	return true
}
