package aether

import (
	"context"
	"sync"

	"citadel/void"
)

// Transport delivers an already-signed frame to dst. A real deployment
// backs this with a NIC driver (out of scope here); tests and
// in-process multi-node simulations back it with a fake that
// calls the destination DSM's Handle* methods directly.
type Transport interface {
	Deliver(dst uint32, frame *Frame) error
}

// pageState is one page's DSM bookkeeping as seen by this node.
type pageState struct {
	owner      uint32
	generation uint64
	cached     bool
}

// DSM implements the distributed shared-memory page-fault protocol: a
// local fault issues PAGE_REQUEST to the owning node and blocks for
// PAGE_RESPONSE; a local write publishes
// INVALIDATE to every other node known to be caching the page; REVOKE bumps
// a page's generation so any dereference still holding the old generation
// reads VOID instead of stale data.
type DSM struct {
	mu        sync.Mutex
	self      uint32
	nodes     *NodeTable
	transport Transport
	log       *void.Log

	seq     uint64
	pages   map[uint64]*pageState      // this node's view, keyed by page-aligned offset
	cachers map[uint64]map[uint32]bool // owner-side: who else has requested this page
	pending map[uint64]chan *Frame     // outstanding PAGE_REQUESTs by offset
}

// NewDSM returns a DSM participant identified by self on the Aether node
// registry nodes, sending outbound frames through transport.
func NewDSM(self uint32, nodes *NodeTable, transport Transport, log *void.Log) *DSM {
	return &DSM{
		self:      self,
		nodes:     nodes,
		transport: transport,
		log:       log,
		pages:     make(map[uint64]*pageState),
		cachers:   make(map[uint64]map[uint32]bool),
		pending:   make(map[uint64]chan *Frame),
	}
}

func (d *DSM) nextSeq() uint64 {
	d.seq++
	return d.seq
}

func (d *DSM) send(dst uint32, t MsgType, offset uint64, generation uint64, flags HeaderFlags, payload []byte) error {
	frame := &Frame{
		Header: Header{
			Magic:      Magic,
			Version:    Version,
			Type:       t,
			SeqNum:     d.nextSeq(),
			SrcNode:    d.self,
			DstNode:    dst,
			Offset:     offset,
			Flags:      flags,
			DataLen:    uint32(len(payload)),
			Generation: generation,
		},
		Payload: payload,
	}
	if !d.nodes.Sign(d.self, frame) {
		d.log.Record(void.ReasonMalformedFrame, []int64{int64(d.self)}, "aether: send with no provisioned key for self")
		return errUnsigned
	}
	return d.transport.Deliver(dst, frame)
}

var errUnsigned = &dsmError{"aether: local node has no signing key"}

type dsmError struct{ msg string }

func (e *dsmError) Error() string { return e.msg }

// RequestPage faults offset in from owner: sends PAGE_REQUEST and blocks
// until the matching PAGE_RESPONSE arrives (delivered to HandleResponse by
// the transport) or ctx is done. Returns the page's generation and
// void.TRUE on success, or void.VOID on timeout/cancellation/send failure.
func (d *DSM) RequestPage(ctx context.Context, offset uint64, write bool, owner uint32) (uint64, void.Vbit) {
	ch := make(chan *Frame, 1)
	d.mu.Lock()
	d.pending[offset] = ch
	d.mu.Unlock()

	var flags HeaderFlags
	if write {
		flags = FlagWrite
	}
	if err := d.send(owner, PageRequest, offset, 0, flags, nil); err != nil {
		d.mu.Lock()
		delete(d.pending, offset)
		d.mu.Unlock()
		d.log.Record(void.ReasonMalformedFrame, []int64{int64(offset)}, "aether: page request send failed: "+err.Error())
		return void.U64, void.VOID
	}

	select {
	case resp := <-ch:
		d.mu.Lock()
		d.pages[offset] = &pageState{owner: owner, generation: resp.Header.Generation, cached: true}
		d.mu.Unlock()
		return resp.Header.Generation, void.TRUE
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, offset)
		d.mu.Unlock()
		d.log.Record(void.ReasonOutOfRange, []int64{int64(offset)}, "aether: page request timed out")
		return void.U64, void.VOID
	}
}

// HandleRequest is the owning node's response to an inbound, already-
// validated PAGE_REQUEST: it records the requester as a cacher of offset
// and replies with PAGE_RESPONSE carrying the page's current generation.
func (d *DSM) HandleRequest(frame *Frame) {
	offset := frame.Header.Offset
	requester := frame.Header.SrcNode

	d.mu.Lock()
	ps, ok := d.pages[offset]
	if !ok {
		ps = &pageState{owner: d.self, generation: 1}
		d.pages[offset] = ps
	}
	if d.cachers[offset] == nil {
		d.cachers[offset] = make(map[uint32]bool)
	}
	d.cachers[offset][requester] = true
	generation := ps.generation
	d.mu.Unlock()

	if err := d.send(requester, PageResponse, offset, generation, 0, nil); err != nil {
		d.log.Record(void.ReasonMalformedFrame, []int64{int64(offset)}, "aether: page response send failed: "+err.Error())
	}
}

// HandleResponse delivers an inbound, already-validated PAGE_RESPONSE to
// whichever RequestPage call is waiting on offset. It is a no-op if no
// request is pending (e.g. it already timed out).
func (d *DSM) HandleResponse(frame *Frame) {
	offset := frame.Header.Offset
	d.mu.Lock()
	ch, ok := d.pending[offset]
	if ok {
		delete(d.pending, offset)
	}
	d.mu.Unlock()
	if ok {
		ch <- frame
	}
}

// PublishInvalidate is called by the owning node after a local write to
// offset: it bumps the page's generation and sends INVALIDATE to every node
// known to be caching it.
func (d *DSM) PublishInvalidate(offset uint64) {
	d.mu.Lock()
	ps, ok := d.pages[offset]
	if !ok {
		ps = &pageState{owner: d.self, generation: 1}
		d.pages[offset] = ps
	}
	ps.generation++
	generation := ps.generation
	cachers := make([]uint32, 0, len(d.cachers[offset]))
	for id := range d.cachers[offset] {
		cachers = append(cachers, id)
	}
	d.mu.Unlock()

	for _, id := range cachers {
		if err := d.send(id, Invalidate, offset, generation, 0, nil); err != nil {
			d.log.Record(void.ReasonMalformedFrame, []int64{int64(offset), int64(id)}, "aether: invalidate send failed: "+err.Error())
		}
	}
}

// HandleInvalidate drops this node's cached copy of offset so the next
// access re-faults through RequestPage.
func (d *DSM) HandleInvalidate(frame *Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ps, ok := d.pages[frame.Header.Offset]; ok {
		ps.cached = false
		ps.generation = frame.Header.Generation
	}
}

// Revoke bumps offset's generation without waiting for a write, and
// broadcasts REVOKE to every cacher — used when the owner withdraws access
// outright rather than merely invalidating a stale copy. Any subsequent
// Check against the prior generation reads VOID.
func (d *DSM) Revoke(offset uint64) {
	d.mu.Lock()
	ps, ok := d.pages[offset]
	if !ok {
		ps = &pageState{owner: d.self, generation: 1}
		d.pages[offset] = ps
	}
	ps.generation++
	generation := ps.generation
	cachers := make([]uint32, 0, len(d.cachers[offset]))
	for id := range d.cachers[offset] {
		cachers = append(cachers, id)
	}
	d.mu.Unlock()

	for _, id := range cachers {
		if err := d.send(id, Revoke, offset, generation, 0, nil); err != nil {
			d.log.Record(void.ReasonMalformedFrame, []int64{int64(offset), int64(id)}, "aether: revoke send failed: "+err.Error())
		}
	}
}

// Check reports whether observed is still offset's live generation: TRUE if
// current, VOID (recorded) if stale (revoked/invalidated since) or if this
// node holds no record of offset at all.
func (d *DSM) Check(offset uint64, observed uint64) void.Vbit {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps, ok := d.pages[offset]
	if !ok {
		d.log.Record(void.ReasonLookupMiss, []int64{int64(offset)}, "aether: generation check on unknown page")
		return void.VOID
	}
	if ps.generation != observed {
		d.log.Record(void.ReasonGenerationMismatch, []int64{int64(offset), int64(observed)}, "aether: stale page generation")
		return void.VOID
	}
	return void.TRUE
}
