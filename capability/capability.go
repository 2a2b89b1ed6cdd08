// Package capability implements the capability token and its Capability
// Derivation Tree: fat-pointer tokens addressed by a table of
// non-owning indices rather than Go pointers, so revocation can
// walk and sever a subtree without fighting the garbage collector — the
// same non-owning-reference discipline biscuit uses for its fd.Fd_t
// descriptor table (biscuit/src/fd/fd.go) and capability checks modeled on
// its Err_t-returning, trap-free style.
package capability

import (
	"sync"

	"citadel/void"
)

// Capability permission bits.
const (
	PermRead  Perms = 0x1 // read access to [Base, Base+Length)
	PermWrite Perms = 0x2 // write access to [Base, Base+Length)
	PermExec  Perms = 0x4 // execute access
	PermGrant Perms = 0x8 // may derive further capabilities from this one
)

// Perms is the capability permission bitmask.
type Perms uint32

// TypeTag names the resource domain a capability addresses (arena region,
// Atlas object, Aether node, strand, ...), left opaque to this package.
type TypeTag uint32

// ID indexes a node in a CDT; it is a table offset, never a Go pointer, so
// the tree holds no owning references a cycle could trap the GC on.
type ID int32

// IDVoid is the absent-capability sentinel.
const IDVoid ID = -1

// Token is the fat-pointer payload a capability carries: base address,
// length, the resource generation it was minted against, its permission
// mask, and a type tag identifying what kind of object it addresses.
type Token struct {
	Base       uint64
	Length     uint64
	Generation uint64
	Perms      Perms
	Type       TypeTag
}

// Contains reports whether [base, base+length) lies within t's range.
func (t Token) Contains(base, length uint64) bool {
	if length == 0 {
		return base >= t.Base && base <= t.Base+t.Length
	}
	end := base + length
	return base >= t.Base && end <= t.Base+t.Length && end >= base
}

type node struct {
	token    Token
	parent   ID
	children []ID
	revoked  bool
}

// CDT is a Capability Derivation Tree: every capability minted through one
// CDT lives in its table, addressed by ID, with derive/revoke/check as the
// only ways to reach a node.
type CDT struct {
	mu    sync.Mutex
	nodes []node
	log   *void.Log
}

// New returns an empty derivation tree.
func New(log *void.Log) *CDT {
	return &CDT{log: log}
}

// Root mints a new root capability with no parent (e.g. the Primordial
// sovereign's initial grant over a freshly created resource).
func (c *CDT) Root(token Token) ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := ID(len(c.nodes))
	c.nodes = append(c.nodes, node{token: token, parent: IDVoid})
	return id
}

func (c *CDT) get(id ID) *node {
	if id < 0 || int(id) >= len(c.nodes) {
		return nil
	}
	return &c.nodes[id]
}

// Derive mints a child capability from parentID with the given sub-token.
// It fails — returning (IDVoid, void.VOID) — if the parent is absent,
// revoked, lacks PermGrant, or the sub-token is not a subset of the
// parent's range and permissions (a monotonic-narrowing invariant).
func (c *CDT) Derive(parentID ID, sub Token) (ID, void.Vbit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.get(parentID)
	if p == nil || p.revoked {
		c.log.Record(void.ReasonRevoked, []int64{int64(parentID)}, "capability: derive from absent or revoked parent")
		return IDVoid, void.VOID
	}
	if p.token.Perms&PermGrant == 0 {
		c.log.Record(void.ReasonOutOfRange, []int64{int64(parentID)}, "capability: parent lacks grant permission")
		return IDVoid, void.VOID
	}
	if sub.Perms&^p.token.Perms != 0 {
		c.log.Record(void.ReasonOutOfRange, []int64{int64(parentID)}, "capability: sub-permissions exceed parent")
		return IDVoid, void.VOID
	}
	if !p.token.Contains(sub.Base, sub.Length) {
		c.log.Record(void.ReasonOutOfRange, []int64{int64(sub.Base), int64(sub.Length)}, "capability: sub-range exceeds parent")
		return IDVoid, void.VOID
	}
	id := ID(len(c.nodes))
	c.nodes = append(c.nodes, node{token: sub, parent: parentID})
	p.children = append(p.children, id)
	return id, void.TRUE
}

// Revoke marks id and its entire descendant subtree revoked. A revoked
// capability fails every future Check and cannot be derived from again.
func (c *CDT) Revoke(id ID) void.Vbit {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.get(id)
	if n == nil {
		c.log.Record(void.ReasonLookupMiss, []int64{int64(id)}, "capability: revoke of unknown id")
		return void.VOID
	}
	c.revokeSubtree(id)
	return void.TRUE
}

func (c *CDT) revokeSubtree(id ID) {
	n := c.get(id)
	if n == nil || n.revoked {
		return
	}
	n.revoked = true
	for _, child := range n.children {
		c.revokeSubtree(child)
	}
}

// Check reports whether id is live and carries every bit in need. It
// returns void.VOID (not FALSE) when id does not exist, letting callers
// distinguish "absent capability" from "present but insufficient".
func (c *CDT) Check(id ID, need Perms) void.Vbit {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.get(id)
	if n == nil {
		c.log.Record(void.ReasonLookupMiss, []int64{int64(id)}, "capability: check of unknown id")
		return void.VOID
	}
	if n.revoked {
		c.log.Record(void.ReasonRevoked, []int64{int64(id)}, "capability: check of revoked capability")
		return void.VOID
	}
	return void.BoolVbit(n.token.Perms&need == need)
}

// TokenOf returns the token addressed by id and true, or a zero Token and
// false if id is absent or revoked.
func (c *CDT) TokenOf(id ID) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.get(id)
	if n == nil || n.revoked {
		return Token{}, false
	}
	return n.token, true
}

// Parent returns id's parent, or IDVoid for a root or unknown id.
func (c *CDT) Parent(id ID) ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.get(id)
	if n == nil {
		return IDVoid
	}
	return n.parent
}
