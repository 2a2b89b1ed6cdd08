package aether

import (
	"github.com/google/uuid"

	"citadel/fixed"
)

// Identity pairs a node's wire-level NodeID (the 4-byte field carried in
// every Aether header, reassignable across reboots) with a stable,
// human-facing instance identifier minted once at bootstrap. Grounded on
// gravwell/gravwell's direct github.com/google/uuid dependency: wire
// frame fields themselves stay fixed-width integers — uuid is only for
// the bootstrap/registration surface an operator or core.Core reads,
// never serialized onto the wire.
type Identity struct {
	Wire     uint32
	Instance uuid.UUID
}

// Bootstrap registers a brand-new node: mints an Identity with a random
// instance UUID, installs its security state in nt, and returns the
// Identity for the caller (typically core.Core, provisioning a freshly
// joined DSM participant) to hand back to the node out of band.
func Bootstrap(nt *NodeTable, wire uint32, key [32]byte, perms Perm, bucketCapacity, refillPerTick fixed.Q16) Identity {
	nt.Register(wire, key, perms, bucketCapacity, refillPerTick)
	return Identity{Wire: wire, Instance: uuid.New()}
}
