package core

import (
	"sync"

	"citadel/aether"
	"citadel/atlas"
	"citadel/chronon"
	"citadel/fixed"
	"citadel/galactic"
	"citadel/kmalloc"
	"citadel/pmm"
	"citadel/sovereign"
	"citadel/vmm"
	"citadel/void"
)

// Core is the single explicit handle every subsystem hangs off: the VOID
// log, the physical/virtual memory managers, the slab allocator, the
// Sovereign process tree, the predictive scheduler, the Atlas persistent
// store, and the Aether DSM node registry. Nothing here is a package-level
// global; an embedder constructs exactly one Core per booted kernel
// instance (or, in tests, per simulated instance).
type Core struct {
	mu sync.Mutex

	Log *void.Log

	PMM     *pmm.PMM
	KMalloc *kmalloc.KMalloc

	Sovereigns *sovereign.Table
	Primordial *sovereign.Sovereign
	Scheduler  *galactic.Scheduler

	Atlas *atlas.Atlas

	AetherNodes *aether.NodeTable
	self        chronon.NodeID

	addressSpaces map[sovereign.ID]*vmm.AddressSpace

	chronon chronon.Chronon
}

// selfNode is this Core instance's own Aether/vector-clock node identity.
// A multi-node deployment would derive this from boot configuration; the
// hosted simulation fixes it at 0, matching chronon.NodeID's zero value as
// "the local node".
const selfNode chronon.NodeID = 0

// Boot constructs a fully wired Core from cfg: PMM/KMalloc over simulated
// physical memory, the Primordial Sovereign with full authority, an Atlas
// store (in-memory unless cfg.AtlasPath names a file), and an empty Aether
// node registry. Mirrors the shape of biscuit's kernel/chentry.go boot
// sequence — allocate memory managers, then the root process — generalized
// to this kernel's additional persistent-store and DSM subsystems.
func Boot(cfg Config) *Core {
	log := void.NewLog()

	p := pmm.New(uint64(cfg.PhysPages), log)
	k := kmalloc.New(p, log)

	sovereigns := sovereign.NewTable(log)
	primordial := sovereigns.Primordial(sovereign.Config{
		Authority:    sovereign.AuthorityAll,
		MemoryLimit:  cfg.PrimordialMemoryLimit,
		CodeLimit:    cfg.PrimordialCodeLimit,
		ScratchLimit: cfg.PrimordialScratchLimit,
	}, 0)

	sched := galactic.New(cfg.SchedulerHorizonTicks, log)

	var backend atlas.Backend
	if cfg.AtlasPath == "" {
		backend = &atlas.MemBackend{}
	} else {
		backend = &atlas.MMapBackend{}
	}
	store, ok := atlas.Init(backend, cfg.AtlasPath, cfg.AtlasSize, selfNode, log)
	if ok == void.VOID {
		log.Record(void.ReasonCorruption, nil, "core: atlas init failed at boot")
	}

	nodes := aether.NewNodeTable(cfg.AetherMaxNodes, log)

	c := &Core{
		Log:           log,
		PMM:           p,
		KMalloc:       k,
		Sovereigns:    sovereigns,
		Primordial:    primordial,
		Scheduler:     sched,
		Atlas:         store,
		AetherNodes:   nodes,
		self:          selfNode,
		addressSpaces: make(map[sovereign.ID]*vmm.AddressSpace),
	}
	c.addressSpaces[primordial.ID()] = vmm.New(p, log)
	return c
}

// Tick advances Core's local logical clock by one and returns the new
// value, driving both Strand chronons and Atlas/Aether vector-clock events
// that key off "the current tick" in this hosted simulation.
func (c *Core) Tick() chronon.Chronon {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chronon = c.chronon.Tick()
	return c.chronon
}

// Now returns the current local logical tick without advancing it.
func (c *Core) Now() chronon.Chronon {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chronon
}

// AddressSpace returns the VMM address space owned by sovereign id,
// creating one on first use.
func (c *Core) AddressSpace(id sovereign.ID) *vmm.AddressSpace {
	c.mu.Lock()
	defer c.mu.Unlock()
	as, ok := c.addressSpaces[id]
	if !ok {
		as = vmm.New(c.PMM, c.Log)
		c.addressSpaces[id] = as
	}
	return as
}

// RegisterAetherNode provisions a new DSM participant with the kernel's
// default token-bucket sizing and returns its bootstrap Identity.
func (c *Core) RegisterAetherNode(wire uint32, key [32]byte, perms aether.Perm, cfg Config) aether.Identity {
	return aether.Bootstrap(
		c.AetherNodes, wire, key, perms,
		fixed.FromInt(cfg.AetherDefaultBucketCap),
		fixed.FromInt(cfg.AetherDefaultRefillRate),
	)
}

// NewDSM returns an Aether DSM participant identified by wire, routed
// through transport and sharing this Core's node registry and VOID log.
func (c *Core) NewDSM(wire uint32, transport aether.Transport) *aether.DSM {
	return aether.NewDSM(wire, c.AetherNodes, transport, c.Log)
}
