// Package core wires every kernel subsystem behind a single explicit
// handle: the checkpoint type registry, the scheduler's adjustment
// counters, and every other process-wide table are fields of Core rather
// than package-level globals, passed to callers the way biscuit threads
// its own Physmem/Syslimit handles explicitly instead of relying on
// ambient state.
//
// biscuit has no single analogue for Core itself — it wires its
// subsystems together in main()/kernel/chentry.go-style boot code, not a
// reusable handle type — so this package's shape is new, but every field
// it holds is a subsystem this repo already built in biscuit's idiom.
package core

import "citadel/limits"

// Config collects every tunable the kernel's subsystems need at boot,
// following biscuit's "plain struct + constructor with defaults"
// convention for kernel-internal tunables (limits.Syslimit_t has no
// config-parsing library behind it either).
type Config struct {
	// Physical/virtual memory.
	PhysPages int // number of 4 KiB frames PMM manages

	// Primordial Sovereign's arena sizes.
	PrimordialMemoryLimit  int
	PrimordialCodeLimit    int
	PrimordialScratchLimit int

	// Scheduler (Galactic).
	SchedulerHorizonTicks int64

	// Atlas.
	AtlasPath string
	AtlasSize int64

	// Aether.
	AetherMaxNodes          int
	AetherDefaultBucketCap  int64 // whole tokens
	AetherDefaultRefillRate int64 // whole tokens per tick

	// Bounded pools shared across subsystems.
	Limits *limits.Syslimit
}

// DefaultConfig returns Config populated with the kernel's default tunables
// — the same defaults limits.Default() and a freestanding boot would use.
func DefaultConfig() Config {
	return Config{
		PhysPages:               1 << 16, // 256 MiB of simulated physical memory
		PrimordialMemoryLimit:   64 << 20,
		PrimordialCodeLimit:     16 << 20,
		PrimordialScratchLimit:  16 << 20,
		SchedulerHorizonTicks:   50,
		AtlasPath:               "",
		AtlasSize:               16 << 20,
		AetherMaxNodes:          256,
		AetherDefaultBucketCap:  64,
		AetherDefaultRefillRate: 8,
		Limits:                  limits.Default(),
	}
}
