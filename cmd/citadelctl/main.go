// Command citadelctl inspects an Atlas-formatted region on disk.
//
// The os.Args-and-log.Fatal shape here is grounded on
// biscuit/src/kernel/chentry.go, biscuit's own small inspection/patching
// tool for a different on-disk format (an ELF entry point rather than an
// Atlas genesis page).
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"citadel/atlas"
	"citadel/chronon"
	"citadel/void"
)

func usage(me string) {
	fmt.Printf("%s <atlas-file> [size]\n\nValidate an Atlas region and print its genesis counters and checkpoints.\n"+
		"size defaults to the file's current size and is only needed to grow an\nundersized region.\n", me)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		usage(os.Args[0])
	}
	path := os.Args[1]

	size, err := regionSize(path, os.Args)
	if err != nil {
		log.Fatal(err)
	}

	vl := void.NewLog()
	backend := &atlas.MMapBackend{}
	store, ok := atlas.Init(backend, path, size, chronon.NodeID(0), vl)
	if ok == void.VOID {
		log.Fatalf("citadelctl: %s failed Genesis/GenTable validation", path)
	}
	defer backend.Close()

	fmt.Printf("region:      %s\n", path)
	fmt.Printf("size:        %d bytes\n", store.Size())
	fmt.Printf("generation:  %d\n", store.Generation())

	commits, aborts, alloc, freed := store.Counters()
	fmt.Printf("commits:     %d\n", commits)
	fmt.Printf("aborts:      %d\n", aborts)
	fmt.Printf("total alloc: %d bytes\n", alloc)
	fmt.Printf("total freed: %d bytes\n", freed)

	names := store.CheckpointNames()
	if len(names) == 0 {
		fmt.Println("checkpoints: (none)")
		return
	}
	fmt.Printf("checkpoints: %d\n", len(names))
	for _, name := range names {
		fmt.Printf("  - %s\n", name)
	}
}

// regionSize picks the mmap size to request: an explicit second argument,
// the file's existing size if it is already there, or a fresh region's
// default otherwise.
func regionSize(path string, args []string) (int64, error) {
	if len(args) == 3 {
		size, err := strconv.ParseInt(args[2], 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", args[2], err)
		}
		return size, nil
	}
	if fi, err := os.Stat(path); err == nil {
		return fi.Size(), nil
	}
	return 16 << 20, nil
}
