// Package stats provides a lightweight statistics counter and a
// reflection-based stringifier, used by kmalloc (KMalloc.GlobalStats, total
// allocations/frees across every size class) and the Galactic scheduler
// (Scheduler.GlobalStats, total priority-delta decisions and convergence
// observations across every tracked Strand) for a lock-free aggregate read
// that doesn't require visiting per-cache or per-Strand state under their
// own locks. Adapted from biscuit's stats.Counter_t/Stats2String
// (biscuit/src/stats/stats.go), with
// the unsafe-pointer atomic cast replaced by sync/atomic.Int64 and the
// global Stats/Timing enable switches dropped — this kernel's counters are
// always live, since nothing here sits on a hot interrupt path biscuit
// needed to keep free of instrumentation overhead.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// Counter is a statistics counter safe for concurrent Inc/Add.
type Counter struct {
	n atomic.Int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() { c.n.Add(1) }

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) { c.n.Add(delta) }

// Get returns the counter's current value.
func (c *Counter) Get() int64 { return c.n.Load() }

// String2 renders every exported Counter field of st as "\n\tName: value",
// for inclusion in a diagnostic dump.
func String2(st interface{}) string {
	v := reflect.ValueOf(st)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		if !v.Type().Field(i).IsExported() {
			continue
		}
		field := v.Field(i)
		t := field.Type().String()
		if strings.HasSuffix(t, "stats.Counter") || strings.HasSuffix(t, "Counter") {
			if c, ok := field.Addr().Interface().(*Counter); ok {
				s += "\n\t" + v.Type().Field(i).Name + ": " + strconv.FormatInt(c.Get(), 10)
			}
		}
	}
	return s + "\n"
}
