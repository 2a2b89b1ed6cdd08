// Package caller captures call-site information for diagnostic records.
//
// Trimmed from biscuit's biscuit/src/caller/caller.go: kept the
// runtime.Caller site-capture idea used by Callerdump, dropped
// Distinct_caller_t (first-call-per-path stack sampling) since nothing in
// this module needs deduplicated stack traces — VOID records just want a
// single "file:line" site string.
package caller

import (
	"fmt"
	"runtime"
)

// Site returns "file:line" for the caller skip frames above Site itself.
// skip == 0 names Site's immediate caller.
func Site(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
