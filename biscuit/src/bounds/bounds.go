// Package bounds catalogs the worst-case resource cost of the kernel's
// bounded loops, so the caller can reserve that cost up front against the
// global budget tracked by package res before entering the loop.
//
// Every tag corresponds to one call site that performs an operation whose
// iteration count is bounded by a constant but not by a single page: a
// user/kernel copy loop, an iovec walk. The cost itself is a rough upper
// bound on the number of page-table walks or heap allocations the call can
// perform, not a cycle count.
package bounds

// Btag identifies one bounded call site.
type Btag int

const (
	B_ASPACE_T_K2USER_INNER Btag = iota
	B_ASPACE_T_USER2K_INNER
	B_USERBUF_T__TX
	B_USERIOVEC_T_IOV_INIT
	B_USERIOVEC_T__TX
	B_VFS_RESOLVE_PATH
)

// cost holds the worst-case reservation for each tag, indexed by Btag.
var cost = [...]int{
	B_ASPACE_T_K2USER_INNER: 2,
	B_ASPACE_T_USER2K_INNER: 2,
	B_USERBUF_T__TX:         2,
	B_USERIOVEC_T_IOV_INIT:  1,
	B_USERIOVEC_T__TX:       2,
	// One path lookup may chase up to SYMLOOP_MAX nested symlinks, each
	// re-walking the containing directory's entry cache.
	B_VFS_RESOLVE_PATH: 40,
}

// Bounds returns the worst-case resource cost for the bounded operation
// named by tag.
func Bounds(tag Btag) int {
	return cost[tag]
}
