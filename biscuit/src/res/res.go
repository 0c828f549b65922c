// Package res tracks a per-task reservation of bounded kernel resources
// so an operation with a bounded worst-case cost (a vfs.Resolve path walk)
// cannot be started without first proving it can be paid for.
//
// The budget is deliberately coarse: it exists to give Resadd_noblock a
// caller-visible way to refuse work instead of retrying silently, matching
// §7's "the core does not spontaneously retry a failed allocation."
package res

import "sync/atomic"

// budget is replenished by the scheduler once per task switch; it models
// the amount of "slack" reservable work the currently running task may
// start before it must yield.
var budget int64

// SetBudget sets the available reservation for the task about to run.
func SetBudget(n int) {
	atomic.StoreInt64(&budget, int64(n))
}

// Resadd_noblock attempts to reserve n units of bounded work without
// blocking. It returns false if the budget is exhausted, in which case the
// caller must abort the operation rather than retry.
func Resadd_noblock(n int) bool {
	for {
		cur := atomic.LoadInt64(&budget)
		if int64(n) > cur {
			return false
		}
		if atomic.CompareAndSwapInt64(&budget, cur, cur-int64(n)) {
			return true
		}
	}
}
