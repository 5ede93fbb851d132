/*
Package remote is the HTTP client for the object store backing the
cache: the seven-endpoint API of stat, list, ranged data GET, ranged
data PUT, create, rename, and delete. It is the only package in this
module that reaches onto the network.

Every call goes through a Retryer (pkg/retry) for transient failures
and a circuit breaker (internal/circuit) per base URL so a sustained
remote outage fails fast with EIO instead of stalling every dispatcher
goroutine on its own retry budget.

Fetch validates that it got back exactly the number of bytes it asked
for; a short read is an integrity error, not swallowed. Flush issues
one PUT per coalesced run — coalescing itself (CoalesceRuns) is a pure
function with no I/O, used by internal/writeback before it ever calls
Flush.
*/
package remote
