// Package recovery implements adaptive error recovery. The advisor keeps a
// learned table of error patterns: per-strategy success rates updated as an
// exponentially weighted moving average, and a self-adjusting threshold that
// decides when a strategy is worth attempting at all.
//
// Each faulting subject gets an episode. Within an episode the recommended
// strategy escalates monotonically, retry with capped exponential backoff,
// then reinitialize, then unload, then escalate to the operator. A recorded
// success closes the episode.
//
// The pattern table survives restarts through a SQLite snapshot store
// guarded by a file lock.
package recovery
