/*
Package lock provides leased advisory locks over migration resources
(`shard:<id>`, `collection:<name>`, and `global`) with fencing tokens
so the Status Store can detect and reject writes from a holder that has
since been superseded.

# Acquisition

Acquire is non-blocking: a resource already held by a live lease
returns types.ErrLockBusy immediately rather than waiting. Two
Migrations can never simultaneously hold the same `collection:*` lock,
and `shard:*` locks are exclusive per shard per store class. Callers
that need to wait retry with backoff at the Orchestrator layer, not
inside Acquire itself.

# Fencing

Every successful Acquire is stamped with a fencing token drawn from a
per-resource counter that only ever increases; Renew extends the lease
and keeps the holder's token unchanged. A holder
presents its token on every Status Store write protected by the lock;
the Status Store rejects any write whose token is behind the lock's
current one. This is what makes it safe for a second coordinator to
take over a lock after the first holder stalls: the new holder's token
is always larger, so any late write from the old holder is rejected
rather than silently corrupting state.

# Reaping

A lease is renewed by its holder at one-third of its TTL. The
Reconciler in this package runs a periodic sweep that reaps two kinds
of stale lock: one whose Migration has reached a terminal state, and
one that has gone unrenewed past TTL plus a grace period. Reaping
simply deletes the lock record; the next Acquire issues a fresh
fencing token, so there is no risk of a reaped lock's old token being
reused.
*/
package lock
