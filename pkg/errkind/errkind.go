// Package errkind collects the error classes shared across the
// storage node, coordinator, and reader: one class per failure kind
// instead of sentinel values, so a caller can dispatch with
// Kind.Has(err).
package errkind

import "github.com/zeebo/errs"

var (
	// BadRequest covers malformed ids, missing fields, oversize
	// bodies, and unknown streams.
	BadRequest = errs.Class("bad-request")

	// NotFound covers an absent chunk, stream, or node.
	NotFound = errs.Class("not-found")

	// IntegrityMismatch covers a stored hash disagreeing with a
	// computed or caller-supplied hash.
	IntegrityMismatch = errs.Class("integrity-mismatch")

	// Corruption covers a short read, I/O failure, or hash mismatch
	// discovered on get.
	Corruption = errs.Class("corruption-detected")

	// CapacityExhausted covers disk usage at or beyond the critical
	// threshold.
	CapacityExhausted = errs.Class("capacity-exhausted")

	// StorageFault covers a local I/O failure that isn't a capacity
	// problem (fsync, rename).
	StorageFault = errs.Class("storage-fault")

	// QuorumNotReached covers a commit that could not confirm
	// presence on enough candidate nodes.
	QuorumNotReached = errs.Class("quorum-not-reached")

	// Conflict covers a proposal refused because a higher ballot was
	// already accepted; the caller should retry with a fresh ballot.
	Conflict = errs.Class("conflict")

	// Transient covers a network timeout or peer 5xx; retry with
	// backoff.
	Transient = errs.Class("transient")

	// Fatal covers an invariant violation. Never recovered locally.
	Fatal = errs.Class("fatal")
)
