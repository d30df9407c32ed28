// Package session turns the incremental codec engine contract into
// resumable, partial-output-aware streaming sessions.
//
// A session owns exactly one engine handle and drives it through a
// growable output buffer.  Sessions survive engine errors: the engine
// is reset to a fresh state before any error propagates, so the next
// call starts a clean stream, at the cost of losing the failed one.
//
// Sessions are safe for concurrent use at method granularity: one call
// completes entirely before the next acquires the lock.  No atomicity
// is provided across calls.
package session

import (
	"errors"
)

// Unlimited disables the per-call output length cap.
const Unlimited = -1

// ErrProtocol reports API misuse or a violated internal invariant,
// such as decompressing past a bounded session's end of frame.  It is
// not recoverable by retrying the same call.
var ErrProtocol = errors.New("session protocol violation")

// ErrTruncated reports input that ends before the stream's end marker.
// Only one-shot entry points raise it; streaming callers observe a
// session that keeps needing input instead.
var ErrTruncated = errors.New("truncated stream")
