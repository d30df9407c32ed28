// Package engine defines the incremental codec engine contract consumed
// by the streaming sessions, together with a zstd-backed implementation.
//
// An engine runs one incremental step at a time over explicit input and
// output cursors.  A step returns a "remaining work" hint where zero
// means the engine is fully flushed for the requested directive (or, on
// the decompression side, that a whole frame has been decoded and
// delivered).  Sessions own exactly one engine handle each and must
// Close it to release resources.
package engine

import (
	"errors"
	"fmt"
)

// ErrEngine wraps every failure reported by the underlying codec:
// corrupt data, unsupported parameters, window overruns.  The engine
// session is always reset before the error propagates.
var ErrEngine = errors.New("codec engine failure")

// EndDirective tells the compressor how to end the current step.
type EndDirective int

const (
	// Continue collects more data; the engine may buffer input and
	// produce no output at all.
	Continue EndDirective = iota
	// FlushBlock flushes all buffered input into complete blocks but
	// keeps the frame open.
	FlushBlock
	// FlushFrame flushes and closes the current frame, including its
	// epilogue.  The next step starts a fresh frame.
	FlushFrame
)

func (d EndDirective) String() string {
	switch d {
	case Continue:
		return "continue"
	case FlushBlock:
		return "flush-block"
	case FlushFrame:
		return "flush-frame"
	default:
		return fmt.Sprintf("end-directive(%d)", int(d))
	}
}

// InBuffer is an input cursor.  The engine consumes bytes from
// Src[Pos:] and advances Pos by exactly the number of bytes consumed.
type InBuffer struct {
	Src []byte
	Pos int
}

// Remaining returns the unconsumed byte count.
func (b *InBuffer) Remaining() int { return len(b.Src) - b.Pos }

// OutBuffer is an output cursor.  The engine writes into Dst[Pos:] and
// advances Pos by exactly the number of bytes produced.
type OutBuffer struct {
	Dst []byte
	Pos int
}

// Full reports whether the output cursor has no space left.
func (b *OutBuffer) Full() bool { return b.Pos == len(b.Dst) }

// Compressor is an incremental compression engine for one stream.
//
// CompressStream consumes input, applies the end directive and fills the
// output cursor.  The returned value is zero once the engine is fully
// flushed for the directive; a positive value means more output is
// pending and the step must be repeated with fresh output space.
type Compressor interface {
	CompressStream(in *InBuffer, out *OutBuffer, end EndDirective) (remaining int, err error)

	// Bound returns a worst-case compressed size for srcSize input
	// bytes, used to pre-size output in rich-memory mode.
	Bound(srcSize int) int

	// Concurrency returns the number of background worker threads the
	// engine was built with; 1 means fully synchronous.
	Concurrency() int

	// Reset drops all session state.  It is cheap and always succeeds,
	// leaving the engine ready for a fresh frame.
	Reset()

	Close() error
}

// Decompressor is an incremental decompression engine.
//
// DecompressStream consumes input up to, and never past, the end of the
// current frame.  The returned hint is zero exactly when one frame has
// been fully decoded, verified and flushed into the output cursor; the
// next step then begins the following frame.  A positive hint means
// more output is pending or more input is needed.
type Decompressor interface {
	DecompressStream(in *InBuffer, out *OutBuffer) (hint int, err error)
	Reset()
	Close() error
}

// DictKind selects how dictionary content is attached to an engine.
// The kind is always decided at the call site, never inferred from the
// shape of the data.
type DictKind int

const (
	// Digested dictionaries are pre-processed into an engine-internal
	// structure tied to a compression level and reusable across frames.
	Digested DictKind = iota
	// Undigested dictionaries are raw bytes loaded fresh each time and
	// do not override session parameters.
	Undigested
	// Prefix content seeds only the immediately following frame.
	Prefix
)

func (k DictKind) String() string {
	switch k {
	case Digested:
		return "digested"
	case Undigested:
		return "undigested"
	case Prefix:
		return "prefix"
	default:
		return fmt.Sprintf("dict-kind(%d)", int(k))
	}
}

// Dictionary is dictionary content tagged with its load semantics.
type Dictionary struct {
	Kind DictKind
	Data []byte
}
