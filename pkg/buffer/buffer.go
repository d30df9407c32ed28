// Package buffer implements a growable output buffer that accumulates
// codec output of unknown final size with at most one copy of the data.
//
// Output is collected into a chain of fixed-capacity blocks.  Every block
// except the last is always fully written, so the final result can be
// assembled with a single allocation and a single pass.  When the whole
// output fits into the first block, Finish returns it without any copy
// at all, which is the common case for typical small chunks.
package buffer

import (
	"errors"
	"fmt"
)

// Unlimited disables the output length cap.
const Unlimited = -1

// firstBlockSize is sized so that a typical small output completes
// without any growth.
const firstBlockSize = 32 << 10

// blockSizes is the block growth schedule: doubling with plateaus.
// Once exhausted, the final size repeats.  The schedule is a pure
// function of the block index and never depends on buffer state.
var blockSizes = [...]int{
	32 << 10, 64 << 10, 256 << 10,
	1 << 20, 4 << 20, 8 << 20,
	16 << 20, 16 << 20,
	32 << 20, 32 << 20, 32 << 20, 32 << 20,
	64 << 20, 64 << 20,
	128 << 20, 128 << 20,
	256 << 20,
}

// ErrExhausted is returned when Grow is called with no remaining budget.
// It always indicates a bug in the calling loop, never bad user input.
var ErrExhausted = errors.New("output buffer: grow past max length")

// Buffer accumulates bytes produced by a single codec call sequence.
// Each block is a slice whose length is the written prefix and whose
// capacity is the block size.
type Buffer struct {
	blocks    [][]byte
	allocated int
	maxLength int
}

// New returns a buffer whose first block follows the default schedule,
// clipped to maxLength when it is bounded.  maxLength may be Unlimited.
func New(maxLength int) *Buffer {
	size := firstBlockSize
	if maxLength != Unlimited && maxLength < size {
		size = maxLength
	}
	return &Buffer{
		blocks:    [][]byte{make([]byte, 0, size)},
		allocated: size,
		maxLength: maxLength,
	}
}

// NewWithSize returns a buffer whose first block is sized by a caller
// hint, typically the decompressed size declared by a frame header.
// The hint is clipped to maxLength when it is bounded.
func NewWithSize(maxLength, size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("output buffer: negative initial size %d", size)
	}
	if maxLength != Unlimited && maxLength < size {
		size = maxLength
	}
	return &Buffer{
		blocks:    [][]byte{make([]byte, 0, size)},
		allocated: size,
		maxLength: maxLength,
	}, nil
}

// Tip returns the writable remainder of the current block.  Callers
// write into it and report progress through Advance.
func (b *Buffer) Tip() []byte {
	last := b.blocks[len(b.blocks)-1]
	return last[len(last):cap(last)]
}

// Advance marks n bytes of the current tip as written.
func (b *Buffer) Advance(n int) {
	last := b.blocks[len(b.blocks)-1]
	if n < 0 || len(last)+n > cap(last) {
		panic(fmt.Sprintf("output buffer: advance %d past block end (%d/%d)",
			n, len(last), cap(last)))
	}
	b.blocks[len(b.blocks)-1] = last[:len(last)+n]
}

// Grow appends a new block.  It must only be called when the current
// block is exactly full.
func (b *Buffer) Grow() error {
	last := b.blocks[len(b.blocks)-1]
	if len(last) != cap(last) {
		return fmt.Errorf("output buffer: grow with %d unused bytes in current block",
			cap(last)-len(last))
	}

	idx := len(b.blocks)
	if idx >= len(blockSizes) {
		idx = len(blockSizes) - 1
	}
	size := blockSizes[idx]

	if b.maxLength != Unlimited {
		rest := b.maxLength - b.allocated
		if rest <= 0 {
			return ErrExhausted
		}
		if size > rest {
			size = rest
		}
	}

	b.blocks = append(b.blocks, make([]byte, 0, size))
	b.allocated += size
	return nil
}

// ReachedMaxLength reports whether the buffer holds exactly maxLength
// bytes of written output and cannot accept more.
func (b *Buffer) ReachedMaxLength() bool {
	if b.maxLength == Unlimited {
		return false
	}
	last := b.blocks[len(b.blocks)-1]
	return b.allocated == b.maxLength && len(last) == cap(last)
}

// Produced returns the number of bytes written so far.
func (b *Buffer) Produced() int {
	last := b.blocks[len(b.blocks)-1]
	return b.allocated - (cap(last) - len(last))
}

// Finish coalesces all blocks into the final result and releases the
// block chain.  If the output is exactly one full block, optionally
// followed by a second untouched block, the first block is returned
// directly with no copy.
func (b *Buffer) Finish() []byte {
	n := len(b.blocks)
	first := b.blocks[0]

	// fast path: single full block, or full block plus an empty one
	if (n == 1 && len(first) == cap(first)) ||
		(n == 2 && len(first) == cap(first) && len(b.blocks[1]) == 0) {
		b.blocks = nil
		return first
	}

	out := make([]byte, 0, b.Produced())
	for _, block := range b.blocks {
		out = append(out, block...)
	}
	b.blocks = nil
	return out
}
