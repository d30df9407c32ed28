package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zstd-contrib/zstd-streams-go/pkg/buffer"
	"github.com/zstd-contrib/zstd-streams-go/pkg/engine"
)

// Decompressor drives one decompression engine through a multi-call
// streaming protocol, re-buffering input the engine could not consume
// when an output cap forced an early stop.
//
// Two variants share the state machine.  The endless variant decodes
// concatenated and skippable frames transparently and reports
// AtFrameEdge.  The bounded variant stops at the first completed frame,
// reports EOF and keeps any surplus bytes in UnusedData.
type Decompressor struct {
	mu  sync.Mutex
	eng engine.Decompressor

	bounded bool

	needsInput  bool
	atFrameEdge bool // endless variant
	eof         bool // bounded variant
	unused      []byte

	// staged holds bytes supplied by the caller but not yet consumed
	// by the engine; only populated when an output cap stopped a call
	// mid-input.
	staged []byte

	logger *zap.Logger
	closed bool
}

// DecompressorOption configures a Decompressor.
type DecompressorOption func(*Decompressor)

// WithDecompressorLogger sets the logger; defaults to a nop logger.
func WithDecompressorLogger(l *zap.Logger) DecompressorOption {
	return func(d *Decompressor) { d.logger = l }
}

// NewDecompressor wraps eng into an endless streaming session that
// decodes any number of concatenated frames.  The session takes
// exclusive ownership of the engine handle and releases it on Close.
func NewDecompressor(eng engine.Decompressor, opts ...DecompressorOption) *Decompressor {
	d := &Decompressor{
		eng:         eng,
		needsInput:  true,
		atFrameEdge: true,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// NewBoundedDecompressor wraps eng into a session that stops at the
// first completed frame.
func NewBoundedDecompressor(eng engine.Decompressor, opts ...DecompressorOption) *Decompressor {
	d := NewDecompressor(eng, opts...)
	d.bounded = true
	return d
}

// NeedsInput reports whether the session can produce more output only
// after receiving more input.  False means buffered output is pending:
// call Decompress again, an empty input is fine.
func (d *Decompressor) NeedsInput() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.needsInput
}

// AtFrameEdge reports whether an endless session is at rest on a frame
// boundary with no partially decoded state.
func (d *Decompressor) AtFrameEdge() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.atFrameEdge
}

// EOF reports whether a bounded session has completed its frame.
func (d *Decompressor) EOF() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eof
}

// UnusedData returns the bytes that followed the first fully decoded
// frame of a bounded session.
func (d *Decompressor) UnusedData() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unused
}

// Decompress feeds data to the engine and returns up to maxLength
// decompressed bytes (Unlimited for no cap; 0 is a valid cap).  When
// the cap stops the call early, the unconsumed input is staged
// internally and NeedsInput reports false until it drains.
func (d *Decompressor) Decompress(data []byte, maxLength int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("%w: decompress on closed session", ErrProtocol)
	}
	if d.bounded && d.eof {
		return nil, fmt.Errorf("%w: decompress past end of frame", ErrProtocol)
	}

	// Settled sessions short-circuit on empty input without touching
	// the engine.
	if !d.bounded && d.atFrameEdge && len(data) == 0 && len(d.staged) == 0 {
		return nil, nil
	}

	in, fresh := d.assembleInput(data)
	buf, err := d.newOutput(in.Src, fresh, maxLength)
	if err != nil {
		return nil, d.fail(err)
	}

	capped := false
	for {
		// A settled stream with exhausted input is at rest; this must
		// be checked before invoking the engine again, because "frame
		// done" and "out of input" can land on the same iteration.
		if !d.bounded && d.atFrameEdge && in.Remaining() == 0 {
			break
		}

		tip := buf.Tip()
		if len(tip) == 0 {
			if buf.ReachedMaxLength() {
				capped = true
				break
			}
			if err := buf.Grow(); err != nil {
				return nil, d.fail(err)
			}
			continue
		}

		out := engine.OutBuffer{Dst: tip}
		hint, err := d.eng.DecompressStream(&in, &out)
		buf.Advance(out.Pos)
		if err != nil {
			return nil, d.fail(err)
		}

		if d.bounded {
			if hint == 0 {
				d.eof = true
				break
			}
		} else {
			d.atFrameEdge = hint == 0
			if d.atFrameEdge && in.Remaining() == 0 {
				break
			}
		}

		if out.Full() {
			continue // grow or cap on the next pass
		}
		if in.Remaining() == 0 {
			break // mid-frame, engine needs more input
		}
	}

	d.reconcile(&in, capped)
	return buf.Finish(), nil
}

// assembleInput merges staged leftovers with fresh data.  fresh is true
// when data is used directly with no staged prefix, which enables the
// frame-header size hint.
func (d *Decompressor) assembleInput(data []byte) (engine.InBuffer, bool) {
	switch {
	case len(d.staged) == 0:
		return engine.InBuffer{Src: data}, true
	case len(data) == 0:
		return engine.InBuffer{Src: d.staged}, false
	default:
		// relocate when the staging buffer has no room left
		d.staged = append(d.staged, data...)
		return engine.InBuffer{Src: d.staged}, false
	}
}

// newOutput builds the output buffer for one call, pre-sizing it
// exactly when a complete frame declares its decompressed size.
func (d *Decompressor) newOutput(src []byte, fresh bool, maxLength int) (*buffer.Buffer, error) {
	if maxLength < 0 {
		maxLength = buffer.Unlimited
	}

	if !d.bounded && d.atFrameEdge && fresh && len(src) > 0 {
		if h, err := engine.ParseHeader(src); err == nil && !h.Skippable && h.HasContentSize {
			if _, complete, err := engine.FrameSpan(src); err == nil && complete {
				return buffer.NewWithSize(maxLength, int(h.ContentSize))
			}
		}
	}
	return buffer.New(maxLength), nil
}

// reconcile settles staged input and the needs-input flag after a call.
func (d *Decompressor) reconcile(in *engine.InBuffer, capped bool) {
	if d.bounded && d.eof {
		if in.Remaining() > 0 {
			d.unused = append([]byte(nil), in.Src[in.Pos:]...)
		}
		d.staged = nil
		d.needsInput = false
		return
	}

	if in.Remaining() == 0 {
		d.staged = nil
		atRest := d.atFrameEdge || (d.bounded && d.eof)
		if capped && !atRest {
			// output was capped with decoded bytes still buffered in
			// the engine: an empty follow-up call drains them
			d.needsInput = false
		} else {
			d.needsInput = true
		}
		return
	}

	// output cap hit mid-input: stage the unconsumed suffix
	rest := in.Src[in.Pos:]
	if cap(d.staged) < len(rest) {
		d.staged = make([]byte, len(rest))
		copy(d.staged, rest)
	} else {
		d.staged = d.staged[:len(rest)]
		copy(d.staged, rest)
	}
	d.needsInput = false
}

// fail resets the session to its fresh state so it can be reused for a
// new stream, then returns err.  The failed stream's output is lost.
func (d *Decompressor) fail(err error) error {
	d.staged = nil
	d.unused = nil
	d.needsInput = true
	d.atFrameEdge = true
	d.eof = false
	d.eng.Reset()
	return err
}

// DecompressAll decodes data as a complete stream in one shot.  Unlike
// the streaming calls it knows no more input is coming, so a stream
// that does not end on a frame edge is reported as truncated.
func (d *Decompressor) DecompressAll(data []byte) ([]byte, error) {
	out, err := d.Decompress(data, Unlimited)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	atRest := d.atFrameEdge || (d.bounded && d.eof)
	if !atRest || len(d.staged) > 0 {
		d.staged = nil
		d.needsInput = true
		d.atFrameEdge = true
		d.eof = false
		d.eng.Reset()
		return nil, fmt.Errorf("%w: stream ended mid-frame", ErrTruncated)
	}
	return out, nil
}

// Close releases the engine handle.  The session is unusable after.
func (d *Decompressor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.staged = nil
	d.unused = nil
	return d.eng.Close()
}
