package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zstd-contrib/zstd-streams-go/pkg/buffer"
	"github.com/zstd-contrib/zstd-streams-go/pkg/engine"
)

// Compressor drives one compression engine through a multi-call
// streaming protocol.  Every call returns the bytes produced so far for
// the requested end directive; FlushFrame completes a self-contained
// frame and leaves the session ready for the next one.
type Compressor struct {
	mu  sync.Mutex
	eng engine.Compressor

	// lastEnd records the directive of the last successful call.
	// FlushFrame doubles as the safe frame-boundary default restored
	// after failures.
	lastEnd engine.EndDirective

	richMemory bool
	logger     *zap.Logger
	closed     bool
}

// CompressorOption configures a Compressor.
type CompressorOption func(*Compressor)

// WithCompressorLogger sets the logger; defaults to a nop logger.
func WithCompressorLogger(l *zap.Logger) CompressorOption {
	return func(c *Compressor) { c.logger = l }
}

// WithRichMemory pre-sizes output to the engine's worst-case bound so
// a complete chunk compresses without any buffer growth, trading
// memory for copies.
func WithRichMemory() CompressorOption {
	return func(c *Compressor) { c.richMemory = true }
}

// NewCompressor wraps eng into a streaming session.  The session takes
// exclusive ownership of the engine handle and releases it on Close.
func NewCompressor(eng engine.Compressor, opts ...CompressorOption) *Compressor {
	c := &Compressor{
		eng:     eng,
		lastEnd: engine.FlushFrame,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// LastEnd returns the directive of the last successful call.
func (c *Compressor) LastEnd() engine.EndDirective {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEnd
}

// Compress feeds data to the engine and returns whatever output the
// requested directive produces.  Continue may legitimately return
// nothing while the engine buffers input.
func (c *Compressor) Compress(data []byte, end engine.EndDirective) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compress(data, end)
}

// Flush produces buffered output without new input.  Only FlushBlock
// and FlushFrame are meaningful here.
func (c *Compressor) Flush(end engine.EndDirective) ([]byte, error) {
	if end != engine.FlushBlock && end != engine.FlushFrame {
		return nil, fmt.Errorf("%w: flush with directive %s", ErrProtocol, end)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compress(nil, end)
}

func (c *Compressor) compress(data []byte, end engine.EndDirective) ([]byte, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: compress on closed session", ErrProtocol)
	}

	var buf *buffer.Buffer
	if c.richMemory {
		b, err := buffer.NewWithSize(buffer.Unlimited, c.eng.Bound(len(data)))
		if err != nil {
			return nil, err
		}
		buf = b
	} else {
		buf = buffer.New(buffer.Unlimited)
	}

	in := engine.InBuffer{Src: data}
	for {
		tip := buf.Tip()
		if len(tip) == 0 {
			if err := buf.Grow(); err != nil {
				return nil, err
			}
			continue
		}
		out := engine.OutBuffer{Dst: tip}

		remaining, err := c.step(&in, &out, end)
		buf.Advance(out.Pos)
		if err != nil {
			c.eng.Reset()
			c.lastEnd = engine.FlushFrame
			return nil, err
		}

		if remaining == 0 && in.Remaining() == 0 {
			break
		}
		// otherwise the output block filled up, or a worker-backed
		// engine is still flushing; grow and go again
	}

	c.lastEnd = end
	return buf.Finish(), nil
}

// step runs one engine invocation.  Engines with background workers
// buffer input asynchronously and produce output in bursts, so under
// Continue they are fed repeatedly until either cursor is exhausted or
// the engine reports completion for the directive.
func (c *Compressor) step(in *engine.InBuffer, out *engine.OutBuffer, end engine.EndDirective) (int, error) {
	remaining, err := c.eng.CompressStream(in, out, end)
	if err != nil {
		return 0, err
	}
	if end != engine.Continue || c.eng.Concurrency() <= 1 {
		return remaining, nil
	}

	for remaining != 0 && in.Remaining() > 0 && !out.Full() {
		remaining, err = c.eng.CompressStream(in, out, end)
		if err != nil {
			return 0, err
		}
	}
	return remaining, nil
}

// Close releases the engine handle.  The session is unusable after.
func (c *Compressor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.eng.Close()
}
