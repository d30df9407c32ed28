package engine

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

type zstdCompressor struct {
	enc  *zstd.Encoder
	sink bytes.Buffer

	concurrency int
	logger      *zap.Logger

	zopts []zstd.EOption
}

var _ Compressor = (*zstdCompressor)(nil)

// NewZstdCompressor returns a Compressor backed by klauspost's zstd
// encoder.  The encoder writes into an internal sink which is drained
// into the caller's output cursor, so partial output across calls is
// fully deterministic.
func NewZstdCompressor(opts ...COption) (Compressor, error) {
	c := &zstdCompressor{
		concurrency: 1,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	c.zopts = append(c.zopts, zstd.WithEncoderConcurrency(c.concurrency))
	enc, err := zstd.NewWriter(&c.sink, c.zopts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating zstd encoder: %v", ErrEngine, err)
	}
	c.enc = enc
	return c, nil
}

func (c *zstdCompressor) CompressStream(in *InBuffer, out *OutBuffer, end EndDirective) (int, error) {
	fed := 0
	if in.Remaining() > 0 {
		n, err := c.enc.Write(in.Src[in.Pos:])
		in.Pos += n
		fed = n
		if err != nil {
			c.Reset()
			return 0, fmt.Errorf("%w: compressing %d bytes: %v", ErrEngine, n, err)
		}
	}

	// Apply the directive once per logical step: a continuation call
	// that only drains the sink must not flush again, or an empty
	// spurious frame would be appended.
	if fed > 0 || c.sink.Len() == 0 {
		if err := c.applyDirective(end); err != nil {
			c.Reset()
			return 0, err
		}
	}

	n := copy(out.Dst[out.Pos:], c.sink.Bytes())
	out.Pos += n
	c.sink.Next(n)

	return c.sink.Len(), nil
}

func (c *zstdCompressor) applyDirective(end EndDirective) error {
	switch end {
	case Continue:
		return nil
	case FlushBlock:
		if err := c.enc.Flush(); err != nil {
			return fmt.Errorf("%w: flushing block: %v", ErrEngine, err)
		}
		return nil
	case FlushFrame:
		if err := c.enc.Close(); err != nil {
			return fmt.Errorf("%w: closing frame: %v", ErrEngine, err)
		}
		c.enc.Reset(&c.sink)
		return nil
	default:
		return fmt.Errorf("%w: unknown end directive %d", ErrEngine, int(end))
	}
}

// Bound returns the worst-case compressed size for srcSize bytes, the
// classic zstd bound plus the frame envelope.
func (c *zstdCompressor) Bound(srcSize int) int {
	margin := srcSize >> 8
	if srcSize < 128<<10 {
		margin += ((128 << 10) - srcSize) >> 11
	}
	return srcSize + margin + 32
}

func (c *zstdCompressor) Concurrency() int { return c.concurrency }

func (c *zstdCompressor) Reset() {
	c.enc.Reset(&c.sink)
	c.sink.Reset()
}

func (c *zstdCompressor) Close() error {
	// The encoder still owns internal buffers; Close on a mid-frame
	// encoder would emit an epilogue into the sink, which nobody will
	// read.  Drop the state first.
	c.Reset()
	if err := c.enc.Close(); err != nil {
		return fmt.Errorf("%w: closing encoder: %v", ErrEngine, err)
	}
	return nil
}
