package stream

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/zstd-contrib/zstd-streams-go/pkg/engine"
)

// WOption configures a Writer.
type WOption func(*Writer) error

// WithWLogger sets the logger; defaults to a nop logger.
func WithWLogger(l *zap.Logger) WOption {
	return func(w *Writer) error { w.logger = l; return nil }
}

// WithWEnvironment replaces the byte sink.
func WithWEnvironment(e WEnvironment) WOption {
	return func(w *Writer) error { w.env = e; return nil }
}

// WithMaxFrameContentSize sets the decompressed budget per frame.
// Smaller frames give finer seek granularity at a compression-ratio
// cost.  Default 4 MiB.
func WithMaxFrameContentSize(n int64) WOption {
	return func(w *Writer) error {
		if n < 1 || n > math.MaxUint32 {
			return fmt.Errorf("invalid max frame content size: %d", n)
		}
		w.maxFrameContent = n
		return nil
	}
}

// WithoutChecksums disables per-frame content checksums in the seek
// table, shrinking entries from 12 to 8 bytes.
func WithoutChecksums() WOption {
	return func(w *Writer) error { w.checksums = false; return nil }
}

// WithWCompressOptions passes options through to the compression
// engine, for both the sequential session and WriteMany workers.
func WithWCompressOptions(opts ...engine.COption) WOption {
	return func(w *Writer) error { w.copts = append(w.copts, opts...); return nil }
}

type writeManyOptions struct {
	concurrency   int
	writeCallback func(uint32)
}

// WriteManyOption configures a WriteMany call.
type WriteManyOption func(*writeManyOptions) error

// WithConcurrency sets the number of parallel encoder tasks; defaults
// to GOMAXPROCS.
func WithConcurrency(n int) WriteManyOption {
	return func(o *writeManyOptions) error {
		if n < 1 {
			return fmt.Errorf("concurrency must be positive: %d", n)
		}
		o.concurrency = n
		return nil
	}
}

// WithWriteCallback is invoked with each frame's decompressed size as
// it is committed, in stream order.
func WithWriteCallback(cb func(size uint32)) WriteManyOption {
	return func(o *writeManyOptions) error { o.writeCallback = cb; return nil }
}
