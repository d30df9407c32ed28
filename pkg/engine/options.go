package engine

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// COption configures a zstd-backed Compressor.
type COption func(*zstdCompressor) error

// WithCLevel sets the compression level using the zstd scale (1..22).
func WithCLevel(level int) COption {
	return func(c *zstdCompressor) error {
		c.zopts = append(c.zopts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		return nil
	}
}

// WithCConcurrency sets the number of background compression workers.
// Values below 1 are rejected.
func WithCConcurrency(n int) COption {
	return func(c *zstdCompressor) error {
		if n < 1 {
			return fmt.Errorf("%w: concurrency %d < 1", ErrEngine, n)
		}
		c.concurrency = n
		return nil
	}
}

// WithCWindowSize sets the compression window size in bytes.
func WithCWindowSize(size int) COption {
	return func(c *zstdCompressor) error {
		c.zopts = append(c.zopts, zstd.WithWindowSize(size))
		return nil
	}
}

// WithCDict attaches a dictionary to the compressor.  Prefix content is
// not supported by this engine build and degrades to an undigested
// dictionary with a warning.
func WithCDict(dict Dictionary) COption {
	return func(c *zstdCompressor) error {
		switch dict.Kind {
		case Digested:
			c.zopts = append(c.zopts, zstd.WithEncoderDict(dict.Data))
		case Undigested:
			c.zopts = append(c.zopts, zstd.WithEncoderDictRaw(0, dict.Data))
		case Prefix:
			c.logger.Warn("prefix content is not supported by this engine, loading as undigested dictionary")
			c.zopts = append(c.zopts, zstd.WithEncoderDictRaw(0, dict.Data))
		default:
			return fmt.Errorf("%w: unknown dictionary kind %d", ErrEngine, int(dict.Kind))
		}
		return nil
	}
}

// WithCLogger sets the compressor logger; defaults to a nop logger.
func WithCLogger(l *zap.Logger) COption {
	return func(c *zstdCompressor) error {
		c.logger = l
		return nil
	}
}

// DOption configures a zstd-backed Decompressor.
type DOption func(*zstdDecompressor) error

// WithDMaxWindow caps the decoding window, bounding worst-case memory
// use on untrusted input.
func WithDMaxWindow(size uint64) DOption {
	return func(d *zstdDecompressor) error {
		d.zopts = append(d.zopts, zstd.WithDecoderMaxWindow(size))
		return nil
	}
}

// WithDMaxFrameSize caps the compressed size of a single frame the
// walker will accumulate before failing.
func WithDMaxFrameSize(size int) DOption {
	return func(d *zstdDecompressor) error {
		if size < 1 {
			return fmt.Errorf("%w: max frame size %d < 1", ErrEngine, size)
		}
		d.w.maxFrameSize = size
		return nil
	}
}

// WithDDict attaches a dictionary for decoding.  Prefix content
// degrades to an undigested dictionary with a warning, mirroring the
// compression side.
func WithDDict(dict Dictionary) DOption {
	return func(d *zstdDecompressor) error {
		switch dict.Kind {
		case Digested:
			d.zopts = append(d.zopts, zstd.WithDecoderDicts(dict.Data))
		case Undigested:
			d.zopts = append(d.zopts, zstd.WithDecoderDictRaw(0, dict.Data))
		case Prefix:
			d.logger.Warn("prefix content is not supported by this engine, loading as undigested dictionary")
			d.zopts = append(d.zopts, zstd.WithDecoderDictRaw(0, dict.Data))
		default:
			return fmt.Errorf("%w: unknown dictionary kind %d", ErrEngine, int(dict.Kind))
		}
		return nil
	}
}

// WithDLogger sets the decompressor logger; defaults to a nop logger.
func WithDLogger(l *zap.Logger) DOption {
	return func(d *zstdDecompressor) error {
		d.logger = l
		return nil
	}
}
