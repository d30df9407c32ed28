// Package stream assembles compressed frames and a seek table into a
// seekable stream: a writer that splits input into independently
// decodable frames and indexes them, and a reader that resolves
// decompressed offsets back to frames for random access.
package stream

import (
	"context"
	"fmt"
	"io"
	"math"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zstd-contrib/zstd-streams-go/pkg/engine"
	"github.com/zstd-contrib/zstd-streams-go/pkg/seektable"
	"github.com/zstd-contrib/zstd-streams-go/pkg/session"
)

const (
	// defaultFrameContentSize is the decompressed budget after which a
	// frame is sealed and a new one started.
	defaultFrameContentSize = 4 << 20

	// maxFrameCompressedSize keeps a frame's compressed size safely
	// within the 32-bit seek table entry field.
	maxFrameCompressedSize = math.MaxUint32 - (64 << 10)
)

var (
	_ io.Writer = (*Writer)(nil)
	_ io.Closer = (*Writer)(nil)
)

// Writer writes a seekable stream.  Write coalesces input into frames
// of bounded decompressed size, Flush forces a frame boundary, Close
// seals the last frame and appends the seek table.
//
// The caller remains responsible for closing the underlying writer.
type Writer struct {
	mu    sync.Mutex
	env   WEnvironment
	sess  *session.Compressor
	table *seektable.Table

	logger          *zap.Logger
	copts           []engine.COption
	maxFrameContent int64
	checksums       bool

	hasher      *xxhash.Digest
	frameComp   int64
	frameDecomp int64

	written atomic.Int64
	closed  bool
}

// NewWriter wraps w into a seekable stream writer.
func NewWriter(w io.Writer, opts ...WOption) (*Writer, error) {
	sw, err := newWriter(w, opts)
	if err != nil {
		return nil, err
	}
	sw.table = seektable.New(
		seektable.WithChecksums(sw.checksums), seektable.WithLogger(sw.logger))
	return sw, nil
}

func newWriter(w io.Writer, opts []WOption) (*Writer, error) {
	sw := &Writer{
		logger:          zap.NewNop(),
		maxFrameContent: defaultFrameContentSize,
		checksums:       true,
		hasher:          xxhash.New(),
	}
	for _, o := range opts {
		if err := o(sw); err != nil {
			return nil, err
		}
	}
	if sw.env == nil {
		sw.env = &writerEnvImpl{w: w}
	}

	eng, err := engine.NewZstdCompressor(sw.copts...)
	if err != nil {
		return nil, err
	}
	sw.sess = session.NewCompressor(eng, session.WithCompressorLogger(sw.logger))
	return sw, nil
}

// Write appends p to the stream.  Frames are sealed automatically when
// the decompressed budget runs out, so one Write may span several
// frames and never maps to partial data loss on error: the byte count
// returned is always what reached the compressor.
func (s *Writer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("%w: write on closed stream writer", session.ErrProtocol)
	}

	total := 0
	for len(p) > 0 {
		budget := s.maxFrameContent - s.frameDecomp
		if budget <= 0 || s.frameComp >= maxFrameCompressedSize {
			if err := s.endFrame(); err != nil {
				return total, err
			}
			continue
		}

		chunk := p
		if int64(len(chunk)) > budget {
			chunk = chunk[:budget]
		}

		out, err := s.sess.Compress(chunk, engine.Continue)
		if err != nil {
			return total, err
		}
		if err := s.writeOut(out); err != nil {
			return total, err
		}

		_, _ = s.hasher.Write(chunk)
		s.frameDecomp += int64(len(chunk))
		s.written.Add(int64(len(chunk)))
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Flush seals the current frame, establishing a decompression
// checkpoint at this position.  A no-op when the frame is empty.
func (s *Writer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: flush on closed stream writer", session.ErrProtocol)
	}
	return s.endFrame()
}

// Written returns the number of decompressed bytes accepted so far.
// Safe to call concurrently with WriteMany.
func (s *Writer) Written() int64 {
	return s.written.Load()
}

func (s *Writer) writeOut(out []byte) error {
	if len(out) == 0 {
		return nil
	}
	n, err := s.env.WriteFrame(out)
	if err != nil {
		return err
	}
	if n != len(out) {
		return fmt.Errorf("partial write: %d out of %d", n, len(out))
	}
	s.frameComp += int64(len(out))
	return nil
}

func (s *Writer) endFrame() error {
	if s.frameDecomp == 0 && s.sess.LastEnd() == engine.FlushFrame {
		return nil
	}

	out, err := s.sess.Flush(engine.FlushFrame)
	if err != nil {
		return err
	}
	if err := s.writeOut(out); err != nil {
		return err
	}

	if s.frameComp > math.MaxUint32 || s.frameDecomp > math.MaxUint32 {
		return fmt.Errorf("%w: frame sizes (%d, %d) exceed 32 bits",
			seektable.ErrFormat, s.frameComp, s.frameDecomp)
	}

	var sum uint32
	if s.checksums {
		sum = uint32(s.hasher.Sum64())
	}
	if err := s.table.Append(uint32(s.frameComp), uint32(s.frameDecomp), sum); err != nil {
		return err
	}

	s.hasher.Reset()
	s.frameComp, s.frameDecomp = 0, 0
	return nil
}

// Close seals the last frame, writes the seek table and releases the
// compression session.  Idempotent.
func (s *Writer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.endFrame()
	err = multierr.Append(err, s.writeSeekTable())
	err = multierr.Append(err, s.sess.Close())
	return err
}

func (s *Writer) writeSeekTable() error {
	frame, err := s.table.Marshal()
	if err != nil {
		return err
	}
	n, err := s.env.WriteSeekTable(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("partial write: %d out of %d", n, len(frame))
	}
	return nil
}

// FrameSource returns one frame of data at a time.
// When there are no more frames, returns nil.
type FrameSource func() ([]byte, error)

type encodeResult struct {
	buf   []byte
	entry seektable.Entry
}

// WriteMany compresses frames from frameSource concurrently, writing
// them out in source order.  Each frame maps to exactly one stream
// frame regardless of the decompressed budget.  Any frame buffered by
// preceding Write calls is sealed first.
func (s *Writer) WriteMany(ctx context.Context, frameSource FrameSource, options ...WriteManyOption) error {
	opts := writeManyOptions{concurrency: runtime.GOMAXPROCS(0)}
	for _, o := range options {
		if err := o(&opts); err != nil {
			return err // no wrap, these should be user-comprehensible
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: write on closed stream writer", session.ErrProtocol)
	}
	if err := s.endFrame(); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency + 2) // producer and consumer
	// Extra room in the queue keeps throughput high when frames finish
	// out of order.
	queue := make(chan chan encodeResult, opts.concurrency*2)
	g.Go(s.writeManyProducer(gCtx, frameSource, g, queue))
	g.Go(s.writeManyConsumer(gCtx, opts.writeCallback, queue))
	return g.Wait()
}

func (s *Writer) writeManyProducer(ctx context.Context, frameSource FrameSource, g *errgroup.Group, queue chan<- chan encodeResult) func() error {
	return func() error {
		for {
			frame, err := frameSource()
			if err != nil {
				return fmt.Errorf("frame source failed: %w", err)
			}
			if frame == nil {
				close(queue)
				return nil
			}

			// Put a channel on the queue as a sort of promise.  This
			// keeps results ordered even when compression completes
			// out of order.
			ch := make(chan encodeResult, 1)
			select {
			case <-ctx.Done():
				return nil
			case queue <- ch:
			}

			g.Go(s.writeManyEncoder(ctx, ch, frame))
		}
	}
}

func (s *Writer) writeManyEncoder(ctx context.Context, ch chan<- encodeResult, frame []byte) func() error {
	return func() error {
		buf, entry, err := s.encodeOne(frame)
		if err != nil {
			return fmt.Errorf("failed to encode frame: %w", err)
		}

		select {
		case <-ctx.Done():
		// Fulfill our promise.
		case ch <- encodeResult{buf, entry}:
			close(ch)
		}

		return nil
	}
}

// encodeOne compresses a whole frame on a dedicated session so encoder
// tasks never contend on shared state.
func (s *Writer) encodeOne(frame []byte) ([]byte, seektable.Entry, error) {
	if uint64(len(frame)) > math.MaxUint32 {
		return nil, seektable.Entry{}, fmt.Errorf("%w: frame of %d bytes exceeds 32 bits",
			seektable.ErrFormat, len(frame))
	}

	eng, err := engine.NewZstdCompressor(s.copts...)
	if err != nil {
		return nil, seektable.Entry{}, err
	}
	sess := session.NewCompressor(eng, session.WithRichMemory())
	defer sess.Close()

	buf, err := sess.Compress(frame, engine.FlushFrame)
	if err != nil {
		return nil, seektable.Entry{}, err
	}
	if uint64(len(buf)) > math.MaxUint32 {
		return nil, seektable.Entry{}, fmt.Errorf("%w: compressed frame of %d bytes exceeds 32 bits",
			seektable.ErrFormat, len(buf))
	}

	entry := seektable.Entry{
		CompressedSize:   uint32(len(buf)),
		DecompressedSize: uint32(len(frame)),
	}
	if s.checksums {
		entry.Checksum = uint32(xxhash.Sum64(frame))
	}
	return buf, entry, nil
}

func (s *Writer) writeManyConsumer(ctx context.Context, callback func(uint32), queue <-chan chan encodeResult) func() error {
	return func() error {
		for {
			var ch <-chan encodeResult
			select {
			case <-ctx.Done():
				return nil
			case ch = <-queue:
			}
			if ch == nil {
				return nil
			}

			// Wait for the frame to be complete.
			var result encodeResult
			select {
			case <-ctx.Done():
				return nil
			case result = <-ch:
			}

			n, err := s.env.WriteFrame(result.buf)
			if err != nil {
				return fmt.Errorf("failed to write compressed data: %w", err)
			}
			if n != len(result.buf) {
				return fmt.Errorf("partial write: %d out of %d", n, len(result.buf))
			}
			if err := s.table.Append(
				result.entry.CompressedSize, result.entry.DecompressedSize, result.entry.Checksum); err != nil {
				return err
			}
			s.written.Add(int64(result.entry.DecompressedSize))

			if callback != nil {
				callback(result.entry.DecompressedSize)
			}
		}
	}
}

// Truncater is the optional sink capability append mode uses to drop
// an existing seek table before continuing a stream.  *os.File
// satisfies it.
type Truncater interface {
	Truncate(size int64) error
}

// NewWriterAppend continues an existing seekable stream.  The current
// seek table is loaded and, when rws supports truncation, cut off so
// new frames overwrite it.  Otherwise the stale table bytes stay in
// place, recorded as a zero-content padding entry, and a warning is
// logged.  Close writes the combined table.
func NewWriterAppend(rws io.ReadWriteSeeker, opts ...WOption) (*Writer, error) {
	sw, err := newWriter(rws, opts)
	if err != nil {
		return nil, err
	}

	tab, dataLen, err := readTable(rws, seektable.WithLogger(sw.logger))
	if err != nil {
		return nil, err
	}

	if tab.HasChecksum() != sw.checksums {
		sw.logger.Warn("checksum mode follows the existing seek table",
			zap.Bool("existing", tab.HasChecksum()))
		sw.checksums = tab.HasChecksum()
	}

	if tr, ok := rws.(Truncater); ok {
		if err := tr.Truncate(dataLen); err != nil {
			return nil, fmt.Errorf("failed to truncate old seek table: %w", err)
		}
		if _, err := rws.Seek(dataLen, io.SeekStart); err != nil {
			return nil, err
		}
	} else {
		end, err := rws.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, err
		}
		tableLen := end - dataLen
		if tableLen > math.MaxUint32 {
			return nil, fmt.Errorf("%w: stale seek table of %d bytes exceeds 32 bits",
				seektable.ErrFormat, tableLen)
		}
		sw.logger.Warn("sink cannot truncate, keeping stale seek table as padding",
			zap.Int64("padding", tableLen))
		if err := tab.Append(uint32(tableLen), 0, 0); err != nil {
			return nil, err
		}
	}

	sw.table = tab
	sw.written.Store(tab.TotalDecompressed())
	return sw, nil
}
