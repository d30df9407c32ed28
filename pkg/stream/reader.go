package stream

import (
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zstd-contrib/zstd-streams-go/pkg/engine"
	"github.com/zstd-contrib/zstd-streams-go/pkg/seektable"
	"github.com/zstd-contrib/zstd-streams-go/pkg/session"
)

const (
	// readChunkSize is how much compressed input is fed to the session
	// per fill, and the output cap for decode-and-discard during Seek.
	readChunkSize = 32 << 10

	defaultFrameCacheSize = 16
)

var (
	_ io.ReadSeekCloser = (*Reader)(nil)
	_ io.ReaderAt       = (*Reader)(nil)
)

// Reader decompresses a seekable stream with random access.  Read and
// Seek share a sequential decompression session; ReadAt decodes whole
// frames through an LRU cache and can be mixed freely with them.
//
// The caller remains responsible for closing the underlying source.
type Reader struct {
	mu    sync.Mutex
	src   io.ReadSeeker
	table *seektable.Table
	env   REnvironment

	sess    *session.Decompressor
	pending []byte // decoded but not yet returned
	offset  int64  // decompressed position
	compPos int64  // compressed bytes fed to the session

	cache     *lru.Cache[int, []byte]
	cacheSize int
	dopts     []engine.DOption
	logger    *zap.Logger
	closed    bool
}

// ROption configures a Reader.
type ROption func(*Reader) error

// WithRLogger sets the logger; defaults to a nop logger.
func WithRLogger(l *zap.Logger) ROption {
	return func(r *Reader) error { r.logger = l; return nil }
}

// WithREnvironment replaces the seek table source.  Frame data is
// still read through the io.ReadSeeker passed to NewReader.
func WithREnvironment(e REnvironment) ROption {
	return func(r *Reader) error { r.env = e; return nil }
}

// WithFrameCacheSize sets how many decoded frames ReadAt keeps
// cached.  Default 16.
func WithFrameCacheSize(n int) ROption {
	return func(r *Reader) error {
		if n < 1 {
			return fmt.Errorf("invalid frame cache size: %d", n)
		}
		r.cacheSize = n
		return nil
	}
}

// WithRDecompressOptions passes options through to the decompression
// engines.
func WithRDecompressOptions(opts ...engine.DOption) ROption {
	return func(r *Reader) error { r.dopts = append(r.dopts, opts...); return nil }
}

// NewReader opens the seekable stream in rs.  The seek table at the
// end is loaded and validated up front.
func NewReader(rs io.ReadSeeker, opts ...ROption) (*Reader, error) {
	r := &Reader{
		src:       rs,
		cacheSize: defaultFrameCacheSize,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(r); err != nil {
			return nil, err
		}
	}

	var err error
	if r.env != nil {
		r.table, err = readTableEnv(r.env, seektable.WithLogger(r.logger))
	} else {
		r.table, _, err = readTable(rs, seektable.WithLogger(r.logger))
	}
	if err != nil {
		return nil, err
	}

	r.cache, err = lru.New[int, []byte](r.cacheSize)
	if err != nil {
		return nil, err
	}
	if err := r.resetSession(); err != nil {
		return nil, err
	}
	return r, nil
}

// readTable loads and validates the seek table at the end of rs,
// returning the table and the length of the data region before it.
func readTable(rs io.ReadSeeker, topts ...seektable.Option) (*seektable.Table, int64, error) {
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, err
	}
	if size < 9 {
		return nil, 0, fmt.Errorf("%w: stream of %d bytes cannot hold a seek table",
			seektable.ErrFormat, size)
	}

	footer := make([]byte, 9)
	if _, err := rs.Seek(size-9, io.SeekStart); err != nil {
		return nil, 0, err
	}
	if _, err := io.ReadFull(rs, footer); err != nil {
		return nil, 0, err
	}

	frameSize, err := seektable.TableFrameSize(footer)
	if err != nil {
		return nil, 0, err
	}
	dataLen := size - frameSize
	if dataLen < 0 {
		return nil, 0, fmt.Errorf("%w: stream of %d bytes cannot hold a %d byte seek table",
			seektable.ErrFormat, size, frameSize)
	}

	frame := make([]byte, frameSize)
	if _, err := rs.Seek(dataLen, io.SeekStart); err != nil {
		return nil, 0, err
	}
	if _, err := io.ReadFull(rs, frame); err != nil {
		return nil, 0, err
	}

	tab, err := seektable.FromFrame(frame, dataLen, topts...)
	if err != nil {
		return nil, 0, err
	}
	return tab, dataLen, nil
}

// readTableEnv loads the seek table through an injected environment.
// The data length is unknown to the environment, so cross-validation
// against the stream size is skipped.
func readTableEnv(env REnvironment, topts ...seektable.Option) (*seektable.Table, error) {
	footer, err := env.ReadFooter()
	if err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}
	if len(footer) > 9 {
		footer = footer[len(footer)-9:]
	}
	frameSize, err := seektable.TableFrameSize(footer)
	if err != nil {
		return nil, err
	}
	frame, err := env.ReadSeekTable(frameSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read seek table: %w", err)
	}
	return seektable.FromFrame(frame, -1, topts...)
}

// Size returns the decompressed size of the stream.
func (r *Reader) Size() int64 {
	return r.table.TotalDecompressed()
}

// NumFrames returns the number of indexed frames.
func (r *Reader) NumFrames() int64 {
	return int64(r.table.Len())
}

// Read decompresses sequentially from the current offset.
func (r *Reader) Read(dst []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, fmt.Errorf("%w: read on closed stream reader", session.ErrProtocol)
	}

	for len(r.pending) == 0 {
		if r.offset >= r.table.TotalDecompressed() {
			return 0, io.EOF
		}
		if err := r.fill(session.Unlimited); err != nil {
			return 0, err
		}
	}

	n := copy(dst, r.pending)
	r.pending = r.pending[n:]
	r.offset += int64(n)
	return n, nil
}

// fill runs one decompression step, holding up to max decoded bytes in
// pending.  Compressed input is fed in bounded chunks, clamped to the
// data region so the seek table frame is never consumed.
func (r *Reader) fill(max int) error {
	var chunk []byte
	if r.sess.NeedsInput() {
		remain := r.table.TotalCompressed() - r.compPos
		if remain <= 0 {
			return fmt.Errorf("%w: stream data ended mid-frame at %d",
				session.ErrTruncated, r.compPos)
		}
		n := int64(readChunkSize)
		if n > remain {
			n = remain
		}
		chunk = make([]byte, n)
		if _, err := r.src.Seek(r.compPos, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.ReadFull(r.src, chunk); err != nil {
			return fmt.Errorf("failed to read compressed data at %d: %w", r.compPos, err)
		}
		r.compPos += n
	}

	out, err := r.sess.Decompress(chunk, max)
	if err != nil {
		return err
	}
	r.pending = out
	return nil
}

// Seek repositions the decompressed offset.  A forward seek within the
// frame currently being decoded keeps the session and discards the gap;
// anything else resolves the target frame through the seek table,
// repositions the source and rebuilds the session.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, fmt.Errorf("%w: seek on closed stream reader", session.ErrProtocol)
	}

	newOffset := r.offset
	switch whence {
	case io.SeekCurrent:
		newOffset += offset
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = r.table.TotalDecompressed() + offset
	default:
		return 0, fmt.Errorf("%w: unknown whence: %d", session.ErrProtocol, whence)
	}

	if newOffset < 0 {
		return 0, fmt.Errorf("%w: offset before the start of the stream: %d (%d + %d)",
			session.ErrProtocol, newOffset, r.offset, offset)
	}
	if newOffset == r.offset {
		return newOffset, nil
	}

	idx := r.table.IndexByDecompOffset(newOffset)
	if idx < 0 {
		// at or past the end: settle there, the next Read reports EOF
		r.offset = newOffset
		r.pending = nil
		r.compPos = r.table.TotalCompressed()
		return newOffset, r.resetSession()
	}

	if newOffset > r.offset && idx == r.table.IndexByDecompOffset(r.offset) {
		return newOffset, r.discard(newOffset - r.offset)
	}

	comp, decomp := r.table.FrameStart(idx)
	r.compPos = comp
	r.offset = decomp
	r.pending = nil
	if err := r.resetSession(); err != nil {
		return 0, err
	}
	return newOffset, r.discard(newOffset - decomp)
}

// discard decodes and drops n bytes in bounded chunks.
func (r *Reader) discard(n int64) error {
	for n > 0 {
		if len(r.pending) == 0 {
			max := int64(readChunkSize)
			if max > n {
				max = n
			}
			if err := r.fill(int(max)); err != nil {
				return err
			}
			continue
		}
		k := int64(len(r.pending))
		if k > n {
			k = n
		}
		r.pending = r.pending[k:]
		r.offset += k
		n -= k
	}
	return nil
}

func (r *Reader) resetSession() error {
	if r.sess != nil {
		if err := r.sess.Close(); err != nil {
			return err
		}
	}
	eng, err := engine.NewZstdDecompressor(r.dopts...)
	if err != nil {
		return err
	}
	r.sess = session.NewDecompressor(eng, session.WithDecompressorLogger(r.logger))
	return nil
}

// ReadAt decompresses len(p) bytes at the decompressed offset off,
// independent of the sequential position.  Whole frames are decoded
// and kept in the LRU cache, so clustered random reads hit memory.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset: %d", session.ErrProtocol, off)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, fmt.Errorf("%w: read on closed stream reader", session.ErrProtocol)
	}

	n := 0
	for n < len(p) {
		idx := r.table.IndexByDecompOffset(off)
		if idx < 0 {
			return n, io.EOF
		}
		frame, err := r.frameAt(idx)
		if err != nil {
			return n, err
		}
		_, decompStart := r.table.FrameStart(idx)
		k := copy(p[n:], frame[off-decompStart:])
		n += k
		off += int64(k)
	}
	return n, nil
}

// frameAt returns the decoded content of frame idx, consulting the
// cache first.  Decoding runs on a throwaway bounded session; the
// declared size and, when present, the seek table checksum are
// verified.
func (r *Reader) frameAt(idx int) ([]byte, error) {
	if frame, ok := r.cache.Get(idx); ok {
		return frame, nil
	}

	entry := r.table.EntryAt(idx)
	comp, _ := r.table.FrameStart(idx)

	src := make([]byte, entry.CompressedSize)
	if _, err := r.src.Seek(comp, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r.src, src); err != nil {
		return nil, fmt.Errorf("failed to read compressed data at %d: %w", comp, err)
	}

	eng, err := engine.NewZstdDecompressor(r.dopts...)
	if err != nil {
		return nil, err
	}
	sess := session.NewBoundedDecompressor(eng)
	frame, err := sess.DecompressAll(src)
	err = multierr.Append(err, sess.Close())
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame %d at %d: %w", idx, comp, err)
	}

	if len(frame) != int(entry.DecompressedSize) {
		return nil, fmt.Errorf("%w: frame %d decoded to %d bytes, index declares %d",
			seektable.ErrFormat, idx, len(frame), entry.DecompressedSize)
	}
	if r.table.HasChecksum() {
		sum := uint32(xxhash.Sum64(frame))
		if sum != entry.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch on frame %d: expected %08x, actual %08x",
				seektable.ErrFormat, idx, entry.Checksum, sum)
		}
	}

	r.cache.Add(idx, frame)
	return frame, nil
}

// Close releases the decompression session and the frame cache.
// Idempotent.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.cache.Purge()
	r.pending = nil
	return r.sess.Close()
}
