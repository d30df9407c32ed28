package seektable

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Table is an ordered seek table index.  Alongside the entries it
// maintains cumulative compressed/decompressed offsets, so frame
// lookups are a binary search away.
//
// A Table is safe for concurrent use at method granularity.
type Table struct {
	mu sync.Mutex

	entries []Entry
	// cumulative offsets; index i is the starting offset of frame i,
	// index len(entries) the stream total.
	cumComp   []int64
	cumDecomp []int64

	hasChecksum bool
	logger      *zap.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithChecksums toggles per-entry checksums; on by default.
func WithChecksums(enabled bool) Option {
	return func(t *Table) { t.hasChecksum = enabled }
}

// WithLogger sets the logger; defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// New returns an empty table.
func New(opts ...Option) *Table {
	t := &Table{
		cumComp:     []int64{0},
		cumDecomp:   []int64{0},
		hasChecksum: true,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Append records one frame.  A (0, 0) entry is a no-op; a zero-size
// compressed frame can never decode to nonzero bytes, so (0, d>0) is
// rejected.
func (t *Table) Append(compressedSize, decompressedSize, checksum uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if compressedSize == 0 {
		if decompressedSize != 0 {
			return fmt.Errorf("%w: frame of compressed size 0 declares %d decompressed bytes",
				ErrFormat, decompressedSize)
		}
		return nil
	}

	entry := Entry{
		CompressedSize:   compressedSize,
		DecompressedSize: decompressedSize,
		Checksum:         checksum,
	}
	t.logger.Debug("appending frame", zap.Object("frame", &entry))
	t.appendEntry(entry)
	return nil
}

func (t *Table) appendEntry(e Entry) {
	t.entries = append(t.entries, e)
	t.cumComp = append(t.cumComp, t.cumComp[len(t.cumComp)-1]+int64(e.CompressedSize))
	t.cumDecomp = append(t.cumDecomp, t.cumDecomp[len(t.cumDecomp)-1]+int64(e.DecompressedSize))
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// EntryAt returns entry i.
func (t *Table) EntryAt(i int) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[i]
}

// HasChecksum reports whether entries carry content checksums.
func (t *Table) HasChecksum() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasChecksum
}

// TotalCompressed returns the compressed size of all indexed frames.
func (t *Table) TotalCompressed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cumComp[len(t.cumComp)-1]
}

// TotalDecompressed returns the decompressed size of all indexed frames.
func (t *Table) TotalDecompressed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cumDecomp[len(t.cumDecomp)-1]
}

// IndexByDecompOffset returns the index of the frame containing the
// decompressed offset pos, or -1 when pos is at or past the end of the
// stream.  Negative offsets clamp to 0.
//
// The upper-bound search lands on the first frame whose cumulative
// decompressed size exceeds pos, which skips zero-size frames sharing
// a cumulative value and always resolves to a frame that actually
// advances content.  Seeking across skippable frames depends on this.
func (t *Table) IndexByDecompOffset(pos int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pos < 0 {
		pos = 0
	}
	if pos >= t.cumDecomp[len(t.cumDecomp)-1] {
		return -1
	}
	return sort.Search(len(t.entries), func(i int) bool {
		return t.cumDecomp[i+1] > pos
	})
}

// FrameStart returns the starting compressed and decompressed offsets
// of frame i.
func (t *Table) FrameStart(i int) (comp, decomp int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cumComp[i], t.cumDecomp[i]
}

// MergeFrames coarsens the table to at most maxEntries entries by
// summing contiguous groups.  Totals are exactly preserved; seek
// resolution drops to group granularity.  Checksums cannot be combined
// and are dropped when any merging happens.
func (t *Table) MergeFrames(maxEntries int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mergeFrames(maxEntries)
}

func (t *Table) mergeFrames(maxEntries int) error {
	if maxEntries < 1 {
		return fmt.Errorf("%w: cannot merge to %d entries", ErrFormat, maxEntries)
	}
	n := len(t.entries)
	if n <= maxEntries {
		return nil
	}

	if t.hasChecksum {
		t.logger.Warn("merging frames drops per-frame checksums",
			zap.Int("entries", n), zap.Int("max", maxEntries))
		t.hasChecksum = false
	}

	groupSize := n / maxEntries
	extra := n % maxEntries

	merged := make([]Entry, 0, maxEntries)
	pos := 0
	for g := 0; g < maxEntries; g++ {
		size := groupSize
		if g < extra {
			size++
		}
		var comp, decomp uint64
		for _, e := range t.entries[pos : pos+size] {
			comp += uint64(e.CompressedSize)
			decomp += uint64(e.DecompressedSize)
		}
		if comp > maxFrames || decomp > maxFrames {
			return fmt.Errorf("%w: merged frame sizes (%d, %d) exceed 32 bits",
				ErrFormat, comp, decomp)
		}
		merged = append(merged, Entry{
			CompressedSize:   uint32(comp),
			DecompressedSize: uint32(decomp),
		})
		pos += size
	}

	t.entries = t.entries[:0]
	t.cumComp = t.cumComp[:1]
	t.cumDecomp = t.cumDecomp[:1]
	for _, e := range merged {
		t.appendEntry(e)
	}
	return nil
}

// Marshal serializes the table as its final skippable frame.  A table
// past the 32-bit frame-count limit is merged down first, with a
// warning.
func (t *Table) Marshal() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if uint64(len(t.entries)) > maxFrames {
		t.logger.Warn("too many frames for the seekable format, merging",
			zap.Int("entries", len(t.entries)))
		if err := t.mergeFrames(maxFrames); err != nil {
			return nil, err
		}
	}

	entrySize := entrySizePlain
	if t.hasChecksum {
		entrySize = entrySizeChecksum
	}

	payload := make([]byte, len(t.entries)*entrySize+footerSize)
	for i := range t.entries {
		t.entries[i].marshalBinaryInline(payload[i*entrySize:(i+1)*entrySize], t.hasChecksum)
	}

	f := footer{
		NumberOfFrames: uint32(len(t.entries)),
		Descriptor: descriptor{
			ChecksumFlag: t.hasChecksum,
		},
		SeekableMagicNumber: seekableMagicNumber,
	}
	f.marshalBinaryInline(payload[len(t.entries)*entrySize:])

	return createSkippableFrame(seekableTag, payload)
}

// TableFrameSize parses a 9-byte footer and returns the full byte
// length of the seek table skippable frame it terminates, header
// included.  Callers holding only the tail of a stream use this to
// find how far back the table frame starts.
func TableFrameSize(p []byte) (int64, error) {
	if len(p) > footerSize {
		p = p[:footerSize]
	}
	var f footer
	if err := f.UnmarshalBinary(p); err != nil {
		return 0, err
	}
	return tableFrameSize(&f), nil
}

// Load parses the seek table at the end of a complete stream.  src
// must hold the whole stream: every cumulative compressed size is
// validated against the bytes actually preceding the table frame.
func Load(src []byte, opts ...Option) (*Table, error) {
	if len(src) < minTableSize {
		return nil, fmt.Errorf("%w: stream of %d bytes cannot hold a seek table",
			ErrFormat, len(src))
	}

	var f footer
	if err := f.UnmarshalBinary(src[len(src)-footerSize:]); err != nil {
		return nil, err
	}

	frameSize := tableFrameSize(&f)
	if int64(len(src)) < frameSize {
		return nil, fmt.Errorf("%w: stream of %d bytes cannot hold a %d byte seek table",
			ErrFormat, len(src), frameSize)
	}

	dataLen := int64(len(src)) - frameSize
	return FromFrame(src[dataLen:], dataLen, opts...)
}

// tableFrameSize returns the full byte length of the skippable frame
// described by a footer, header included.
func tableFrameSize(f *footer) int64 {
	entrySize := int64(entrySizePlain)
	if f.Descriptor.ChecksumFlag {
		entrySize = entrySizeChecksum
	}
	return skippableMagicNumberFieldSize + frameSizeFieldSize +
		entrySize*int64(f.NumberOfFrames) + footerSize
}

// FromFrame parses a complete seek table skippable frame.  dataLen is
// the number of stream bytes preceding the frame and is used to detect
// tables describing more data than exists; pass a negative value when
// the data length is unknown.
func FromFrame(frame []byte, dataLen int64, opts ...Option) (*Table, error) {
	if len(frame) < minTableSize {
		return nil, fmt.Errorf("%w: frame of %d bytes cannot hold a seek table",
			ErrFormat, len(frame))
	}

	var f footer
	if err := f.UnmarshalBinary(frame[len(frame)-footerSize:]); err != nil {
		return nil, err
	}
	if want := tableFrameSize(&f); int64(len(frame)) != want {
		return nil, fmt.Errorf("%w: seek table frame is %d bytes, footer describes %d",
			ErrFormat, len(frame), want)
	}

	magic := binary.LittleEndian.Uint32(frame[0:])
	if magic != skippableFrameMagic+seekableTag {
		return nil, fmt.Errorf("%w: skippable frame magic mismatch 0x%08x vs 0x%08x",
			ErrFormat, magic, skippableFrameMagic+seekableTag)
	}
	frameSize := int64(binary.LittleEndian.Uint32(frame[4:]))
	if frameSize != int64(len(frame))-skippableMagicNumberFieldSize-frameSizeFieldSize {
		return nil, fmt.Errorf("%w: skippable frame size mismatch %d vs %d",
			ErrFormat, frameSize, len(frame)-skippableMagicNumberFieldSize-frameSizeFieldSize)
	}

	opts = append([]Option{WithChecksums(f.Descriptor.ChecksumFlag)}, opts...)
	t := New(opts...)

	entrySize := entrySizePlain
	if f.Descriptor.ChecksumFlag {
		entrySize = entrySizeChecksum
	}

	p := frame[skippableMagicNumberFieldSize+frameSizeFieldSize : len(frame)-footerSize]
	var entry Entry
	for i := 0; i < int(f.NumberOfFrames); i++ {
		if err := entry.UnmarshalBinary(p[i*entrySize : (i+1)*entrySize]); err != nil {
			return nil, err
		}
		if entry.CompressedSize == 0 && entry.DecompressedSize != 0 {
			return nil, fmt.Errorf("%w: entry %d of compressed size 0 declares %d decompressed bytes",
				ErrFormat, i, entry.DecompressedSize)
		}
		t.appendEntry(entry)
		if dataLen >= 0 && t.cumComp[len(t.cumComp)-1] > dataLen {
			return nil, fmt.Errorf("%w: entries describe %d compressed bytes, stream has %d",
				ErrFormat, t.cumComp[len(t.cumComp)-1], dataLen)
		}
	}

	if dataLen >= 0 && t.cumComp[len(t.cumComp)-1] != dataLen {
		return nil, fmt.Errorf("%w: entries describe %d compressed bytes, stream has %d",
			ErrFormat, t.cumComp[len(t.cumComp)-1], dataLen)
	}
	return t, nil
}
