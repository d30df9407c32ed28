package stream

import (
	"io"

	"github.com/google/btree"
	"go.uber.org/zap/zapcore"

	"github.com/zstd-contrib/zstd-streams-go/pkg/seektable"
)

// FrameOffsetEntry is the post-processed view of a seek table entry
// suitable for indexing.
type FrameOffsetEntry struct {
	// ID is the sequence number of the frame in the index.
	ID int64

	// CompOffset is the offset within the compressed stream.
	CompOffset uint64
	// DecompOffset is the offset within the decompressed stream.
	DecompOffset uint64
	// CompSize is the size of the compressed frame.
	CompSize uint32
	// DecompSize is the size of the original data.
	DecompSize uint32

	// Checksum is the lower 32 bits of the XXH64 hash of the
	// uncompressed data.
	Checksum uint32
}

func (o *FrameOffsetEntry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("ID", o.ID)
	enc.AddUint64("CompOffset", o.CompOffset)
	enc.AddUint64("DecompOffset", o.DecompOffset)
	enc.AddUint32("CompSize", o.CompSize)
	enc.AddUint32("DecompSize", o.DecompSize)
	enc.AddUint32("Checksum", o.Checksum)
	return nil
}

var _ io.Closer = (*Decoder)(nil)

// Decoder is a byte-oriented seek table index for cases where wrapping
// an io.ReadSeeker is not desirable: it maps decompressed offsets and
// frame IDs to compressed frame locations, and the caller fetches and
// decodes the frames itself.
//
// A Decoder is safe for concurrent use.
type Decoder struct {
	index   *btree.BTreeG[*FrameOffsetEntry]
	entries []*FrameOffsetEntry
	size    int64
}

// NewDecoder builds a Decoder from a complete seek table skippable
// frame, as produced by a Writer or Table.Marshal.
func NewDecoder(seekTableFrame []byte, opts ...seektable.Option) (*Decoder, error) {
	tab, err := seektable.FromFrame(seekTableFrame, -1, opts...)
	if err != nil {
		return nil, err
	}

	d := &Decoder{
		index: btree.NewG(16, func(a, b *FrameOffsetEntry) bool {
			return a.DecompOffset < b.DecompOffset
		}),
		size: tab.TotalDecompressed(),
	}

	for i := 0; i < tab.Len(); i++ {
		e := tab.EntryAt(i)
		comp, decomp := tab.FrameStart(i)
		entry := &FrameOffsetEntry{
			ID:           int64(i),
			CompOffset:   uint64(comp),
			DecompOffset: uint64(decomp),
			CompSize:     e.CompressedSize,
			DecompSize:   e.DecompressedSize,
			Checksum:     e.Checksum,
		}
		d.entries = append(d.entries, entry)
		if e.DecompressedSize > 0 {
			// zero-size frames never contain a decompressed offset and
			// would collide with the next data frame's key
			d.index.ReplaceOrInsert(entry)
		}
	}
	return d, nil
}

// GetIndexByDecompOffset returns the entry of the frame containing the
// decompressed offset off, or nil when off is at or past Size().
func (d *Decoder) GetIndexByDecompOffset(off uint64) (found *FrameOffsetEntry) {
	if off >= uint64(d.size) {
		return nil
	}
	d.index.DescendLessOrEqual(&FrameOffsetEntry{DecompOffset: off}, func(e *FrameOffsetEntry) bool {
		found = e
		return false
	})
	return found
}

// GetIndexByID returns the entry for a given frame ID, or nil when the
// ID is out of range.
func (d *Decoder) GetIndexByID(id int64) *FrameOffsetEntry {
	if id < 0 || id >= int64(len(d.entries)) {
		return nil
	}
	return d.entries[id]
}

// Size returns the decompressed size of the stream.
func (d *Decoder) Size() int64 {
	return d.size
}

// NumFrames returns the number of frames in the index.
func (d *Decoder) NumFrames() int64 {
	return int64(len(d.entries))
}

// Close releases the index.  The Decoder is unusable after.
func (d *Decoder) Close() error {
	d.index.Clear(false)
	d.entries = nil
	return nil
}
