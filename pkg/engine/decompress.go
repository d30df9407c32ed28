package engine

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

type zstdDecompressor struct {
	dec *zstd.Decoder
	w   frameWalker

	// pending is the decoded content of the current frame, delivered
	// into output cursors across calls.
	pending    []byte
	pendingPos int
	decoded    bool
	verified   bool

	logger *zap.Logger
	zopts  []zstd.DOption
}

var _ Decompressor = (*zstdDecompressor)(nil)

// NewZstdDecompressor returns a Decompressor backed by klauspost's zstd
// decoder.  Frames are delimited incrementally without decompressing,
// decoded in one shot once their last block has arrived, and streamed
// out across calls.  Input is never consumed past the end of the
// current frame.
func NewZstdDecompressor(opts ...DOption) (Decompressor, error) {
	d := &zstdDecompressor{
		logger: zap.NewNop(),
	}
	d.w.maxFrameSize = defaultMaxFrameSize
	for _, o := range opts {
		if err := o(d); err != nil {
			return nil, err
		}
	}

	dec, err := zstd.NewReader(nil, d.zopts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating zstd decoder: %v", ErrEngine, err)
	}
	d.dec = dec
	return d, nil
}

func (d *zstdDecompressor) DecompressStream(in *InBuffer, out *OutBuffer) (int, error) {
	if !d.w.complete {
		n, err := d.w.feed(in.Src[in.Pos:])
		in.Pos += n
		if err != nil {
			d.Reset()
			return 0, err
		}
	}

	if d.w.dataEnd && !d.decoded {
		decoded, err := d.dec.DecodeAll(d.w.decodable(), nil)
		if err != nil {
			d.Reset()
			return 0, fmt.Errorf("%w: decoding frame: %v", ErrEngine, err)
		}
		if d.w.hdr.HasContentSize && uint64(len(decoded)) != d.w.hdr.ContentSize {
			d.Reset()
			return 0, fmt.Errorf("%w: frame declared %d bytes, decoded %d",
				ErrEngine, d.w.hdr.ContentSize, len(decoded))
		}
		d.pending = decoded
		d.decoded = true
	}

	if d.w.complete && d.w.hdrParsed && d.w.hdr.HasChecksum && !d.verified {
		want := d.w.storedChecksum()
		got := uint32(xxhash.Sum64(d.pending))
		if want != got {
			d.Reset()
			return 0, fmt.Errorf("%w: content checksum mismatch: stored 0x%08x, computed 0x%08x",
				ErrEngine, want, got)
		}
		d.verified = true
	}

	n := copy(out.Dst[out.Pos:], d.pending[d.pendingPos:])
	out.Pos += n
	d.pendingPos += n

	if d.w.complete && d.pendingPos == len(d.pending) {
		d.resetFrame()
		return 0, nil
	}

	if hint := len(d.pending) - d.pendingPos; hint > 0 {
		return hint, nil
	}
	return d.w.need(), nil
}

func (d *zstdDecompressor) resetFrame() {
	d.w.reset()
	d.pending = nil
	d.pendingPos = 0
	d.decoded = false
	d.verified = false
}

func (d *zstdDecompressor) Reset() {
	d.resetFrame()
}

func (d *zstdDecompressor) Close() error {
	d.resetFrame()
	d.dec.Close()
	return nil
}
