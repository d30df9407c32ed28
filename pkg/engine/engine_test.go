package engine

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// "test" in a single raw block, with content checksum.
var testFrame = []byte{
	0x28, 0xb5, 0x2f, 0xfd, 0x04, 0x00, 0x21, 0x00, 0x00,
	0x74, 0x65, 0x73, 0x74,
	0x39, 0x81, 0x67, 0xdb,
}

// empty skippable frame with a 4 byte body.
var skipFrame = []byte{
	0x50, 0x2a, 0x4d, 0x18,
	0x04, 0x00, 0x00, 0x00,
	0xde, 0xad, 0xbe, 0xef,
}

func compressAll(t *testing.T, c Compressor, src []byte, end EndDirective, outChunk int) []byte {
	t.Helper()

	in := InBuffer{Src: src}
	var result []byte
	for {
		out := OutBuffer{Dst: make([]byte, outChunk)}
		remaining, err := c.CompressStream(&in, &out, end)
		require.NoError(t, err)
		result = append(result, out.Dst[:out.Pos]...)
		if remaining == 0 && in.Remaining() == 0 {
			return result
		}
	}
}

func TestCompressStreamRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewZstdCompressor(WithCLevel(3))
	require.NoError(t, err)
	defer c.Close()

	src := bytes.Repeat([]byte("0123456789abcdef"), 4096)

	// drain through deliberately tiny output cursors
	compressed := compressAll(t, c, src, FlushFrame, 7)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	decompressed, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, src, decompressed)
}

func TestCompressStreamContinueBuffers(t *testing.T) {
	t.Parallel()

	c, err := NewZstdCompressor()
	require.NoError(t, err)
	defer c.Close()

	// small input under Continue may produce no output at all
	got := compressAll(t, c, []byte("tiny"), Continue, 1024)
	assert.Empty(t, got)

	// frame close must flush the buffered bytes
	closed := compressAll(t, c, nil, FlushFrame, 1024)
	require.NotEmpty(t, closed)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	decompressed, err := dec.DecodeAll(closed, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), decompressed)
}

func TestCompressStreamFlushBlockKeepsFrameOpen(t *testing.T) {
	t.Parallel()

	c, err := NewZstdCompressor()
	require.NoError(t, err)
	defer c.Close()

	part1 := compressAll(t, c, []byte("hello "), FlushBlock, 1024)
	require.NotEmpty(t, part1)
	part2 := compressAll(t, c, []byte("world"), FlushFrame, 1024)
	require.NotEmpty(t, part2)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	decompressed, err := dec.DecodeAll(append(part1, part2...), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), decompressed)
}

func TestCompressStreamEmptyFrame(t *testing.T) {
	t.Parallel()

	c, err := NewZstdCompressor()
	require.NoError(t, err)
	defer c.Close()

	frame := compressAll(t, c, nil, FlushFrame, 1024)
	require.NotEmpty(t, frame)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	decompressed, err := dec.DecodeAll(frame, nil)
	require.NoError(t, err)
	assert.Empty(t, decompressed)
}

func decompressAll(t *testing.T, d Decompressor, src []byte, inChunk int) []byte {
	t.Helper()

	var result []byte
	pos := 0
	for {
		end := pos + inChunk
		if end > len(src) {
			end = len(src)
		}
		in := InBuffer{Src: src[pos:end]}
		for {
			out := OutBuffer{Dst: make([]byte, 1024)}
			hint, err := d.DecompressStream(&in, &out)
			require.NoError(t, err)
			result = append(result, out.Dst[:out.Pos]...)
			if hint == 0 && in.Remaining() == 0 {
				break
			}
			if out.Pos == 0 && in.Remaining() == 0 {
				break // need more input
			}
		}
		pos += in.Pos
		if pos == len(src) {
			return result
		}
	}
}

func TestDecompressStreamGolden(t *testing.T) {
	t.Parallel()

	for _, chunk := range []int{1, 2, 3, len(testFrame)} {
		d, err := NewZstdDecompressor()
		require.NoError(t, err)

		got := decompressAll(t, d, testFrame, chunk)
		assert.Equal(t, []byte("test"), got, "input chunk size %d", chunk)
		require.NoError(t, d.Close())
	}
}

func TestDecompressStreamStopsAtFrameEnd(t *testing.T) {
	t.Parallel()

	d, err := NewZstdDecompressor()
	require.NoError(t, err)
	defer d.Close()

	trailer := []byte("garbage after frame")
	in := InBuffer{Src: append(append([]byte{}, testFrame...), trailer...)}
	out := OutBuffer{Dst: make([]byte, 64)}

	hint, err := d.DecompressStream(&in, &out)
	require.NoError(t, err)
	assert.Zero(t, hint)
	assert.Equal(t, []byte("test"), out.Dst[:out.Pos])
	assert.Equal(t, trailer, in.Src[in.Pos:])
}

func TestDecompressStreamPartialOutput(t *testing.T) {
	t.Parallel()

	d, err := NewZstdDecompressor()
	require.NoError(t, err)
	defer d.Close()

	in := InBuffer{Src: testFrame}
	out := OutBuffer{Dst: make([]byte, 3)}

	hint, err := d.DecompressStream(&in, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, hint)
	assert.Equal(t, []byte("tes"), out.Dst[:out.Pos])

	out2 := OutBuffer{Dst: make([]byte, 3)}
	hint, err = d.DecompressStream(&in, &out2)
	require.NoError(t, err)
	assert.Zero(t, hint)
	assert.Equal(t, []byte("t"), out2.Dst[:out2.Pos])
}

func TestDecompressStreamTruncatedChecksum(t *testing.T) {
	t.Parallel()

	d, err := NewZstdDecompressor()
	require.NoError(t, err)
	defer d.Close()

	// strip the trailing content checksum
	in := InBuffer{Src: testFrame[:len(testFrame)-4]}
	out := OutBuffer{Dst: make([]byte, 64)}

	hint, err := d.DecompressStream(&in, &out)
	require.NoError(t, err)
	// decoded bytes are available, but the frame is not complete
	assert.Equal(t, []byte("test"), out.Dst[:out.Pos])
	assert.Positive(t, hint)
}

func TestDecompressStreamChecksumMismatch(t *testing.T) {
	t.Parallel()

	d, err := NewZstdDecompressor()
	require.NoError(t, err)
	defer d.Close()

	corrupt := append([]byte{}, testFrame...)
	corrupt[len(corrupt)-1] ^= 0xFF

	in := InBuffer{Src: corrupt}
	out := OutBuffer{Dst: make([]byte, 64)}
	_, err = d.DecompressStream(&in, &out)
	assert.ErrorIs(t, err, ErrEngine)
}

func TestDecompressStreamSkippableFrame(t *testing.T) {
	t.Parallel()

	d, err := NewZstdDecompressor()
	require.NoError(t, err)
	defer d.Close()

	in := InBuffer{Src: skipFrame}
	out := OutBuffer{Dst: make([]byte, 64)}

	hint, err := d.DecompressStream(&in, &out)
	require.NoError(t, err)
	assert.Zero(t, hint)
	assert.Zero(t, out.Pos)
	assert.Zero(t, in.Remaining())
}

func TestDecompressStreamBadMagic(t *testing.T) {
	t.Parallel()

	d, err := NewZstdDecompressor()
	require.NoError(t, err)
	defer d.Close()

	in := InBuffer{Src: []byte{0x01, 0x02, 0x03, 0x04, 0x05}}
	out := OutBuffer{Dst: make([]byte, 64)}
	_, err = d.DecompressStream(&in, &out)
	assert.ErrorIs(t, err, ErrEngine)
}

func TestDecompressStreamEngineRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewZstdCompressor(WithCLevel(1))
	require.NoError(t, err)
	defer c.Close()

	src := bytes.Repeat([]byte("roundtrip data "), 10000)
	compressed := compressAll(t, c, src, FlushFrame, 4096)

	for _, chunk := range []int{17, 1000, len(compressed)} {
		d, err := NewZstdDecompressor()
		require.NoError(t, err)
		got := decompressAll(t, d, compressed, chunk)
		assert.Equal(t, src, got, "input chunk size %d", chunk)
		require.NoError(t, d.Close())
	}
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	h, err := ParseHeader(testFrame)
	require.NoError(t, err)
	assert.False(t, h.Skippable)
	assert.True(t, h.HasChecksum)

	h, err = ParseHeader(skipFrame)
	require.NoError(t, err)
	assert.True(t, h.Skippable)
	assert.Equal(t, uint32(4), h.SkippableSize)

	_, err = ParseHeader([]byte{0x28, 0xb5})
	assert.Error(t, err)
}

func TestFrameSpan(t *testing.T) {
	t.Parallel()

	withTrailer := append(append([]byte{}, testFrame...), 0xAA, 0xBB)
	n, complete, err := FrameSpan(withTrailer)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, len(testFrame), n)

	n, complete, err = FrameSpan(testFrame[:5])
	require.NoError(t, err)
	assert.False(t, complete)
	assert.LessOrEqual(t, n, 5)

	n, complete, err = FrameSpan(skipFrame)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, len(skipFrame), n)
}
