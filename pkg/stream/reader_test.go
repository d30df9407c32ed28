package stream

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zstd-contrib/zstd-streams-go/pkg/seektable"
	"github.com/zstd-contrib/zstd-streams-go/pkg/session"
)

// golden: two frames ("test", "test2") plus a checksummed seek table.
var golden = []byte{
	// frame 1
	0x28, 0xb5, 0x2f, 0xfd, 0x04, 0x00, 0x21, 0x00, 0x00,
	// "test"
	0x74, 0x65, 0x73, 0x74,
	0x39, 0x81, 0x67, 0xdb,
	// frame 2
	0x28, 0xb5, 0x2f, 0xfd, 0x04, 0x00, 0x29, 0x00, 0x00,
	// "test2"
	0x74, 0x65, 0x73, 0x74, 0x32,
	0x87, 0xeb, 0x11, 0x71,
	// skippable frame
	0x5e, 0x2a, 0x4d, 0x18,
	0x21, 0x00, 0x00, 0x00,
	// index
	0x11, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x39, 0x81, 0x67, 0xdb,
	0x12, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x87, 0xeb, 0x11, 0x71,
	// footer
	0x02, 0x00, 0x00, 0x00,
	0x80,
	0xb1, 0xea, 0x92, 0x8f,
}

// buildStream compresses src into a multi-frame seekable stream.
func buildStream(t *testing.T, src []byte, frameSize int64) []byte {
	t.Helper()

	var b bytes.Buffer
	w, err := NewWriter(&b, WithMaxFrameContentSize(frameSize))
	require.NoError(t, err)
	_, err = w.Write(src)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return b.Bytes()
}

func testContent(n int) []byte {
	src := make([]byte, n)
	for i := range src {
		src[i] = byte('a' + i%23)
	}
	return src
}

func TestReaderGoldenStream(t *testing.T) {
	t.Parallel()

	r, err := NewReader(bytes.NewReader(golden))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(9), r.Size())
	assert.Equal(t, int64(2), r.NumFrames())

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("testtest2"), out)

	// golden checksums hold on the random-access path too
	buf := make([]byte, 5)
	n, err := r.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("test2"), buf[:n])
}

func TestReaderSequential(t *testing.T) {
	t.Parallel()

	src := testContent(10000)
	stream := buildStream(t, src, 512)

	r, err := NewReader(bytes.NewReader(stream))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(len(src)), r.Size())
	assert.Equal(t, int64(20), r.NumFrames())

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, src, out)

	// at the end further reads report EOF
	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSeekThenRead(t *testing.T) {
	t.Parallel()

	src := testContent(4000)
	stream := buildStream(t, src, 512)

	r, err := NewReader(bytes.NewReader(stream))
	require.NoError(t, err)
	defer r.Close()

	// every offset: frame starts, mid-frame, and both stream edges
	for off := 0; off <= len(src); off += 97 {
		got, err := r.Seek(int64(off), io.SeekStart)
		require.NoError(t, err)
		assert.Equal(t, int64(off), got)

		out, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, src[off:], out, "offset %d", off)
	}

	// backward then forward within the same frame
	_, err = r.Seek(100, io.SeekStart)
	require.NoError(t, err)
	_, err = r.Seek(200, io.SeekStart)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, src[200:], out)
}

func TestReaderSeekWhence(t *testing.T) {
	t.Parallel()

	src := testContent(3000)
	stream := buildStream(t, src, 1000)

	r, err := NewReader(bytes.NewReader(stream))
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Seek(-5, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)-5), got)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, src[len(src)-5:], out)

	_, err = r.Seek(10, io.SeekStart)
	require.NoError(t, err)
	got, err = r.Seek(15, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(25), got)

	_, err = r.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, session.ErrProtocol)

	// seeking past the end settles there; the next read reports EOF
	got, err = r.Seek(int64(len(src)+100), io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)+100), got)
	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderReadAt(t *testing.T) {
	t.Parallel()

	src := testContent(5000)
	stream := buildStream(t, src, 512)

	r, err := NewReader(bytes.NewReader(stream))
	require.NoError(t, err)
	defer r.Close()

	for _, tc := range []struct {
		off, n int
	}{
		{0, 10},
		{511, 2},    // spans a frame boundary
		{512, 512},  // exactly one frame
		{1000, 3000}, // spans many frames
		{4990, 10},  // runs to the end
	} {
		buf := make([]byte, tc.n)
		n, err := r.ReadAt(buf, int64(tc.off))
		require.NoError(t, err, "off %d len %d", tc.off, tc.n)
		assert.Equal(t, src[tc.off:tc.off+tc.n], buf[:n])
	}

	// short read at the end
	buf := make([]byte, 100)
	n, err := r.ReadAt(buf, int64(len(src)-30))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, src[len(src)-30:], buf[:n])

	// random access does not disturb the sequential position
	_, err = r.Seek(0, io.SeekStart)
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestReaderChecksumMismatch(t *testing.T) {
	t.Parallel()

	corrupt := append([]byte(nil), golden...)
	corrupt[51] ^= 0xff // entry 0 checksum in the seek table

	r, err := NewReader(bytes.NewReader(corrupt))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadAt(make([]byte, 4), 0)
	assert.ErrorIs(t, err, seektable.ErrFormat)
}

type goldenEnv struct {
	tail []byte
}

func (e *goldenEnv) ReadFooter() ([]byte, error) {
	return e.tail[len(e.tail)-9:], nil
}

func (e *goldenEnv) ReadSeekTable(frameSize int64) ([]byte, error) {
	return e.tail[int64(len(e.tail))-frameSize:], nil
}

func TestReaderEnvironment(t *testing.T) {
	t.Parallel()

	r, err := NewReader(bytes.NewReader(golden), WithREnvironment(&goldenEnv{tail: golden}))
	require.NoError(t, err)
	defer r.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("testtest2"), out)
}

func TestReaderTruncatedTable(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 5, len(golden) - 1} {
		_, err := NewReader(bytes.NewReader(golden[:n]))
		require.Error(t, err, "length %d", n)
	}
}

func TestReaderRoundTripWrittenStream(t *testing.T) {
	t.Parallel()

	src := testContent(100000)

	var b bytes.Buffer
	w, err := NewWriter(&b, WithMaxFrameContentSize(4096))
	require.NoError(t, err)
	// uneven write sizes so frames do not align with writes
	for pos := 0; pos < len(src); {
		end := pos + 1000 + pos%777
		if end > len(src) {
			end = len(src)
		}
		_, err = w.Write(src[pos:end])
		require.NoError(t, err)
		pos = end
	}
	require.NoError(t, w.Close())

	r, err := NewReader(bytes.NewReader(b.Bytes()))
	require.NoError(t, err)
	defer r.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func FuzzReader(f *testing.F) {
	f.Add(golden, int64(0), uint8(1), io.SeekStart)
	f.Add(golden, int64(-1), uint8(2), io.SeekEnd)
	f.Add(golden, int64(1), uint8(0), io.SeekCurrent)

	f.Fuzz(func(t *testing.T, in []byte, off int64, l uint8, whence int) {
		r, err := NewReader(bytes.NewReader(in))
		if err != nil {
			return
		}
		defer func() { require.NoError(t, r.Close()) }()

		i, err := r.Seek(off, whence)
		if err != nil {
			return
		}

		buf1 := make([]byte, l)
		n, err := r.Read(buf1)
		if err != nil && !errors.Is(err, io.EOF) {
			return
		}

		buf2 := make([]byte, n)
		m, err := r.ReadAt(buf2, i)
		if err != nil && !errors.Is(err, io.EOF) {
			return
		}
		if m == n && !bytes.Equal(buf1[:n], buf2[:m]) {
			t.Fatalf("Read and ReadAt disagree at %d: %q vs %q", i, buf1[:n], buf2[:m])
		}
	})
}
