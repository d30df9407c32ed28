package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, b *Buffer, src []byte) {
	t.Helper()

	for len(src) > 0 {
		tip := b.Tip()
		if len(tip) == 0 {
			require.False(t, b.ReachedMaxLength())
			require.NoError(t, b.Grow())
			continue
		}
		n := copy(tip, src)
		b.Advance(n)
		src = src[n:]
	}
}

func TestBufferFastPath(t *testing.T) {
	t.Parallel()

	src := bytes.Repeat([]byte{0xAB}, 100)
	b, err := NewWithSize(Unlimited, len(src))
	require.NoError(t, err)

	n := copy(b.Tip(), src)
	b.Advance(n)
	require.Equal(t, len(src), b.Produced())

	out := b.Finish()
	assert.Equal(t, src, out)
	// exactly one full block: returned without copying
	assert.Equal(t, len(out), cap(out))
}

func TestBufferFullBlockPlusEmpty(t *testing.T) {
	t.Parallel()

	b, err := NewWithSize(Unlimited, 4)
	require.NoError(t, err)

	b.Advance(copy(b.Tip(), []byte("abcd")))
	require.NoError(t, b.Grow())
	require.Equal(t, 4, b.Produced())

	assert.Equal(t, []byte("abcd"), b.Finish())
}

func TestBufferGrowthSchedule(t *testing.T) {
	t.Parallel()

	b := New(Unlimited)
	assert.Equal(t, firstBlockSize, cap(b.Tip()))

	b.Advance(len(b.Tip()))
	require.NoError(t, b.Grow())
	assert.Equal(t, 64<<10, cap(b.Tip()))

	b.Advance(len(b.Tip()))
	require.NoError(t, b.Grow())
	assert.Equal(t, 256<<10, cap(b.Tip()))
}

func TestBufferGrowthInvariance(t *testing.T) {
	t.Parallel()

	src := make([]byte, 300000)
	for i := range src {
		src[i] = byte(i * 7)
	}

	// force many grow calls by starting from a tiny first block
	for _, first := range []int{1, 7, 100, len(src)} {
		b, err := NewWithSize(Unlimited, first)
		require.NoError(t, err)
		fill(t, b, src)
		assert.Equal(t, src, b.Finish(), "first block size %d", first)
	}
}

func TestBufferMaxLength(t *testing.T) {
	t.Parallel()

	b := New(10)
	assert.Equal(t, 10, cap(b.Tip()))

	b.Advance(copy(b.Tip(), bytes.Repeat([]byte{1}, 10)))
	assert.True(t, b.ReachedMaxLength())
	assert.ErrorIs(t, b.Grow(), ErrExhausted)
}

func TestBufferMaxLengthClipsGrowth(t *testing.T) {
	t.Parallel()

	b, err := NewWithSize(6, 4)
	require.NoError(t, err)

	b.Advance(copy(b.Tip(), []byte("abcd")))
	require.NoError(t, b.Grow())
	// only 2 bytes of budget remained
	assert.Equal(t, 2, cap(b.Tip()))

	b.Advance(copy(b.Tip(), []byte("ef")))
	assert.True(t, b.ReachedMaxLength())
	assert.Equal(t, []byte("abcdef"), b.Finish())
}

func TestBufferZeroMaxLength(t *testing.T) {
	t.Parallel()

	b := New(0)
	assert.Empty(t, b.Tip())
	assert.True(t, b.ReachedMaxLength())
	assert.Empty(t, b.Finish())
}

func TestBufferGrowHalfFullBlock(t *testing.T) {
	t.Parallel()

	b, err := NewWithSize(Unlimited, 4)
	require.NoError(t, err)
	b.Advance(2)
	assert.Error(t, b.Grow())
}
