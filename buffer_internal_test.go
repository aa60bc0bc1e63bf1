package haywire

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func BenchmarkBufferPool(b *testing.B) {
	pool := newBufferPool(-1, &Stats{})

	for _, dat := range [][]byte{
		make([]byte, 1024),    // 1KiB
		make([]byte, 1024*64), // 64KiB
	} {
		b.Run("copy-"+strconv.Itoa(len(dat)), func(b *testing.B) {
			b.ReportAllocs()

			for range b.N {
				buf, err := pool.copyOf(dat)
				require.NoError(b, err)
				buf.Release()
			}
		})
	}
}

func TestBufferReleaseOnce(t *testing.T) {
	stats := &Stats{}
	pool := newBufferPool(-1, stats)

	buf, err := pool.copyOf([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), buf.Bytes())
	require.Equal(t, 5, buf.Len())

	require.True(t, buf.Release())
	require.False(t, buf.Release())
	require.True(t, buf.Released())

	snap := stats.Snapshot()
	require.EqualValues(t, 1, snap.BuffersAcquired)
	require.EqualValues(t, 1, snap.BuffersReleased)
}

func TestBufferUseAfterRelease(t *testing.T) {
	pool := newBufferPool(-1, &Stats{})
	buf, err := pool.acquire(0)
	require.NoError(t, err)
	buf.Release()

	require.PanicsWithValue(t, ErrBufferReleased, func() { _, _ = buf.Write([]byte("x")) })
	require.PanicsWithValue(t, ErrBufferReleased, func() { _, _ = buf.WriteString("x") })
	require.PanicsWithValue(t, ErrBufferReleased, func() { buf.Reset() })
	require.PanicsWithValue(t, ErrBufferReleased, func() { buf.Len() })
}

func TestBufferLimit(t *testing.T) {
	pool := newBufferPool(8, &Stats{})

	_, err := pool.acquire(9)
	require.ErrorIs(t, err, ErrOutOfMemory)

	buf, err := pool.acquire(0)
	require.NoError(t, err)

	n, err := buf.WriteString("12345678")
	require.NoError(t, err)
	require.Equal(t, 8, n)

	n, err = buf.Write([]byte("9"))
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Zero(t, n)
	require.Equal(t, "12345678", string(buf.Bytes()))

	buf.Reset()
	require.Zero(t, buf.Len())
}

func TestBufferNotSharedAfterRelease(t *testing.T) {
	pool := newBufferPool(-1, &Stats{})

	first, err := pool.copyOf([]byte("first"))
	require.NoError(t, err)
	stale := first
	first.Release()

	second, err := pool.copyOf([]byte("second"))
	require.NoError(t, err)
	require.NotSame(t, stale, second)
	require.Equal(t, []byte("second"), second.Bytes())
	require.Panics(t, func() { stale.Bytes() })
}
