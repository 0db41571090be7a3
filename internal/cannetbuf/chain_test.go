package cannetbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func seq(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestNewRoundsCapacity(t *testing.T) {
	require.Equal(t, ChunkSize, New(0).Cap())
	require.Equal(t, ChunkSize, New(1).Cap())
	require.Equal(t, 64, New(33).Cap())
	require.Equal(t, 1024, New(1024).Cap())
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, n := range []int{1, 7, 31, 32, 33, 100, 256} {
		c := New(256)
		data := seq(n)
		w, err := c.Write(data)
		require.NoError(t, err)
		require.Equal(t, n, w)
		require.Equal(t, n, c.Len())

		out := make([]byte, n)
		r, err := c.Read(out)
		require.NoError(t, err)
		require.Equal(t, n, r)
		require.Equal(t, data, out)
		require.Zero(t, c.Len(), "n=%d", n)
		require.Nil(t, c.head)
		require.Nil(t, c.tail)
	}
}

func TestPartialReads(t *testing.T) {
	c := New(128)
	data := seq(90)
	_, err := c.Write(data[:40])
	require.NoError(t, err)
	_, err = c.Write(data[40:])
	require.NoError(t, err)

	var got bytes.Buffer
	buf := make([]byte, 11)
	for c.Len() > 0 {
		n, err := c.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	require.Equal(t, data, got.Bytes())

	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWriteRejectsOverflow(t *testing.T) {
	c := New(64)
	_, err := c.Write(seq(60))
	require.NoError(t, err)
	n, err := c.Write(seq(5))
	require.ErrorIs(t, err, ErrFull)
	require.Zero(t, n)
	require.Equal(t, 60, c.Len(), "rejected write must not change size")
	require.Equal(t, 4, c.Available())

	_, err = c.Write(seq(4))
	require.NoError(t, err)
	require.True(t, c.IsFull())
	_, err = c.Write([]byte{1})
	require.ErrorIs(t, err, ErrFull)
	require.Equal(t, 64, c.Len())
}

func TestReadFreesCapacity(t *testing.T) {
	c := New(32)
	_, err := c.Write(seq(32))
	require.NoError(t, err)
	buf := make([]byte, 16)
	_, _ = c.Read(buf)
	require.Equal(t, 16, c.Available())
	_, err = c.Write(seq(16))
	require.NoError(t, err)
	require.Equal(t, 32, c.Len())
}

func TestMove(t *testing.T) {
	dst := New(256)
	src := New(256)
	_, _ = dst.Write([]byte("hello "))
	_, _ = src.Write([]byte("wonderful chunked world, this spans more than one chunk"))

	require.NoError(t, Move(dst, src))
	require.Zero(t, src.Len())
	require.Nil(t, src.head)

	_, err := dst.Write([]byte("!"))
	require.NoError(t, err)
	out := make([]byte, dst.Len())
	n, _ := dst.Read(out)
	require.Equal(t, "hello wonderful chunked world, this spans more than one chunk!", string(out[:n]))
}

func TestMoveEmptyIsNoop(t *testing.T) {
	dst := New(64)
	_, _ = dst.Write([]byte("abc"))
	require.NoError(t, Move(dst, New(64)))
	require.Equal(t, 3, dst.Len())
	out := make([]byte, 8)
	n, _ := dst.Read(out)
	require.Equal(t, "abc", string(out[:n]))
}

func TestMoveRespectsCapacity(t *testing.T) {
	dst := New(32)
	src := New(64)
	_, _ = dst.Write(seq(20))
	_, _ = src.Write(seq(20))
	require.ErrorIs(t, Move(dst, src), ErrFull)
	require.Equal(t, 20, dst.Len())
	require.Equal(t, 20, src.Len())
}

func TestClear(t *testing.T) {
	c := New(64)
	_, _ = c.Write(seq(50))
	c.Clear()
	require.Zero(t, c.Len())
	require.Equal(t, 64, c.Available())
	require.False(t, c.IsFull())
}

func FuzzChainSizeInvariant(f *testing.F) {
	f.Add([]byte{10, 40, 3, 200, 1})
	f.Fuzz(func(t *testing.T, ops []byte) {
		c := New(128)
		var want int
		for i, op := range ops {
			n := int(op % 70)
			if i%2 == 0 {
				if _, err := c.Write(seq(n)); err == nil {
					want += n
				}
			} else {
				got, _ := c.Read(make([]byte, n))
				want -= got
			}
			if c.Len() != want || c.Len() > c.Cap() {
				t.Fatalf("size %d want %d cap %d", c.Len(), want, c.Cap())
			}
		}
	})
}
