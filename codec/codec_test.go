package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bifurcation/mls-tree-go/codec"
)

func TestVarUintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 63, 64, 16383, 16384, 1<<30 - 1, 1 << 30, 1<<32 + 7}
	for _, n := range cases {
		w := codec.NewWriter(8)
		require.NoError(t, w.WriteVarUint(n))

		r := codec.NewReader(w.Bytes())
		got, err := r.ReadVarUint()
		require.NoError(t, err)
		require.Equal(t, n, got)
		require.Zero(t, r.Remaining())
	}
}

func TestVarBytesRoundTrip(t *testing.T) {
	w := codec.NewWriter(0)
	require.NoError(t, w.WriteVarBytes([]byte("hello ratchet tree")))

	r := codec.NewReader(w.Bytes())
	got, err := r.ReadVarBytes()
	require.NoError(t, err)
	require.Equal(t, []byte("hello ratchet tree"), got)
}

func TestOptionalRoundTrip(t *testing.T) {
	w := codec.NewWriter(0)
	require.NoError(t, w.WriteOptional(true, func() error {
		return w.WriteVarBytes([]byte("present"))
	}))
	require.NoError(t, w.WriteOptional(false, func() error {
		t.Fatal("should not be invoked when absent")
		return nil
	}))

	r := codec.NewReader(w.Bytes())
	var got []byte
	present, err := r.ReadOptional(func() error {
		var err error
		got, err = r.ReadVarBytes()
		return err
	})
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, []byte("present"), got)

	present, err = r.ReadOptional(func() error {
		t.Fatal("should not be invoked when absent")
		return nil
	})
	require.NoError(t, err)
	require.False(t, present)
}

func TestVectorRoundTrip(t *testing.T) {
	items := []uint32{1, 2, 3, 4}
	w := codec.NewWriter(0)
	require.NoError(t, w.WriteVector(len(items), len(items)*4, func(i int) error {
		w.WriteUint32(items[i])
		return nil
	}))

	r := codec.NewReader(w.Bytes())
	var got []uint32
	require.NoError(t, r.ReadVector(func(sub *codec.Reader) error {
		v, err := sub.ReadUint32()
		if err != nil {
			return err
		}
		got = append(got, v)
		return nil
	}))
	require.Equal(t, items, got)
}

func TestReadVarBytesShortBufferError(t *testing.T) {
	r := codec.NewReader([]byte{10, 1, 2})
	_, err := r.ReadVarBytes()
	var short codec.ErrShortBuffer
	require.ErrorAs(t, err, &short)
}
