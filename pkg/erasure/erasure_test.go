package erasure

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeReconstructExactK(t *testing.T) {
	scheme, err := NewScheme(3, 2)
	require.NoError(t, err)

	data := make([]byte, 3*1024)
	_, err = rand.New(rand.NewSource(1)).Read(data)
	require.NoError(t, err)

	fragments, err := scheme.Encode(data)
	require.NoError(t, err)
	require.Len(t, fragments, 5)

	// any K of N suffice: drop two fragments, reconstruct from the rest.
	subset := fragments[1:4]
	require.Len(t, subset, 3)

	got, err := scheme.Reconstruct(subset)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestReconstructInsufficientFragments(t *testing.T) {
	scheme, err := NewScheme(3, 2)
	require.NoError(t, err)

	data := make([]byte, 3*512)
	fragments, err := scheme.Encode(data)
	require.NoError(t, err)

	_, err = scheme.Reconstruct(fragments[:2])
	require.Error(t, err)
}

func TestPadToBlockSize(t *testing.T) {
	padded, orig := PadToBlockSize([]byte("hello"), 3)
	require.Equal(t, 5, orig)
	require.Equal(t, 0, len(padded)%3)

	padded, orig = PadToBlockSize([]byte("abcdef"), 3)
	require.Equal(t, 6, orig)
	require.Equal(t, 6, len(padded))
}
