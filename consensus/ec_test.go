package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErasureCodeWithPad(t *testing.T) {
	f := 1
	n := 4
	s := []byte("Hello World")

	shards, err := ECEncode(n-2*f, 2*f, s)
	require.NoError(t, err)
	require.Len(t, shards, n)

	// Any n-2f shards are enough.
	shards[0] = nil
	shards[3] = nil

	results, err := ECDecode(n-2*f, 2*f, shards)
	require.NoError(t, err)
	require.Equal(t, s, results)
}

func TestErasureCodeNoParity(t *testing.T) {
	s := []byte("Node 0 is the greatest!")
	shards, err := ECEncode(1, 0, s)
	require.NoError(t, err)
	require.Len(t, shards, 1)

	results, err := ECDecode(1, 0, shards)
	require.NoError(t, err)
	require.Equal(t, s, results)

	shards, err = ECEncode(5, 0, s)
	require.NoError(t, err)
	shards[2] = nil
	_, err = ECDecode(5, 0, shards)
	require.Error(t, err)
}

func TestErasureCodeEmptyValue(t *testing.T) {
	shards, err := ECEncode(2, 2, []byte{})
	require.NoError(t, err)
	shards[1] = nil
	results, err := ECDecode(2, 2, shards)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestErasureCodeTooFewShards(t *testing.T) {
	shards, err := ECEncode(2, 2, []byte("Fake news"))
	require.NoError(t, err)
	shards[0], shards[1], shards[2] = nil, nil, nil
	_, err = ECDecode(2, 2, shards)
	require.Error(t, err)
}
