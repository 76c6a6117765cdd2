package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func TestPieceLenClampsLastPiece(t *testing.T) {
	require.Equal(t, int64(32768), PieceLen(0, 3, 32768, 92063))
	require.Equal(t, int64(32768), PieceLen(1, 3, 32768, 92063))
	require.Equal(t, int64(26527), PieceLen(2, 3, 32768, 92063))
}

func TestPieceLenExactMultiple(t *testing.T) {
	require.Equal(t, int64(16384), PieceLen(1, 2, 16384, 32768))
}

func TestPartialDownloadError(t *testing.T) {
	err := &PartialDownload{Remaining: []int{1, 2, 3}}
	require.Contains(t, err.Error(), "3")
}

func TestAssembleConcatenatesInOrder(t *testing.T) {
	pieces := [][]byte{[]byte("abc"), []byte("de"), []byte("f")}
	require.Equal(t, []byte("abcdef"), Assemble(pieces))
}

func TestPieceQueueRarestFirst(t *testing.T) {
	pq := NewPieceQueue(3)

	common := bitset.New(3).Set(0).Set(1).Set(2)
	rare := bitset.New(3).Set(1)

	pq.RegisterPeer(common)
	pq.RegisterPeer(common)
	pq.RegisterPeer(rare)

	// piece 1 now has availability 3, pieces 0 and 2 have availability 2;
	// the rarest pending pieces among those the peer has should come
	// first when a peer with all pieces asks.
	idx, ok := pq.GetPiece(common)
	require.True(t, ok)
	require.Contains(t, []int{0, 2}, idx)
}

func TestPieceQueueReturnRequeues(t *testing.T) {
	pq := NewPieceQueue(1)
	bf := bitset.New(1).Set(0)

	idx, ok := pq.GetPiece(bf)
	require.True(t, ok)
	require.Equal(t, 0, idx)

	_, ok = pq.GetPiece(bf)
	require.False(t, ok, "piece already in progress should not be handed out again")

	pq.Return(0)
	idx, ok = pq.GetPiece(bf)
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestPieceQueueCompleteMarksDone(t *testing.T) {
	pq := NewPieceQueue(2)
	bf := bitset.New(2).Set(0).Set(1)

	idx, _ := pq.GetPiece(bf)
	pq.Complete(idx)
	require.False(t, pq.AllComplete())

	idx2, _ := pq.GetPiece(bf)
	pq.Complete(idx2)
	require.True(t, pq.AllComplete())
}
