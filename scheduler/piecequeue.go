package scheduler

import (
	"sync"

	"github.com/willf/bitset"
)

// PieceQueue is the rarest-first extension permitted by spec.md §4.7:
// pieces are grouped into availability buckets so the next pick is
// O(maxPeers) rather than a linear scan of every piece, and a caller
// running one goroutine per peer against a shared queue never hands the
// same piece to two peers at once.
type PieceQueue struct {
	mu           sync.Mutex
	pieceCount   int
	availability []int
	buckets      []map[int]struct{}
	inProgress   map[int]struct{}
	completed    map[int]struct{}
}

// NewPieceQueue builds a queue for pieceCount pieces, none yet
// downloaded.
func NewPieceQueue(pieceCount int) *PieceQueue {
	pq := &PieceQueue{
		pieceCount:   pieceCount,
		availability: make([]int, pieceCount),
		buckets:      []map[int]struct{}{make(map[int]struct{})},
		inProgress:   make(map[int]struct{}),
		completed:    make(map[int]struct{}),
	}
	for i := 0; i < pieceCount; i++ {
		pq.buckets[0][i] = struct{}{}
	}
	return pq
}

func (pq *PieceQueue) ensureBucket(avail int) {
	for len(pq.buckets) <= avail {
		pq.buckets = append(pq.buckets, make(map[int]struct{}))
	}
}

// RegisterPeer bumps availability for every piece in bf, moving pending
// pieces to the next bucket up.
func (pq *PieceQueue) RegisterPeer(bf *bitset.BitSet) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for i := 0; i < pq.pieceCount; i++ {
		if !bf.Test(uint(i)) {
			continue
		}
		old := pq.availability[i]
		pq.availability[i]++
		if _, done := pq.completed[i]; done {
			continue
		}
		if _, active := pq.inProgress[i]; active {
			continue
		}
		if old < len(pq.buckets) {
			delete(pq.buckets[old], i)
		}
		pq.ensureBucket(old + 1)
		pq.buckets[old+1][i] = struct{}{}
	}
}

// GetPiece returns the rarest pending piece index that peerBitfield
// has, or (-1, false) if none remain. The returned piece is marked
// in-progress; callers must call Complete or Return when done.
func (pq *PieceQueue) GetPiece(peerBitfield *bitset.BitSet) (int, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	for avail := 0; avail < len(pq.buckets); avail++ {
		for idx := range pq.buckets[avail] {
			if peerBitfield != nil && !peerBitfield.Test(uint(idx)) {
				continue
			}
			delete(pq.buckets[avail], idx)
			pq.inProgress[idx] = struct{}{}
			return idx, true
		}
	}
	return -1, false
}

// Complete marks index as successfully downloaded.
func (pq *PieceQueue) Complete(index int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	delete(pq.inProgress, index)
	pq.completed[index] = struct{}{}
}

// Return puts a failed in-progress piece back into its availability
// bucket for another peer to try.
func (pq *PieceQueue) Return(index int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if _, ok := pq.inProgress[index]; !ok {
		return
	}
	delete(pq.inProgress, index)
	avail := pq.availability[index]
	pq.ensureBucket(avail)
	pq.buckets[avail][index] = struct{}{}
}

// Remaining reports how many pieces are neither completed nor
// in-progress.
func (pq *PieceQueue) Remaining() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	n := 0
	for _, b := range pq.buckets {
		n += len(b)
	}
	return n
}

// AllComplete reports whether every piece has been downloaded.
func (pq *PieceQueue) AllComplete() bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return len(pq.completed) == pq.pieceCount
}
