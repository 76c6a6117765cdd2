// Package scheduler drives the download of a whole torrent across a set
// of peer sessions: the sequential peer-sweep work queue from
// spec.md §4.7, plus a rarest-first PieceQueue for callers that want to
// parallelize across peers instead.
package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/matei-oltean/go-torrent/metainfo"
	"github.com/matei-oltean/go-torrent/session"
)

// PartialDownload is returned when the work queue could not be drained
// by any live peer: every remaining piece was rejected or unavailable
// from all sessions that were tried.
type PartialDownload struct {
	Remaining []int
}

func (e *PartialDownload) Error() string {
	return fmt.Sprintf("scheduler: %d piece(s) could not be downloaded from any peer", len(e.Remaining))
}

// PieceLen returns the length of piece i for a file of the given total
// length split into pieces of pieceLength bytes (spec.md §4.7).
func PieceLen(i int, pieceCount int, pieceLength, totalLength int64) int64 {
	if i == pieceCount-1 {
		if rem := totalLength % pieceLength; rem != 0 {
			return rem
		}
	}
	return pieceLength
}

// Download runs the sequential peer-sweep algorithm from spec.md §4.7
// against already-connected, already-unchoked sessions: each live peer
// drains as much of the work queue as it can, popping from the tail
// (LIFO) so that a piece just failed against one peer is retried first
// against the next, since the common failure mode is a peer simply
// lacking that piece. Hash mismatches are never retried against the
// same peer without a fresh handshake - the piece goes back on the
// queue for the next peer in line.
func Download(ctx context.Context, peers []*session.Session, info *metainfo.Info, logger zerolog.Logger) ([][]byte, error) {
	pieceCount := len(info.Pieces)
	pieces := make([][]byte, pieceCount)
	queue := make([]int, pieceCount)
	for i := range queue {
		queue[i] = i
	}

	for _, peer := range peers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if len(queue) == 0 {
			break
		}
		var remaining []int
		for len(queue) > 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]

			if peer.Bitfield != nil && !peer.HasPiece(idx) {
				remaining = append(remaining, idx)
				continue
			}

			pieceLen := PieceLen(idx, pieceCount, info.PieceLength, info.Length)
			data, err := peer.DownloadPiece(idx, pieceLen, info.Pieces[idx])
			if err != nil {
				logger.Warn().Err(err).Int("piece", idx).Msg("piece download failed, retrying on next peer")
				remaining = append(remaining, idx)
				if peer.State() == session.Dead {
					// no point draining further from a dead session
					remaining = append(remaining, queue...)
					queue = nil
				}
				continue
			}
			pieces[idx] = data
		}
		queue = remaining
	}

	if len(queue) > 0 {
		return pieces, &PartialDownload{Remaining: queue}
	}
	return pieces, nil
}

// Assemble concatenates a dense piece vector into the final file bytes.
func Assemble(pieces [][]byte) []byte {
	total := 0
	for _, p := range pieces {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range pieces {
		out = append(out, p...)
	}
	return out
}
