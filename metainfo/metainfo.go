// Package metainfo parses .torrent files into a MetaInfo and computes
// the canonical info-hash that identifies a torrent to trackers and
// peers.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	"github.com/matei-oltean/go-torrent/bencode"
)

// Info is the single-file info dictionary (spec.md §3: multi-file
// torrents are an explicit Non-goal).
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][20]byte
	Length      int64
}

// MetaInfo is a parsed .torrent file.
type MetaInfo struct {
	Announce string
	Info     Info
	InfoHash [20]byte
}

// PieceCount returns the number of pieces implied by Pieces.
func (m *MetaInfo) PieceCount() int { return len(m.Info.Pieces) }

// PieceLen returns the length of piece i, clamped for the final piece
// (spec.md §4.7).
func (m *MetaInfo) PieceLen(i int) int64 {
	if i == m.PieceCount()-1 {
		if rem := m.Info.Length % m.Info.PieceLength; rem != 0 {
			return rem
		}
	}
	return m.Info.PieceLength
}

// ParseFile reads and parses a .torrent file at path.
func ParseFile(path string) (*MetaInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading torrent file: %w", err)
	}
	return Parse(b)
}

// Parse parses the raw bytes of a .torrent file.
//
// The info-hash is computed by re-encoding the decoded info dictionary
// canonically and hashing that - never by reconstructing a typed Info
// and re-bencoding it, which could silently reorder or drop fields
// (spec.md §4.2).
func Parse(b []byte) (*MetaInfo, error) {
	top, rest, err := bencode.Decode(b, false)
	if err != nil {
		return nil, fmt.Errorf("decoding torrent file: %w", err)
	}
	if len(rest) != 0 {
		return nil, &bencode.Malformed{Reason: "trailing data after top-level value"}
	}
	if top.Kind() != bencode.KindDict {
		return nil, &bencode.Malformed{Reason: "torrent file is not a dictionary"}
	}

	announce, ok := top.Get("announce")
	if !ok || announce.Kind() != bencode.KindString {
		return nil, &bencode.Malformed{Reason: "missing or invalid announce key"}
	}

	infoVal, ok := top.Get("info")
	if !ok || infoVal.Kind() != bencode.KindDict {
		return nil, &bencode.Malformed{Reason: "missing or invalid info key"}
	}

	infoHash := sha1.Sum(bencode.Encode(infoVal))

	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	return &MetaInfo{
		Announce: announce.Str(),
		Info:     *info,
		InfoHash: infoHash,
	}, nil
}

// MetadataCorrupt is returned when a reconstructed info dictionary does
// not hash to the info-hash it was supposed to produce (spec.md §4.5:
// a magnet peer that hands back different bytes than the info-hash it
// negotiated must be rejected, never trusted silently).
type MetadataCorrupt struct {
	Want, Got [20]byte
}

func (e *MetadataCorrupt) Error() string {
	return fmt.Sprintf("metainfo: metadata corrupt: want info-hash %x, got %x", e.Want, e.Got)
}

// ParseInfo parses a standalone info dictionary (e.g. the info
// dictionary reconstructed from a BEP-9 metadata exchange) against an
// already-known info-hash. The raw bytes must hash to hash exactly -
// otherwise ParseInfo returns a *MetadataCorrupt instead of trusting
// whatever the peer sent.
func ParseInfo(raw []byte, hash [20]byte) (*MetaInfo, error) {
	if got := sha1.Sum(raw); got != hash {
		return nil, &MetadataCorrupt{Want: hash, Got: got}
	}

	infoVal, rest, err := bencode.Decode(raw, false)
	if err != nil {
		return nil, fmt.Errorf("decoding info dictionary: %w", err)
	}
	if len(rest) != 0 {
		return nil, &bencode.Malformed{Reason: "trailing data after info dictionary"}
	}
	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}
	return &MetaInfo{Info: *info, InfoHash: hash}, nil
}

func parseInfo(infoVal bencode.Value) (*Info, error) {
	if infoVal.Kind() != bencode.KindDict {
		return nil, &bencode.Malformed{Reason: "info is not a dictionary"}
	}

	name, ok := infoVal.Get("name")
	if !ok || name.Kind() != bencode.KindString || len(name.Bytes()) == 0 {
		return nil, &bencode.Malformed{Reason: "info missing key name"}
	}

	pieceLen, ok := infoVal.Get("piece length")
	if !ok || pieceLen.Kind() != bencode.KindInt || pieceLen.Int() <= 0 {
		return nil, &bencode.Malformed{Reason: "info missing or invalid key piece length"}
	}

	length, ok := infoVal.Get("length")
	if !ok || length.Kind() != bencode.KindInt || length.Int() < 0 {
		return nil, &bencode.Malformed{Reason: "info missing or invalid key length (multi-file torrents are unsupported)"}
	}

	piecesVal, ok := infoVal.Get("pieces")
	if !ok || piecesVal.Kind() != bencode.KindString {
		return nil, &bencode.Malformed{Reason: "info missing key pieces"}
	}
	pieces, err := splitPieces(piecesVal.Bytes())
	if err != nil {
		return nil, err
	}

	expected := (length.Int() + pieceLen.Int() - 1) / pieceLen.Int()
	if length.Int() == 0 {
		expected = 0
	}
	if int64(len(pieces)) != expected {
		return nil, fmt.Errorf("%w: piece count %d does not match ceil(length/piece_length)=%d",
			ErrInconsistentLength, len(pieces), expected)
	}

	return &Info{
		Name:        name.Str(),
		PieceLength: pieceLen.Int(),
		Pieces:      pieces,
		Length:      length.Int(),
	}, nil
}

// ErrInconsistentLength is returned when pieces.len()/20 does not equal
// ceil(length/piece_length) (spec.md §3 invariant).
var ErrInconsistentLength = errors.New("metainfo: inconsistent piece count")

func splitPieces(b []byte) ([][20]byte, error) {
	if len(b)%20 != 0 {
		return nil, &bencode.Malformed{Reason: fmt.Sprintf("pieces length %d is not a multiple of 20", len(b))}
	}
	hashes := make([][20]byte, len(b)/20)
	for i := range hashes {
		copy(hashes[i][:], b[i*20:(i+1)*20])
	}
	return hashes, nil
}
