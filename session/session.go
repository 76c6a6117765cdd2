// Package session implements the per-peer connection: the state
// machine from spec.md §4.6 (Connecting -> Handshaking -> Exchanging ->
// Ready -> Downloading, with a Dead terminal state), and the block
// fan-out used to download one piece, or the whole metadata
// dictionary, per call.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/willf/bitset"

	"github.com/matei-oltean/go-torrent/btutil"
	"github.com/matei-oltean/go-torrent/wire"
)

// State is a PeerSession's position in the spec.md §4.6 state machine.
type State int

const (
	Connecting State = iota
	Handshaking
	Exchanging
	Ready
	Downloading
	Dead
)

// Default timeouts from spec.md §5.
const (
	HandshakeDeadline = 5 * time.Second
	BlockDeadline     = 30 * time.Second
	// MaxInFlight is the default number of concurrently in-flight block
	// requests per session (spec.md §4.6, K=5).
	MaxInFlight = 5
)

// ErrDead is returned by any operation attempted on a session that has
// already transitioned to Dead.
var ErrDead = errors.New("session: peer session is dead")

// ErrChoked is returned when the peer choked us while a piece download
// was outstanding; the session returns to Ready (spec.md §7).
var ErrChoked = errors.New("session: peer is choking")

// ErrHashMismatch is returned by DownloadPiece when the assembled
// piece's SHA-1 does not match the expected hash.
var ErrHashMismatch = errors.New("session: piece hash mismatch")

// ErrTooLong is returned when a peer sends a block whose bounds exceed
// the piece being downloaded - a protocol violation.
var ErrTooLong = errors.New("session: received a block exceeding the piece bounds")

// Session is a connection to one peer, from handshake through teardown.
// Its transport is owned exclusively by the Session. Every send and
// receive runs on the calling goroutine, one whole frame at a time; the
// Session holds no lock and is not safe for concurrent use.
type Session struct {
	conn   net.Conn
	log    zerolog.Logger
	state  State

	RemotePeerID   [20]byte
	extensions     map[string]uint8
	metadataSize   int
	supportsExtend bool

	Bitfield *bitset.BitSet

	AmInterested bool
	PeerChoking  bool
}

// Dial connects to address, performs the BitTorrent handshake, and
// waits for the peer's bitfield, advancing through Connecting ->
// Handshaking -> Exchanging (spec.md §4.6). pieceCount sizes the
// session's bitfield; it may be zero for a magnet-only metadata
// session, in which case Bitfield is left nil.
func Dial(ctx context.Context, address string, infoHash, peerID [20]byte, pieceCount int, logger zerolog.Logger) (*Session, error) {
	d := net.Dialer{Timeout: HandshakeDeadline}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("session: dialing %s: %w", address, err)
	}

	s := &Session{
		conn:  conn,
		log:   logger.With().Str("peer", address).Logger(),
		state: Connecting,
	}
	if pieceCount > 0 {
		s.Bitfield = bitset.New(uint(pieceCount))
	}

	if err := s.handshake(infoHash, peerID); err != nil {
		conn.Close()
		s.state = Dead
		return nil, err
	}

	if err := s.awaitBitfield(pieceCount); err != nil {
		conn.Close()
		s.state = Dead
		return nil, err
	}

	s.log.Info().Msg("connected and exchanged bitfield")
	return s, nil
}

func (s *Session) handshake(infoHash, peerID [20]byte) error {
	s.state = Handshaking
	s.conn.SetDeadline(time.Now().Add(HandshakeDeadline))
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write(wire.Encode(infoHash, peerID)); err != nil {
		return fmt.Errorf("session: sending handshake: %w", err)
	}
	hs, err := wire.Read(s.conn, infoHash)
	if err != nil {
		return fmt.Errorf("session: handshake failed: %w", err)
	}
	s.RemotePeerID = hs.PeerID
	s.supportsExtend = hs.SupportsExtended()
	return nil
}

// awaitBitfield consumes messages until the peer's bitfield arrives
// (optionally preceded by an extension handshake, per spec.md §4.5).
// pieceCount of 0 means the bitfield length is not yet known (magnet
// flow before metadata is fetched); the raw bitfield bytes are still
// consumed so framing stays in sync, but are discarded.
func (s *Session) awaitBitfield(pieceCount int) error {
	s.state = Exchanging
	s.conn.SetDeadline(time.Now().Add(HandshakeDeadline))
	defer s.conn.SetDeadline(time.Time{})

	if s.supportsExtend {
		if _, err := s.conn.Write(wire.EncodeExtensionHandshake()); err != nil {
			return fmt.Errorf("session: sending extension handshake: %w", err)
		}
	}

	for {
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			return fmt.Errorf("session: awaiting bitfield: %w", err)
		}
		switch msg.ID {
		case wire.MsgBitfield:
			if pieceCount > 0 {
				s.Bitfield = bytesToBitset(msg.Payload, pieceCount)
			}
			return nil
		case wire.MsgExtended:
			if err := s.handleExtendedHandshake(msg.Payload); err != nil {
				return err
			}
		case wire.MsgHave:
			// Some peers send have messages before their bitfield;
			// harmless to absorb here since Bitfield may still be nil.
			continue
		default:
			// Anything else before the bitfield is unexpected but not
			// fatal to the handshake phase; ignore and keep waiting.
			continue
		}
	}
}

func (s *Session) handleExtendedHandshake(payload []byte) error {
	if len(payload) < 1 || payload[0] != 0 {
		return nil // not sub-id 0; ignore unsolicited extended traffic here
	}
	hs, err := wire.DecodeExtensionHandshake(payload)
	if err != nil {
		return fmt.Errorf("session: extension handshake: %w", err)
	}
	s.extensions = hs.M
	s.metadataSize = hs.MetadataSize
	return nil
}

// MetadataSize returns the info dictionary size the peer advertised in
// its BEP-10 handshake, or 0 if unknown.
func (s *Session) MetadataSize() int { return s.metadataSize }

// PeerUTMetadataID returns the sub-id the peer uses for ut_metadata, or
// (0, false) if it did not advertise one.
func (s *Session) PeerUTMetadataID() (uint8, bool) {
	id, ok := s.extensions["ut_metadata"]
	return id, ok
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Close tears down the underlying transport. Safe to call multiple
// times.
func (s *Session) Close() error {
	s.state = Dead
	return s.conn.Close()
}

// StartDownloading sends interested and waits for unchoke, advancing
// Ready -> Downloading (spec.md §4.6). If the peer does not unchoke
// within deadline the read fails, the session is marked Dead, and the
// wrapped read error is returned.
func (s *Session) StartDownloading(deadline time.Duration) error {
	s.state = Ready
	s.conn.SetDeadline(time.Now().Add(deadline))
	defer s.conn.SetDeadline(time.Time{})

	if _, err := s.conn.Write(wire.Interested()); err != nil {
		return fmt.Errorf("session: sending interested: %w", err)
	}
	s.AmInterested = true
	s.PeerChoking = true

	for s.PeerChoking {
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			s.state = Dead
			return fmt.Errorf("session: awaiting unchoke: %w", err)
		}
		switch msg.ID {
		case wire.MsgUnchoke:
			s.PeerChoking = false
		case wire.MsgChoke:
			s.PeerChoking = true
		case wire.MsgHave:
			s.recordHave(msg.Payload)
		}
	}
	s.state = Downloading
	return nil
}

func (s *Session) recordHave(payload []byte) {
	idx, err := wire.ParsedHave(payload)
	if err != nil || s.Bitfield == nil {
		return
	}
	s.Bitfield.Set(uint(idx))
}

// HasPiece reports whether the peer's advertised bitfield includes
// piece i.
func (s *Session) HasPiece(i int) bool {
	return s.Bitfield != nil && s.Bitfield.Test(uint(i))
}

// DownloadPiece downloads and hash-verifies piece index of length
// pieceLen against expectedHash, pipelining up to MaxInFlight block
// requests at a time (spec.md §4.6). A choke aborts this attempt with
// ErrChoked and returns the session to Ready; a malformed or
// out-of-range block, or a hash mismatch, aborts only this attempt and
// leaves the session usable; any I/O error or EOF on the connection
// marks the session Dead.
func (s *Session) DownloadPiece(index int, pieceLen int64, expectedHash [20]byte) ([]byte, error) {
	buf, err := s.downloadBlocks(index, pieceLen, false, 0)
	if err != nil {
		return nil, err
	}
	if got := btutil.SHA1(buf); !bytes.Equal(got[:], expectedHash[:]) {
		return nil, fmt.Errorf("%w: piece %d", ErrHashMismatch, index)
	}
	return buf, nil
}

// DownloadMetadata downloads the whole info dictionary via BEP-9 from
// the peer's advertised ut_metadata id (spec.md §4.5), issuing one
// ut_metadata request per metadata piece internally. size is the known
// or assumed length of the info dictionary.
func (s *Session) DownloadMetadata(peerUTMetadataID uint8, size int64) ([]byte, error) {
	return s.downloadBlocks(0, size, true, peerUTMetadataID)
}

// downloadBlocks implements the shared block fan-out for both file
// pieces and metadata chunks: split into BlockSize requests, pipeline
// up to MaxInFlight, and match responses by (index, begin) rather than
// assuming in-order delivery (spec.md §4.6, §9 - this avoids the naive
// concatenation bug that loses blocks delivered out of request order).
func (s *Session) downloadBlocks(index int, length int64, isMetadata bool, peerUTMetadataID uint8) ([]byte, error) {
	if s.state == Dead {
		return nil, ErrDead
	}
	if !isMetadata && s.PeerChoking {
		return nil, ErrChoked
	}

	s.conn.SetDeadline(time.Now().Add(BlockDeadline))
	defer s.conn.SetDeadline(time.Time{})

	buf := make([]byte, length)
	written := make([]bool, blockCount(length))
	downloaded := int64(0)
	nextBlock := 0
	inFlight := 0

	sendNext := func() error {
		begin := nextBlock * wire.BlockSize
		blockLen := wire.BlockSize
		if remaining := length - int64(begin); remaining < int64(blockLen) {
			blockLen = int(remaining)
		}
		var req []byte
		if isMetadata {
			req = wire.EncodeMetadataRequest(peerUTMetadataID, nextBlock)
		} else {
			req = wire.Request(index, begin, blockLen)
		}
		if _, err := s.conn.Write(req); err != nil {
			s.state = Dead
			return fmt.Errorf("session: sending block request: %w", err)
		}
		nextBlock++
		inFlight++
		return nil
	}

	for downloaded < length {
		for !s.PeerChoking && inFlight < MaxInFlight && int64(nextBlock*wire.BlockSize) < length {
			if err := sendNext(); err != nil {
				return nil, err
			}
		}
		if inFlight == 0 {
			// choked with nothing outstanding: wait for unchoke or a
			// have/choke update before trying again.
			msg, err := wire.ReadMessage(s.conn)
			if err != nil {
				s.state = Dead
				return nil, fmt.Errorf("session: reading while choked: %w", err)
			}
			if err := s.applyControlMessage(msg); err != nil {
				return nil, err
			}
			continue
		}

		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			s.state = Dead
			return nil, fmt.Errorf("session: reading block: %w", err)
		}

		switch msg.ID {
		case wire.MsgPiece:
			if isMetadata {
				continue
			}
			block, err := wire.ParsePiece(msg.Payload)
			if err != nil {
				return nil, fmt.Errorf("session: %w", err)
			}
			if block.Index != index {
				continue
			}
			n, err := writeBlock(buf, written, block.Begin, block.Block)
			if err != nil {
				return nil, err
			}
			downloaded += int64(n)
			inFlight--
		case wire.MsgExtended:
			if !isMetadata || len(msg.Payload) < 1 || msg.Payload[0] != wire.LocalUTMetadataID {
				continue
			}
			meta, err := wire.DecodeMetadataMessage(msg.Payload)
			if err != nil {
				return nil, fmt.Errorf("session: %w", err)
			}
			if meta.Rejected {
				s.state = Dead
				return nil, fmt.Errorf("session: peer rejected metadata piece %d", meta.Piece)
			}
			n, err := writeBlock(buf, written, meta.Piece*wire.BlockSize, meta.Data)
			if err != nil {
				return nil, err
			}
			downloaded += int64(n)
			inFlight--
		default:
			if err := s.applyControlMessage(msg); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func (s *Session) applyControlMessage(msg wire.Message) error {
	switch msg.ID {
	case wire.MsgChoke:
		s.PeerChoking = true
		s.state = Ready
		return ErrChoked
	case wire.MsgUnchoke:
		s.PeerChoking = false
	case wire.MsgHave:
		s.recordHave(msg.Payload)
	}
	return nil
}

func blockCount(length int64) int {
	return int((length + wire.BlockSize - 1) / wire.BlockSize)
}

func writeBlock(buf []byte, written []bool, begin int, value []byte) (int, error) {
	if begin < 0 || begin+len(value) > len(buf) {
		return 0, fmt.Errorf("%w: begin %d length %d piece size %d", ErrTooLong, begin, len(value), len(buf))
	}
	idx := begin / wire.BlockSize
	if idx < len(written) && written[idx] {
		return 0, nil // duplicate delivery; already accounted for
	}
	if idx < len(written) {
		written[idx] = true
	}
	copy(buf[begin:], value)
	return len(value), nil
}

func bytesToBitset(payload []byte, pieceCount int) *bitset.BitSet {
	bf := bitset.New(uint(pieceCount))
	for i := 0; i < pieceCount; i++ {
		byteIdx := i / 8
		if byteIdx >= len(payload) {
			break
		}
		if payload[byteIdx]>>(7-uint(i%8))&1 != 0 {
			bf.Set(uint(i))
		}
	}
	return bf
}
