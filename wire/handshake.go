// Package wire implements the per-connection BitTorrent wire protocol:
// the fixed handshake, length-prefixed message framing (spec.md §4.4),
// and the BEP-10/BEP-9 extension protocol (spec.md §4.5).
package wire

import (
	"bytes"
	"fmt"
	"io"
)

// Protocol is the protocol string advertised in the handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed size of a handshake message: the
// length-prefixed protocol string, 8 reserved bytes, the info-hash,
// and the peer-id.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Reserved extension bits (spec.md §4.4, §4.5).
const (
	// ReservedExtendedBit is bit 0x10 of reserved byte 5, advertising
	// BEP-10 extension protocol support.
	ReservedExtendedBit = 0x10
	reservedExtendedIdx = 5
)

// Handshake is the parsed fixed-size handshake message.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

// SupportsExtended reports whether the peer advertised BEP-10 support.
func (h Handshake) SupportsExtended() bool {
	return h.Reserved[reservedExtendedIdx]&ReservedExtendedBit != 0
}

// Encode serializes the handshake, setting the BEP-10 extension bit.
func Encode(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	reservedOff := 1 + len(Protocol)
	buf[reservedOff+reservedExtendedIdx] = ReservedExtendedBit
	copy(buf[reservedOff+8:], infoHash[:])
	copy(buf[reservedOff+8+20:], peerID[:])
	return buf
}

// ErrWrongProtocol is returned when a peer's handshake names a
// different protocol string.
var ErrWrongProtocol = fmt.Errorf("wire: handshake does not use protocol %q", Protocol)

// ErrInfoHashMismatch is returned when a peer's handshake carries a
// different info-hash than the one we sent (spec.md §4.4: fatal).
var ErrInfoHashMismatch = fmt.Errorf("wire: handshake info-hash mismatch")

// Read reads and validates a handshake from r, checking that its
// info-hash matches expectedHash. A mismatch or wrong protocol string
// is fatal to the session per spec.md §4.4; a peer-id mismatch against
// any tracker-advertised id is never checked here because it is not
// fatal.
func Read(r io.Reader, expectedHash [20]byte) (Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, fmt.Errorf("wire: reading handshake: %w", err)
	}

	protoLen := int(buf[0])
	if protoLen != len(Protocol) || string(buf[1:1+len(Protocol)]) != Protocol {
		return Handshake{}, ErrWrongProtocol
	}

	var h Handshake
	off := 1 + len(Protocol)
	copy(h.Reserved[:], buf[off:off+8])
	copy(h.InfoHash[:], buf[off+8:off+28])
	copy(h.PeerID[:], buf[off+28:off+48])

	if !bytes.Equal(h.InfoHash[:], expectedHash[:]) {
		return Handshake{}, ErrInfoHashMismatch
	}

	return h, nil
}
