// Package peerid generates the 20-byte client identifier sent in
// handshakes and tracker announces (spec.md §4.8).
package peerid

import "crypto/rand"

// clientTag identifies this implementation in the Azureus-style
// convention: '-', a two-letter client id, a four-digit version, '-'.
const clientTag = "-GT0100-"

// New returns a fresh 20-byte peer-id: the client tag followed by
// random bytes. Any 20-byte scheme is acceptable per spec.md §4.8; the
// randomness here is not security-sensitive.
func New() ([20]byte, error) {
	var id [20]byte
	copy(id[:], clientTag)
	if _, err := rand.Read(id[len(clientTag):]); err != nil {
		return id, err
	}
	return id, nil
}
