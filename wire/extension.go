package wire

import (
	"fmt"

	"github.com/matei-oltean/go-torrent/bencode"
)

// Extension sub-message ids for the extended messaging protocol
// (spec.md §4.4, id 20): sub-id 0 is always the handshake; other ids
// are negotiated per spec.md §4.5.
const extHandshakeID = 0

// ut_metadata message types (BEP-9).
const (
	metadataRequest uint8 = 0
	metadataData    uint8 = 1
	metadataReject  uint8 = 2
)

// LocalUTMetadataID is the sub-id this implementation advertises for
// ut_metadata in its own extension handshake (spec.md §4.5).
const LocalUTMetadataID uint8 = 1

// ExtensionHandshake is the BEP-10 handshake payload: the peer's name
// -> id mapping for sub-protocols, and (if known) the info dictionary
// size.
type ExtensionHandshake struct {
	M            map[string]uint8
	MetadataSize int
}

// EncodeExtensionHandshake builds the type-20/sub-id-0 message the
// session sends right after the BitTorrent handshake, before it reads
// the peer's bitfield, when the peer advertised BEP-10 support. It is
// not held back until the bitfield exchange is complete.
func EncodeExtensionHandshake() []byte {
	m := bencode.Dict([]string{"ut_metadata"}, map[string]bencode.Value{
		"ut_metadata": bencode.Int(int64(LocalUTMetadataID)),
	})
	dict := bencode.Dict([]string{"m"}, map[string]bencode.Value{"m": m})
	payload := append([]byte{extHandshakeID}, bencode.Encode(dict)...)
	return Message{ID: MsgExtended, Payload: payload}.Encode()
}

// DecodeExtensionHandshake parses a received extension message payload
// (the byte after the length/id has already been stripped by
// ReadMessage - payload[0] is the sub-id).
func DecodeExtensionHandshake(payload []byte) (ExtensionHandshake, error) {
	if len(payload) < 1 {
		return ExtensionHandshake{}, fmt.Errorf("wire: extension payload is empty")
	}
	if payload[0] != extHandshakeID {
		return ExtensionHandshake{}, fmt.Errorf("wire: expected extension handshake sub-id 0, got %d", payload[0])
	}
	v, rest, err := bencode.Decode(payload[1:], false)
	if err != nil {
		return ExtensionHandshake{}, fmt.Errorf("wire: decoding extension handshake: %w", err)
	}
	_ = rest
	mVal, ok := v.Get("m")
	if !ok || mVal.Kind() != bencode.KindDict {
		return ExtensionHandshake{}, fmt.Errorf("wire: extension handshake missing \"m\"")
	}
	m := make(map[string]uint8, len(mVal.Keys()))
	for _, k := range mVal.Keys() {
		sub, _ := mVal.Get(k)
		m[k] = uint8(sub.Int())
	}
	size := 0
	if sizeVal, ok := v.Get("metadata_size"); ok {
		size = int(sizeVal.Int())
	}
	return ExtensionHandshake{M: m, MetadataSize: size}, nil
}

// EncodeMetadataRequest builds a BEP-9 ut_metadata request for piece i,
// addressed to the peer's advertised ut_metadata sub-id.
func EncodeMetadataRequest(peerUTMetadataID uint8, piece int) []byte {
	dict := bencode.Dict([]string{"msg_type", "piece"}, map[string]bencode.Value{
		"msg_type": bencode.Int(int64(metadataRequest)),
		"piece":    bencode.Int(int64(piece)),
	})
	payload := append([]byte{peerUTMetadataID}, bencode.Encode(dict)...)
	return Message{ID: MsgExtended, Payload: payload}.Encode()
}

// MetadataMessage is a parsed ut_metadata response: either a data
// message carrying a chunk of the info dictionary, or a reject.
type MetadataMessage struct {
	Piece     int
	TotalSize int
	Data      []byte // nil for a reject message
	Rejected  bool
}

// DecodeMetadataMessage parses a received ut_metadata message payload
// (payload[0] is our local sub-id, already matched by the caller).
// A bencoded header {msg_type, piece[, total_size]} is immediately
// followed, within the same payload, by up to BlockSize raw bytes of
// the info dictionary for a data message (spec.md §4.5).
func DecodeMetadataMessage(payload []byte) (MetadataMessage, error) {
	if len(payload) < 1 {
		return MetadataMessage{}, fmt.Errorf("wire: metadata payload is empty")
	}
	body := payload[1:]
	v, rest, err := bencode.Decode(body, false)
	if err != nil {
		return MetadataMessage{}, fmt.Errorf("wire: decoding metadata header: %w", err)
	}
	msgType, ok := v.Get("msg_type")
	if !ok {
		return MetadataMessage{}, fmt.Errorf("wire: metadata header missing msg_type")
	}
	pieceVal, ok := v.Get("piece")
	if !ok {
		return MetadataMessage{}, fmt.Errorf("wire: metadata header missing piece")
	}

	switch uint8(msgType.Int()) {
	case metadataReject:
		return MetadataMessage{Piece: int(pieceVal.Int()), Rejected: true}, nil
	case metadataData:
		total := 0
		if tsVal, ok := v.Get("total_size"); ok {
			total = int(tsVal.Int())
		}
		return MetadataMessage{
			Piece:     int(pieceVal.Int()),
			TotalSize: total,
			Data:      rest,
		}, nil
	default:
		return MetadataMessage{}, fmt.Errorf("wire: unexpected metadata msg_type %d", msgType.Int())
	}
}
