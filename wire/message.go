package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies the kind of a post-handshake message
// (spec.md §4.4).
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgExtended      MessageID = 20
)

// BlockSize is the maximum length of a single requested block
// (spec.md §3, §4.6).
const BlockSize = 1 << 14

// Message is a single post-handshake protocol message. ReadMessage
// never returns a keep-alive: it skips zero-length frames
// transparently. KeepAlive builds one for sending.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Encode serializes a Message to its length-prefixed wire form.
func (m Message) Encode() []byte {
	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(m.Payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// KeepAlive is the zero-length keep-alive message.
func KeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// ReadMessage reads one message from r, transparently skipping
// zero-length keep-alive frames (spec.md §4.4). Reads are exact-length:
// a short read blocks until the full prefix and payload arrive or the
// stream returns an error, which is always fatal (spec.md §5).
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Message{}, fmt.Errorf("wire: reading length prefix: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue // keep-alive
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return Message{}, fmt.Errorf("wire: reading message body: %w", err)
		}
		return Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
	}
}

// Simple fixed messages with no payload.
func Unchoke() []byte       { return Message{ID: MsgUnchoke}.Encode() }
func Interested() []byte    { return Message{ID: MsgInterested}.Encode() }
func NotInterested() []byte { return Message{ID: MsgNotInterested}.Encode() }
func Choke() []byte         { return Message{ID: MsgChoke}.Encode() }

// Have encodes a have message for piece index.
func Have(index int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return Message{ID: MsgHave, Payload: payload}.Encode()
}

// Request encodes a request message for a block.
func Request(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload, uint32(index))
	binary.BigEndian.PutUint32(payload[4:], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:], uint32(length))
	return Message{ID: MsgRequest, Payload: payload}.Encode()
}

// Cancel encodes a cancel message, which shares the request payload
// layout (spec.md §4.4).
func Cancel(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload, uint32(index))
	binary.BigEndian.PutUint32(payload[4:], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:], uint32(length))
	return Message{ID: MsgCancel, Payload: payload}.Encode()
}

// ParsedHave returns the piece index carried by a have message payload.
func ParsedHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("wire: have payload has length %d, want 4", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// BlockPayload is the parsed payload of a piece message: which block of
// which piece, and its bytes.
type BlockPayload struct {
	Index int
	Begin int
	Block []byte
}

// ParsePiece parses a piece message payload (spec.md §4.4): index,
// begin, and the block data.
func ParsePiece(payload []byte) (BlockPayload, error) {
	if len(payload) < 8 {
		return BlockPayload{}, fmt.Errorf("wire: piece payload has length %d, want at least 8", len(payload))
	}
	return BlockPayload{
		Index: int(binary.BigEndian.Uint32(payload[:4])),
		Begin: int(binary.BigEndian.Uint32(payload[4:8])),
		Block: payload[8:],
	}, nil
}

// ParseRequest parses a request (or cancel) message payload.
func ParseRequest(payload []byte) (index, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("wire: request payload has length %d, want 12", len(payload))
	}
	index = int(binary.BigEndian.Uint32(payload[:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return index, begin, length, nil
}
