package wire

import (
	"bytes"
	"testing"

	"github.com/matei-oltean/go-torrent/bencode"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var hash, id [20]byte
	copy(hash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(id[:], "bbbbbbbbbbbbbbbbbbbb")

	encoded := Encode(hash, id)
	require.Len(t, encoded, HandshakeSize)

	h, err := Read(bytes.NewReader(encoded), hash)
	require.NoError(t, err)
	require.Equal(t, hash, h.InfoHash)
	require.True(t, h.SupportsExtended())
}

func TestHandshakeInfoHashMismatchIsFatal(t *testing.T) {
	var hash, other, id [20]byte
	copy(hash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(other[:], "cccccccccccccccccccc")
	copy(id[:], "bbbbbbbbbbbbbbbbbbbb")

	encoded := Encode(hash, id)
	_, err := Read(bytes.NewReader(encoded), other)
	require.ErrorIs(t, err, ErrInfoHashMismatch)
}

func TestHandshakeWrongProtocol(t *testing.T) {
	buf := Encode([20]byte{}, [20]byte{})
	buf[0] = byte(len("bogus protocol"))
	copy(buf[1:], "bogus protocol")
	_, err := Read(bytes.NewReader(buf), [20]byte{})
	require.ErrorIs(t, err, ErrWrongProtocol)
}

func TestReadMessageSkipsKeepAlives(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(KeepAlive())
	buf.Write(KeepAlive())
	buf.Write(Unchoke())

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgUnchoke, msg.ID)
	require.Empty(t, msg.Payload)
}

func TestRequestPieceRoundTrip(t *testing.T) {
	raw := Request(3, 16384, 16384)
	msg, err := ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, MsgRequest, msg.ID)
	index, begin, length, err := ParseRequest(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, 3, index)
	require.Equal(t, 16384, begin)
	require.Equal(t, 16384, length)
}

func TestParsePieceOutOfOrderBlocks(t *testing.T) {
	// A piece message for index 2, begin 16384, with an 8-byte block.
	payload := append(append([]byte{}, uint32be(2)...), append(uint32be(16384), []byte("abcdefgh")...)...)
	block, err := ParsePiece(payload)
	require.NoError(t, err)
	require.Equal(t, 2, block.Index)
	require.Equal(t, 16384, block.Begin)
	require.Equal(t, []byte("abcdefgh"), block.Block)
}

func uint32be(n int) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	raw := EncodeExtensionHandshake()
	msg, err := ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, MsgExtended, msg.ID)

	// Our own encoded handshake should also decode as one, mirroring
	// what a peer's reply looks like (with metadata_size added).
	_, err = DecodeExtensionHandshake(msg.Payload)
	require.NoError(t, err)
}

func TestDecodeExtensionHandshakeWithMetadataSize(t *testing.T) {
	payload := append([]byte{0}, []byte("d1:md11:ut_metadatai3ee13:metadata_sizei140ee")...)
	h, err := DecodeExtensionHandshake(payload)
	require.NoError(t, err)
	require.Equal(t, uint8(3), h.M["ut_metadata"])
	require.Equal(t, 140, h.MetadataSize)
}

func TestMetadataRequestAndDataRoundTrip(t *testing.T) {
	raw := EncodeMetadataRequest(3, 0)
	msg, err := ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, uint8(3), msg.Payload[0])
	reqVal, _, err := bencode.Decode(msg.Payload[1:], false)
	require.NoError(t, err)
	piece, ok := reqVal.Get("piece")
	require.True(t, ok)
	require.Equal(t, int64(0), piece.Int())

	// A data response: header followed immediately by raw info bytes.
	header := []byte("d8:msg_typei1e5:piecei0e10:total_sizei140ee")
	infoBytes := bytes.Repeat([]byte{'x'}, 140)
	dataPayload := append(append([]byte{LocalUTMetadataID}, header...), infoBytes...)
	data, err := DecodeMetadataMessage(dataPayload)
	require.NoError(t, err)
	require.Equal(t, 0, data.Piece)
	require.Equal(t, 140, data.TotalSize)
	require.Equal(t, infoBytes, data.Data)
}
