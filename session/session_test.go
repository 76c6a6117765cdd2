package session

import (
	"bytes"
	"crypto/sha1"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/matei-oltean/go-torrent/bencode"
	"github.com/matei-oltean/go-torrent/wire"
)

func discardLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// fakePeer drives the server end of a net.Pipe as a scripted peer: it
// performs the handshake, sends a bitfield, then answers piece requests
// with whatever bytes the test wants.
type fakePeer struct {
	conn     net.Conn
	infoHash [20]byte
	peerID   [20]byte
}

func newFakePeer(t *testing.T, clientConn net.Conn, infoHash [20]byte, pieceCount int) *fakePeer {
	t.Helper()
	fp := &fakePeer{conn: clientConn, infoHash: infoHash}
	copy(fp.peerID[:], "fakepeer000000000000")

	hs, err := wire.Read(fp.conn, infoHash)
	require.NoError(t, err)
	_, err = fp.conn.Write(wire.Encode(infoHash, fp.peerID))
	require.NoError(t, err)
	require.True(t, hs.SupportsExtended())

	// the session always follows up with its own extension handshake
	// since we just advertised BEP-10 support; drain it before writing
	// anything else so neither end blocks writing past the other.
	extMsg, err := wire.ReadMessage(fp.conn)
	require.NoError(t, err)
	require.Equal(t, wire.MsgExtended, extMsg.ID)

	bf := make([]byte, (pieceCount+7)/8)
	for i := range bf {
		bf[i] = 0xff
	}
	_, err = fp.conn.Write(wire.Message{ID: wire.MsgBitfield, Payload: bf}.Encode())
	require.NoError(t, err)
	return fp
}

func (fp *fakePeer) expectInterestedAndUnchoke(t *testing.T) {
	t.Helper()
	msg, err := wire.ReadMessage(fp.conn)
	require.NoError(t, err)
	require.Equal(t, wire.MsgInterested, msg.ID)
	_, err = fp.conn.Write(wire.Unchoke())
	require.NoError(t, err)
}

// serveBlocks answers every pending request for pieceData by slicing
// out the requested block, deliberately sending the blocks out of order
// to exercise the (index, begin) reassembly path.
func (fp *fakePeer) serveBlocks(t *testing.T, pieceIndex int, pieceData []byte) {
	t.Helper()
	var reqs []wire.Message
	blockCount := (len(pieceData) + wire.BlockSize - 1) / wire.BlockSize
	for i := 0; i < blockCount; i++ {
		msg, err := wire.ReadMessage(fp.conn)
		require.NoError(t, err)
		require.Equal(t, wire.MsgRequest, msg.ID)
		reqs = append(reqs, msg)
	}
	// reverse to deliver last-requested block first
	for i := len(reqs) - 1; i >= 0; i-- {
		index, begin, length, err := wire.ParseRequest(reqs[i].Payload)
		require.NoError(t, err)
		require.Equal(t, pieceIndex, index)
		payload := append(append([]byte{}, be32(index)...), append(be32(begin), pieceData[begin:begin+length]...)...)
		_, err = fp.conn.Write(wire.Message{ID: wire.MsgPiece, Payload: payload}.Encode())
		require.NoError(t, err)
	}
}

// serveMetadata answers every pending ut_metadata request for data, one
// piece per request. Requests are all drained before any response is
// written, mirroring serveBlocks: the session pipelines several
// requests before reading any reply, and a synchronous net.Pipe
// deadlocks if both ends try to write at once.
func (fp *fakePeer) serveMetadata(t *testing.T, data []byte, localUTMetadataID uint8) {
	t.Helper()
	pieceCount := (len(data) + wire.BlockSize - 1) / wire.BlockSize
	pieces := make([]int, pieceCount)
	for i := range pieces {
		msg, err := wire.ReadMessage(fp.conn)
		require.NoError(t, err)
		require.Equal(t, wire.MsgExtended, msg.ID)
		require.GreaterOrEqual(t, len(msg.Payload), 1)

		v, _, err := bencode.Decode(msg.Payload[1:], false)
		require.NoError(t, err)
		pieceVal, ok := v.Get("piece")
		require.True(t, ok)
		pieces[i] = int(pieceVal.Int())
	}

	for _, piece := range pieces {
		begin := piece * wire.BlockSize
		end := begin + wire.BlockSize
		if end > len(data) {
			end = len(data)
		}
		dict := bencode.Dict([]string{"msg_type", "piece", "total_size"}, map[string]bencode.Value{
			"msg_type":   bencode.Int(1),
			"piece":      bencode.Int(int64(piece)),
			"total_size": bencode.Int(int64(len(data))),
		})
		payload := append([]byte{localUTMetadataID}, bencode.Encode(dict)...)
		payload = append(payload, data[begin:end]...)
		_, err := fp.conn.Write(wire.Message{ID: wire.MsgExtended, Payload: payload}.Encode())
		require.NoError(t, err)
	}
}

// dialMetadataPipe drives a magnet-style handshake where no piece
// bitfield is known yet: the fake peer advertises ut_metadata support
// and a metadata_size in its own extension handshake, then an empty
// bitfield.
func dialMetadataPipe(t *testing.T, infoHash, peerID [20]byte, metadataSize int, utMetadataID uint8) (*Session, *fakePeer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s := &Session{conn: clientConn, log: discardLogger(), state: Connecting}
		err := s.handshake(infoHash, peerID)
		if err == nil {
			err = s.awaitBitfield(0)
		}
		done <- result{s, err}
	}()

	fp := &fakePeer{conn: serverConn, infoHash: infoHash}
	copy(fp.peerID[:], "fakepeer000000000000")

	hs, err := wire.Read(fp.conn, infoHash)
	require.NoError(t, err)
	_, err = fp.conn.Write(wire.Encode(infoHash, fp.peerID))
	require.NoError(t, err)
	require.True(t, hs.SupportsExtended())

	extMsg, err := wire.ReadMessage(fp.conn)
	require.NoError(t, err)
	require.Equal(t, wire.MsgExtended, extMsg.ID)

	m := bencode.Dict([]string{"ut_metadata"}, map[string]bencode.Value{
		"ut_metadata": bencode.Int(int64(utMetadataID)),
	})
	handshakeDict := bencode.Dict([]string{"m", "metadata_size"}, map[string]bencode.Value{
		"m":             m,
		"metadata_size": bencode.Int(int64(metadataSize)),
	})
	payload := append([]byte{0}, bencode.Encode(handshakeDict)...)
	_, err = fp.conn.Write(wire.Message{ID: wire.MsgExtended, Payload: payload}.Encode())
	require.NoError(t, err)

	_, err = fp.conn.Write(wire.Message{ID: wire.MsgBitfield}.Encode())
	require.NoError(t, err)

	res := <-done
	require.NoError(t, res.err)
	return res.s, fp
}

func be32(n int) []byte {
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

func dialPipe(t *testing.T, infoHash, peerID [20]byte, pieceCount int) (*Session, *fakePeer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	type result struct {
		s   *Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s := &Session{conn: clientConn, log: discardLogger(), state: Connecting}
		err := s.handshake(infoHash, peerID)
		if err == nil {
			err = s.awaitBitfield(pieceCount)
		}
		done <- result{s, err}
	}()

	fp := newFakePeer(t, serverConn, infoHash, pieceCount)

	res := <-done
	require.NoError(t, res.err)
	return res.s, fp
}

func TestSessionHandshakeAndBitfieldExchange(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	s, _ := dialPipe(t, infoHash, peerID, 4)
	defer s.Close()

	require.Equal(t, Exchanging, s.State())
	require.True(t, s.HasPiece(0))
	require.True(t, s.HasPiece(3))
}

func TestDownloadPieceReassemblesOutOfOrderBlocks(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	s, fp := dialPipe(t, infoHash, peerID, 1)
	defer s.Close()

	pieceData := bytes.Repeat([]byte{0x42}, wire.BlockSize+100)
	expectedHash := sha1.Sum(pieceData)

	go fp.expectInterestedAndUnchoke(t)
	require.NoError(t, s.StartDownloading(5*time.Second))

	go fp.serveBlocks(t, 0, pieceData)
	got, err := s.DownloadPiece(0, int64(len(pieceData)), expectedHash)
	require.NoError(t, err)
	require.Equal(t, pieceData, got)
}

func TestDownloadPieceHashMismatch(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	s, fp := dialPipe(t, infoHash, peerID, 1)
	defer s.Close()

	pieceData := bytes.Repeat([]byte{0x07}, 100)
	var wrongHash [20]byte

	go fp.expectInterestedAndUnchoke(t)
	require.NoError(t, s.StartDownloading(5*time.Second))

	go fp.serveBlocks(t, 0, pieceData)
	_, err := s.DownloadPiece(0, int64(len(pieceData)), wrongHash)
	require.ErrorIs(t, err, ErrHashMismatch)
}

func TestDownloadMetadataFetchesEveryPieceExactlyOnce(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "bbbbbbbbbbbbbbbbbbbb")

	const utMetadataID = 7
	data := bytes.Repeat([]byte{0x5a}, wire.BlockSize*2+37)

	s, fp := dialMetadataPipe(t, infoHash, peerID, len(data), utMetadataID)
	defer s.Close()

	id, ok := s.PeerUTMetadataID()
	require.True(t, ok)
	require.Equal(t, uint8(utMetadataID), id)
	require.Equal(t, len(data), s.MetadataSize())

	go fp.serveMetadata(t, data, wire.LocalUTMetadataID)
	got, err := s.DownloadMetadata(id, int64(s.MetadataSize()))
	require.NoError(t, err)
	require.Equal(t, data, got)
}
