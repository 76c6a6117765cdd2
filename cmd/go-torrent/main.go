package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/matei-oltean/go-torrent/bencode"
	"github.com/matei-oltean/go-torrent/btutil"
	"github.com/matei-oltean/go-torrent/metainfo"
	"github.com/matei-oltean/go-torrent/peerid"
	"github.com/matei-oltean/go-torrent/scheduler"
	"github.com/matei-oltean/go-torrent/session"
	"github.com/matei-oltean/go-torrent/tracker"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

func usage() {
	fmt.Fprintf(os.Stderr, `%s <command> [arguments]

commands:
    decode <bencoded-value>
    info <torrent-file>
    peers <torrent-file>
    handshake <torrent-file> <peer-ip:port>
    download_piece -o <out> <torrent-file> <piece-index>
    download -o <out> <torrent-file>
    magnet_parse <magnet-link>
    magnet_handshake <magnet-link>
    magnet_info <magnet-link>
    magnet_download_piece -o <out> <magnet-link> <piece-index>
    magnet_download -o <out> <magnet-link>
`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "decode":
		err = cmdDecode(os.Args[2:])
	case "info":
		err = cmdInfo(os.Args[2:])
	case "peers":
		err = cmdPeers(os.Args[2:])
	case "handshake":
		err = cmdHandshake(os.Args[2:])
	case "download_piece":
		err = cmdDownloadPiece(os.Args[2:])
	case "download":
		err = cmdDownload(os.Args[2:])
	case "magnet_parse":
		err = cmdMagnetParse(os.Args[2:])
	case "magnet_handshake":
		err = cmdMagnetHandshake(os.Args[2:])
	case "magnet_info":
		err = cmdMagnetInfo(os.Args[2:])
	case "magnet_download_piece":
		err = cmdMagnetDownloadPiece(os.Args[2:])
	case "magnet_download":
		err = cmdMagnetDownload(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func cmdDecode(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: decode <bencoded-value>")
	}
	v, rest, err := bencode.Decode([]byte(args[0]), false)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return &bencode.Malformed{Reason: "trailing data after top-level value"}
	}
	fmt.Println(toJSON(v))
	return nil
}

func cmdInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: info <torrent-file>")
	}
	m, err := metainfo.ParseFile(args[0])
	if err != nil {
		return err
	}
	printInfo(m)
	return nil
}

func printInfo(m *metainfo.MetaInfo) {
	fmt.Printf("Tracker URL: %s\n", m.Announce)
	fmt.Printf("Length: %d\n", m.Info.Length)
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(m.InfoHash[:]))
	fmt.Printf("Piece Length: %d\n", m.Info.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, p := range m.Info.Pieces {
		fmt.Println(hex.EncodeToString(p[:]))
	}
}

func cmdPeers(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: peers <torrent-file>")
	}
	m, err := metainfo.ParseFile(args[0])
	if err != nil {
		return err
	}
	id, err := peerid.New()
	if err != nil {
		return err
	}
	resp, err := tracker.Announce(m.Announce, m.InfoHash, id, tracker.DefaultPort, m.Info.Length)
	if err != nil {
		return err
	}
	for _, p := range resp.Peers {
		fmt.Println(p)
	}
	return nil
}

func cmdHandshake(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: handshake <torrent-file> <peer-ip:port>")
	}
	m, err := metainfo.ParseFile(args[0])
	if err != nil {
		return err
	}
	return doHandshake(m.InfoHash, args[1])
}

func doHandshake(infoHash [20]byte, address string) error {
	id, err := peerid.New()
	if err != nil {
		return err
	}
	s, err := session.Dial(context.Background(), address, infoHash, id, 0, log)
	if err != nil {
		return err
	}
	defer s.Close()
	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(s.RemotePeerID[:]))
	if utID, ok := s.PeerUTMetadataID(); ok {
		fmt.Printf("Peer Metadata Extension ID: %d\n", utID)
	}
	return nil
}

func cmdDownloadPiece(args []string) error {
	fs := flag.NewFlagSet("download_piece", flag.ContinueOnError)
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 || *out == "" {
		return fmt.Errorf("usage: download_piece -o <out> <torrent-file> <piece-index>")
	}
	m, err := metainfo.ParseFile(fs.Arg(0))
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid piece index: %w", err)
	}

	peers, err := findPeers(m.Announce, m.InfoHash, m.Info.Length)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return &scheduler.PartialDownload{Remaining: []int{index}}
	}

	id, err := peerid.New()
	if err != nil {
		return err
	}
	s, err := session.Dial(context.Background(), peers[0], m.InfoHash, id, m.PieceCount(), log)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.StartDownloading(session.HandshakeDeadline); err != nil {
		return err
	}
	data, err := s.DownloadPiece(index, m.PieceLen(index), m.Info.Pieces[index])
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Piece %d downloaded to %s.\n", index, *out)
	return nil
}

func cmdDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *out == "" {
		return fmt.Errorf("usage: download -o <out> <torrent-file>")
	}
	m, err := metainfo.ParseFile(fs.Arg(0))
	if err != nil {
		return err
	}

	peers, err := findPeers(m.Announce, m.InfoHash, m.Info.Length)
	if err != nil {
		return err
	}
	sessions, err := dialAll(peers, m.InfoHash, m.PieceCount())
	if err != nil {
		return err
	}
	defer closeAll(sessions)

	pieces, err := scheduler.Download(context.Background(), sessions, &m.Info, log)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, scheduler.Assemble(pieces), 0o644); err != nil {
		return err
	}
	fmt.Printf("Downloaded %s to %s.\n", fs.Arg(0), *out)
	return nil
}

func cmdMagnetParse(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: magnet_parse <magnet-link>")
	}
	mg, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Tracker URL: %s\n", mg.TrackerURL)
	fmt.Printf("Info Hash: %s\n", mg.InfoHashHex())
	return nil
}

func cmdMagnetHandshake(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: magnet_handshake <magnet-link>")
	}
	mg, err := metainfo.ParseMagnet(args[0])
	if err != nil {
		return err
	}
	peers, err := findPeers(mg.TrackerURL, mg.InfoHash, 1)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return fmt.Errorf("magnet_handshake: no peers returned by tracker")
	}
	return doHandshake(mg.InfoHash, peers[0])
}

func cmdMagnetInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: magnet_info <magnet-link>")
	}
	m, _, err := fetchMetainfoViaMagnet(args[0])
	if err != nil {
		return err
	}
	printInfo(m)
	return nil
}

func cmdMagnetDownloadPiece(args []string) error {
	fs := flag.NewFlagSet("magnet_download_piece", flag.ContinueOnError)
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 || *out == "" {
		return fmt.Errorf("usage: magnet_download_piece -o <out> <magnet-link> <piece-index>")
	}
	index, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid piece index: %w", err)
	}

	m, s, err := fetchMetainfoViaMagnet(fs.Arg(0))
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.StartDownloading(session.HandshakeDeadline); err != nil {
		return err
	}
	data, err := s.DownloadPiece(index, m.PieceLen(index), m.Info.Pieces[index])
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Piece %d downloaded to %s.\n", index, *out)
	return nil
}

func cmdMagnetDownload(args []string) error {
	fs := flag.NewFlagSet("magnet_download", flag.ContinueOnError)
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *out == "" {
		return fmt.Errorf("usage: magnet_download -o <out> <magnet-link>")
	}

	m, first, err := fetchMetainfoViaMagnet(fs.Arg(0))
	if err != nil {
		return err
	}
	defer first.Close()

	peers, err := findPeers(m.Announce, m.InfoHash, m.Info.Length)
	if err != nil {
		return err
	}
	sessions, err := dialAll(peers, m.InfoHash, m.PieceCount())
	if err != nil {
		return err
	}
	defer closeAll(sessions)
	sessions = append(sessions, first)

	pieces, err := scheduler.Download(context.Background(), sessions, &m.Info, log)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, scheduler.Assemble(pieces), 0o644); err != nil {
		return err
	}
	fmt.Printf("Downloaded %s to %s.\n", fs.Arg(0), *out)
	return nil
}

// findPeers announces once and returns the raw address list; a helper
// shared by the file-based and magnet-based commands.
func findPeers(announceURL string, infoHash [20]byte, left int64) ([]string, error) {
	id, err := peerid.New()
	if err != nil {
		return nil, err
	}
	if left <= 0 {
		left = 1
	}
	resp, err := tracker.Announce(announceURL, infoHash, id, tracker.DefaultPort, left)
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func dialAll(addrs []string, infoHash [20]byte, pieceCount int) ([]*session.Session, error) {
	id, err := peerid.New()
	if err != nil {
		return nil, err
	}
	var sessions []*session.Session
	for _, addr := range addrs {
		s, err := session.Dial(context.Background(), addr, infoHash, id, pieceCount, log)
		if err != nil {
			log.Warn().Err(err).Str("peer", addr).Msg("dropping peer that failed handshake")
			continue
		}
		if err := s.StartDownloading(session.HandshakeDeadline); err != nil {
			log.Warn().Err(err).Str("peer", addr).Msg("dropping peer that never unchoked")
			s.Close()
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func closeAll(sessions []*session.Session) {
	for _, s := range sessions {
		s.Close()
	}
}

// fetchMetainfoViaMagnet resolves a magnet link to a full MetaInfo by
// announcing to its tracker, handshaking the first peer that supports
// the BEP-10 extension protocol, and pulling the info dictionary over
// BEP-9. The peer session used for the exchange is returned so download
// commands can reuse the same connection.
func fetchMetainfoViaMagnet(magnetLink string) (*metainfo.MetaInfo, *session.Session, error) {
	mg, err := metainfo.ParseMagnet(magnetLink)
	if err != nil {
		return nil, nil, err
	}
	peers, err := findPeers(mg.TrackerURL, mg.InfoHash, 1)
	if err != nil {
		return nil, nil, err
	}

	id, err := peerid.New()
	if err != nil {
		return nil, nil, err
	}

	var s *session.Session
	for _, addr := range peers {
		candidate, err := session.Dial(context.Background(), addr, mg.InfoHash, id, 0, log)
		if err != nil {
			continue
		}
		if _, ok := candidate.PeerUTMetadataID(); !ok {
			candidate.Close()
			continue
		}
		s = candidate
		break
	}
	if s == nil {
		return nil, nil, fmt.Errorf("magnet: no peer advertised ut_metadata support")
	}

	raw, err := downloadMetadata(s)
	if err != nil {
		s.Close()
		return nil, nil, err
	}

	m, err := metainfo.ParseInfo(raw, mg.InfoHash)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	m.Announce = mg.TrackerURL
	return m, s, nil
}

func downloadMetadata(s *session.Session) ([]byte, error) {
	utID, ok := s.PeerUTMetadataID()
	if !ok {
		return nil, fmt.Errorf("magnet: peer does not support ut_metadata")
	}
	size := s.MetadataSize()
	if size <= 0 {
		return nil, fmt.Errorf("magnet: peer did not advertise metadata_size")
	}
	return s.DownloadMetadata(utID, int64(size))
}

// toJSON renders a decoded bencode Value the way the "decode" command
// is expected to: numbers and strings as themselves, lists and dicts
// recursively.
func toJSON(v bencode.Value) string {
	switch v.Kind() {
	case bencode.KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case bencode.KindString:
		b, _ := jsonMarshalString(v.Str())
		return b
	case bencode.KindList:
		out := "["
		for i, item := range v.List() {
			if i > 0 {
				out += ","
			}
			out += toJSON(item)
		}
		return out + "]"
	case bencode.KindDict:
		out := "{"
		for i, k := range v.Keys() {
			if i > 0 {
				out += ","
			}
			key, _ := jsonMarshalString(k)
			val, _ := v.Get(k)
			out += key + ":" + toJSON(val)
		}
		return out + "}"
	default:
		return "null"
	}
}

func jsonMarshalString(s string) (string, error) {
	buf := []byte{'"'}
	for _, r := range s {
		switch r {
		case '"', '\\':
			buf = append(buf, '\\', byte(r))
		case '\n':
			buf = append(buf, '\\', 'n')
		default:
			buf = append(buf, string(r)...)
		}
	}
	buf = append(buf, '"')
	return string(buf), nil
}
