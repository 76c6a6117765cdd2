// Package tracker implements the HTTP announce client from spec.md §4.3:
// building the announce query, performing the GET, and parsing the
// bencoded compact peer list response.
package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matei-oltean/go-torrent/bencode"
	"github.com/matei-oltean/go-torrent/btutil"
)

// Timeout bounds a single announce HTTP request.
const Timeout = 30 * time.Second

// DefaultPort is the listening port advertised in the announce request
// when the caller does not accept inbound connections (BEP-3 default
// range start).
const DefaultPort = 6881

// TrackerFailure wraps either a network-level failure to reach the
// tracker or an explicit rejection carried in its response
// (`failure reason`).
type TrackerFailure struct {
	Rejected bool
	Reason   string
	Err      error
}

func (e *TrackerFailure) Error() string {
	if e.Rejected {
		return fmt.Sprintf("tracker: announce rejected: %s", e.Reason)
	}
	return fmt.Sprintf("tracker: announce failed: %v", e.Err)
}

func (e *TrackerFailure) Unwrap() error { return e.Err }

// MalformedResponse is returned when the tracker's response body is not
// a well-formed bencoded dictionary with the expected shape.
type MalformedResponse struct {
	Reason string
}

func (e *MalformedResponse) Error() string {
	return fmt.Sprintf("tracker: malformed response: %s", e.Reason)
}

// Response is the parsed result of an announce call.
type Response struct {
	Interval int
	Peers    []string
}

// Announce performs one HTTP GET announce against announceURL and
// returns the interval and peer address list (spec.md §4.3). left is
// the number of bytes still needed; pass a non-zero placeholder when
// unknown, as on magnet first contact.
func Announce(announceURL string, infoHash, peerID [20]byte, port int, left int64) (*Response, error) {
	if port <= 0 {
		port = DefaultPort
	}
	reqURL, err := buildAnnounceURL(announceURL, infoHash, peerID, port, left)
	if err != nil {
		return nil, &TrackerFailure{Err: fmt.Errorf("tracker: building announce URL: %w", err)}
	}

	client := &http.Client{Timeout: Timeout}
	res, err := client.Get(reqURL)
	if err != nil {
		return nil, &TrackerFailure{Err: fmt.Errorf("tracker: GET %s: %w", announceURL, err)}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &TrackerFailure{Err: fmt.Errorf("tracker: unexpected status %s", res.Status)}
	}

	var body []byte
	buf := make([]byte, 32*1024)
	for {
		n, rerr := res.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	return parseResponse(body)
}

// buildAnnounceURL builds the query string by hand rather than with
// url.Values, whose Encode() percent-encodes space as "+" and upcases
// hex digits - inconsistent with the raw byte-for-byte convention
// trackers expect for info_hash (spec.md §4.8).
func buildAnnounceURL(announceURL string, infoHash, peerID [20]byte, port int, left int64) (string, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf(
		"info_hash=%s&peer_id=%s&port=%d&uploaded=0&downloaded=0&left=%d&compact=1",
		btutil.EscapeInfoHash(infoHash),
		btutil.EscapeInfoHash(peerID),
		port,
		left,
	)
	if u.RawQuery != "" {
		u.RawQuery += "&" + query
	} else {
		u.RawQuery = query
	}
	return u.String(), nil
}

func parseResponse(body []byte) (*Response, error) {
	v, _, err := bencode.Decode(body, false)
	if err != nil {
		return nil, &MalformedResponse{Reason: err.Error()}
	}
	if v.Kind() != bencode.KindDict {
		return nil, &MalformedResponse{Reason: "response is not a dictionary"}
	}

	if reason, ok := v.Get("failure reason"); ok {
		return nil, &TrackerFailure{Rejected: true, Reason: reason.Str()}
	}

	intervalVal, ok := v.Get("interval")
	if !ok {
		return nil, &MalformedResponse{Reason: "missing interval"}
	}

	var peers []string
	if peersVal, ok := v.Get("peers"); ok {
		peers, err = parseCompactPeers([]byte(peersVal.Str()))
		if err != nil {
			return nil, &MalformedResponse{Reason: err.Error()}
		}
	}

	return &Response{
		Interval: int(intervalVal.Int()),
		Peers:    peers,
	}, nil
}

// parseCompactPeers parses the BEP-23 compact peer list: a byte string
// whose length is a multiple of 6 (4-byte IPv4 address, 2-byte
// big-endian port). A missing or zero-length field yields an empty
// slice, not an error.
func parseCompactPeers(data []byte) ([]string, error) {
	const peerSize = 6
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%peerSize != 0 {
		return nil, fmt.Errorf("peers length %d is not a multiple of %d", len(data), peerSize)
	}
	peers := make([]string, 0, len(data)/peerSize)
	for i := 0; i < len(data); i += peerSize {
		ip := net.IP(data[i : i+4])
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		peers = append(peers, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}
	return peers, nil
}
