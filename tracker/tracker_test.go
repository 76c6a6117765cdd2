package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matei-oltean/go-torrent/bencode"
)

func TestBuildAnnounceURLEscapesInfoHashBytewise(t *testing.T) {
	var hash, id [20]byte
	hash[0] = 0x00
	hash[1] = 0x01
	hash[19] = 0xff

	got, err := buildAnnounceURL("http://tracker.example/announce", hash, id, 6881, 1000)
	require.NoError(t, err)
	require.Contains(t, got, "info_hash=%00%01")
	require.Contains(t, got, "%ff")
	require.NotContains(t, got, "%00%01%02%03%04%05%06%07%08%09%0a%0b%0c%0d%0e%0f%10%11%12+")
}

func TestBuildAnnounceURLPreservesExistingQuery(t *testing.T) {
	var hash, id [20]byte
	got, err := buildAnnounceURL("http://tracker.example/announce?foo=bar", hash, id, 6881, 0)
	require.NoError(t, err)
	require.Contains(t, got, "foo=bar&")
}

func TestParseCompactPeers(t *testing.T) {
	data := []byte{127, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 1, 0x1a, 0xe9}
	peers, err := parseCompactPeers(data)
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:6881", "10.0.0.1:6889"}, peers)
}

func TestParseCompactPeersEmptyIsNotError(t *testing.T) {
	peers, err := parseCompactPeers(nil)
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseResponseSuccess(t *testing.T) {
	body := bencode.Encode(bencode.Dict(
		[]string{"interval", "peers"},
		map[string]bencode.Value{
			"interval": bencode.Int(1800),
			"peers":    bencode.String([]byte{127, 0, 0, 1, 0x1a, 0xe1}),
		},
	))
	resp, err := parseResponse(body)
	require.NoError(t, err)
	require.Equal(t, 1800, resp.Interval)
	require.Equal(t, []string{"127.0.0.1:6881"}, resp.Peers)
}

func TestParseResponseMissingPeersIsEmptyNotError(t *testing.T) {
	body := bencode.Encode(bencode.Dict(
		[]string{"interval"},
		map[string]bencode.Value{"interval": bencode.Int(1800)},
	))
	resp, err := parseResponse(body)
	require.NoError(t, err)
	require.Empty(t, resp.Peers)
}

func TestParseResponseFailureReason(t *testing.T) {
	body := bencode.Encode(bencode.Dict(
		[]string{"failure reason"},
		map[string]bencode.Value{"failure reason": bencode.String([]byte("not authorized"))},
	))
	_, err := parseResponse(body)
	var fail *TrackerFailure
	require.ErrorAs(t, err, &fail)
	require.True(t, fail.Rejected)
}

func TestParseResponseMissingIntervalIsMalformed(t *testing.T) {
	body := bencode.Encode(bencode.Dict(nil, map[string]bencode.Value{}))
	_, err := parseResponse(body)
	var malformed *MalformedResponse
	require.ErrorAs(t, err, &malformed)
}

func TestAnnounceEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		body := bencode.Encode(bencode.Dict(
			[]string{"interval", "peers"},
			map[string]bencode.Value{
				"interval": bencode.Int(900),
				"peers":    bencode.String([]byte{1, 2, 3, 4, 0x1a, 0xe1}),
			},
		))
		w.Write(body)
	}))
	defer srv.Close()

	var hash, id [20]byte
	resp, err := Announce(srv.URL, hash, id, 6881, 100)
	require.NoError(t, err)
	require.Equal(t, 900, resp.Interval)
	require.Equal(t, []string{"1.2.3.4:6881"}, resp.Peers)
}
