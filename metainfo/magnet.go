package metainfo

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// InvalidMagnet is returned when a magnet: URI fails to parse
// (spec.md §4.2).
type InvalidMagnet struct {
	Reason string
}

func (e *InvalidMagnet) Error() string { return "invalid magnet link: " + e.Reason }

// Magnet is a parsed magnet URI (spec.md §3 MagnetLink).
type Magnet struct {
	InfoHash   [20]byte
	Name       string // dn, optional
	TrackerURL string // tr, optional; first occurrence only
}

// ParseMagnet parses a magnet: URI. Per spec.md §4.2, xt is required and
// must be of the form urn:btih:<hex40>; dn and tr are optional and
// unrecognized parameters are ignored.
func ParseMagnet(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &InvalidMagnet{Reason: fmt.Sprintf("not a valid URI: %s", err)}
	}
	if u.Scheme != "magnet" {
		return nil, &InvalidMagnet{Reason: fmt.Sprintf("wrong scheme %q", u.Scheme)}
	}

	query := u.Query()

	xt := query.Get("xt")
	if xt == "" {
		return nil, &InvalidMagnet{Reason: "missing xt parameter"}
	}
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, &InvalidMagnet{Reason: fmt.Sprintf("xt has unsupported prefix: %q", xt)}
	}
	hex40 := xt[len(prefix):]
	if len(hex40) != 40 {
		return nil, &InvalidMagnet{Reason: fmt.Sprintf("xt hash has length %d, want 40", len(hex40))}
	}
	decoded, err := hex.DecodeString(hex40)
	if err != nil {
		return nil, &InvalidMagnet{Reason: fmt.Sprintf("xt hash is not valid hex: %s", err)}
	}

	m := &Magnet{Name: query.Get("dn")}
	copy(m.InfoHash[:], decoded)

	// tr is repeatable; this design keeps the first (spec.md §4.2).
	if trs, ok := query["tr"]; ok && len(trs) > 0 {
		m.TrackerURL = trs[0]
	}

	return m, nil
}

// InfoHashHex returns the info hash as lowercase hex.
func (m *Magnet) InfoHashHex() string {
	return hex.EncodeToString(m.InfoHash[:])
}
