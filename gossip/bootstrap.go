package gossip

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// bootstrapHint is the wire shape of an out-of-band pairing hint: a
// small, human-copyable string (QR code, NFC tag, pasted link) that
// seeds a fresh node's directory with a handful of known-reachable
// peers before it has heard any gossip announcements of its own.
type bootstrapHint struct {
	Peers []Entry `json:"peers"`
}

// EncodeBootstrapHint serializes a bounded set of directory entries
// into a base58 string suitable for display or out-of-band transfer.
// Base58 avoids the visually ambiguous characters (0/O, l/I) that a
// person transcribing a QR fallback or NFC-read string by hand would
// otherwise trip over.
func EncodeBootstrapHint(entries []Entry) (string, error) {
	data, err := json.Marshal(bootstrapHint{Peers: entries})
	if err != nil {
		return "", fmt.Errorf("gossip: marshal bootstrap hint: %w", err)
	}
	return base58.Encode(data), nil
}

// DecodeBootstrapHint reverses EncodeBootstrapHint, returning the
// entries it carried so the caller can seed them into a Directory via
// Merge (wrapped in a single-sender Announcement of its own device, or
// merged directly as a synthetic Announcement per entry's Via peer).
func DecodeBootstrapHint(hint string) ([]Entry, error) {
	data, err := base58.Decode(hint)
	if err != nil {
		return nil, fmt.Errorf("gossip: decode bootstrap hint: %w", err)
	}
	var out bootstrapHint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("gossip: unmarshal bootstrap hint: %w", err)
	}
	return out.Peers, nil
}

// SeedFromHint merges a decoded bootstrap hint's entries directly into
// the directory, bypassing the normal Announcement/Merge path since a
// bootstrap hint has no single announcing sender or clock of its own.
func (d *Directory) SeedFromHint(entries []Entry, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		if e.PeerID == "" {
			continue
		}
		if e.LastSeen.IsZero() {
			e.LastSeen = now
		}
		d.mergeEntryLocked(e)
	}
}
