// Package gossip maintains the local Peer Directory: reachability
// hints learned from periodic, jittered announcements broadcast by
// every node, merged into the local view only when strictly newer or
// strictly better than what is already known.
package gossip

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

// DefaultExpiry is the policy window after which a directory entry is
// no longer used for routing, absent a refresh.
const DefaultExpiry = 15 * time.Minute

// Entry is a single directory record: what this node currently
// believes about a peer's reachability.
type Entry struct {
	PeerID   string
	HopCount int
	LastSeen time.Time
	Via      string // the peer that announced this entry to us
}

// Announcement is the payload of a gossip-announcement packet: the
// sender's own presence plus a bounded set of reachable peers it
// knows about, each with a hop count relative to the sender.
type Announcement struct {
	SenderPeerID string
	SenderClock  time.Time
	Known        []Entry
}

// Directory is the merged view of peer reachability built from
// inbound Announcements.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	expiry  time.Duration
}

// NewDirectory creates an empty Directory. expiry <= 0 uses DefaultExpiry.
func NewDirectory(expiry time.Duration) *Directory {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Directory{entries: make(map[string]Entry), expiry: expiry}
}

// Merge applies ann to the directory: the sender itself is recorded
// at hop count 0, and each entry ann carries is recorded at
// hopCount+1 relative to the sender (since it is now one more hop away
// via this announcer). An entry replaces the current one for a peer
// only when it is strictly newer (LastSeen) or strictly better (lower
// HopCount) than what is already on file.
func (d *Directory) Merge(ann Announcement, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.mergeEntryLocked(Entry{
		PeerID:   ann.SenderPeerID,
		HopCount: 0,
		LastSeen: ann.SenderClock,
		Via:      ann.SenderPeerID,
	})

	for _, e := range ann.Known {
		if e.PeerID == "" {
			continue
		}
		d.mergeEntryLocked(Entry{
			PeerID:   e.PeerID,
			HopCount: e.HopCount + 1,
			LastSeen: ann.SenderClock,
			Via:      ann.SenderPeerID,
		})
	}
	_ = now
}

func (d *Directory) mergeEntryLocked(candidate Entry) {
	current, ok := d.entries[candidate.PeerID]
	if !ok {
		d.entries[candidate.PeerID] = candidate
		return
	}
	if candidate.LastSeen.After(current.LastSeen) || candidate.HopCount < current.HopCount {
		d.entries[candidate.PeerID] = candidate
	}
}

// Get returns the current entry for peerID, reporting whether it
// exists and has not expired as of now.
func (d *Directory) Get(peerID string, now time.Time) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[peerID]
	if !ok {
		return Entry{}, false
	}
	if now.Sub(e.LastSeen) > d.expiry {
		return Entry{}, false
	}
	return e, true
}

// Reachable reports whether peerID has a non-expired directory entry,
// i.e. is usable for routing. Expired entries are retained (for
// reputation continuity) but are not reachable.
func (d *Directory) Reachable(peerID string, now time.Time) bool {
	_, ok := d.Get(peerID, now)
	return ok
}

// Snapshot returns a bounded set of known entries for inclusion in
// this node's own next announcement, skipping expired entries.
func (d *Directory) Snapshot(now time.Time, limit int) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		if now.Sub(e.LastSeen) > d.expiry {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// PruneExpired removes entries whose LastSeen is older than hardTTL
// (not the directory's expiry window), returning the number removed. Call this periodically; expired
// entries are otherwise kept in memory indefinitely (the spec retains
// them for reputation continuity, but an unbounded directory would
// still leak memory for peers gone forever).
func (d *Directory) PruneExpired(now time.Time, hardTTL time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, e := range d.entries {
		if now.Sub(e.LastSeen) > hardTTL {
			delete(d.entries, id)
			removed++
		}
	}
	return removed
}

// Announcer periodically builds and emits this node's own
// announcement at a jittered interval, using a paced go.uber.org/ratelimit
// limiter to smooth the send cadence across any number of background
// callers rather than a bare time.Ticker — Take() blocks the announce
// goroutine exactly as long as the pacing budget requires, which suits
// this always-on background loop far better than the tryAcquire-style
// non-blocking bucket the outbound Rate Limiter needs.
type Announcer struct {
	selfPeerID string
	directory  *Directory
	interval   time.Duration
	jitter     time.Duration
	limiter    ratelimit.Limiter
	send       func(Announcement)

	stop chan struct{}
	once sync.Once
}

// NewAnnouncer creates an Announcer. interval is the base period
// between announcements; jitter adds up to +jitter of random delay to
// each tick so peers don't announce in lockstep.
func NewAnnouncer(selfPeerID string, directory *Directory, interval, jitter time.Duration, send func(Announcement)) *Announcer {
	per := interval
	if per <= 0 {
		per = time.Second
	}
	return &Announcer{
		selfPeerID: selfPeerID,
		directory:  directory,
		interval:   interval,
		jitter:     jitter,
		limiter:    ratelimit.New(1, ratelimit.Per(per)),
		send:       send,
		stop:       make(chan struct{}),
	}
}

// Run blocks, emitting announcements until Stop is called. Intended
// to run in its own goroutine. The limiter's blocking Take() paces
// announcements to roughly one per interval; an additional random
// jitter sleep beforehand staggers peers so they don't announce in
// lockstep after a shared startup or reconnect event.
func (a *Announcer) Run() {
	for {
		if a.jitter > 0 {
			jitterTimer := time.NewTimer(time.Duration(rand.Int63n(int64(a.jitter))))
			select {
			case <-jitterTimer.C:
			case <-a.stop:
				jitterTimer.Stop()
				return
			}
		}

		a.limiter.Take()

		select {
		case <-a.stop:
			return
		default:
		}

		now := time.Now()
		a.send(Announcement{
			SenderPeerID: a.selfPeerID,
			SenderClock:  now,
			Known:        a.directory.Snapshot(now, 64),
		})
	}
}

// Stop halts Run. Safe to call multiple times.
func (a *Announcer) Stop() {
	a.once.Do(func() { close(a.stop) })
}
