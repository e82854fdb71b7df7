package gossip

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDirectory_MergeRecordsSenderAndKnownPeers(t *testing.T) {
	d := NewDirectory(DefaultExpiry)
	now := time.Now()

	d.Merge(Announcement{
		SenderPeerID: "b",
		SenderClock:  now,
		Known: []Entry{
			{PeerID: "c", HopCount: 1, LastSeen: now},
		},
	}, now)

	e, ok := d.Get("b", now)
	require.True(t, ok)
	require.Equal(t, 0, e.HopCount)

	e, ok = d.Get("c", now)
	require.True(t, ok)
	require.Equal(t, 2, e.HopCount) // one hop to b, plus b's reported hop to c
	require.Equal(t, "b", e.Via)
}

func TestDirectory_MergeOnlyAppliesWhenNewerOrBetter(t *testing.T) {
	d := NewDirectory(DefaultExpiry)
	t0 := time.Now()
	t1 := t0.Add(time.Minute)

	d.Merge(Announcement{SenderPeerID: "x", SenderClock: t1, Known: []Entry{
		{PeerID: "z", HopCount: 1, LastSeen: t1},
	}}, t1)

	e, _ := d.Get("z", t1)
	require.Equal(t, 2, e.HopCount)

	// Older and no better: ignored.
	d.Merge(Announcement{SenderPeerID: "x", SenderClock: t0, Known: []Entry{
		{PeerID: "z", HopCount: 5, LastSeen: t0},
	}}, t0)
	e, _ = d.Get("z", t1)
	require.Equal(t, 2, e.HopCount)

	// Same age, strictly better hop count: applied.
	d.Merge(Announcement{SenderPeerID: "x", SenderClock: t1, Known: []Entry{
		{PeerID: "z", HopCount: 0, LastSeen: t1},
	}}, t1)
	e, _ = d.Get("z", t1)
	require.Equal(t, 1, e.HopCount)
}

func TestDirectory_ExpiredEntriesAreNotReachableButRetained(t *testing.T) {
	d := NewDirectory(time.Minute)
	now := time.Now()
	d.Merge(Announcement{SenderPeerID: "p", SenderClock: now}, now)

	later := now.Add(2 * time.Minute)
	require.False(t, d.Reachable("p", later))

	// Retained for reputation continuity: PruneExpired only removes
	// entries past a separate, longer hard TTL.
	_, ok := d.entries["p"]
	require.True(t, ok)

	removed := d.PruneExpired(later, time.Hour)
	require.Equal(t, 0, removed)

	removed = d.PruneExpired(now.Add(2*time.Hour), time.Hour)
	require.Equal(t, 1, removed)
}

func TestDirectory_SnapshotRespectsLimitAndExpiry(t *testing.T) {
	d := NewDirectory(time.Minute)
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		d.Merge(Announcement{SenderPeerID: id, SenderClock: now}, now)
	}

	snap := d.Snapshot(now, 2)
	require.Len(t, snap, 2)

	snap = d.Snapshot(now.Add(2*time.Minute), 10)
	require.Empty(t, snap)
}

func TestAnnouncer_EmitsAndStops(t *testing.T) {
	d := NewDirectory(DefaultExpiry)
	var mu sync.Mutex
	var got []Announcement

	a := NewAnnouncer("self", d, 5*time.Millisecond, time.Millisecond, func(ann Announcement) {
		mu.Lock()
		got = append(got, ann)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	a.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	require.Equal(t, "self", got[0].SenderPeerID)
}
