package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrySetOwnerGrantsEmptySlot(t *testing.T) {
	r := New()

	granted, first, owner := r.TrySetOwner("s1", Identity{UserID: "u1", Name: "Alice"}, "c1")
	assert.True(t, granted)
	assert.True(t, first)
	assert.Equal(t, "u1", owner.UserID)
	assert.False(t, owner.StartedAt.IsZero())
}

func TestTrySetOwnerRejectsDifferentIdentity(t *testing.T) {
	r := New()
	r.TrySetOwner("s1", Identity{UserID: "u1", Name: "Alice"}, "c1")

	granted, _, current := r.TrySetOwner("s1", Identity{UserID: "u2", Name: "Bob"}, "c2")
	assert.False(t, granted)
	assert.Equal(t, "Alice", current.Name)
	assert.Equal(t, 1, r.BroadcasterConnCount("s1"))
}

func TestTrySetOwnerSameIdentityRegrants(t *testing.T) {
	r := New()
	r.TrySetOwner("s1", Identity{UserID: "u1", Name: "Alice"}, "c1")

	granted, first, _ := r.TrySetOwner("s1", Identity{UserID: "u1", Name: "Alice"}, "c2")
	assert.True(t, granted)
	assert.False(t, first)
	assert.Equal(t, 2, r.BroadcasterConnCount("s1"))
}

func TestTrySetOwnerMatchesByNormalizedNameWithoutUserIDs(t *testing.T) {
	r := New()
	r.TrySetOwner("s1", Identity{Name: "Alice"}, "c1")

	granted, _, _ := r.TrySetOwner("s1", Identity{Name: "  ALICE "}, "c2")
	assert.True(t, granted)

	granted, _, _ = r.TrySetOwner("s1", Identity{Name: "Bob"}, "c3")
	assert.False(t, granted)
}

func TestTrySetOwnerIsExclusiveUnderConcurrency(t *testing.T) {
	r := New()
	const goroutines = 50

	var wg sync.WaitGroup
	grants := make(chan string, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := Identity{UserID: fmt.Sprintf("u%d", i), Name: fmt.Sprintf("user %d", i)}
			if granted, _, _ := r.TrySetOwner("s1", id, fmt.Sprintf("c%d", i)); granted {
				grants <- id.UserID
			}
		}(i)
	}
	wg.Wait()
	close(grants)

	var winners []string
	for w := range grants {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)
	owner, ok := r.Owner("s1")
	require.True(t, ok)
	assert.Equal(t, winners[0], owner.UserID)
}

func TestRemoveBroadcasterConnReleasesSlotWhenEmpty(t *testing.T) {
	r := New()
	r.TrySetOwner("s1", Identity{UserID: "u1", Name: "Alice"}, "c1")
	r.TrySetOwner("s1", Identity{UserID: "u1", Name: "Alice"}, "c2")
	r.SetLiveMode("s1", ModeMic)

	res := r.RemoveBroadcasterConn("s1", "c1")
	assert.Equal(t, 1, res.Remaining)
	assert.False(t, res.OwnerCleared)
	assert.Equal(t, ModeMic, r.LiveMode("s1"))

	res = r.RemoveBroadcasterConn("s1", "c2")
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, res.OwnerCleared)
	assert.Equal(t, ModeNone, r.LiveMode("s1"))

	_, held := r.Owner("s1")
	assert.False(t, held)
}

func TestLiveModeValues(t *testing.T) {
	r := New()
	assert.Equal(t, ModeNone, r.LiveMode("s1"))

	for _, mode := range []string{ModeMic, ModePreshow, ModeTestTone} {
		r.SetLiveMode("s1", mode)
		assert.Equal(t, mode, r.LiveMode("s1"))
	}

	r.SetLiveMode("s1", ModeNone)
	assert.Equal(t, ModeNone, r.LiveMode("s1"))
}

func TestNormalizeLiveMode(t *testing.T) {
	assert.Equal(t, ModePreshow, NormalizeLiveMode("preshow"))
	assert.Equal(t, ModeTestTone, NormalizeLiveMode("testtone"))
	assert.Equal(t, ModeNone, NormalizeLiveMode(""))
	assert.Equal(t, ModeNone, NormalizeLiveMode("loud"))
}

func TestForceTakeoverReturnsConnIDs(t *testing.T) {
	r := New()
	r.TrySetOwner("s1", Identity{UserID: "u1", Name: "Alice"}, "c1")
	r.TrySetOwner("s1", Identity{UserID: "u1", Name: "Alice"}, "c2")

	conns := r.ForceTakeover("s1")
	assert.ElementsMatch(t, []string{"c1", "c2"}, conns)

	_, held := r.Owner("s1")
	assert.False(t, held)

	granted, _, _ := r.TrySetOwner("s1", Identity{UserID: "u2", Name: "Bob"}, "c3")
	assert.True(t, granted)
}

func TestListenerChannelSwitchAdjustsCounts(t *testing.T) {
	r := New()
	r.AddListenerConn("l1", "s1")

	prev, ok := r.SetListenerChannel("l1", "ch-en")
	require.True(t, ok)
	assert.Equal(t, "", prev.ChannelID)
	assert.Equal(t, map[string]int{"ch-en": 1}, r.ChannelCounts("s1"))

	prev, ok = r.SetListenerChannel("l1", "ch-de")
	require.True(t, ok)
	assert.Equal(t, "ch-en", prev.ChannelID)
	assert.Equal(t, map[string]int{"ch-de": 1}, r.ChannelCounts("s1"))
	assert.Equal(t, 1, r.Total("s1"))
}

func TestRemoveListenerConnDecrements(t *testing.T) {
	r := New()
	r.AddListenerConn("l1", "s1")
	r.SetListenerChannel("l1", "ch-en")

	st, ok := r.RemoveListenerConn("l1")
	require.True(t, ok)
	assert.Equal(t, "ch-en", st.ChannelID)
	assert.Equal(t, 0, r.Total("s1"))
	assert.Empty(t, r.ChannelCounts("s1"))

	_, ok = r.RemoveListenerConn("l1")
	assert.False(t, ok)
}

func TestChangeLiveCountClampsAtZero(t *testing.T) {
	r := New()
	r.ChangeLiveCount("s1", "ch-en", -5)
	assert.Equal(t, 0, r.Total("s1"))

	r.ChangeLiveCount("s1", "ch-en", 3)
	r.ChangeLiveCount("s1", "ch-en", -10)
	assert.Equal(t, 0, r.Total("s1"))
	assert.Empty(t, r.ChannelCounts("s1"))
}

func TestSnapshotHistoryIsBoundedFIFO(t *testing.T) {
	r := New()
	r.AddListenerConn("l1", "s1")
	r.SetListenerChannel("l1", "ch-en")

	for i := 0; i < MaxSnapshots+20; i++ {
		r.RecordSnapshot("s1")
	}
	snaps := r.Snapshots("s1")
	require.Len(t, snaps, MaxSnapshots)
	for i := 1; i < len(snaps); i++ {
		assert.False(t, snaps[i].TS.Before(snaps[i-1].TS))
	}
}

func TestResetHistoryClearsSnapshotsNotCounts(t *testing.T) {
	r := New()
	r.AddListenerConn("l1", "s1")
	r.SetListenerChannel("l1", "ch-en")
	r.RecordSnapshot("s1")

	r.ResetHistory("s1")
	assert.Empty(t, r.Snapshots("s1"))
	assert.Equal(t, 1, r.Total("s1"))
}

func TestActiveSessionIDsUnion(t *testing.T) {
	r := New()
	r.AddListenerConn("l1", "s1")
	r.TrySetOwner("s2", Identity{UserID: "u1", Name: "Alice"}, "c1")
	r.ChangeLiveCount("s3", "ch", 2)

	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, r.ActiveSessionIDs())
}
