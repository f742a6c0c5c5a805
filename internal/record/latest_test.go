package record

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func scanAt(urlOld, urlNew string, status ScanStatus, createdAt time.Time) Scan {
	return Scan{
		ID:        uuid.New(),
		URLOld:    urlOld,
		URLNew:    urlNew,
		Status:    status,
		CreatedAt: createdAt,
	}
}

func TestLatestScansPicksNewestPerPair(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	old := scanAt("https://a/old", "https://a/new", ScanFailed, t1)
	rescan := scanAt("https://a/old", "https://a/new", ScanCompleted, t2)
	other := scanAt("https://b/old", "https://b/new", ScanCompleted, t1)

	latest := LatestScans([]Scan{old, other, rescan})

	require.Len(t, latest, 2)
	require.Equal(t, rescan.ID, latest[0].ID)
	require.Equal(t, other.ID, latest[1].ID)
}

func TestLatestScansTimestampTieKeepsLaterInsertion(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := scanAt("https://a/old", "https://a/new", ScanFailed, ts)
	second := scanAt("https://a/old", "https://a/new", ScanCompleted, ts)

	latest := LatestScans([]Scan{first, second})

	require.Len(t, latest, 1)
	require.Equal(t, second.ID, latest[0].ID)
}

func TestLatestScansSkipsDeleted(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	older := scanAt("https://a/old", "https://a/new", ScanCompleted, t1)
	newest := scanAt("https://a/old", "https://a/new", ScanFailed, t2)
	newest.Deleted = true

	latest := LatestScans([]Scan{older, newest})

	// A deleted newest generation falls back to the previous one.
	require.Len(t, latest, 1)
	require.Equal(t, older.ID, latest[0].ID)
}

func TestComputeLatestCountersCountsOnlyLatest(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	scans := []Scan{
		scanAt("https://a/old", "https://a/new", ScanFailed, t1),
		scanAt("https://a/old", "https://a/new", ScanCompleted, t2),
		scanAt("https://b/old", "https://b/new", ScanFailed, t1),
		scanAt("https://c/old", "https://c/new", ScanRunning, t1),
	}

	c := ComputeLatestCounters(scans)

	require.Equal(t, Counters{Total: 3, Completed: 1, Failed: 1}, c)
}

func TestIsRunFullyComplete(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	done := []Scan{
		scanAt("https://a/old", "https://a/new", ScanCompleted, t1),
		scanAt("https://b/old", "https://b/new", ScanFailed, t1),
	}
	require.True(t, IsRunFullyComplete(done))

	withPending := append(done, scanAt("https://c/old", "https://c/new", ScanPending, t1))
	require.False(t, IsRunFullyComplete(withPending))

	// A pending rescan reopens the pair even if an older generation finished.
	rescanned := append(done, scanAt("https://a/old", "https://a/new", ScanPending, t1.Add(time.Minute)))
	require.False(t, IsRunFullyComplete(rescanned))

	require.True(t, IsRunFullyComplete(nil))
}
