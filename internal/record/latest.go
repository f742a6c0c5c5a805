package record

// Counters is the derived latest-generation tally of a run.
type Counters struct {
	Total     int
	Completed int
	Failed    int
}

// LatestScans reduces a run's full scan history to its latest generation:
// non-deleted scans grouped by URL pair, with the greatest CreatedAt
// winning per pair. Creation-timestamp ties resolve to the scan appearing
// later in the input, which for store reads is insertion order. Output
// preserves first-seen pair order.
func LatestScans(scans []Scan) []Scan {
	byPair := make(map[string]Scan)
	var order []string

	for _, s := range scans {
		if s.Deleted {
			continue
		}
		key := s.PairKey()
		current, seen := byPair[key]
		if !seen {
			order = append(order, key)
			byPair[key] = s
			continue
		}
		if !s.CreatedAt.Before(current.CreatedAt) {
			byPair[key] = s
		}
	}

	latest := make([]Scan, 0, len(order))
	for _, key := range order {
		latest = append(latest, byPair[key])
	}
	return latest
}

// ComputeLatestCounters tallies the latest generation of a scan history.
func ComputeLatestCounters(scans []Scan) Counters {
	latest := LatestScans(scans)
	c := Counters{Total: len(latest)}
	for _, s := range latest {
		switch s.Status {
		case ScanCompleted:
			c.Completed++
		case ScanFailed:
			c.Failed++
		}
	}
	return c
}

// IsRunFullyComplete reports whether no latest-generation scan is still
// pending or running.
func IsRunFullyComplete(scans []Scan) bool {
	for _, s := range LatestScans(scans) {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}
