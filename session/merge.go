package session

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// Conflict is a foreign copy of the session waiting to be merged.
type Conflict struct {
	State     *State
	Timestamp time.Time
	Source    string
}

// Merge folds foreign into local and returns the result; neither input is
// modified. Copies of different sessions are not merged and local is
// returned unchanged. Apart from TabID, which always stays local, the
// result is the same whichever argument comes first, and merging a state
// into itself is a no-op.
func Merge(local, foreign *State) *State {
	out := local.Clone()
	if foreign == nil || out == nil || foreign.SessionID != local.SessionID {
		return out
	}

	log := make([]Activity, 0, len(local.Activities)+len(foreign.Activities))
	log = append(log, local.Activities...)
	log = append(log, foreign.Activities...)
	out.setActivities(log)

	out.IsActive = local.IsActive && foreign.IsActive
	out.EndReason = mergeEndReason(local, foreign)
	out.Metadata = mergeMetadata(local.Metadata, foreign.Metadata)
	out.StartTime = earliest(local.StartTime, foreign.StartTime)
	if foreign.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = foreign.UpdatedAt
	}
	return out
}

// ResolveConflicts applies pending conflicts to local in ascending
// timestamp order, ties broken by source tab.
func ResolveConflicts(local *State, conflicts []Conflict) *State {
	sorted := append([]Conflict(nil), conflicts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].Source < sorted[j].Source
	})
	out := local.Clone()
	for _, c := range sorted {
		out = Merge(out, c.State)
	}
	return out
}

// Ambiguities counts activity pairs across a and b that share a timestamp
// and type but differ in details. Entries of b already present in a are
// not counted, so re-reading a tab's own writes reports nothing. Merge
// keeps both; callers log the count.
func Ambiguities(a, b []Activity) int {
	type slot struct {
		ts  int64
		typ ActivityType
	}
	seen := make(map[slot][]string, len(a))
	known := make(map[activityKey]bool, len(a))
	for _, x := range a {
		k := slot{x.Timestamp.UnixNano(), x.Type}
		seen[k] = append(seen[k], NormalizeDetails(x.Details))
		known[keyOf(x)] = true
	}
	n := 0
	for _, y := range b {
		if known[keyOf(y)] {
			continue
		}
		details := NormalizeDetails(y.Details)
		for _, d := range seen[slot{y.Timestamp.UnixNano(), y.Type}] {
			if d != details {
				n++
			}
		}
	}
	return n
}

func mergeEndReason(a, b *State) EndReason {
	switch {
	case a.EndReason == "":
		return b.EndReason
	case b.EndReason == "":
		return a.EndReason
	case a.EndReason < b.EndReason:
		return a.EndReason
	default:
		return b.EndReason
	}
}

// mergeMetadata is last-writer-wins on UpdatedAt. Equal timestamps fall
// back to comparing the encoded bytes so both tabs pick the same winner.
func mergeMetadata(a, b Metadata) Metadata {
	switch {
	case b.UpdatedAt.After(a.UpdatedAt):
		return b.Clone()
	case a.UpdatedAt.After(b.UpdatedAt):
		return a.Clone()
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA == nil && errB == nil && bytes.Compare(bb, ab) > 0 {
		return b.Clone()
	}
	return a.Clone()
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}
