package session

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmcleod/ironsession/internal/util"
)

// Record adds a to the log, keeping it newest first and capped at
// MaxActivities. LastActivity always mirrors the head of the log.
func (s *State) Record(a Activity) {
	a = a.Clone()
	a.Details = NormalizeDetails(a.Details)
	log := make([]Activity, 0, len(s.Activities)+1)
	log = append(log, a)
	log = append(log, s.Activities...)
	s.setActivities(log)
	if a.Timestamp.After(s.UpdatedAt) {
		s.UpdatedAt = a.Timestamp
	}
}

func (s *State) setActivities(log []Activity) {
	s.Activities = normalizeLog(log)
	if len(s.Activities) == 0 {
		s.Activities = nil
		s.LastActivity = nil
		return
	}
	head := s.Activities[0].Clone()
	s.LastActivity = &head
}

// NormalizeDetails returns the NFKC form of details truncated to
// MaxDetailsLength runes.
func NormalizeDetails(details string) string {
	details = util.Normalize(details)
	if utf8.RuneCountInString(details) <= MaxDetailsLength {
		return details
	}
	return string([]rune(details)[:MaxDetailsLength])
}

// activityKey identifies duplicates across tabs.
type activityKey struct {
	ts      int64
	typ     ActivityType
	details string
}

func keyOf(a Activity) activityKey {
	return activityKey{ts: a.Timestamp.UnixNano(), typ: a.Type, details: NormalizeDetails(a.Details)}
}

// normalizeLog deduplicates by (timestamp, type, details), sorts newest
// first with a total order, and truncates to MaxActivities. Among
// duplicates the entry that sorts first on its metadata is kept, so the
// result does not depend on input order.
func normalizeLog(in []Activity) []Activity {
	if len(in) == 0 {
		return nil
	}
	byKey := make(map[activityKey]Activity, len(in))
	for _, a := range in {
		k := keyOf(a)
		if cur, ok := byKey[k]; !ok || preferred(a, cur) {
			a = a.Clone()
			a.Details = k.details
			byKey[k] = a
		}
	}
	out := make([]Activity, 0, len(byKey))
	for _, a := range byKey {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if len(out) > MaxActivities {
		out = out[:MaxActivities]
	}
	return out
}

func preferred(a, b Activity) bool {
	if c := compareMeta(a.Metadata, b.Metadata); c != 0 {
		return c < 0
	}
	return a.Details < b.Details
}

// less orders activities newest first; ties fall through type, details and
// metadata so every pair of distinct entries has a fixed order.
func less(a, b Activity) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if c := strings.Compare(NormalizeDetails(a.Details), NormalizeDetails(b.Details)); c != 0 {
		return c < 0
	}
	return compareMeta(a.Metadata, b.Metadata) < 0
}

func compareMeta(a, b *ActivityMeta) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c := strings.Compare(a.Route, b.Route); c != 0 {
		return c
	}
	return strings.Compare(a.Component, b.Component)
}

// Since returns the activities newer than t, newest first.
func (s *State) Since(t time.Time) []Activity {
	var out []Activity
	for _, a := range s.Activities {
		if !a.Timestamp.After(t) {
			break
		}
		out = append(out, a.Clone())
	}
	return out
}
