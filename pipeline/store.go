package pipeline

import (
	"sort"
	"time"
)

// Store holds in-memory indices over one canonical record set: an
// identifier map and a minute-bucket map keyed by truncated timestamp.
// Both maps hold integer indices into the record slice the store was built
// from, so lookups stay O(1) without aliasing the records themselves.
type Store struct {
	records  []Record
	byID     map[string]int
	byMinute map[int64][]int
}

// NewStore indexes records. Records with a zero timestamp are kept in the
// identifier index but excluded from the time buckets, so candidate search
// treats them as non-matching rather than failing.
func NewStore(records []Record) *Store {
	s := &Store{
		records:  records,
		byID:     make(map[string]int, len(records)),
		byMinute: make(map[int64][]int),
	}
	for i := range records {
		s.byID[records[i].ID] = i
		if records[i].Timestamp.IsZero() {
			continue
		}
		bucket := minuteBucket(records[i].Timestamp)
		s.byMinute[bucket] = append(s.byMinute[bucket], i)
	}
	// Stable in-bucket ordering regardless of input order.
	for _, idxs := range s.byMinute {
		sort.Slice(idxs, func(a, b int) bool {
			ra, rb := &s.records[idxs[a]], &s.records[idxs[b]]
			if !ra.Timestamp.Equal(rb.Timestamp) {
				return ra.Timestamp.Before(rb.Timestamp)
			}
			return ra.ID < rb.ID
		})
	}
	return s
}

// Len returns the number of indexed records.
func (s *Store) Len() int { return len(s.records) }

// Record returns the record at arena index i.
func (s *Store) Record(i int) *Record { return &s.records[i] }

// IndexOf returns the arena index of the record with the given identifier.
func (s *Store) IndexOf(id string) (int, bool) {
	i, ok := s.byID[id]
	return i, ok
}

// ByID returns the record with the given identifier.
func (s *Store) ByID(id string) (*Record, bool) {
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return &s.records[i], true
}

// Preceding returns the arena indices of records whose timestamp lies in
// [t-window, t], in ascending (timestamp, id) order. Only the bounded set
// of minute buckets covering the window is scanned.
func (s *Store) Preceding(t time.Time, window time.Duration) []int {
	if t.IsZero() || window <= 0 {
		return nil
	}
	var out []int
	lo := minuteBucket(t.Add(-window))
	hi := minuteBucket(t)
	earliest := t.Add(-window)
	for b := lo; b <= hi; b++ {
		for _, i := range s.byMinute[b] {
			ts := s.records[i].Timestamp
			if ts.After(t) || ts.Before(earliest) {
				continue
			}
			out = append(out, i)
		}
	}
	return out
}

func minuteBucket(t time.Time) int64 {
	return t.UTC().Truncate(time.Minute).Unix() / 60
}
