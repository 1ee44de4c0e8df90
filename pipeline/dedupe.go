package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// ErrMergeInvariant marks a dedup/merge run that produced fewer records
// than its larger input. That indicates a logic defect, never valid output,
// so callers must abort rather than persist the result.
var ErrMergeInvariant = errors.New("dedupe merge dropped records")

// MergeOutcome is the result of reconciling two record sets.
type MergeOutcome struct {
	Records []Record `json:"records"`

	LeftCount      int `json:"left_count"`
	RightCount     int `json:"right_count"`
	OutputCount    int `json:"output_count"`
	ExactMatches   int `json:"exact_matches"`
	ContentMatches int `json:"content_matches"`
}

var foldCaser = cases.Fold()

// DedupeMerge reconciles two independently produced record sets into one.
// The right set is authoritative: on a match, its non-null field values win
// and the left set only fills gaps. Matching runs in two passes, exact
// identifier equality then content equivalence, and unmatched records from
// either side pass through unchanged.
//
// Output ordering is (timestamp, identifier), so repeated runs on the same
// two sets are byte-identical regardless of input ordering.
func DedupeMerge(left, right []Record) (MergeOutcome, error) {
	out := MergeOutcome{
		LeftCount:  len(left),
		RightCount: len(right),
	}

	rightByID := make(map[string]int, len(right))
	for i := range right {
		rightByID[right[i].ID] = i
	}

	rightMatched := make([]bool, len(right))
	leftMatched := make([]bool, len(left))
	merged := make([]Record, 0, len(left)+len(right))

	// Pass 1: exact identifier matches.
	for i := range left {
		ri, ok := rightByID[left[i].ID]
		if !ok {
			continue
		}
		merged = append(merged, mergeFields(left[i], right[ri]))
		leftMatched[i] = true
		rightMatched[ri] = true
		out.ExactMatches++
	}

	// Pass 2: content equivalence over the leftovers. Candidates must
	// share the same variant and, when both specify one, the same sender;
	// bodies compare equal after trimming and case folding. No fuzzy
	// matching: near-misses stay distinct.
	rightByContent := make(map[contentKey][]int)
	for i := range right {
		if rightMatched[i] {
			continue
		}
		key, ok := contentKeyFor(&right[i])
		if !ok {
			continue
		}
		rightByContent[key] = append(rightByContent[key], i)
	}
	// Deterministic candidate order within a key.
	for _, idxs := range rightByContent {
		sort.Slice(idxs, func(a, b int) bool {
			ra, rb := &right[idxs[a]], &right[idxs[b]]
			if !ra.Timestamp.Equal(rb.Timestamp) {
				return ra.Timestamp.Before(rb.Timestamp)
			}
			return ra.ID < rb.ID
		})
	}

	for i := range left {
		if leftMatched[i] {
			continue
		}
		key, ok := contentKeyFor(&left[i])
		if !ok {
			continue
		}
		for _, ri := range rightByContent[key] {
			if rightMatched[ri] {
				continue
			}
			if !senderCompatible(left[i].Sender, right[ri].Sender) {
				continue
			}
			// The surviving identifier is the right side's: prefer the
			// direct-extraction identifier over the line/part-numbered one.
			merged = append(merged, mergeFields(left[i], right[ri]))
			leftMatched[i] = true
			rightMatched[ri] = true
			out.ContentMatches++
			break
		}
	}

	for i := range left {
		if !leftMatched[i] {
			merged = append(merged, left[i])
		}
	}
	for i := range right {
		if !rightMatched[i] {
			merged = append(merged, right[i])
		}
	}

	sort.Slice(merged, func(a, b int) bool {
		if !merged[a].Timestamp.Equal(merged[b].Timestamp) {
			return merged[a].Timestamp.Before(merged[b].Timestamp)
		}
		return merged[a].ID < merged[b].ID
	})

	out.Records = merged
	out.OutputCount = len(merged)

	larger := out.LeftCount
	if out.RightCount > larger {
		larger = out.RightCount
	}
	if out.OutputCount < larger {
		return MergeOutcome{}, fmt.Errorf("%w: %d output < %d input", ErrMergeInvariant, out.OutputCount, larger)
	}
	return out, nil
}

type contentKey struct {
	kind RecordKind
	body string
}

// contentKeyFor builds the equivalence key for pass 2. Text records key on
// the normalized body, media records on the case-folded filename. Tapbacks
// and notifications never content-match.
func contentKeyFor(r *Record) (contentKey, bool) {
	switch b := r.Body.(type) {
	case *TextBody:
		norm := NormalizeBody(b.Text)
		if norm == "" {
			return contentKey{}, false
		}
		return contentKey{KindText, norm}, true
	case *MediaBody:
		norm := NormalizeBody(b.Filename)
		if norm == "" {
			return contentKey{}, false
		}
		return contentKey{KindMedia, norm}, true
	}
	return contentKey{}, false
}

// NormalizeBody trims surrounding whitespace and case-folds the body for
// content-equivalence comparison.
func NormalizeBody(s string) string {
	return foldCaser.String(strings.TrimSpace(s))
}

func senderCompatible(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return a == b
}

// mergeFields folds one matched pair into a single record. The
// authoritative side's values win wherever it has a non-null value; fields
// it lacks retain the other side's value. The authoritative identifier
// survives.
func mergeFields(other, authoritative Record) Record {
	out := authoritative

	if out.Timestamp.IsZero() {
		out.Timestamp = other.Timestamp
	}
	if out.Sender == "" {
		out.Sender = other.Sender
	}
	if out.GroupID == "" {
		out.GroupID = other.GroupID
	}
	if out.ReplyTo == nil {
		out.ReplyTo = other.ReplyTo
	}

	switch ab := authoritative.Body.(type) {
	case *TextBody:
		if ob, ok := other.Body.(*TextBody); ok && strings.TrimSpace(ab.Text) == "" {
			out.Body = &TextBody{Text: ob.Text}
		}
	case *MediaBody:
		if ob, ok := other.Body.(*MediaBody); ok {
			m := *ab
			if m.Filename == "" {
				m.Filename = ob.Filename
			}
			if m.Path == "" {
				m.Path = ob.Path
			}
			if m.MimeType == "" {
				m.MimeType = ob.MimeType
			}
			if m.MediaKind == "" {
				m.MediaKind = ob.MediaKind
			}
			out.Body = &m
		}
	case *TapbackBody:
		if ob, ok := other.Body.(*TapbackBody); ok {
			tb := *ab
			if tb.TargetID == "" {
				tb.TargetID = ob.TargetID
			}
			if tb.TargetText == "" {
				tb.TargetText = ob.TargetText
			}
			out.Body = &tb
		}
	}
	return out
}
