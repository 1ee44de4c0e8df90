package pipeline

import (
	"fmt"
	"sort"

	"github.com/quiltmark/chatmerge/pipeline/fileutils"
)

// EnrichMergeStats reports what an enrichment merge did. PreservedCount
// counts merged records that kept at least one pre-existing enrichment.
type EnrichMergeStats struct {
	MergedCount    int `json:"merged_count"`
	AddedCount     int `json:"added_count"`
	PreservedCount int `json:"preserved_count"`
}

// MergeEnriched folds a fresh enrichment pass into a previously persisted
// enriched set. Records match by exact identifier only; no content
// equivalence applies here.
//
// Default policy: for each enrichment kind already on the existing record,
// the existing enrichment wins; only kinds the existing record lacks are
// appended from the fresh pass. Re-running one provider therefore never
// clobbers another provider's prior work, nor its own. With forceRefresh
// the fresh pass's enrichment list replaces the existing one wholesale.
//
// Identifiers only in the fresh set are appended; identifiers only in the
// existing set pass through unchanged. Non-media records carry no
// enrichment and merge trivially.
func MergeEnriched(existing, fresh []Record, forceRefresh bool) ([]Record, EnrichMergeStats) {
	var stats EnrichMergeStats

	freshByID := make(map[string]int, len(fresh))
	for i := range fresh {
		freshByID[fresh[i].ID] = i
	}

	out := make([]Record, 0, len(existing)+len(fresh))
	matched := make(map[string]struct{}, len(existing))

	for i := range existing {
		fi, ok := freshByID[existing[i].ID]
		if !ok {
			out = append(out, existing[i])
			continue
		}
		matched[existing[i].ID] = struct{}{}
		merged, preserved := mergeEnrichments(existing[i], fresh[fi], forceRefresh)
		out = append(out, merged)
		stats.MergedCount++
		if preserved {
			stats.PreservedCount++
		}
	}

	for i := range fresh {
		if _, ok := matched[fresh[i].ID]; ok {
			continue
		}
		out = append(out, fresh[i])
		stats.AddedCount++
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].Timestamp.Equal(out[b].Timestamp) {
			return out[a].Timestamp.Before(out[b].Timestamp)
		}
		return out[a].ID < out[b].ID
	})
	return out, stats
}

// mergeEnrichments combines one matched pair. The fresh record's
// non-enrichment fields win (it came out of the newest pipeline run); the
// enrichment list follows the merge policy.
func mergeEnrichments(old, fresh Record, forceRefresh bool) (Record, bool) {
	oldMedia := old.Media()
	freshMedia := fresh.Media()
	if oldMedia == nil || freshMedia == nil {
		return fresh, false
	}
	if forceRefresh {
		return fresh, false
	}

	have := make(map[EnrichmentKind]struct{}, len(oldMedia.Enrichments))
	merged := append([]Enrichment(nil), oldMedia.Enrichments...)
	for _, e := range oldMedia.Enrichments {
		have[e.Kind] = struct{}{}
	}
	for _, e := range freshMedia.Enrichments {
		if _, ok := have[e.Kind]; ok {
			continue
		}
		have[e.Kind] = struct{}{}
		merged = append(merged, e)
	}

	combined := *freshMedia
	combined.Enrichments = merged
	fresh.Body = &combined
	return fresh, len(oldMedia.Enrichments) > 0
}

// LoadEnriched reads a persisted enriched record set. A missing file
// yields an empty set.
func LoadEnriched(path string) ([]Record, error) {
	if !fileutils.FileExists(path) {
		return nil, nil
	}
	var records []Record
	if err := fileutils.ReadJSON(path, &records); err != nil {
		return nil, fmt.Errorf("LoadEnriched: %w", err)
	}
	return records, nil
}

// SaveEnrichedWithBackup persists records to path, first copying any prior
// file to a .backup sibling so the pre-merge set survives a bad merge.
func SaveEnrichedWithBackup(path string, records []Record) error {
	if _, err := fileutils.BackupCopy(path, path+".backup"); err != nil {
		return fmt.Errorf("SaveEnrichedWithBackup: %w", err)
	}
	if err := fileutils.WriteJSONAtomic(path, records, true); err != nil {
		return fmt.Errorf("SaveEnrichedWithBackup: %w", err)
	}
	return nil
}
