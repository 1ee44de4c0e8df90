package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/quiltmark/chatmerge/pipeline/fileutils"
)

// ErrConfigMismatch marks a resume attempt whose enrichment configuration
// differs from the one that produced the persisted state or checkpoint.
// It is surfaced explicitly and requires the caller to force past it.
var ErrConfigMismatch = errors.New("enrichment configuration changed since last run")

// StateFileName is the incremental-state file name, created inside the
// state directory.
const StateFileName = ".chatmerge-state.json"

// RunStats summarizes one completed enrichment run.
type RunStats struct {
	ProcessedCount int       `json:"processed_count"`
	FailedCount    int       `json:"failed_count"`
	StartTime      Timestamp `json:"start_time"`
	EndTime        Timestamp `json:"end_time"`
}

// StateConfig is the configuration fingerprint stored with the state.
type StateConfig struct {
	ConfigHash string `json:"config_hash"`
}

// IncrementalState is the long-lived record of which identifiers have
// completed enrichment. It only ever grows: identifiers that disappear
// from the input set are tolerated, not purged.
type IncrementalState struct {
	Version        string      `json:"version"`
	LastRunAt      Timestamp   `json:"last_run_at"`
	TotalRecords   int         `json:"total_records"`
	EnrichedIDs    []string    `json:"enriched_ids"`
	PipelineConfig StateConfig `json:"pipeline_config"`
	LastRunStats   *RunStats   `json:"last_run_stats"`
}

// NewState returns an empty first-run state for the given config hash.
func NewState(configHash string) *IncrementalState {
	return &IncrementalState{
		Version:        SchemaVersion,
		EnrichedIDs:    []string{},
		PipelineConfig: StateConfig{ConfigHash: configHash},
	}
}

// LoadState reads the persisted state at path. A missing file, an
// unreadable or corrupted file, and an unknown schema version are all
// treated identically as "no prior state": progress is never blocked on
// unreadable state. firstRun reports which way it went.
func LoadState(path, configHash string) (state *IncrementalState, firstRun bool) {
	var s IncrementalState
	if err := fileutils.ReadJSON(path, &s); err != nil {
		return NewState(configHash), true
	}
	if s.Version != SchemaVersion {
		return NewState(configHash), true
	}
	if s.EnrichedIDs == nil {
		s.EnrichedIDs = []string{}
	}
	return &s, false
}

// SaveState persists the state atomically.
func SaveState(path string, s *IncrementalState) error {
	if err := fileutils.WriteJSONAtomic(path, s, true); err != nil {
		return fmt.Errorf("SaveState: %w", err)
	}
	return nil
}

// EnrichedSet returns the enriched identifiers as a lookup set.
func (s *IncrementalState) EnrichedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.EnrichedIDs))
	for _, id := range s.EnrichedIDs {
		set[id] = struct{}{}
	}
	return set
}

// VerifyConfigHash checks the current run's config hash against the stored
// one. A mismatch is an explicit refusal, never silently resolved.
func (s *IncrementalState) VerifyConfigHash(hash string) error {
	if s.PipelineConfig.ConfigHash == "" || s.PipelineConfig.ConfigHash == hash {
		return nil
	}
	return fmt.Errorf("%w: state has %s, current run has %s",
		ErrConfigMismatch, s.PipelineConfig.ConfigHash, hash)
}

// MarkEnriched appends newly enriched identifiers, deduplicated against
// the existing set, and keeps the persisted list sorted.
func (s *IncrementalState) MarkEnriched(ids []string) {
	set := s.EnrichedSet()
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		s.EnrichedIDs = append(s.EnrichedIDs, id)
	}
	sort.Strings(s.EnrichedIDs)
}

// CompleteRun records the outcome of a finished enrichment run.
func (s *IncrementalState) CompleteRun(totalRecords int, stats RunStats, configHash string) {
	s.Version = SchemaVersion
	s.LastRunAt = NewTimestamp(time.Now())
	s.TotalRecords = totalRecords
	s.LastRunStats = &stats
	s.PipelineConfig.ConfigHash = configHash
}

// DeltaResult reports which identifiers still need enrichment.
type DeltaResult struct {
	// NewIDs lists unenriched identifiers in input order, so the
	// enrichment loop's checkpoint indices are well defined.
	NewIDs []string

	Total              int
	PreviouslyEnriched int
	IsFirstRun         bool
	State              *IncrementalState
}

// DetectDelta loads the persisted state at statePath and computes which of
// the given records have not yet been enriched. Unreadable state follows
// the fail-open policy of LoadState.
func DetectDelta(records []Record, statePath, configHash string) DeltaResult {
	state, firstRun := LoadState(statePath, configHash)
	enriched := state.EnrichedSet()

	res := DeltaResult{
		Total:      len(records),
		IsFirstRun: firstRun,
		State:      state,
	}
	for i := range records {
		if _, ok := enriched[records[i].ID]; ok {
			res.PreviouslyEnriched++
			continue
		}
		res.NewIDs = append(res.NewIDs, records[i].ID)
	}
	return res
}
