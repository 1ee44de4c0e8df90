package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Enricher is the external collaborator that computes enrichments for one
// media record. It may fail per item; the loop records the failure and
// moves on. Implementations may be rate limited or otherwise slow; the
// loop itself is strictly sequential.
type Enricher interface {
	Enrich(ctx context.Context, rec Record) ([]Enrichment, error)
}

// EnrichOptions tunes one enrichment run.
type EnrichOptions struct {
	// CheckpointInterval is the processed-item count between checkpoint
	// writes; DefaultCheckpointInterval when zero.
	CheckpointInterval int

	Logger zerolog.Logger
}

// EnrichOutcome is the complete result of one enrichment run, including
// per-item failures, so a caller can report partial success without
// re-running anything.
type EnrichOutcome struct {
	// Records is the processed batch with enrichments attached.
	Records []Record

	// EnrichedIDs lists every successfully processed identifier,
	// including non-media records, which need no enrichment but must not
	// reappear in the next delta.
	EnrichedIDs []string

	Stats       CheckpointStats
	FailedItems []FailedItem

	// StartIndex is where the loop began: non-zero when a checkpoint was
	// resumed.
	StartIndex int
	Resumed    bool
}

// RunEnrichment drives the enrichment loop over records, one item at a
// time in input order, writing a checkpoint through mgr at the configured
// interval. If mgr holds a checkpoint for this configuration, the loop
// resumes at the item after the checkpointed index and never reprocesses
// earlier items. On context cancellation a final checkpoint is written at
// the item boundary and the context error propagates; on completion the
// checkpoint is cleared.
func RunEnrichment(ctx context.Context, records []Record, enricher Enricher, mgr *CheckpointManager, opts EnrichOptions) (EnrichOutcome, error) {
	interval := opts.CheckpointInterval
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	log := opts.Logger

	cp, err := mgr.Load()
	if err != nil {
		return EnrichOutcome{}, fmt.Errorf("RunEnrichment: %w", err)
	}
	start := ResumeIndex(cp)
	if start > len(records) {
		start = len(records)
	}

	out := EnrichOutcome{
		Records:    records,
		StartIndex: start,
		Resumed:    cp != nil,
		Stats:      CheckpointStats{ByKind: map[string]int{}},
	}
	if cp != nil {
		out.Stats = cp.Stats
		if out.Stats.ByKind == nil {
			out.Stats.ByKind = map[string]int{}
		}
		out.FailedItems = cp.FailedItems
		// Items before the resume point were processed by the interrupted
		// run; mark them enriched here (their computed enrichments live in
		// the previously persisted set and survive via the enrichment
		// merge). Carried failures stay unmarked so the next delta retries
		// them.
		failed := make(map[string]struct{}, len(cp.FailedItems))
		for _, f := range cp.FailedItems {
			failed[f.ID] = struct{}{}
		}
		for i := 0; i < start; i++ {
			if _, ok := failed[records[i].ID]; ok {
				continue
			}
			out.EnrichedIDs = append(out.EnrichedIDs, records[i].ID)
		}
		log.Info().Int("resume_index", start).Str("checkpoint", mgr.Path()).Msg("resuming from checkpoint")
	}

	sinceCheckpoint := 0
	for i := start; i < len(records); i++ {
		if err := ctx.Err(); err != nil {
			if i > start {
				_ = mgr.Write(checkpointAt(i-1, &out))
			}
			return out, err
		}

		rec := &records[i]
		out.Stats.ProcessedCount++
		out.Stats.ByKind[string(rec.Kind())]++

		if media := rec.Media(); media != nil {
			enrichments, err := enricher.Enrich(ctx, *rec)
			if err != nil {
				out.Stats.FailedCount++
				out.FailedItems = append(out.FailedItems, FailedItem{
					Index: i,
					ID:    rec.ID,
					Kind:  string(rec.Kind()),
					Error: err.Error(),
				})
				log.Warn().Str("id", rec.ID).Err(err).Msg("enrichment failed")
			} else {
				media.Enrichments = append(media.Enrichments, enrichments...)
				out.EnrichedIDs = append(out.EnrichedIDs, rec.ID)
			}
		} else {
			out.EnrichedIDs = append(out.EnrichedIDs, rec.ID)
		}

		sinceCheckpoint++
		if sinceCheckpoint >= interval {
			if err := mgr.Write(checkpointAt(i, &out)); err != nil {
				return out, fmt.Errorf("RunEnrichment: %w", err)
			}
			sinceCheckpoint = 0
			log.Debug().Int("last_index", i).Msg("checkpoint written")
		}
	}

	if err := mgr.Clear(); err != nil {
		return out, fmt.Errorf("RunEnrichment: clear checkpoint: %w", err)
	}
	return out, nil
}

func checkpointAt(lastIndex int, out *EnrichOutcome) *Checkpoint {
	return &Checkpoint{
		LastIndex:      lastIndex,
		TotalProcessed: out.Stats.ProcessedCount,
		TotalFailed:    out.Stats.FailedCount,
		Stats:          out.Stats,
		FailedItems:    out.FailedItems,
	}
}
