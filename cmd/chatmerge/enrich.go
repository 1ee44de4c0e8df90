package main

import (
	"context"
	"errors"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quiltmark/chatmerge/pipeline"
	"github.com/quiltmark/chatmerge/pipeline/fileutils"
	"github.com/quiltmark/chatmerge/pipeline/provider"
)

type enrichOptions struct {
	InPath             string
	EnrichedPath       string
	StateDir           string
	CheckpointInterval int
	ForceRefresh       bool
	ForceConfig        bool
}

func (o enrichOptions) validate() error {
	if o.InPath == "" {
		return errors.New("missing --in")
	}
	if o.EnrichedPath == "" {
		return errors.New("missing --enriched")
	}
	if o.StateDir == "" {
		return errors.New("missing --state-dir")
	}
	if o.CheckpointInterval < 0 {
		return errors.New("checkpoint-interval must be >= 0")
	}
	return nil
}

func newEnrichCommand(root *rootOptions) *cobra.Command {
	opts := enrichOptions{}

	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Run the resumable enrichment pass over new records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEnrich(ctx, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.InPath, "in", "", "canonical record set (output of merge)")
	cmd.Flags().StringVar(&opts.EnrichedPath, "enriched", "", "persisted enriched record set path")
	cmd.Flags().StringVar(&opts.StateDir, "state-dir", "", "directory for the state file and checkpoints")
	cmd.Flags().IntVar(&opts.CheckpointInterval, "checkpoint-interval", 0, "processed items between checkpoint writes (0 = default)")
	cmd.Flags().BoolVar(&opts.ForceRefresh, "force-refresh", false, "replace prior enrichments instead of preserving them")
	cmd.Flags().BoolVar(&opts.ForceConfig, "force-config", false, "proceed despite a configuration-hash mismatch")

	return cmd
}

func runEnrich(ctx context.Context, root *rootOptions, opts enrichOptions) error {
	log := root.logger()
	started := time.Now()

	env, err := loadProviderEnv()
	if err != nil {
		return err
	}
	cfg := env.enrichmentConfig()
	configHash := cfg.Hash()

	var records []pipeline.Record
	if err := fileutils.ReadJSON(opts.InPath, &records); err != nil {
		return err
	}

	statePath := filepath.Join(opts.StateDir, pipeline.StateFileName)
	delta := pipeline.DetectDelta(records, statePath, configHash)
	log.Info().
		Int("total", delta.Total).
		Int("new", len(delta.NewIDs)).
		Int("previously_enriched", delta.PreviouslyEnriched).
		Bool("first_run", delta.IsFirstRun).
		Msg("computed delta")

	if err := delta.State.VerifyConfigHash(configHash); err != nil {
		if !opts.ForceConfig {
			return err
		}
		log.Warn().Err(err).Msg("configuration mismatch overridden by --force-config")
		delta.State.PipelineConfig.ConfigHash = configHash
	}

	if len(delta.NewIDs) == 0 {
		log.Info().Msg("nothing to enrich")
		return nil
	}

	enricher, err := provider.New(env.OpenAIAPIKey, env.Model, cfg)
	if err != nil {
		return err
	}

	// The delta records keep validated-input order so checkpoint indices
	// are well defined.
	newSet := make(map[string]struct{}, len(delta.NewIDs))
	for _, id := range delta.NewIDs {
		newSet[id] = struct{}{}
	}
	var batch []pipeline.Record
	for i := range records {
		if _, ok := newSet[records[i].ID]; ok {
			batch = append(batch, records[i])
		}
	}

	mgr := pipeline.NewCheckpointManager(opts.StateDir, configHash)
	outcome, runErr := pipeline.RunEnrichment(ctx, batch, enricher, mgr, pipeline.EnrichOptions{
		CheckpointInterval: opts.CheckpointInterval,
		Logger:             log,
	})
	if runErr != nil && len(outcome.Records) == 0 {
		return runErr
	}

	// Persist the merged results even when the run was interrupted: the
	// checkpoint only records how far the loop got, so enrichments computed
	// before the interruption exist nowhere else. The resumed run skips
	// those items and finds their results in this file. Force refresh only
	// applies to a completed run; a partial pass must not clobber prior
	// enrichments of items it never reached.
	stats, err := persistEnriched(opts.EnrichedPath, outcome.Records, opts.ForceRefresh && runErr == nil)
	if err != nil {
		return err
	}
	log.Info().
		Int("merged", stats.MergedCount).
		Int("added", stats.AddedCount).
		Int("preserved", stats.PreservedCount).
		Str("path", opts.EnrichedPath).
		Msg("merged enrichment results")

	if runErr != nil {
		// State stays untouched: the checkpoint drives the resume, and only
		// a completed run marks identifiers enriched.
		log.Warn().Err(runErr).Int("processed", outcome.Stats.ProcessedCount).
			Msg("run interrupted; partial results persisted")
		return runErr
	}

	delta.State.MarkEnriched(outcome.EnrichedIDs)
	delta.State.CompleteRun(len(records), pipeline.RunStats{
		ProcessedCount: outcome.Stats.ProcessedCount,
		FailedCount:    outcome.Stats.FailedCount,
		StartTime:      pipeline.NewTimestamp(started),
		EndTime:        pipeline.NewTimestamp(time.Now()),
	}, configHash)
	if err := pipeline.SaveState(statePath, delta.State); err != nil {
		return err
	}

	log.Info().
		Int("processed", outcome.Stats.ProcessedCount).
		Int("failed", outcome.Stats.FailedCount).
		Dur("elapsed", time.Since(started)).
		Msg("enrichment run complete")
	for _, item := range outcome.FailedItems {
		log.Warn().Str("id", item.ID).Str("kind", item.Kind).Msg(item.Error)
	}
	return nil
}

// persistEnriched folds a fresh enrichment pass into the persisted enriched
// set and writes it back with a backup of the prior file.
func persistEnriched(path string, fresh []pipeline.Record, forceRefresh bool) (pipeline.EnrichMergeStats, error) {
	existing, err := pipeline.LoadEnriched(path)
	if err != nil {
		return pipeline.EnrichMergeStats{}, err
	}
	merged, stats := pipeline.MergeEnriched(existing, fresh, forceRefresh)
	if err := pipeline.SaveEnrichedWithBackup(path, merged); err != nil {
		return pipeline.EnrichMergeStats{}, err
	}
	return stats, nil
}
