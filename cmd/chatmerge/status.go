package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quiltmark/chatmerge/pipeline"
	"github.com/quiltmark/chatmerge/pipeline/fileutils"
)

type statusOptions struct {
	StateDir string
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	opts := statusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show incremental state and any pending checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.StateDir == "" {
				return errors.New("missing --state-dir")
			}
			return runStatus(opts)
		},
	}

	cmd.Flags().StringVar(&opts.StateDir, "state-dir", "", "directory holding the state file and checkpoints")

	return cmd
}

func runStatus(opts statusOptions) error {
	statePath := filepath.Join(opts.StateDir, pipeline.StateFileName)

	env, err := loadProviderEnv()
	if err != nil {
		return err
	}
	configHash := env.enrichmentConfig().Hash()

	state, firstRun := pipeline.LoadState(statePath, configHash)
	if firstRun {
		fmt.Println("state: none (next run is a first run)")
	} else {
		fmt.Printf("state: %s\n", statePath)
		fmt.Printf("  last run:    %s\n", pipeline.FormatWireTime(state.LastRunAt.Time))
		fmt.Printf("  total:       %d records\n", state.TotalRecords)
		fmt.Printf("  enriched:    %d identifiers\n", len(state.EnrichedIDs))
		fmt.Printf("  config hash: %s\n", state.PipelineConfig.ConfigHash)
		if stats := state.LastRunStats; stats != nil {
			fmt.Printf("  last stats:  processed=%d failed=%d\n", stats.ProcessedCount, stats.FailedCount)
		}
		if err := state.VerifyConfigHash(configHash); err != nil {
			fmt.Printf("  WARNING: %v\n", err)
		}
	}

	mgr := pipeline.NewCheckpointManager(opts.StateDir, configHash)
	if !fileutils.FileExists(mgr.Path()) {
		fmt.Println("checkpoint: none")
		return nil
	}
	cp, err := mgr.Load()
	if err != nil {
		return err
	}
	if cp == nil {
		fmt.Println("checkpoint: unreadable (will be ignored on resume)")
		return nil
	}
	fmt.Printf("checkpoint: %s\n", mgr.Path())
	fmt.Printf("  resumes at index %d (processed=%d failed=%d)\n",
		pipeline.ResumeIndex(cp), cp.TotalProcessed, cp.TotalFailed)
	return nil
}
