package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quiltmark/chatmerge/pipeline"
	"github.com/quiltmark/chatmerge/pipeline/fileutils"
	"github.com/quiltmark/chatmerge/pipeline/ingest"
	"github.com/quiltmark/chatmerge/pipeline/validate"
)

type mergeOptions struct {
	CSVPath      string
	DBPath       string
	OutPath      string
	ResolverPath string
	ReportTies   bool
	Pretty       bool
}

func (o mergeOptions) validate() error {
	if o.CSVPath == "" && o.DBPath == "" {
		return errors.New("need at least one of --csv and --db")
	}
	if o.OutPath == "" {
		return errors.New("missing --out")
	}
	return nil
}

func newMergeCommand(root *rootOptions) *cobra.Command {
	opts := mergeOptions{Pretty: true}

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Reconcile two export sources into one linked canonical record set",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return runMerge(root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.CSVPath, "csv", "", "flat CSV export path")
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "message database export path")
	cmd.Flags().StringVar(&opts.OutPath, "out", "", "output path for the canonical record set (JSON)")
	cmd.Flags().StringVar(&opts.ResolverPath, "resolver-config", "", "optional YAML file overriding resolver tuning constants")
	cmd.Flags().BoolVar(&opts.ReportTies, "report-ties", false, "log ambiguous link resolutions")
	cmd.Flags().BoolVar(&opts.Pretty, "pretty", opts.Pretty, "pretty-print the output JSON")

	return cmd
}

func runMerge(root *rootOptions, opts mergeOptions) error {
	log := root.logger()

	var left, right []pipeline.Record
	var err error
	if opts.CSVPath != "" {
		if left, err = ingest.ReadFlatCSV(opts.CSVPath); err != nil {
			return err
		}
		log.Info().Int("records", len(left)).Str("path", opts.CSVPath).Msg("read flat export")
	}
	if opts.DBPath != "" {
		if right, err = ingest.ReadMessageDB(opts.DBPath); err != nil {
			return err
		}
		log.Info().Int("records", len(right)).Str("path", opts.DBPath).Msg("read database export")
	}

	outcome, err := pipeline.DedupeMerge(left, right)
	if err != nil {
		return err
	}
	log.Info().
		Int("left", outcome.LeftCount).
		Int("right", outcome.RightCount).
		Int("output", outcome.OutputCount).
		Int("exact_matches", outcome.ExactMatches).
		Int("content_matches", outcome.ContentMatches).
		Msg("merged record sets")

	resolverCfg, err := loadResolverConfig(opts.ResolverPath)
	if err != nil {
		return err
	}
	resolver := pipeline.NewResolver(resolverCfg, opts.ReportTies)
	res := resolver.Resolve(outcome.Records)
	log.Info().
		Int("replies_linked", res.RepliesLinked).
		Int("tapbacks_linked", res.TapbacksLinked).
		Int("unresolved", res.Unresolved).
		Msg("resolved links")
	for _, amb := range res.Ambiguous {
		log.Warn().
			Str("record", amb.RecordID).
			Str("chosen", amb.ChosenTarget).
			Int("tie_count", amb.TieCount).
			Int("score", amb.Score).
			Msg("ambiguous link")
	}

	if result := validate.Batch(outcome.Records); !result.OK() {
		for _, issue := range result.Issues {
			log.Error().Str("record", issue.RecordID).Str("field", issue.Field).Msg(issue.Message)
		}
		return fmt.Errorf("validation failed with %d issues", len(result.Issues))
	}

	if err := fileutils.WriteJSONAtomic(opts.OutPath, outcome.Records, opts.Pretty); err != nil {
		return err
	}
	log.Info().Str("path", opts.OutPath).Msg("wrote canonical record set")
	return nil
}
