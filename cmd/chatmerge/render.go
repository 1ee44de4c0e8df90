package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/quiltmark/chatmerge/pipeline"
	"github.com/quiltmark/chatmerge/pipeline/fileutils"
	"github.com/quiltmark/chatmerge/pipeline/render"
)

type renderOptions struct {
	InPath  string
	OutPath string
}

func (o renderOptions) validate() error {
	if o.InPath == "" {
		return errors.New("missing --in")
	}
	if o.OutPath == "" {
		return errors.New("missing --out")
	}
	return nil
}

func newRenderCommand(root *rootOptions) *cobra.Command {
	opts := renderOptions{}

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a record set as a markdown transcript",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			log := root.logger()

			var records []pipeline.Record
			if err := fileutils.ReadJSON(opts.InPath, &records); err != nil {
				return err
			}
			if err := render.WriteFile(opts.OutPath, records); err != nil {
				return err
			}
			log.Info().Int("records", len(records)).Str("path", opts.OutPath).Msg("wrote transcript")
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.InPath, "in", "", "record set path (merged or enriched JSON)")
	cmd.Flags().StringVar(&opts.OutPath, "out", "", "markdown output path")

	return cmd
}
