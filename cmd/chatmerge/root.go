package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags shared by all subcommands.
type rootOptions struct {
	Verbose bool
}

// logger returns the application logger, leveled by the verbose flag.
func (o *rootOptions) logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if o.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Str("service", "chatmerge").
		Timestamp().
		Logger()
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chatmerge",
		Short:         "Merge, link, and enrich personal message exports",
		Long:          "chatmerge reconciles two message-export sources into one canonical record set, resolves reply/reaction links, and drives a resumable enrichment pass over the result.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newMergeCommand(opts))
	cmd.AddCommand(newEnrichCommand(opts))
	cmd.AddCommand(newRenderCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))

	return cmd
}
