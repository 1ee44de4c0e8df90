// Package render writes a canonical record batch as a markdown transcript.
// Mechanical and write-only; it never mutates records.
package render

import (
	"fmt"
	"strings"

	"github.com/quiltmark/chatmerge/pipeline"
	"github.com/quiltmark/chatmerge/pipeline/fileutils"
)

// Markdown renders records (assumed already sorted by timestamp) as one
// transcript with day headings, reply and tapback annotations, and
// enrichment summaries.
func Markdown(records []pipeline.Record) string {
	var b strings.Builder
	b.WriteString("# Message transcript\n")

	store := pipeline.NewStore(records)
	currentDay := ""
	for i := range records {
		rec := &records[i]
		day := rec.Timestamp.UTC().Format("2006-01-02")
		if day != currentDay {
			currentDay = day
			fmt.Fprintf(&b, "\n## %s\n\n", day)
		}
		renderRecord(&b, store, rec)
	}
	return b.String()
}

// WriteFile renders records and writes the transcript atomically.
func WriteFile(path string, records []pipeline.Record) error {
	if err := fileutils.WriteFileAtomic(path, []byte(Markdown(records)), 0o644); err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	return nil
}

func renderRecord(b *strings.Builder, store *pipeline.Store, rec *pipeline.Record) {
	ts := rec.Timestamp.UTC().Format("15:04:05")
	who := rec.Sender
	if rec.IsFromMe {
		who = "me"
	}
	if who == "" {
		who = "unknown"
	}

	switch body := rec.Body.(type) {
	case *pipeline.TextBody:
		fmt.Fprintf(b, "- **%s** %s: %s\n", ts, who, oneLine(body.Text))
		if rec.ReplyTo != nil && rec.ReplyTo.TargetID != "" {
			fmt.Fprintf(b, "  - in reply to %s\n", describeTarget(store, rec.ReplyTo.TargetID))
		}
	case *pipeline.MediaBody:
		name := body.Filename
		if name == "" {
			name = body.Path
		}
		fmt.Fprintf(b, "- **%s** %s: [%s]\n", ts, who, name)
		for _, e := range body.Enrichments {
			fmt.Fprintf(b, "  - %s: %s\n", e.Kind, oneLine(enrichmentSummary(e)))
		}
	case *pipeline.TapbackBody:
		verb := body.TapbackKind
		if body.Action == pipeline.TapbackRemoved {
			verb = "removed " + verb
		}
		target := "an earlier message"
		if body.TargetID != "" {
			target = describeTarget(store, body.TargetID)
		}
		fmt.Fprintf(b, "- **%s** %s reacted (%s) to %s\n", ts, who, verb, target)
	case *pipeline.NotificationBody:
		fmt.Fprintf(b, "- **%s** _(system notification)_\n", ts)
	}
}

func describeTarget(store *pipeline.Store, id string) string {
	target, ok := store.ByID(id)
	if !ok {
		return id
	}
	switch body := target.Body.(type) {
	case *pipeline.TextBody:
		return fmt.Sprintf("%q", truncate(oneLine(body.Text), 60))
	case *pipeline.MediaBody:
		return "[" + body.Filename + "]"
	}
	return id
}

func enrichmentSummary(e pipeline.Enrichment) string {
	switch e.Kind {
	case pipeline.EnrichmentImage:
		return e.Description
	case pipeline.EnrichmentTranscription:
		return e.Transcript
	case pipeline.EnrichmentLinkContext:
		if e.Title != "" {
			return e.Title + " (" + e.URL + ")"
		}
		return e.URL
	case pipeline.EnrichmentPDFSummary:
		return e.Summary
	}
	return string(e.Kind)
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
