package render

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/quiltmark/chatmerge/pipeline"
)

func transcriptFixture() []pipeline.Record {
	day1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)

	reply := pipeline.Record{
		ID:        "DB:a2",
		IsFromMe:  true,
		Timestamp: day1.Add(5 * time.Second),
		ReplyTo:   &pipeline.ReplyLink{TargetID: "DB:a1"},
		Body:      &pipeline.TextBody{Text: "Sounds good"},
	}
	media := pipeline.Record{
		ID:        "DB:a3",
		Timestamp: day1.Add(time.Minute),
		Sender:    "alice",
		Body: &pipeline.MediaBody{
			ID:       "att-1",
			Filename: "photo.jpg",
			Path:     "att/photo.jpg",
			Enrichments: []pipeline.Enrichment{{
				Kind:        pipeline.EnrichmentImage,
				Provider:    "openai",
				Version:     "1.0",
				Description: "A latte on a wooden table",
			}},
		},
	}
	tapback := pipeline.Record{
		ID:        "DB:a4",
		Timestamp: day1.Add(90 * time.Second),
		Sender:    "bob",
		Body:      &pipeline.TapbackBody{TapbackKind: "love", Action: pipeline.TapbackAdded, TargetID: "DB:a3"},
	}

	return []pipeline.Record{
		{ID: "DB:a1", Timestamp: day1, Sender: "alice", Body: &pipeline.TextBody{Text: "Morning! Coffee later?"}},
		reply,
		media,
		tapback,
		{ID: "DB:b1", Timestamp: day2, Body: &pipeline.NotificationBody{}},
	}
}

func TestMarkdown_Golden(t *testing.T) {
	t.Parallel()

	g := goldie.New(t)
	g.Assert(t, "transcript", []byte(Markdown(transcriptFixture())))
}

func TestMarkdown_IsDeterministic(t *testing.T) {
	t.Parallel()

	first := Markdown(transcriptFixture())
	second := Markdown(transcriptFixture())
	require.Equal(t, first, second)
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "transcript.md")
	require.NoError(t, WriteFile(path, transcriptFixture()))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "# Message transcript")
}

func TestOneLine(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a b c", oneLine("a\r\nb\nc"))
	require.Equal(t, "trimmed", oneLine("  trimmed \n"))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "abcde…", truncate("abcdefgh", 5))
}
