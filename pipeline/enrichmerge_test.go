package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func enrichedMedia(id string, ts time.Time, kinds ...EnrichmentKind) Record {
	rec := mediaRecord(id, "alice", "photo.jpg", ts)
	media := rec.Media()
	for _, k := range kinds {
		media.Enrichments = append(media.Enrichments, Enrichment{
			Kind:      k,
			CreatedAt: NewTimestamp(ts),
			Provider:  "openai",
			Version:   "1.0",
		})
	}
	return rec
}

func TestMergeEnriched_ExistingEnrichmentKindWins(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	old := enrichedMedia("DB:m", ts, EnrichmentImage)
	old.Media().Enrichments[0].Description = "original description"

	fresh := enrichedMedia("DB:m", ts, EnrichmentImage)
	fresh.Media().Enrichments[0].Description = "recomputed description"

	out, stats := MergeEnriched([]Record{old}, []Record{fresh}, false)
	require.Len(t, out, 1)
	require.Equal(t, 1, stats.MergedCount)
	require.Equal(t, 1, stats.PreservedCount)

	got := out[0].Media().Enrichments
	require.Len(t, got, 1)
	require.Equal(t, "original description", got[0].Description)
}

func TestMergeEnriched_NewKindsAreAppended(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	old := enrichedMedia("DB:m", ts, EnrichmentImage)
	fresh := enrichedMedia("DB:m", ts, EnrichmentTranscription)

	out, _ := MergeEnriched([]Record{old}, []Record{fresh}, false)
	got := out[0].Media().Enrichments
	require.Len(t, got, 2)
	require.Equal(t, EnrichmentImage, got[0].Kind)
	require.Equal(t, EnrichmentTranscription, got[1].Kind)
}

func TestMergeEnriched_ForceRefreshReplacesWholesale(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	old := enrichedMedia("DB:m", ts, EnrichmentImage, EnrichmentTranscription)
	fresh := enrichedMedia("DB:m", ts, EnrichmentImage)
	fresh.Media().Enrichments[0].Description = "fresh"

	out, stats := MergeEnriched([]Record{old}, []Record{fresh}, true)
	got := out[0].Media().Enrichments
	require.Len(t, got, 1)
	require.Equal(t, "fresh", got[0].Description)
	require.Equal(t, 0, stats.PreservedCount)
}

func TestMergeEnriched_UnmatchedRecordsPassThrough(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	oldOnly := enrichedMedia("DB:old-only", ts, EnrichmentImage)
	freshOnly := enrichedMedia("DB:fresh-only", ts.Add(time.Second), EnrichmentImage)

	out, stats := MergeEnriched([]Record{oldOnly}, []Record{freshOnly}, false)
	require.Len(t, out, 2)
	require.Equal(t, 0, stats.MergedCount)
	require.Equal(t, 1, stats.AddedCount)
	require.Equal(t, "DB:old-only", out[0].ID)
	require.Equal(t, "DB:fresh-only", out[1].ID)
}

func TestMergeEnriched_FreshHeaderFieldsWin(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	old := enrichedMedia("DB:m", ts, EnrichmentImage)
	old.Sender = "old-sender"

	fresh := enrichedMedia("DB:m", ts)
	fresh.Sender = "fresh-sender"
	fresh.Media().Path = "relocated/photo.jpg"

	out, _ := MergeEnriched([]Record{old}, []Record{fresh}, false)
	require.Equal(t, "fresh-sender", out[0].Sender)
	require.Equal(t, "relocated/photo.jpg", out[0].Media().Path)
	require.Len(t, out[0].Media().Enrichments, 1, "old enrichment still carried")
}

func TestMergeEnriched_NoIDMatchMeansNoMerge(t *testing.T) {
	t.Parallel()

	// Identical content under different identifiers stays distinct; content
	// equivalence belongs to the dedupe pass, not the enrichment merge.
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	out, stats := MergeEnriched(
		[]Record{enrichedMedia("DB:a", ts, EnrichmentImage)},
		[]Record{enrichedMedia("DB:b", ts, EnrichmentImage)},
		false)
	require.Len(t, out, 2)
	require.Equal(t, 0, stats.MergedCount)
}

func TestLoadEnriched_MissingFileYieldsEmptySet(t *testing.T) {
	t.Parallel()

	records, err := LoadEnriched(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSaveEnrichedWithBackup(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "enriched.json")

	first := []Record{enrichedMedia("DB:m", ts, EnrichmentImage)}
	require.NoError(t, SaveEnrichedWithBackup(path, first))
	require.NoFileExists(t, path+".backup", "no prior file, no backup")

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	second := []Record{enrichedMedia("DB:m", ts, EnrichmentImage, EnrichmentTranscription)}
	require.NoError(t, SaveEnrichedWithBackup(path, second))

	backup, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	require.Equal(t, string(before), string(backup), "backup holds the pre-merge set")

	current, err := LoadEnriched(path)
	require.NoError(t, err)
	require.Len(t, current[0].Media().Enrichments, 2)
}
