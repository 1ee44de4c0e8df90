package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mediaRecord(id, sender, filename string, ts time.Time) Record {
	return Record{
		ID:        id,
		Sender:    sender,
		Timestamp: ts,
		Body:      &MediaBody{ID: "att-" + filename, Filename: filename, Path: "att/" + filename, MediaKind: "image"},
	}
}

func tapbackRecord(id, sender string, ts time.Time) Record {
	return Record{
		ID:        id,
		Sender:    sender,
		Timestamp: ts,
		Body:      &TapbackBody{TapbackKind: "love", Action: TapbackAdded},
	}
}

func newTestResolver(t *testing.T, trackAmbiguous bool) *Resolver {
	t.Helper()
	return NewResolver(DefaultResolverConfig(), trackAmbiguous)
}

func TestResolve_QuotedReplyMatchesPrecedingText(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:parent", "alice", "Hello World", base),
		textRecord("DB:decoy", "alice", "something else", base.Add(2*time.Second)),
		textRecord("DB:reply", "bob", "➜ Replying to: \"Hello World\"\nYes!", base.Add(10*time.Second)),
	}

	res := newTestResolver(t, false).Resolve(records)

	require.Equal(t, 1, res.RepliesLinked)
	require.Equal(t, 0, res.Unresolved)
	require.NotNil(t, records[2].ReplyTo)
	require.Equal(t, "DB:parent", records[2].ReplyTo.TargetID)
	require.Equal(t, "Hello World", records[2].ReplyTo.SnippetText)
	require.Equal(t, "alice", records[2].ReplyTo.Sender)
}

func TestResolve_CurlyQuoteMarkerRecognized(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:parent", "alice", "Lunch tomorrow?", base),
		textRecord("DB:reply", "bob", "➜ Replying to: “Lunch tomorrow?”\nSure", base.Add(5*time.Second)),
	}

	res := newTestResolver(t, false).Resolve(records)
	require.Equal(t, 1, res.RepliesLinked)
	require.Equal(t, "DB:parent", records[1].ReplyTo.TargetID)
}

func TestResolve_ExplicitTargetNeverOverwritten(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:near", "alice", "Hello", base.Add(9*time.Second)),
		textRecord("DB:reply", "bob", "➜ Replying to: \"Hello\"\nhi", base.Add(10*time.Second)),
	}
	records[1].ReplyTo = &ReplyLink{TargetID: "DB:ingested"}

	res := newTestResolver(t, false).Resolve(records)
	require.Equal(t, 0, res.RepliesLinked)
	require.Equal(t, "DB:ingested", records[1].ReplyTo.TargetID)
}

func TestResolve_IngestedReplyLinkWithoutTargetGetsResolved(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:parent", "alice", "see you at 8", base),
		textRecord("DB:reply", "bob", "ok!", base.Add(4*time.Second)),
	}
	records[1].ReplyTo = &ReplyLink{SnippetText: "see you at 8"}

	res := newTestResolver(t, false).Resolve(records)
	require.Equal(t, 1, res.RepliesLinked)
	require.Equal(t, "DB:parent", records[1].ReplyTo.TargetID)
}

func TestResolve_NoCandidateInWindowStaysUnresolved(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:old", "alice", "Hello World", base.Add(-10*time.Minute)),
		textRecord("DB:reply", "bob", "➜ Replying to: \"Hello World\"\nlate", base),
	}

	res := newTestResolver(t, false).Resolve(records)
	require.Equal(t, 0, res.RepliesLinked)
	require.Equal(t, 1, res.Unresolved)
	require.Nil(t, records[1].ReplyTo)
}

func TestResolve_DistantSnippetMatchBeatsNearbyNoise(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:parent", "alice", "Hello World", base),
		textRecord("DB:noise", "bob", "unrelated chatter", base.Add(3*time.Minute)),
		textRecord("DB:reply", "carol", "➜ Replying to: \"Hello World\"\nstill matches", base.Add(4*time.Minute)),
	}

	res := newTestResolver(t, false).Resolve(records)
	require.Equal(t, 1, res.RepliesLinked)
	require.Equal(t, "DB:parent", records[2].ReplyTo.TargetID)
}

func TestResolve_TapbackPrefersMediaOverText(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:text", "alice", "look at this", base),
		mediaRecord("DB:media", "alice", "photo.jpg", base.Add(15*time.Second)),
		tapbackRecord("DB:tap", "bob", base.Add(20*time.Second)),
	}

	res := newTestResolver(t, false).Resolve(records)
	require.Equal(t, 1, res.TapbacksLinked)

	tb := records[2].Tapback()
	require.Equal(t, "DB:media", tb.TargetID)
	require.True(t, tb.TargetIsMedia)
}

func TestResolve_TapbackDistancePenaltyDisqualifiesFarText(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:far-text", "alice", "hi", base),
		tapbackRecord("DB:tap", "bob", base.Add(60*time.Second)),
	}

	res := newTestResolver(t, false).Resolve(records)
	require.Equal(t, 0, res.TapbacksLinked)
	require.Equal(t, 1, res.Unresolved)
	require.Empty(t, records[1].Tapback().TargetID)
}

func TestResolve_TapbackWithExplicitTargetSkipped(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:text", "alice", "hi", base),
		tapbackRecord("DB:tap", "bob", base.Add(2*time.Second)),
	}
	records[1].Tapback().TargetID = "DB:ingested"

	res := newTestResolver(t, false).Resolve(records)
	require.Equal(t, 0, res.TapbacksLinked)
	require.Equal(t, "DB:ingested", records[1].Tapback().TargetID)
}

func TestResolve_TieBreakIsDeterministicAndReported(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	build := func() []Record {
		return []Record{
			textRecord("DB:bbb", "alice", "Hello World", base),
			textRecord("DB:aaa", "alice", "Hello World", base),
			textRecord("DB:reply", "bob", "➜ Replying to: \"Hello World\"\nwhich?", base.Add(5*time.Second)),
		}
	}

	first := build()
	res := newTestResolver(t, true).Resolve(first)

	require.Equal(t, 1, res.RepliesLinked)
	require.Equal(t, "DB:aaa", first[2].ReplyTo.TargetID, "equal score and timestamp breaks on id")
	require.Len(t, res.Ambiguous, 1)
	require.Equal(t, "DB:reply", res.Ambiguous[0].RecordID)
	require.Equal(t, 2, res.Ambiguous[0].TieCount)
	require.ElementsMatch(t, []string{"DB:aaa", "DB:bbb"}, res.Ambiguous[0].TiedCandidates)

	second := build()
	newTestResolver(t, true).Resolve(second)
	require.Equal(t, first, second, "repeat runs assign identical links")
}

func TestResolve_TieBreakPrefersNearestPreceding(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:earlier", "alice", "Hello World", base),
		textRecord("DB:nearer", "alice", "Hello World", base.Add(5*time.Second)),
		textRecord("DB:reply", "bob", "➜ Replying to: \"Hello World\"\n?", base.Add(10*time.Second)),
	}

	newTestResolver(t, false).Resolve(records)
	require.Equal(t, "DB:nearer", records[2].ReplyTo.TargetID)
}

func TestResolve_ZeroTimestampRecordsAreSkipped(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:undated", "alice", "Hello World", time.Time{}),
		textRecord("DB:reply", "bob", "➜ Replying to: \"Hello World\"\n?", base),
		tapbackRecord("DB:undated-tap", "carol", time.Time{}),
	}

	res := newTestResolver(t, false).Resolve(records)
	require.Equal(t, 0, res.RepliesLinked)
	require.Equal(t, 2, res.Unresolved)
	require.Nil(t, records[1].ReplyTo)
}

func TestResolve_YAMLOverridesChangeBehavior(t *testing.T) {
	t.Parallel()

	cfg := DefaultResolverConfig()
	cfg.SearchWindowSeconds = 30

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		textRecord("DB:parent", "alice", "Hello World", base),
		textRecord("DB:reply", "bob", "➜ Replying to: \"Hello World\"\n?", base.Add(60*time.Second)),
	}

	res := NewResolver(cfg, false).Resolve(records)
	require.Equal(t, 1, res.Unresolved, "narrowed window excludes the parent")
}
