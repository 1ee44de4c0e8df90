package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func wireTS(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := ParseWireTime(s)
	require.NoError(t, err)
	return ts
}

func TestRecord_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	records := []Record{
		{
			ID:        "DB:guid-1",
			IsFromMe:  true,
			Timestamp: wireTS(t, "2024-03-01T10:00:00.000Z"),
			Sender:    "me",
			ReplyTo:   &ReplyLink{TargetID: "DB:guid-0", SnippetText: "hello"},
			Body:      &TextBody{Text: "reply text"},
		},
		{
			ID:        "p:1/DB:guid-2",
			Timestamp: wireTS(t, "2024-03-01T10:00:01.000Z"),
			Sender:    "alice",
			GroupID:   "guid-2",
			Body:      &MediaBody{ID: "att-1", Filename: "photo.jpg", Path: "att/photo.jpg", MediaKind: "image"},
		},
		{
			ID:        "DB:guid-3",
			Timestamp: wireTS(t, "2024-03-01T10:00:02.000Z"),
			Sender:    "bob",
			Body:      &TapbackBody{TapbackKind: "love", Action: TapbackAdded, TargetID: "DB:guid-2"},
		},
		{
			ID:        "csv:42:0",
			Timestamp: wireTS(t, "2024-03-01T10:00:03.000Z"),
			Body:      &NotificationBody{},
		},
	}

	b, err := json.Marshal(records)
	require.NoError(t, err)

	var back []Record
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, records, back)
}

func TestRecord_UnmarshalRejectsMalformedVariants(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing id":             `{"is_from_me":false,"timestamp":"2024-03-01T10:00:00.000Z","kind":"text","text":"hi"}`,
		"media without payload":  `{"id":"a","is_from_me":false,"timestamp":"2024-03-01T10:00:00.000Z","kind":"media"}`,
		"tapback without body":   `{"id":"b","is_from_me":false,"timestamp":"2024-03-01T10:00:00.000Z","kind":"tapback"}`,
		"unknown kind":           `{"id":"c","is_from_me":false,"timestamp":"2024-03-01T10:00:00.000Z","kind":"sticker"}`,
		"text with media":        `{"id":"d","is_from_me":false,"timestamp":"2024-03-01T10:00:00.000Z","kind":"text","text":"x","media":{"id":"m","filename":"f","path":"p"}}`,
		"offset timestamp":       `{"id":"e","is_from_me":false,"timestamp":"2024-03-01T10:00:00.000+01:00","kind":"text","text":"x"}`,
		"notification with text": `{"id":"f","is_from_me":false,"timestamp":"2024-03-01T10:00:00.000Z","kind":"notification","text":"x"}`,
	}
	for name, raw := range cases {
		var r Record
		require.Error(t, json.Unmarshal([]byte(raw), &r), name)
	}
}

func TestRecord_MarshalEmitsFlatWireShape(t *testing.T) {
	t.Parallel()

	r := Record{
		ID:        "DB:guid-9",
		Timestamp: wireTS(t, "2024-03-01T10:00:00.500Z"),
		Sender:    "alice",
		Body:      &TextBody{Text: "hi"},
	}
	b, err := json.Marshal(r)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, "text", m["kind"])
	require.Equal(t, "2024-03-01T10:00:00.500Z", m["timestamp"])
	require.Equal(t, "hi", m["text"])
	require.NotContains(t, m, "media")
	require.NotContains(t, m, "tapback")
}

func TestParseIdentifier(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id   string
		want IdentifierInfo
	}{
		{"csv:17:2", IdentifierInfo{Raw: "csv:17:2", Part: 2, Flat: true}},
		{"DB:ABCD-EF", IdentifierInfo{Raw: "DB:ABCD-EF"}},
		{"p:1/DB:ABCD-EF", IdentifierInfo{Raw: "p:1/DB:ABCD-EF", Part: 1, GroupID: "DB:ABCD-EF"}},
		{"p:x/DB:ABCD", IdentifierInfo{Raw: "p:x/DB:ABCD"}},
		{"opaque", IdentifierInfo{Raw: "opaque"}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ParseIdentifier(tc.id), tc.id)
	}
}

func TestEffectiveGroupID(t *testing.T) {
	t.Parallel()

	explicit := Record{ID: "p:0/DB:g1", GroupID: "override"}
	require.Equal(t, "override", explicit.EffectiveGroupID())

	derived := Record{ID: "p:0/DB:g1"}
	require.Equal(t, "DB:g1", derived.EffectiveGroupID())

	none := Record{ID: "DB:g1"}
	require.Equal(t, "", none.EffectiveGroupID())
}

func TestKnownEnrichmentKind(t *testing.T) {
	t.Parallel()

	for _, k := range []EnrichmentKind{EnrichmentImage, EnrichmentTranscription, EnrichmentLinkContext, EnrichmentPDFSummary} {
		require.True(t, KnownEnrichmentKind(k))
	}
	require.False(t, KnownEnrichmentKind("sentiment"))
}
