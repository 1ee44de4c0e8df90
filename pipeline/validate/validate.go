// Package validate checks a canonical record batch against the
// collaborator-facing schema before enrichment runs over it.
package validate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/quiltmark/chatmerge/pipeline"
)

// Issue is one schema violation found in a batch.
type Issue struct {
	RecordID string `json:"record_id"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.RecordID, i.Field, i.Message)
}

// Result reports every issue in a batch; an empty Issues slice means the
// batch passed.
type Result struct {
	Checked int     `json:"checked"`
	Issues  []Issue `json:"issues,omitempty"`
}

// OK reports whether the batch passed validation.
func (r Result) OK() bool { return len(r.Issues) == 0 }

// Batch validates every record and returns the complete issue list rather
// than stopping at the first failure.
func Batch(records []pipeline.Record) Result {
	res := Result{Checked: len(records)}
	seen := make(map[string]struct{}, len(records))

	for i := range records {
		rec := &records[i]
		id := rec.ID
		if id == "" {
			res.Issues = append(res.Issues, Issue{RecordID: fmt.Sprintf("#%d", i), Field: "id", Message: "missing identifier"})
			continue
		}
		if _, dup := seen[id]; dup {
			res.Issues = append(res.Issues, Issue{RecordID: id, Field: "id", Message: "duplicate identifier"})
		}
		seen[id] = struct{}{}

		if rec.Timestamp.IsZero() {
			res.Issues = append(res.Issues, Issue{RecordID: id, Field: "timestamp", Message: "missing timestamp"})
		}
		if !pipeline.KnownRecordKind(rec.Kind()) {
			res.Issues = append(res.Issues, Issue{RecordID: id, Field: "kind", Message: fmt.Sprintf("unknown kind %q", rec.Kind())})
			continue
		}

		if media := rec.Media(); media != nil {
			if media.Filename == "" && media.Path == "" {
				res.Issues = append(res.Issues, Issue{RecordID: id, Field: "media", Message: "media record without content"})
			}
			for _, e := range media.Enrichments {
				if !pipeline.KnownEnrichmentKind(e.Kind) {
					res.Issues = append(res.Issues, Issue{RecordID: id, Field: "media.enrichments", Message: fmt.Sprintf("unknown enrichment kind %q", e.Kind)})
				}
			}
		}

		if tb := rec.Tapback(); tb != nil {
			if tb.Action != pipeline.TapbackAdded && tb.Action != pipeline.TapbackRemoved {
				res.Issues = append(res.Issues, Issue{RecordID: id, Field: "tapback.action", Message: fmt.Sprintf("invalid action %q", tb.Action)})
			}
			if rec.ReplyTo != nil {
				res.Issues = append(res.Issues, Issue{RecordID: id, Field: "reply_to", Message: "tapback record carries a reply link"})
			}
		}
	}
	return res
}

// WireTimestamps checks that every timestamp-bearing field in a serialized
// record batch uses the canonical UTC Z wire format. It operates on the
// raw JSON rather than decoded records, so it catches formats the decoder
// would normalize away.
func WireTimestamps(raw []byte) []Issue {
	var batch []map[string]any
	if err := json.Unmarshal(raw, &batch); err != nil {
		return []Issue{{Field: "batch", Message: fmt.Sprintf("not a record array: %v", err)}}
	}

	var issues []Issue
	for i, obj := range batch {
		id, _ := obj["id"].(string)
		if id == "" {
			id = fmt.Sprintf("#%d", i)
		}
		var perRecord []Issue
		walkTimestamps(obj, "", func(field, value string) {
			if _, err := pipeline.ParseWireTime(value); err != nil {
				perRecord = append(perRecord, Issue{RecordID: id, Field: field, Message: err.Error()})
			}
		})
		// Map iteration order is random; keep reports stable.
		sort.Slice(perRecord, func(a, b int) bool { return perRecord[a].Field < perRecord[b].Field })
		issues = append(issues, perRecord...)
	}
	return issues
}

// timestamp-bearing key names across the record graph.
func isTimestampKey(key string) bool {
	switch key {
	case "timestamp", "target_timestamp", "created_at", "last_run_at", "start_time", "end_time":
		return true
	}
	return false
}

func walkTimestamps(v any, path string, visit func(field, value string)) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if s, ok := child.(string); ok && isTimestampKey(k) {
				visit(childPath, s)
				continue
			}
			walkTimestamps(child, childPath, visit)
		}
	case []any:
		for i, child := range val {
			walkTimestamps(child, fmt.Sprintf("%s[%d]", path, i), visit)
		}
	}
}

// SnakeCaseKeys recursively checks a schema-less JSON value and returns
// the paths of object keys that are not snake_case. Ingestion-adjacent:
// canonical artifacts are snake_case throughout, and a camelCase key in a
// collaborator payload usually means an unconverted upstream field.
func SnakeCaseKeys(v any) []string {
	var bad []string
	walkKeys(v, "", &bad)
	sort.Strings(bad)
	return bad
}

func walkKeys(v any, path string, bad *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if !isSnakeCase(k) {
				*bad = append(*bad, childPath)
			}
			walkKeys(child, childPath, bad)
		}
	case []any:
		for i, child := range val {
			walkKeys(child, fmt.Sprintf("%s[%d]", path, i), bad)
		}
	}
}

func isSnakeCase(key string) bool {
	if key == "" {
		return false
	}
	if strings.ToLower(key) != key {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
