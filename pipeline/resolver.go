package pipeline

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// ResolverConfig holds the tuning constants for heuristic link resolution.
// The default values were calibrated against one export tool's output;
// they are policy, not invariants, and may be overridden per run.
type ResolverConfig struct {
	// SearchWindowSeconds bounds how far before a reply/tapback a parent
	// candidate may lie.
	SearchWindowSeconds int `yaml:"search_window_seconds"`

	// CloseProximitySeconds is the delta under which the proximity bonus
	// applies and the distance penalty does not.
	CloseProximitySeconds int `yaml:"close_proximity_seconds"`

	ProximityBonus       int `yaml:"proximity_bonus"`
	SnippetPrefixBonus   int `yaml:"snippet_prefix_bonus"`
	SnippetContainsBonus int `yaml:"snippet_contains_bonus"`
	MediaBonus           int `yaml:"media_bonus"`
	TextTapbackBonus     int `yaml:"text_tapback_bonus"`
	SameSenderBonus      int `yaml:"same_sender_bonus"`
	SameGroupBonus       int `yaml:"same_group_bonus"`

	// MediaPartBase yields a small bonus of MediaPartBase - partIndex for
	// media candidates, favoring the earliest split sibling.
	MediaPartBase int `yaml:"media_part_base"`

	// ContentPenaltyDivisor divides the delta-seconds distance penalty
	// applied when content evidence exists beyond close proximity.
	ContentPenaltyDivisor int `yaml:"content_penalty_divisor"`

	// ReplyMarker is the literal prefix a reply body uses to quote its
	// parent.
	ReplyMarker string `yaml:"reply_marker"`
}

// DefaultResolverConfig returns the calibrated defaults.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		SearchWindowSeconds:   300,
		CloseProximitySeconds: 30,
		ProximityBonus:        20,
		SnippetPrefixBonus:    100,
		SnippetContainsBonus:  50,
		MediaBonus:            80,
		TextTapbackBonus:      20,
		SameSenderBonus:       15,
		SameGroupBonus:        10,
		MediaPartBase:         10,
		ContentPenaltyDivisor: 100,
		ReplyMarker:           "➜ Replying to:",
	}
}

// AmbiguousLink records a resolution where more than one candidate shared
// the top score. The tie-break winner is still assigned; this exists for
// reporting only.
type AmbiguousLink struct {
	RecordID       string   `json:"record_id"`
	ChosenTarget   string   `json:"chosen_target"`
	TiedCandidates []string `json:"tied_candidates"`
	TieCount       int      `json:"tie_count"`
	Score          int      `json:"score"`
}

// ResolveResult reports what a resolver pass did. It is complete even when
// some records stayed unresolved; absence of a link is a valid terminal
// state, not an error.
type ResolveResult struct {
	RepliesLinked  int             `json:"replies_linked"`
	TapbacksLinked int             `json:"tapbacks_linked"`
	Unresolved     int             `json:"unresolved"`
	Ambiguous      []AmbiguousLink `json:"ambiguous,omitempty"`
}

// Resolver attaches unresolved reply and tapback records to a best-guess
// parent using the store's indices.
type Resolver struct {
	cfg            ResolverConfig
	trackAmbiguous bool
	snippetRe      *regexp.Regexp
}

// NewResolver builds a resolver. trackAmbiguous enables tie reporting.
func NewResolver(cfg ResolverConfig, trackAmbiguous bool) *Resolver {
	marker := cfg.ReplyMarker
	if marker == "" {
		marker = DefaultResolverConfig().ReplyMarker
	}
	// Marker followed by straight or curly quoted text.
	re := regexp.MustCompile(regexp.QuoteMeta(marker) + `\s*["“]([^"”]+)["”]`)
	return &Resolver{cfg: cfg, trackAmbiguous: trackAmbiguous, snippetRe: re}
}

// Resolve fills in missing reply and tapback targets across the batch,
// mutating records in place. Explicit targets set by ingestion are never
// overwritten. Records are visited in input order so repeated runs produce
// identical assignments.
func (r *Resolver) Resolve(records []Record) ResolveResult {
	store := NewStore(records)
	var res ResolveResult

	for i := range records {
		rec := &records[i]
		switch rec.Kind() {
		case KindText, KindMedia:
			if !r.wantsReplyResolution(rec) {
				continue
			}
			if r.resolveReply(store, i, rec, &res) {
				res.RepliesLinked++
			} else {
				res.Unresolved++
			}
		case KindTapback:
			tb := rec.Tapback()
			if tb.TargetID != "" {
				continue
			}
			if r.resolveTapback(store, i, rec, &res) {
				res.TapbacksLinked++
			} else {
				res.Unresolved++
			}
		}
	}
	return res
}

// wantsReplyResolution reports whether a text/media record carries reply
// evidence but no explicit target: either ingestion attached a ReplyLink
// without a target, or the body starts a quoted reply.
func (r *Resolver) wantsReplyResolution(rec *Record) bool {
	if rec.ReplyTo != nil {
		return rec.ReplyTo.TargetID == ""
	}
	return r.extractSnippet(rec) != ""
}

// extractSnippet pulls the quoted parent text out of a reply. Precedence:
// an ingestion-provided snippet, then the quoted text after the reply
// marker in the body.
func (r *Resolver) extractSnippet(rec *Record) string {
	if rec.ReplyTo != nil && rec.ReplyTo.SnippetText != "" {
		return rec.ReplyTo.SnippetText
	}
	m := r.snippetRe.FindStringSubmatch(rec.Text())
	if len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return ""
}

type scoredCandidate struct {
	index int
	score int
}

func (r *Resolver) resolveReply(store *Store, self int, rec *Record, res *ResolveResult) bool {
	snippet := r.extractSnippet(rec)
	window := secondsDuration(r.cfg.SearchWindowSeconds)

	var survivors []scoredCandidate
	for _, ci := range store.Preceding(rec.Timestamp, window) {
		if ci == self {
			continue
		}
		cand := store.Record(ci)
		switch cand.Kind() {
		case KindTapback, KindNotification:
			continue
		}
		score := r.scoreReply(rec, cand, snippet)
		if score <= 0 {
			continue
		}
		survivors = append(survivors, scoredCandidate{index: ci, score: score})
	}

	chosen, ok := r.pick(store, rec, survivors, res)
	if !ok {
		return false
	}
	target := store.Record(chosen)
	if rec.ReplyTo == nil {
		ts := NewTimestamp(target.Timestamp)
		rec.ReplyTo = &ReplyLink{
			TargetID:        target.ID,
			SnippetText:     snippet,
			Sender:          target.Sender,
			TargetTimestamp: &ts,
		}
	} else {
		rec.ReplyTo.TargetID = target.ID
	}
	return true
}

func (r *Resolver) scoreReply(rec, cand *Record, snippet string) int {
	delta := rec.Timestamp.Sub(cand.Timestamp)
	near := delta <= secondsDuration(r.cfg.CloseProximitySeconds)

	score := 0
	contentEvidence := false

	if near {
		score += r.cfg.ProximityBonus
	}

	if snippet != "" {
		candText := strings.TrimSpace(cand.Text())
		if candText != "" {
			switch {
			case strings.HasPrefix(candText, snippet):
				score += r.cfg.SnippetPrefixBonus
				contentEvidence = true
			case strings.Contains(candText, snippet):
				score += r.cfg.SnippetContainsBonus
				contentEvidence = true
			}
		}
	}

	if cand.Kind() == KindMedia && (snippet == "" || mentionsMedia(rec.Text())) {
		score += r.cfg.MediaBonus
		if bonus := r.cfg.MediaPartBase - ParseIdentifier(cand.ID).Part; bonus > 0 {
			score += bonus
		}
		contentEvidence = true
	}

	// Content evidence keeps distant candidates alive with a mild penalty
	// instead of disqualifying them.
	if contentEvidence && !near {
		score -= int(delta.Seconds()) / r.cfg.ContentPenaltyDivisor
	}

	if rec.Sender != "" && rec.Sender == cand.Sender {
		score += r.cfg.SameSenderBonus
	}
	if g := rec.EffectiveGroupID(); g != "" && g == cand.EffectiveGroupID() {
		score += r.cfg.SameGroupBonus
	}
	return score
}

func (r *Resolver) resolveTapback(store *Store, self int, rec *Record, res *ResolveResult) bool {
	window := secondsDuration(r.cfg.SearchWindowSeconds)

	var survivors []scoredCandidate
	for _, ci := range store.Preceding(rec.Timestamp, window) {
		if ci == self {
			continue
		}
		cand := store.Record(ci)
		switch cand.Kind() {
		case KindTapback, KindNotification:
			continue
		}
		score := r.scoreTapback(rec, cand)
		if score <= 0 {
			continue
		}
		survivors = append(survivors, scoredCandidate{index: ci, score: score})
	}

	chosen, ok := r.pick(store, rec, survivors, res)
	if !ok {
		return false
	}
	target := store.Record(chosen)
	tb := rec.Tapback()
	tb.TargetID = target.ID
	tb.TargetIsMedia = target.Kind() == KindMedia
	return true
}

func (r *Resolver) scoreTapback(rec, cand *Record) int {
	delta := rec.Timestamp.Sub(cand.Timestamp)

	score := 0
	switch cand.Kind() {
	case KindMedia:
		score += r.cfg.MediaBonus
	case KindText:
		score += r.cfg.TextTapbackBonus
	}

	if delta <= secondsDuration(r.cfg.CloseProximitySeconds) {
		score += r.cfg.ProximityBonus
	} else {
		score -= int(delta.Seconds())
	}

	if g := rec.EffectiveGroupID(); g != "" && g == cand.EffectiveGroupID() {
		score += r.cfg.SameGroupBonus
	}
	return score
}

// pick sorts survivors by score descending, tie-breaking by nearest
// preceding timestamp and then identifier, and returns the winner. Ties at
// the top score are recorded when ambiguity tracking is on, but a winner is
// always chosen deterministically.
func (r *Resolver) pick(store *Store, rec *Record, survivors []scoredCandidate, res *ResolveResult) (int, bool) {
	if len(survivors) == 0 {
		return 0, false
	}
	sort.Slice(survivors, func(a, b int) bool {
		sa, sb := survivors[a], survivors[b]
		if sa.score != sb.score {
			return sa.score > sb.score
		}
		ta := store.Record(sa.index).Timestamp
		tb := store.Record(sb.index).Timestamp
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return store.Record(sa.index).ID < store.Record(sb.index).ID
	})

	top := survivors[0]
	if r.trackAmbiguous {
		var tied []string
		for _, s := range survivors {
			if s.score != top.score {
				break
			}
			tied = append(tied, store.Record(s.index).ID)
		}
		if len(tied) > 1 {
			res.Ambiguous = append(res.Ambiguous, AmbiguousLink{
				RecordID:       rec.ID,
				ChosenTarget:   store.Record(top.index).ID,
				TiedCandidates: tied,
				TieCount:       len(tied),
				Score:          top.score,
			})
		}
	}
	return top.index, true
}

func mentionsMedia(body string) bool {
	body = strings.ToLower(body)
	return strings.Contains(body, "photo") || strings.Contains(body, "image")
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
