// Package pipeline converts personal message-export records from two
// independently produced sources into one canonical, deduplicated,
// cross-referenced record set, and drives a resumable enrichment pass
// over that set.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RecordKind discriminates the four record variants.
type RecordKind string

const (
	KindText         RecordKind = "text"
	KindMedia        RecordKind = "media"
	KindTapback      RecordKind = "tapback"
	KindNotification RecordKind = "notification"
)

// KnownRecordKind reports whether k is one of the four closed variants.
func KnownRecordKind(k RecordKind) bool {
	switch k {
	case KindText, KindMedia, KindTapback, KindNotification:
		return true
	}
	return false
}

// RecordBody is the variant payload of a Record. Exactly one concrete body
// type exists per RecordKind, so "media requires a payload" is a shape the
// type system enforces rather than a runtime check.
type RecordBody interface {
	Kind() RecordKind
}

// TextBody is the payload of a plain text message.
type TextBody struct {
	Text string `json:"text"`
}

func (TextBody) Kind() RecordKind { return KindText }

// MediaBody is the payload of an attachment record.
type MediaBody struct {
	ID          string       `json:"id"`
	Filename    string       `json:"filename"`
	Path        string       `json:"path"`
	MimeType    string       `json:"mime_type,omitempty"`
	MediaKind   string       `json:"media_kind,omitempty"`
	Enrichments []Enrichment `json:"enrichments,omitempty"`
}

func (MediaBody) Kind() RecordKind { return KindMedia }

// TapbackAction records whether a tapback was placed or withdrawn.
type TapbackAction string

const (
	TapbackAdded   TapbackAction = "added"
	TapbackRemoved TapbackAction = "removed"
)

// TapbackBody is the payload of a reaction record. TargetID is filled by
// ingestion when the source carries an explicit backlink, otherwise by the
// link resolver.
type TapbackBody struct {
	TapbackKind   string        `json:"tapback_kind"`
	Action        TapbackAction `json:"action"`
	TargetID      string        `json:"target_id,omitempty"`
	TargetPart    int           `json:"target_part,omitempty"`
	TargetText    string        `json:"target_text,omitempty"`
	TargetIsMedia bool          `json:"is_media,omitempty"`
}

func (TapbackBody) Kind() RecordKind { return KindTapback }

// NotificationBody is the payload of a system notification (group renames,
// member changes). It carries no fields beyond the shared header.
type NotificationBody struct{}

func (NotificationBody) Kind() RecordKind { return KindNotification }

// ReplyLink associates a text/media record with the record it replies to.
// Once ingestion sets it, the resolver only fills TargetID when absent.
type ReplyLink struct {
	TargetID        string     `json:"target_id,omitempty"`
	SnippetText     string     `json:"snippet_text,omitempty"`
	Sender          string     `json:"sender,omitempty"`
	TargetTimestamp *Timestamp `json:"target_timestamp,omitempty"`
}

// Record is one canonical message-export record: a shared header plus one
// variant body.
type Record struct {
	ID        string
	IsFromMe  bool
	Timestamp time.Time
	Sender    string
	GroupID   string
	ReplyTo   *ReplyLink
	Body      RecordBody
}

// Kind returns the variant of the record body.
func (r *Record) Kind() RecordKind {
	if r.Body == nil {
		return ""
	}
	return r.Body.Kind()
}

// Text returns the body text of a text record, or "" for other variants.
func (r *Record) Text() string {
	if b, ok := r.Body.(*TextBody); ok {
		return b.Text
	}
	return ""
}

// Media returns the media payload, or nil for non-media variants.
func (r *Record) Media() *MediaBody {
	b, _ := r.Body.(*MediaBody)
	return b
}

// Tapback returns the tapback payload, or nil for non-tapback variants.
func (r *Record) Tapback() *TapbackBody {
	b, _ := r.Body.(*TapbackBody)
	return b
}

// IdentifierInfo is the parsed provenance of a record identifier.
//
// Three shapes exist:
//
//	csv:<line>:<part>        flat single-source ingestion
//	DB:<opaque-id>           direct extraction
//	p:<index>/DB:<opaque-id> one of several records split out of one
//	                         originally-atomic source row
type IdentifierInfo struct {
	Raw string

	// Part is the split index for p: identifiers and the trailing part
	// number for flat identifiers; 0 otherwise.
	Part int

	// GroupID is the unprefixed source identifier shared by split
	// siblings; "" for non-split identifiers.
	GroupID string

	// Flat reports the source:line:part shape.
	Flat bool
}

const (
	flatIDPrefix  = "csv:"
	splitIDPrefix = "p:"
)

// ParseIdentifier decodes the provenance encoded in a record identifier.
// Unrecognized shapes are treated as direct-extraction identifiers.
func ParseIdentifier(id string) IdentifierInfo {
	info := IdentifierInfo{Raw: id}

	if rest, ok := strings.CutPrefix(id, splitIDPrefix); ok {
		idx, group, found := strings.Cut(rest, "/")
		if found && group != "" {
			if n, err := strconv.Atoi(idx); err == nil && n >= 0 {
				info.Part = n
				info.GroupID = group
				return info
			}
		}
	}

	if strings.HasPrefix(id, flatIDPrefix) {
		parts := strings.Split(id, ":")
		if len(parts) == 3 {
			if _, err := strconv.Atoi(parts[1]); err == nil {
				info.Flat = true
				if n, err := strconv.Atoi(parts[2]); err == nil && n >= 0 {
					info.Part = n
				}
			}
		}
	}

	return info
}

// EffectiveGroupID returns the record's explicit group identifier, falling
// back to the group encoded in a split identifier.
func (r *Record) EffectiveGroupID() string {
	if r.GroupID != "" {
		return r.GroupID
	}
	return ParseIdentifier(r.ID).GroupID
}

// wireRecord is the collaborator-facing JSON shape: a flat header plus one
// kind-conditional payload field.
type wireRecord struct {
	ID        string       `json:"id"`
	IsFromMe  bool         `json:"is_from_me"`
	Timestamp string       `json:"timestamp"`
	Kind      RecordKind   `json:"kind"`
	Sender    string       `json:"sender,omitempty"`
	GroupID   string       `json:"group_id,omitempty"`
	ReplyTo   *ReplyLink   `json:"reply_to,omitempty"`
	Text      *string      `json:"text,omitempty"`
	Media     *MediaBody   `json:"media,omitempty"`
	Tapback   *TapbackBody `json:"tapback,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("marshal record %q: missing body", r.ID)
	}
	w := wireRecord{
		ID:        r.ID,
		IsFromMe:  r.IsFromMe,
		Timestamp: FormatWireTime(r.Timestamp),
		Kind:      r.Kind(),
		Sender:    r.Sender,
		GroupID:   r.GroupID,
		ReplyTo:   r.ReplyTo,
	}
	switch b := r.Body.(type) {
	case *TextBody:
		w.Text = &b.Text
	case *MediaBody:
		w.Media = b
	case *TapbackBody:
		w.Tapback = b
	case *NotificationBody:
	default:
		return nil, fmt.Errorf("marshal record %q: unknown body type %T", r.ID, r.Body)
	}
	return json.Marshal(w)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	if w.ID == "" {
		return errors.New("unmarshal record: missing id")
	}
	ts, err := ParseWireTime(w.Timestamp)
	if err != nil {
		return fmt.Errorf("unmarshal record %q: %w", w.ID, err)
	}

	var body RecordBody
	switch w.Kind {
	case KindText:
		if w.Media != nil || w.Tapback != nil {
			return fmt.Errorf("unmarshal record %q: text record carries a non-text payload", w.ID)
		}
		var text string
		if w.Text != nil {
			text = *w.Text
		}
		body = &TextBody{Text: text}
	case KindMedia:
		if w.Media == nil {
			return fmt.Errorf("unmarshal record %q: media record without media payload", w.ID)
		}
		body = w.Media
	case KindTapback:
		if w.Tapback == nil {
			return fmt.Errorf("unmarshal record %q: tapback record without tapback payload", w.ID)
		}
		if w.Media != nil {
			return fmt.Errorf("unmarshal record %q: tapback record carries a media payload", w.ID)
		}
		body = w.Tapback
	case KindNotification:
		if w.Media != nil || w.Tapback != nil || w.Text != nil {
			return fmt.Errorf("unmarshal record %q: notification record carries a payload", w.ID)
		}
		body = &NotificationBody{}
	default:
		return fmt.Errorf("unmarshal record %q: unknown kind %q", w.ID, w.Kind)
	}

	*r = Record{
		ID:        w.ID,
		IsFromMe:  w.IsFromMe,
		Timestamp: ts,
		Sender:    w.Sender,
		GroupID:   w.GroupID,
		ReplyTo:   w.ReplyTo,
		Body:      body,
	}
	return nil
}

// EnrichmentKind is the closed set of analysis kinds an enrichment can carry.
type EnrichmentKind string

const (
	EnrichmentImage         EnrichmentKind = "image"
	EnrichmentTranscription EnrichmentKind = "transcription"
	EnrichmentLinkContext   EnrichmentKind = "link_context"
	EnrichmentPDFSummary    EnrichmentKind = "pdf_summary"
)

// KnownEnrichmentKind reports whether k is a member of the closed enum.
func KnownEnrichmentKind(k EnrichmentKind) bool {
	switch k {
	case EnrichmentImage, EnrichmentTranscription, EnrichmentLinkContext, EnrichmentPDFSummary:
		return true
	}
	return false
}

// Enrichment is one provider-computed analysis result attached to a media
// record. Kind selects which of the optional fields are meaningful.
type Enrichment struct {
	Kind      EnrichmentKind `json:"kind"`
	CreatedAt Timestamp      `json:"created_at"`
	Provider  string         `json:"provider"`
	Version   string         `json:"version"`

	// image
	Description  string `json:"description,omitempty"`
	DetectedText string `json:"detected_text,omitempty"`

	// transcription
	Transcript      string  `json:"transcript,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// link_context
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`

	// pdf_summary
	Summary   string `json:"summary,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
}
