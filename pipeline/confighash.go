package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// SchemaVersion is the persisted-artifact schema version shared by the
// state file and checkpoint files.
const SchemaVersion = "1.0"

// EnrichmentConfig describes the enrichment-relevant configuration of a
// run: which provider-backed analyses are available. It is built by the
// caller (the CLI derives it from credential presence) and passed in
// explicitly, so the core reads no environment state. Secret values never
// enter the struct, only their presence.
type EnrichmentConfig struct {
	ImageAnalysis bool `json:"image_analysis"`
	Transcription bool `json:"transcription"`
	LinkContext   bool `json:"link_context"`
	PDFSummary    bool `json:"pdf_summary"`
}

// Hash returns a short stable digest over the enrichment-relevant
// configuration plus the schema version. Runs with different hashes must
// not share checkpoints or silently extend each other's state.
func (c EnrichmentConfig) Hash() string {
	input := fmt.Sprintf("schema=%s;image=%t;transcription=%t;link=%t;pdf=%t",
		SchemaVersion, c.ImageAnalysis, c.Transcription, c.LinkContext, c.PDFSummary)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:12]
}

// Enabled reports whether the configuration enables a given analysis kind.
func (c EnrichmentConfig) Enabled(k EnrichmentKind) bool {
	switch k {
	case EnrichmentImage:
		return c.ImageAnalysis
	case EnrichmentTranscription:
		return c.Transcription
	case EnrichmentLinkContext:
		return c.LinkContext
	case EnrichmentPDFSummary:
		return c.PDFSummary
	}
	return false
}
