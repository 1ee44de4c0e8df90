// Package provider implements the enrichment collaborator on top of the
// OpenAI Responses API. It is invoked per media record by the pipeline's
// enrichment loop and never touches pipeline state itself.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/quiltmark/chatmerge/pipeline"
)

// Version is stamped into every enrichment this provider produces.
const Version = "1.0"

// Provider enriches media records. Which analysis kinds run is controlled
// by the enrichment configuration the CLI passes in.
type Provider struct {
	client *openai.Client
	model  string
	cfg    pipeline.EnrichmentConfig
}

// New builds a provider. The API key comes from the caller; the provider
// itself reads no environment state.
func New(apiKey, model string, cfg pipeline.EnrichmentConfig) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("provider: missing API key")
	}
	if model == "" {
		return nil, errors.New("provider: missing model")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Provider{client: &client, model: model, cfg: cfg}, nil
}

// Enrich computes every enabled analysis that applies to the record's
// media kind. A record whose media kind enables no analysis yields zero
// enrichments without error.
func (p *Provider) Enrich(ctx context.Context, rec pipeline.Record) ([]pipeline.Enrichment, error) {
	media := rec.Media()
	if media == nil {
		return nil, nil
	}

	var out []pipeline.Enrichment
	for _, kind := range analysesFor(media) {
		if !p.cfg.Enabled(kind) {
			continue
		}
		e, err := p.analyze(ctx, media, kind)
		if err != nil {
			return nil, fmt.Errorf("provider: %s analysis for %s: %w", kind, rec.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// analysesFor maps a media payload to the analysis kinds that apply to it.
func analysesFor(media *pipeline.MediaBody) []pipeline.EnrichmentKind {
	switch media.MediaKind {
	case "image":
		return []pipeline.EnrichmentKind{pipeline.EnrichmentImage}
	case "audio", "video":
		return []pipeline.EnrichmentKind{pipeline.EnrichmentTranscription}
	case "pdf":
		return []pipeline.EnrichmentKind{pipeline.EnrichmentPDFSummary}
	}
	if strings.HasPrefix(media.Path, "http://") || strings.HasPrefix(media.Path, "https://") {
		return []pipeline.EnrichmentKind{pipeline.EnrichmentLinkContext}
	}
	return nil
}

// analysisResponse is the structured output requested from the model for
// every analysis kind; unused fields stay empty.
type analysisResponse struct {
	Description  string  `json:"description"`
	DetectedText string  `json:"detected_text"`
	Transcript   string  `json:"transcript"`
	Duration     float64 `json:"duration_seconds"`
	Title        string  `json:"title"`
	Summary      string  `json:"summary"`
	PageCount    int     `json:"page_count"`
}

var analysisSchema = generateSchema[analysisResponse]()

func (p *Provider) analyze(ctx context.Context, media *pipeline.MediaBody, kind pipeline.EnrichmentKind) (pipeline.Enrichment, error) {
	format := responses.ResponseFormatTextConfigUnionParam{
		OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
			Name:        "MediaAnalysis",
			Schema:      analysisSchema,
			Strict:      openai.Bool(true),
			Description: openai.String("Media analysis JSON"),
			Type:        "json_schema",
		},
	}

	params := responses.ResponseNewParams{
		Model:           p.model,
		MaxOutputTokens: openai.Int(1200),
		Instructions:    openai.String(instructionsFor(kind)),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(buildInput(media, kind), responses.EasyInputMessageRoleUser),
			},
		},
		Text: responses.ResponseTextConfigParam{
			Format: format,
		},
	}

	resp, err := callWithRetry(ctx, p.client, params)
	if err != nil {
		return pipeline.Enrichment{}, err
	}

	var parsed analysisResponse
	if err := decodeModelJSON(resp.OutputText(), &parsed); err != nil {
		return pipeline.Enrichment{}, fmt.Errorf("unmarshal analysis: %w", err)
	}

	e := pipeline.Enrichment{
		Kind:      kind,
		CreatedAt: pipeline.NewTimestamp(time.Now()),
		Provider:  "openai",
		Version:   Version,
	}
	switch kind {
	case pipeline.EnrichmentImage:
		e.Description = parsed.Description
		e.DetectedText = parsed.DetectedText
	case pipeline.EnrichmentTranscription:
		e.Transcript = parsed.Transcript
		e.DurationSeconds = parsed.Duration
	case pipeline.EnrichmentLinkContext:
		e.URL = media.Path
		e.Title = parsed.Title
		e.Description = parsed.Description
	case pipeline.EnrichmentPDFSummary:
		e.Summary = parsed.Summary
		e.PageCount = parsed.PageCount
	}
	return e, nil
}

func instructionsFor(kind pipeline.EnrichmentKind) string {
	switch kind {
	case pipeline.EnrichmentImage:
		return "Describe the attached image in 1-2 sentences and extract any visible text into detected_text. Fill only description and detected_text."
	case pipeline.EnrichmentTranscription:
		return "Transcribe the referenced recording. Fill only transcript and duration_seconds."
	case pipeline.EnrichmentLinkContext:
		return "Summarize what the linked page is about. Fill only title and description."
	case pipeline.EnrichmentPDFSummary:
		return "Summarize the referenced document in 1-3 short paragraphs. Fill only summary and page_count."
	}
	return ""
}

func buildInput(media *pipeline.MediaBody, kind pipeline.EnrichmentKind) string {
	var b strings.Builder
	fmt.Fprintf(&b, "analysis: %s\n", kind)
	fmt.Fprintf(&b, "filename: %s\n", media.Filename)
	fmt.Fprintf(&b, "path: %s\n", media.Path)
	if media.MimeType != "" {
		fmt.Fprintf(&b, "mime_type: %s\n", media.MimeType)
	}
	return b.String()
}

// callWithRetry retries rate-limit and server errors with a fixed backoff
// ladder before giving up.
func callWithRetry(ctx context.Context, client *openai.Client, params responses.ResponseNewParams) (*responses.Response, error) {
	const maxRetries = 3
	rateLimitWaits := []time.Duration{65 * time.Second, 100 * time.Second, 135 * time.Second}
	serverErrorWaits := []time.Duration{5 * time.Second, 30 * time.Second, 60 * time.Second}

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := client.Responses.New(ctx, params)
		if err != nil {
			if isRateLimitError(err) {
				if attempt < maxRetries-1 {
					if !sleepCtx(ctx, rateLimitWaits[attempt]) {
						return nil, ctx.Err()
					}
					continue
				}
			} else if isServerError(err) {
				if attempt < maxRetries-1 {
					if !sleepCtx(ctx, serverErrorWaits[attempt]) {
						return nil, ctx.Err()
					}
					continue
				}
			}
			return nil, err
		}
		return resp, nil
	}
	return nil, fmt.Errorf("failed after %d attempts due to API issues", maxRetries)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests")
}

func isServerError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "500") ||
		strings.Contains(s, "internal server error") ||
		strings.Contains(s, "server_error")
}

// decodeModelJSON unmarshals JSON from a model response, tolerating
// wrapper text around the JSON object.
func decodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return errors.New("empty model output")
	}
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("unmarshal extracted JSON: %w", err)
	}
	return nil
}

func generateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	b, err := schema.MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	ensureCompliance(m)
	return m
}

// ensureCompliance rewrites the reflected schema into the subset the
// structured-output API accepts: closed objects with every property
// required.
func ensureCompliance(schema map[string]any) {
	if t, ok := schema["type"].(string); ok && t == "object" {
		schema["additionalProperties"] = false
		if props, ok := schema["properties"].(map[string]any); ok {
			var required []string
			for name := range props {
				required = append(required, name)
			}
			if len(required) > 0 {
				schema["required"] = required
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, p := range props {
			if pm, ok := p.(map[string]any); ok {
				ensureCompliance(pm)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		ensureCompliance(items)
	}
}
