package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	ProviderGoogleAI = "googleai"
	ProviderOpenAI   = "openai"
	ProviderEcho     = "echo"

	defaultGoogleAIModel = "gemini-2.5-flash"
	defaultOpenAIModel   = "gpt-4.1-mini"
)

const (
	instructionPrompt = "You are an expert academic assistant. Generate clear, structured, and comprehensive notes from the provided material."
	formatPrompt      = "Output format: Markdown. Use tables where they help and write math as $inline$ or $$display$$ LaTeX."
	closingPrompt     = "Please synthesize the above inputs into a single cohesive set of notes."
)

var ErrEmptyCompletion = errors.New("model returned no content")

type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// NewSynthesizer builds the synthesizer for a provider name. An empty model
// selects the provider's default.
func NewSynthesizer(ctx context.Context, provider, model, apiKey string) (Synthesizer, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderGoogleAI:
		if apiKey == "" {
			return nil, errors.New("googleai synthesizer requires an API key")
		}
		if model == "" {
			model = defaultGoogleAIModel
		}
		llm, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))
		if err != nil {
			return nil, fmt.Errorf("create googleai client: %w", err)
		}
		return NewLLMSynthesizer(llm), nil
	case ProviderOpenAI:
		if apiKey == "" {
			return nil, errors.New("openai synthesizer requires an API key")
		}
		if model == "" {
			model = defaultOpenAIModel
		}
		llm, err := openai.New(openai.WithToken(apiKey), openai.WithModel(model))
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		return NewLLMSynthesizer(llm), nil
	case ProviderEcho:
		return EchoSynthesizer{}, nil
	default:
		return nil, fmt.Errorf("unsupported synthesizer provider: %s", provider)
	}
}

type LLMSynthesizer struct {
	model contentGenerator
}

func NewLLMSynthesizer(model contentGenerator) *LLMSynthesizer {
	return &LLMSynthesizer{model: model}
}

func (s *LLMSynthesizer) Synthesize(ctx context.Context, material Material) (string, error) {
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeHuman, Parts: promptParts(material)},
	}

	resp, err := s.model.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate notes: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

func promptParts(material Material) []llms.ContentPart {
	parts := []llms.ContentPart{
		llms.TextPart(instructionPrompt),
		llms.TextPart(formatPrompt),
	}
	if material.Audio != nil {
		parts = append(parts, llms.BinaryPart(material.Audio.MIMEType, material.Audio.Data))
	}
	for _, img := range material.Images {
		parts = append(parts, llms.BinaryPart(img.MIMEType, img.Data))
	}
	if notes := strings.TrimSpace(material.Notes); notes != "" {
		parts = append(parts, llms.TextPart("Additional Student Notes: "+notes))
	}
	return append(parts, llms.TextPart(closingPrompt))
}

// EchoSynthesizer needs no model. It lays the inputs out as a notes document,
// which keeps local development and demos independent of provider credentials.
type EchoSynthesizer struct{}

func (EchoSynthesizer) Synthesize(ctx context.Context, material Material) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# Notes\n")
	if notes := strings.TrimSpace(material.Notes); notes != "" {
		b.WriteString("\n## Student Notes\n\n")
		b.WriteString(notes)
		b.WriteString("\n")
	}

	if material.Audio != nil || len(material.Images) > 0 {
		b.WriteString("\n## Attachments\n\n| kind | name | type | bytes |\n|---|---|---|---|\n")
		if a := material.Audio; a != nil {
			fmt.Fprintf(&b, "| audio | %s | %s | %d |\n", tableCell(a.Name), a.MIMEType, len(a.Data))
		}
		for _, img := range material.Images {
			fmt.Fprintf(&b, "| image | %s | %s | %d |\n", tableCell(img.Name), img.MIMEType, len(img.Data))
		}
	}
	return b.String(), nil
}

func tableCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
