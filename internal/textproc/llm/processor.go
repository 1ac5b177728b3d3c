// Package llm implements publication.TextProcessor on an OpenAI-compatible
// chat completion endpoint through langchaingo.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/preprint-harvester/internal/policy/retry"
	"github.com/JakeFAU/preprint-harvester/internal/publication"
	"github.com/JakeFAU/preprint-harvester/internal/textproc"
)

// ErrEmptyResponse is returned when the model answers with no usable content.
var ErrEmptyResponse = errors.New("llm returned no content")

// Config selects the endpoint and model.
type Config struct {
	BaseURL     string  `mapstructure:"base_url"`
	Token       string  `mapstructure:"token"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxKeywords int     `mapstructure:"max_keywords"`
}

var _ publication.TextProcessor = (*Processor)(nil)

// Processor sends each task as a system + user message pair.
type Processor struct {
	client      llms.Model
	temperature float64
	maxKeywords int
	retry       *retry.Policy
	logger      *zap.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRetryPolicy wraps every completion call in rp.
func WithRetryPolicy(rp *retry.Policy) Option {
	return func(p *Processor) {
		if rp != nil {
			p.retry = rp
		}
	}
}

// New connects to the endpoint in cfg. Local servers that need no
// authentication get the placeholder token "none".
func New(cfg Config, opts ...Option) (*Processor, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm: model is required")
	}
	token := cfg.Token
	if token == "" {
		token = "none"
	}
	clientOpts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return NewWithModel(client, cfg, opts...)
}

// NewWithModel builds a Processor on an existing model.
func NewWithModel(model llms.Model, cfg Config, opts ...Option) (*Processor, error) {
	if model == nil {
		return nil, errors.New("llm: model is required")
	}
	p := &Processor{
		client:      model,
		temperature: cfg.Temperature,
		maxKeywords: cfg.MaxKeywords,
		retry:       retry.New(retry.Config{}),
		logger:      zap.NewNop(),
	}
	if p.maxKeywords <= 0 {
		p.maxKeywords = 8
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Summarize asks for a plain-prose summary of at most maxSentences sentences.
// Longer answers are cut at the sentence limit.
func (p *Processor) Summarize(ctx context.Context, text string, maxSentences int) (string, error) {
	if maxSentences <= 0 {
		maxSentences = 3
	}
	out, err := p.complete(ctx, summarySystemPrompt(maxSentences), text, false)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return textproc.Truncate(cleanProse(out), maxSentences), nil
}

// ExtractKeywords asks for a JSON keyword list. Answers that are not JSON
// are split on commas and newlines instead.
func (p *Processor) ExtractKeywords(ctx context.Context, text string) ([]string, error) {
	out, err := p.complete(ctx, keywordsSystemPrompt(p.maxKeywords), text, true)
	if err != nil {
		return nil, fmt.Errorf("extract keywords: %w", err)
	}
	keywords := parseKeywords(out)
	if len(keywords) > p.maxKeywords {
		keywords = keywords[:p.maxKeywords]
	}
	return keywords, nil
}

// Critique asks for a short methodological critique.
func (p *Processor) Critique(ctx context.Context, text string) (string, error) {
	out, err := p.complete(ctx, critiqueSystemPrompt, text, false)
	if err != nil {
		return "", fmt.Errorf("critique: %w", err)
	}
	return cleanProse(out), nil
}

func (p *Processor) complete(ctx context.Context, system, text string, jsonMode bool) (string, error) {
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(system)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(scrub(text))},
		},
	}
	callOpts := []llms.CallOption{llms.WithTemperature(p.temperature)}
	if jsonMode {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	var answer string
	attempt := 0
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		resp, err := p.client.GenerateContent(ctx, content, callOpts...)
		if err != nil {
			p.logger.Warn("llm call failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
			return ErrEmptyResponse
		}
		answer = resp.Choices[0].Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}

type keywordAnswer struct {
	Keywords []string `json:"keywords"`
}

func parseKeywords(raw string) []string {
	body := stripFences(raw)
	var answer keywordAnswer
	if err := json.Unmarshal([]byte(body), &answer); err == nil && len(answer.Keywords) > 0 {
		return textproc.NormalizeKeywords(answer.Keywords)
	}
	var list []string
	if err := json.Unmarshal([]byte(body), &list); err == nil {
		return textproc.NormalizeKeywords(list)
	}
	return textproc.NormalizeKeywords(strings.FieldsFunc(body, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	}))
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// cleanProse drops fences and a leading "Summary:" style label.
func cleanProse(s string) string {
	s = stripFences(s)
	if head, rest, ok := strings.Cut(s, ":"); ok && len(head) <= 12 && !strings.ContainsAny(head, " .\n") {
		s = rest
	}
	return strings.Join(strings.Fields(s), " ")
}

// scrub removes control characters that some servers reject.
func scrub(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
}
