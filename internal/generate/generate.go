// Package generate drafts raw test-case text by calling a model once per
// category and tagging each completion with its category marker.
package generate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"testforge/internal/config"
	"testforge/internal/domain"
	"testforge/internal/model"
	"testforge/internal/normalize"
)

const systemPrompt = "You are a senior QA engineer generating detailed, executable test cases."

// Input is one generation request.
type Input struct {
	Title       string
	Description string
	Categories  []string
	// Image switches the run to the vision models.
	Image *model.Image
}

// Orchestrator runs categories sequentially against a model backend.
type Orchestrator struct {
	Backend    model.Backend
	Categories map[string]config.Category
	// VisionModels are tried in order for image runs.
	VisionModels []string
	MaxTokens    int32
	ChunkSize    int
	Logger       *zap.Logger
}

// New builds an orchestrator from cfg.
func New(backend model.Backend, cfg config.Config, logger *zap.Logger) Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Orchestrator{
		Backend:      backend,
		Categories:   cfg.Categories,
		VisionModels: cfg.Model.VisionModels,
		MaxTokens:    cfg.Model.MaxTokens,
		ChunkSize:    cfg.Generation.ChunkSize,
		Logger:       logger,
	}
}

// Generate returns the accumulated completions, each preceded by a
// "TEST TYPE: <category>" marker line. A category whose call fails or comes
// back empty is skipped; the call fails only when every category failed.
func (o Orchestrator) Generate(ctx context.Context, in Input, progress *Progress) (string, error) {
	defer progress.finish()
	if err := o.validate(in); err != nil {
		return "", err
	}
	progress.start(len(in.Categories))

	var (
		parts   []string
		lastErr error
	)
	for _, name := range in.Categories {
		cat := o.Categories[name]
		var (
			text string
			err  error
		)
		if in.Image != nil {
			text, err = o.vision(ctx, name, cat, in)
		} else {
			text, err = o.text(ctx, name, cat, in)
		}
		if err != nil {
			lastErr = err
			o.logger().Warn("category skipped", zap.String("category", name), zap.Error(err))
			continue
		}
		parts = append(parts, normalize.MarkerPrefix+" "+name+"\n"+text)
		progress.complete(name)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: all %d categories failed: %v", domain.ErrUpstream, len(in.Categories), lastErr)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (o Orchestrator) validate(in Input) error {
	if len(in.Categories) == 0 {
		return fmt.Errorf("%w: at least one category is required", domain.ErrInput)
	}
	if in.Image == nil && strings.TrimSpace(in.Description) == "" {
		return fmt.Errorf("%w: description is required", domain.ErrInput)
	}
	if in.Image != nil && len(in.Image.Data) == 0 {
		return fmt.Errorf("%w: image is empty", domain.ErrInput)
	}
	seen := map[string]bool{}
	for _, name := range in.Categories {
		if _, ok := o.Categories[name]; !ok {
			return fmt.Errorf("%w: unknown category %q", domain.ErrInput, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate category %q", domain.ErrInput, name)
		}
		seen[name] = true
	}
	if o.Backend == nil {
		return fmt.Errorf("%w: no model backend configured", domain.ErrUpstream)
	}
	return nil
}

// text issues one call per description chunk. The category succeeds when at
// least one chunk produced content.
func (o Orchestrator) text(ctx context.Context, name string, cat config.Category, in Input) (string, error) {
	chunks := Chunk(in.Description, o.ChunkSize)
	var (
		out     []string
		lastErr error
	)
	for i, chunk := range chunks {
		desc := chunk
		if len(chunks) > 1 {
			desc = fmt.Sprintf("Part %d/%d of the requirement:\n%s", i+1, len(chunks), chunk)
		}
		text, err := o.call(ctx, model.Request{
			System:    systemPrompt,
			Prompt:    Prompt(name, cat, in.Title, desc),
			MaxTokens: o.MaxTokens,
		})
		if err != nil {
			lastErr = err
			o.logger().Warn("chunk failed", zap.String("category", name), zap.Int("chunk", i+1), zap.Error(err))
			continue
		}
		out = append(out, text)
	}
	if len(out) == 0 {
		return "", lastErr
	}
	return strings.Join(out, "\n\n"), nil
}

// vision retries the same category across the candidate models and stops at
// the first success.
func (o Orchestrator) vision(ctx context.Context, name string, cat config.Category, in Input) (string, error) {
	candidates := o.VisionModels
	if len(candidates) == 0 {
		candidates = []string{""}
	}
	var lastErr error
	for _, m := range candidates {
		text, err := o.call(ctx, model.Request{
			Model:     m,
			System:    systemPrompt,
			Prompt:    ImagePrompt(name, cat, in.Title),
			MaxTokens: o.MaxTokens,
			Image:     in.Image,
		})
		if err == nil {
			return text, nil
		}
		lastErr = err
		o.logger().Warn("vision model failed", zap.String("category", name), zap.String("model", m), zap.Error(err))
	}
	return "", lastErr
}

func (o Orchestrator) call(ctx context.Context, req model.Request) (string, error) {
	text, err := o.Backend.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", model.ErrEmpty
	}
	return text, nil
}

func (o Orchestrator) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}
