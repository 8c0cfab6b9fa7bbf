// Package model is the language-model backend used to draft test cases.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// DefaultTimeout bounds a single completion.
const DefaultTimeout = 30 * time.Second

// ErrEmpty is returned when the model answers with no text.
var ErrEmpty = errors.New("model returned empty content")

// Image is an inline image payload for vision-capable models.
type Image struct {
	Data     []byte
	MIMEType string
}

// Request is one completion call.
type Request struct {
	// Model overrides the backend's default model when set.
	Model     string
	System    string
	Prompt    string
	MaxTokens int32
	Image     *Image
}

// Backend turns a prompt into generated text.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Backend.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Complete(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// Options configure the GenAI backend.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int32
	Timeout     time.Duration
}

// GenAI calls Google's Gemini models.
type GenAI struct {
	client *genai.Client
	opts   Options
}

// NewGenAI creates a Gemini-backed model.
func NewGenAI(ctx context.Context, apiKey string, opts Options) (*GenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if opts.Model == "" {
		opts.Model = "gemini-2.5-flash"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAI{client: client, opts: opts}, nil
}

// Complete sends one prompt, optionally with an inline image.
func (g *GenAI) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	name := req.Model
	if name == "" {
		name = g.opts.Model
	}
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if req.Image != nil {
		mime := req.Image.MIMEType
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, genai.NewPartFromBytes(req.Image.Data, mime))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.opts.Temperature),
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.opts.MaxTokens
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = maxTokens
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, name, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("GenAI %s: %w", name, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("GenAI %s: %w", name, ErrEmpty)
	}
	return text, nil
}
