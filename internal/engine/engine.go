package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"testforge/internal/artifact"
	"testforge/internal/config"
	"testforge/internal/domain"
	"testforge/internal/generate"
	"testforge/internal/model"
	"testforge/internal/normalize"
	"testforge/internal/repo"
	"testforge/internal/source"
)

// Generator produces raw marker-tagged text for a set of categories.
type Generator interface {
	Generate(ctx context.Context, in generate.Input, progress *generate.Progress) (string, error)
}

// Engine runs the pipeline: generate, normalize, write artifacts, save the
// shared document.
type Engine struct {
	Repo      repo.Repo
	Generator Generator
	Parser    normalize.Parser
	Artifacts artifact.Writer
	ImagesDir string
	Images    source.ImageFetcher
	Config    *config.Config
	Logger    *zap.Logger
	Now       func() time.Time
}

// New wires an engine from cfg. workspace anchors relative output paths.
func New(r repo.Repo, gen Generator, cfg *config.Config, workspace string, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := normalize.Options{ExtraLabels: cfg.Generation.ExtraLabels}
	if cfg.Generation.Unrecognized == "append" {
		opts.Unrecognized = normalize.AppendToPrevious
	}
	return Engine{
		Repo:      r,
		Generator: gen,
		Parser:    normalize.New(opts),
		Artifacts: artifact.Writer{Dir: resolve(workspace, cfg.Output.Dir), Logger: logger},
		ImagesDir: resolve(workspace, cfg.Output.ImagesDir),
		Config:    cfg,
		Logger:    logger,
		Now:       time.Now,
	}
}

func resolve(workspace, dir string) string {
	if filepath.IsAbs(dir) || workspace == "" {
		return dir
	}
	return filepath.Join(workspace, dir)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Run is the outcome of one generated item.
type Run struct {
	ItemID      string                  `json:"item_id,omitempty"`
	URLKey      string                  `json:"url_key"`
	Files       artifact.Files          `json:"files"`
	SourceImage string                  `json:"source_image,omitempty"`
	TestCases   []domain.TestCaseRecord `json:"test_cases"`
}

// TextRequest generates from a free-text requirement.
type TextRequest struct {
	Title       string
	Description string
	Categories  []string
	ActorID     string
}

// GenerateText runs the pipeline for one free-text requirement.
func (e Engine) GenerateText(ctx context.Context, req TextRequest, progress *generate.Progress) (Run, error) {
	if strings.TrimSpace(req.Description) == "" {
		return Run{}, fmt.Errorf("%w: description is required", domain.ErrInput)
	}
	base := "test_text_" + e.uniqueID()
	return e.run(ctx, generate.Input{
		Title:       req.Title,
		Description: req.Description,
		Categories:  req.Categories,
	}, base, "", req.ActorID, progress)
}

// IssueRequest generates one run per tracker item.
type IssueRequest struct {
	Source     source.IssueSource
	ItemIDs    []string
	Categories []string
	ActorID    string
}

// ItemFailure records why one item produced nothing.
type ItemFailure struct {
	ItemID string `json:"item_id"`
	Error  string `json:"error"`
}

// Batch is the outcome of a multi-item request.
type Batch struct {
	Runs   []Run         `json:"runs"`
	Failed []ItemFailure `json:"failed,omitempty"`
}

// GenerateFromIssues fetches and generates each item in order. Items that
// fail are reported in Batch.Failed; the call errors only when none succeeded.
func (e Engine) GenerateFromIssues(ctx context.Context, req IssueRequest, progress *generate.Progress) (Batch, error) {
	ids := compact(req.ItemIDs)
	if len(ids) == 0 {
		return Batch{}, fmt.Errorf("%w: at least one item id is required", domain.ErrInput)
	}
	if len(req.Categories) == 0 {
		return Batch{}, fmt.Errorf("%w: at least one category is required", domain.ErrInput)
	}
	if req.Source == nil {
		return Batch{}, fmt.Errorf("%w: issue source is required", domain.ErrInput)
	}

	batch := Batch{Runs: []Run{}}
	var lastErr error
	for _, id := range ids {
		run, err := e.generateItem(ctx, req, id, progress)
		if err != nil {
			lastErr = err
			batch.Failed = append(batch.Failed, ItemFailure{ItemID: id, Error: err.Error()})
			e.logger().Warn("item skipped", zap.String("item_id", id), zap.Error(err))
			continue
		}
		batch.Runs = append(batch.Runs, run)
	}
	if len(batch.Runs) == 0 {
		return batch, fmt.Errorf("no item produced test cases: %w", lastErr)
	}
	return batch, nil
}

func (e Engine) generateItem(ctx context.Context, req IssueRequest, id string, progress *generate.Progress) (Run, error) {
	issue, err := req.Source.Fetch(ctx, id)
	if err != nil {
		return Run{}, err
	}
	if strings.TrimSpace(issue.Description) == "" {
		return Run{}, fmt.Errorf("%w: item %s has no description", domain.ErrInput, id)
	}
	return e.run(ctx, generate.Input{
		Title:       issue.Title,
		Description: issue.Description,
		Categories:  req.Categories,
	}, "test_"+SafeName(id), id, req.ActorID, progress)
}

// ImageRequest generates from a screenshot or mockup.
type ImageRequest struct {
	Data       []byte
	URL        string // downloaded when Data is empty
	Filename   string
	MIMEType   string
	Title      string
	Categories []string
	ActorID    string
}

// GenerateFromImage stores the image, generates with the vision models and
// removes the stored image again if any later step fails.
func (e Engine) GenerateFromImage(ctx context.Context, req ImageRequest, progress *generate.Progress) (Run, error) {
	switch {
	case len(req.Data) > 0 && req.URL != "":
		return Run{}, fmt.Errorf("%w: send image bytes or an image url, not both", domain.ErrInput)
	case len(req.Data) == 0 && req.URL != "":
		img, err := e.Images.Fetch(ctx, req.URL)
		if err != nil {
			return Run{}, err
		}
		req.Data = img.Data
		if req.Filename == "" {
			req.Filename = img.Filename
		}
		if req.MIMEType == "" {
			req.MIMEType = img.MIMEType
		}
	case len(req.Data) == 0:
		return Run{}, fmt.Errorf("%w: image is required", domain.ErrInput)
	}
	mimeType := req.MIMEType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(req.Data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return Run{}, fmt.Errorf("%w: unsupported image type %s", domain.ErrInput, mimeType)
	}

	id := e.uniqueID()
	stored := "image_" + id + imageExt(req.Filename, mimeType)
	if err := os.MkdirAll(e.ImagesDir, 0o755); err != nil {
		return Run{}, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	path := filepath.Join(e.ImagesDir, stored)
	if err := os.WriteFile(path, req.Data, 0o644); err != nil {
		return Run{}, fmt.Errorf("%w: store image: %v", domain.ErrIO, err)
	}

	run, err := e.run(ctx, generate.Input{
		Title:      req.Title,
		Categories: req.Categories,
		Image:      &model.Image{Data: req.Data, MIMEType: mimeType},
	}, "test_image_"+id, "", req.ActorID, progress)
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.logger().Warn("remove stored image", zap.String("image", stored), zap.Error(rmErr))
		}
		return Run{}, err
	}
	run.SourceImage = stored
	return run, nil
}

func (e Engine) run(ctx context.Context, in generate.Input, base, itemID, actorID string, progress *generate.Progress) (Run, error) {
	if e.Generator == nil {
		return Run{}, fmt.Errorf("%w: no generator configured", domain.ErrUpstream)
	}
	raw, err := e.Generator.Generate(ctx, in, progress)
	if err != nil {
		return Run{}, err
	}
	records := e.Parser.Normalize(raw)
	if len(records) == 0 {
		return Run{}, fmt.Errorf("%w: model output contained no test cases", domain.ErrUpstream)
	}
	files, err := e.Artifacts.Write(ctx, raw, records, base)
	if err != nil {
		return Run{}, err
	}
	key, err := e.Repo.Save(ctx, domain.FlatSource(records), itemID, actorID)
	if err != nil {
		return Run{}, err
	}
	e.logger().Info("generated test cases",
		zap.String("url_key", key),
		zap.String("item_id", itemID),
		zap.Int("records", len(records)),
		zap.String("text_file", files.Text))
	return Run{ItemID: itemID, URLKey: key, Files: files, TestCases: records}, nil
}

// ImportDocument stores an existing document in either shape.
func (e Engine) ImportDocument(ctx context.Context, data []byte, itemID, actorID string) (string, error) {
	var src domain.Source
	if err := json.Unmarshal(data, &src); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInput, err)
	}
	return e.Repo.Save(ctx, src, itemID, actorID)
}

// ExportText renders a stored document back into marker-tagged text.
func (e Engine) ExportText(ctx context.Context, key string) (string, error) {
	doc, err := e.Repo.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return normalize.Format(Records(doc.Source)), nil
}

// Records views either document shape as test case records. Nested cases map
// their content to the scenario and fall back to the id when untitled.
func Records(src domain.Source) []domain.TestCaseRecord {
	switch src.Kind {
	case domain.ShapeFlat:
		return src.Flat
	case domain.ShapeNested:
		if src.Nested == nil {
			return nil
		}
		out := make([]domain.TestCaseRecord, 0, len(src.Nested.TestCases))
		for _, tc := range src.Nested.TestCases {
			title := tc.Title
			if title == "" {
				title = string(tc.ID)
			}
			out = append(out, domain.TestCaseRecord{
				Section:  domain.DefaultSection,
				Title:    title,
				Scenario: tc.Content,
				Status:   tc.Status,
			})
		}
		return out
	}
	return nil
}

// uniqueID returns "<yyyymmdd_hhmmss>_<8 hex>".
func (e Engine) uniqueID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return e.now().Format("20060102_150405") + "_" + hex.EncodeToString(b[:])
}

// SafeName keeps letters, digits, '-' and '_'.
func SafeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "item"
	}
	return b.String()
}

var mimeExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

func imageExt(filename, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" && SafeName(ext[1:]) == ext[1:] && len(ext) <= 6 {
		return ext
	}
	if e, ok := mimeExt[mimeType]; ok {
		return e
	}
	return ".img"
}

func compact(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
