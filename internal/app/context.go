package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"testforge/internal/config"
	"testforge/internal/db"
	"testforge/internal/domain"
	"testforge/internal/engine"
	"testforge/internal/generate"
	"testforge/internal/migrate"
	"testforge/internal/model"
	"testforge/internal/repo"
)

// Secrets are credentials that never live in testforge.yml.
type Secrets struct {
	GeminiAPIKey string
	JiraToken    string
	AzurePAT     string
}

// Options control workspace bootstrap.
type Options struct {
	Workspace string
	Secrets   Secrets
	// Backend replaces the GenAI backend when set.
	Backend model.Backend
	Logger  *zap.Logger
}

// App holds everything a command or the server needs for one workspace.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Repo     repo.Repo
	Engine   engine.Engine
	Progress *generate.Registry
	Logger   *zap.Logger
}

// Open prepares the workspace: state dir, database, migrations, config and
// the generation pipeline. A missing testforge.yml falls back to defaults.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Jira.Token = opts.Secrets.JiraToken
	cfg.Azure.PAT = opts.Secrets.AzurePAT

	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		backend, err = newBackend(ctx, cfg, opts.Secrets.GeminiAPIKey)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	r := repo.Repo{DB: conn}
	gen := generate.New(backend, *cfg, logger.Named("generate"))
	return &App{
		DB:       conn,
		Config:   cfg,
		Repo:     r,
		Engine:   engine.New(r, gen, cfg, opts.Workspace, logger.Named("engine")),
		Progress: generate.NewRegistry(0),
		Logger:   logger,
	}, nil
}

// newBackend returns the GenAI backend, or one that always fails when no API
// key is configured so read-only commands still work.
func newBackend(ctx context.Context, cfg *config.Config, apiKey string) (model.Backend, error) {
	if apiKey == "" {
		return model.Func(func(context.Context, model.Request) (string, error) {
			return "", fmt.Errorf("%w: TESTFORGE_GEMINI_API_KEY is not set", domain.ErrUpstream)
		}), nil
	}
	return model.NewGenAI(ctx, apiKey, model.Options{
		Model:       cfg.Model.TextModel,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     time.Duration(cfg.Model.TimeoutSeconds) * time.Second,
	})
}

// Close releases the database.
func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
