package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"testforge/internal/domain"
	"testforge/internal/engine"
	"testforge/internal/generate"
)

const maxImageBody = 32 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Progress *generate.Registry
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found: document 3f2a"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the testforge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Progress == nil {
		cfg.Progress = generate.NewRegistry(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageBody))
			r.Body = io.NopCloser(bytes.NewBuffer(body))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("testforge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, progress: cfg.Progress, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	registerCategories(group, h)
	registerGenerate(group, h)
	registerProgress(group, h)
	registerShares(group, h)
	registerStatus(group, h)
	registerFiles(group, h)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	engine   engine.Engine
	progress *generate.Registry
	logger   *zap.Logger
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrUpstream):
		return newAPIError(http.StatusBadGateway, "upstream_failed", msg, nil)
	case errors.Is(err, domain.ErrPersistence):
		return newAPIError(http.StatusInternalServerError, "persistence_failed", msg, nil)
	case errors.Is(err, domain.ErrIO):
		return newAPIError(http.StatusInternalServerError, "io_failed", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadGateway:
		return "upstream_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

// applyAuthSecurity marks mutating operations as requiring a bearer token or
// API key; reads stay anonymous.
func applyAuthSecurity(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if strings.HasSuffix(route, "/auth/dev/login") {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>testforge API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCategories(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-categories",
		Method:      http.MethodGet,
		Path:        "/categories",
		Summary:     "Configured test categories",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CategoryResponse `json:"body"`
	}, error) {
		out := []CategoryResponse{}
		if cfg := h.engine.Config; cfg != nil {
			for _, name := range cfg.CategoryNames() {
				c := cfg.Categories[name]
				out = append(out, CategoryResponse{Name: name, Prefix: c.Prefix, Count: c.Count, Focus: c.Focus})
			}
		}
		return &struct {
			Body []CategoryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func (h handlers) categories(requested []string) []string {
	if len(requested) > 0 || h.engine.Config == nil {
		return requested
	}
	return h.engine.Config.CategoryNames()
}

func (h handlers) startProgress(id string) *generate.Progress {
	if id = strings.TrimSpace(id); id != "" {
		return h.progress.StartWithID(id)
	}
	return h.progress.Start()
}

func registerGenerate(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "generate",
		Method:      http.MethodPost,
		Path:        "/generate",
		Summary:     "Generate test cases from text or tracker items",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body GenerateRequest `json:"body"`
	}) (*struct {
		Body GenerateResponse `json:"body"`
	}, error) {
		req := input.Body
		progress := h.startProgress(req.RequestID)
		resp := GenerateResponse{RequestID: progress.Snapshot().RequestID, Runs: []RunResponse{}}
		categories := h.categories(req.Categories)

		switch req.SourceType {
		case "text":
			run, err := h.engine.GenerateText(ctx, engine.TextRequest{
				Title:       req.Title,
				Description: req.Description,
				Categories:  categories,
				ActorID:     actorID(ctx),
			}, progress)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Runs = append(resp.Runs, mapRun(run))
		case "jira", "azure":
			var creds engine.Credentials
			if req.Credentials != nil {
				creds = *req.Credentials
			}
			src, err := h.engine.IssueSource(req.SourceType, creds)
			if err != nil {
				return nil, handleError(err)
			}
			batch, err := h.engine.GenerateFromIssues(ctx, engine.IssueRequest{
				Source:     src,
				ItemIDs:    req.ItemIDs,
				Categories: categories,
				ActorID:    actorID(ctx),
			}, progress)
			if err != nil {
				return nil, handleError(err)
			}
			for _, r := range batch.Runs {
				resp.Runs = append(resp.Runs, mapRun(r))
			}
			resp.Failed = batch.Failed
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown source_type "+req.SourceType, nil)
		}
		return &struct {
			Body GenerateResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "generate-image",
		Method:       http.MethodPost,
		Path:         "/generate/image",
		Summary:      "Generate test cases from a screenshot or mockup",
		MaxBodyBytes: maxImageBody,
		Errors:       []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body GenerateImageRequest `json:"body"`
	}) (*struct {
		Body GenerateResponse `json:"body"`
	}, error) {
		req := input.Body
		var data []byte
		switch {
		case req.ImageBase64 != "":
			var err error
			data, err = base64.StdEncoding.DecodeString(req.ImageBase64)
			if err != nil || len(data) == 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "image_base64 must be non-empty base64", nil)
			}
		case req.ImageURL == "":
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "image_base64 or image_url is required", nil)
		}
		mimeType := req.MIMEType
		if mimeType == "" && req.Filename != "" {
			mimeType = mime.TypeByExtension(filepath.Ext(req.Filename))
		}
		progress := h.startProgress(req.RequestID)
		run, err := h.engine.GenerateFromImage(ctx, engine.ImageRequest{
			Data:       data,
			URL:        req.ImageURL,
			Filename:   req.Filename,
			MIMEType:   mimeType,
			Title:      req.Title,
			Categories: h.categories(req.Categories),
			ActorID:    actorID(ctx),
		}, progress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GenerateResponse `json:"body"`
		}{Body: GenerateResponse{RequestID: progress.Snapshot().RequestID, Runs: []RunResponse{mapRun(run)}}}, nil
	})
}

func registerProgress(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/progress/{request_id}",
		Summary:     "Generation progress of one request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		p, ok := h.progress.Get(input.RequestID)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown request id", nil)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: p.Snapshot()}, nil
	})
}

func registerShares(api huma.API, h handlers) {
	type sharePath struct {
		URLKey string `path:"url_key"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-shares",
		Method:      http.MethodGet,
		Path:        "/shares",
		Summary:     "List shared documents",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []ShareSummaryResponse `json:"body"`
	}, error) {
		items, err := h.engine.Repo.List(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ShareSummaryResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-share",
		Method:      http.MethodPost,
		Path:        "/shares",
		Summary:     "Import an existing document",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ImportRequest `json:"body"`
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		data, err := json.Marshal(input.Body.Source)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		key, err := h.engine.ImportDocument(ctx, data, input.Body.ItemID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: ImportResponse{URLKey: key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-share",
		Method:      http.MethodGet,
		Path:        "/shares/{url_key}",
		Summary:     "Get a shared document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sharePath) (*struct {
		Body ShareResponse `json:"body"`
	}, error) {
		doc, err := h.engine.Repo.Get(ctx, input.URLKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ShareResponse `json:"body"`
		}{Body: mapShare(doc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-share-text",
		Method:      http.MethodGet,
		Path:        "/shares/{url_key}/text",
		Summary:     "Render a shared document as marker-tagged text",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sharePath) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		text, err := h.engine.ExportText(ctx, input.URLKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "text/plain; charset=utf-8", Body: []byte(text)}, nil
	})
}

func registerStatus(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "get-status-values",
		Method:      http.MethodGet,
		Path:        "/shares/{url_key}/status",
		Summary:     "Title to status map of a document",
		Description: "An empty central map is seeded from the embedded records; a populated one is returned as stored.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		URLKey string `path:"url_key"`
	}) (*struct {
		Body StatusValuesResponse `json:"body"`
	}, error) {
		values, err := h.engine.Repo.StatusValues(ctx, input.URLKey, false, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusValuesResponse `json:"body"`
		}{Body: StatusValuesResponse{URLKey: input.URLKey, Status: values}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resync-status",
		Method:      http.MethodPost,
		Path:        "/shares/{url_key}/status/resync",
		Summary:     "Rebuild the status map from the embedded records",
		Description: "Replaces the central map. Statuses that exist only centrally are dropped.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		URLKey string `path:"url_key"`
	}) (*struct {
		Body StatusValuesResponse `json:"body"`
	}, error) {
		values, err := h.engine.Repo.StatusValues(ctx, input.URLKey, true, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		h.logger.Info("status map resynced", zap.String("url_key", input.URLKey), zap.Int("entries", len(values)))
		return &struct {
			Body StatusValuesResponse `json:"body"`
		}{Body: StatusValuesResponse{URLKey: input.URLKey, Status: values}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-status",
		Method:      http.MethodPut,
		Path:        "/shares/{url_key}/status",
		Summary:     "Set the status of one test case",
		Description: "The central status map is always written. reconciled=false means no embedded test case matched the title.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		URLKey string `path:"url_key"`
		Body   StatusUpdateRequest
	}) (*struct {
		Body StatusUpdateResponse `json:"body"`
	}, error) {
		res, err := h.engine.Repo.UpdateStatus(ctx, input.URLKey, input.Body.Title, input.Body.Status, actorID(ctx))
		out := StatusUpdateResponse{
			URLKey:     input.URLKey,
			Title:      input.Body.Title,
			Status:     input.Body.Status,
			Reconciled: res.Embedded,
			Path:       res.Path,
		}
		switch {
		case errors.Is(err, domain.ErrReconciliationMiss):
			out.Warning = err.Error()
			h.logger.Info("status stored without embedded match", zap.String("url_key", input.URLKey), zap.String("title", input.Body.Title))
		case err != nil:
			return nil, handleError(err)
		}
		return &struct {
			Body StatusUpdateResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerFiles(api huma.API, h handlers) {
	type filePath struct {
		Name string `path:"name"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "download-file",
		Method:      http.MethodGet,
		Path:        "/files/{name}",
		Summary:     "Download a generated artifact",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *filePath) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		data, err := h.engine.Artifacts.ReadFile(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		ctype := mime.TypeByExtension(filepath.Ext(input.Name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        ctype,
			ContentDisposition: mime.FormatMediaType("attachment", map[string]string{"filename": input.Name}),
			Body:               data,
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-file-content",
		Method:      http.MethodGet,
		Path:        "/files/{name}/content",
		Summary:     "Read a generated artifact as text or rows",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *filePath) (*struct {
		Body any `json:"body"`
	}, error) {
		content, err := h.engine.Artifacts.Read(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body any `json:"body"`
		}{Body: content}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if !authCfg.enabled() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "auth is disabled; set TESTFORGE_JWT_SECRET", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, authCfg.TokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}
