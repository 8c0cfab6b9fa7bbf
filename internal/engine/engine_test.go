package engine_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
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
	"testforge/internal/source"
)

const completion = `Title: TC_FUNC_1_Valid_Login
Scenario: User signs in
Steps to reproduce:
1. Open login page
2. Submit valid credentials
Expected Result: Dashboard is shown

Title: TC_FUNC_2_Invalid_Password
Scenario: Wrong password
Steps to reproduce:
1. Submit a wrong password
Expected Result: Error is shown`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Dir    string
	Calls  *int
}

func newTestEnv(t *testing.T, reply model.Func) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	calls := 0
	backend := model.Func(func(ctx context.Context, req model.Request) (string, error) {
		calls++
		return reply(ctx, req)
	})
	cfg := config.Default()
	eng := engine.New(repo.Repo{DB: conn}, generate.New(backend, *cfg, zap.NewNop()), cfg, dir, zap.NewNop())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx, Dir: dir, Calls: &calls}
}

func fixed(text string) model.Func {
	return func(context.Context, model.Request) (string, error) { return text, nil }
}

func TestGenerateTextEndToEnd(t *testing.T) {
	env := newTestEnv(t, fixed(completion))
	progress := generate.NewProgress("req")
	run, err := env.Engine.GenerateText(env.Ctx, engine.TextRequest{
		Title:       "Login",
		Description: "User logs in with valid credentials",
		Categories:  []string{"dashboard_functional"},
		ActorID:     "tester",
	}, progress)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if *env.Calls != 1 {
		t.Fatalf("expected one model call, got %d", *env.Calls)
	}
	if len(run.TestCases) != 2 {
		t.Fatalf("expected 2 records, got %d", len(run.TestCases))
	}
	for _, rec := range run.TestCases {
		if rec.Section != "dashboard_functional" {
			t.Fatalf("unexpected section %q", rec.Section)
		}
	}
	if !strings.HasPrefix(run.Files.Text, "test_text_20240101_093000_") {
		t.Fatalf("unexpected text file %s", run.Files.Text)
	}
	if _, err := os.Stat(filepath.Join(env.Dir, "tests", "generated", run.Files.Spreadsheet)); err != nil {
		t.Fatalf("spreadsheet missing: %v", err)
	}
	doc, err := env.Engine.Repo.Get(env.Ctx, run.URLKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Source.Kind != domain.ShapeFlat || doc.Source.Len() != 2 || len(doc.Status) != 0 {
		t.Fatalf("unexpected stored document: %+v", doc)
	}
	if snap := progress.Snapshot(); snap.CompletedTypes != 1 || snap.IsGenerating {
		t.Fatalf("unexpected progress: %+v", snap)
	}
}

func TestGenerateTextRequiresDescription(t *testing.T) {
	env := newTestEnv(t, fixed(completion))
	_, err := env.Engine.GenerateText(env.Ctx, engine.TextRequest{Categories: []string{"dashboard_ui"}}, nil)
	if !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
	if *env.Calls != 0 {
		t.Fatalf("no model call expected")
	}
}

func TestGenerateTextWithoutRecordsFails(t *testing.T) {
	env := newTestEnv(t, fixed("I cannot help with that."))
	_, err := env.Engine.GenerateText(env.Ctx, engine.TextRequest{
		Description: "anything",
		Categories:  []string{"dashboard_ui"},
	}, nil)
	if !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	items, _ := env.Engine.Repo.List(env.Ctx, 0)
	if len(items) != 0 {
		t.Fatalf("nothing should be saved, got %d", len(items))
	}
}

type fakeSource map[string]source.Issue

func (f fakeSource) Fetch(_ context.Context, id string) (source.Issue, error) {
	issue, ok := f[id]
	if !ok {
		return source.Issue{}, domain.ErrNotFound
	}
	return issue, nil
}

func TestGenerateFromIssuesSkipsFailedItems(t *testing.T) {
	env := newTestEnv(t, fixed(completion))
	src := fakeSource{
		"QA-1": {ID: "QA-1", Title: "Login", Description: "User logs in"},
		"QA-3": {ID: "QA-3", Title: "Empty"},
	}
	batch, err := env.Engine.GenerateFromIssues(env.Ctx, engine.IssueRequest{
		Source:     src,
		ItemIDs:    []string{"QA-1", "QA-2", "QA-3", "QA-1", " "},
		Categories: []string{"dashboard_functional"},
		ActorID:    "tester",
	}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(batch.Runs) != 1 || batch.Runs[0].ItemID != "QA-1" {
		t.Fatalf("unexpected runs: %+v", batch.Runs)
	}
	if batch.Runs[0].Files.Text != "test_QA-1.txt" {
		t.Fatalf("unexpected file name %s", batch.Runs[0].Files.Text)
	}
	if len(batch.Failed) != 2 {
		t.Fatalf("expected 2 failures, got %+v", batch.Failed)
	}
	doc, err := env.Engine.Repo.Get(env.Ctx, batch.Runs[0].URLKey)
	if err != nil || doc.ItemID != "QA-1" {
		t.Fatalf("stored item id mismatch: %v %+v", err, doc)
	}
}

func TestGenerateFromIssuesFailsWhenNothingSucceeds(t *testing.T) {
	env := newTestEnv(t, fixed(completion))
	_, err := env.Engine.GenerateFromIssues(env.Ctx, engine.IssueRequest{
		Source:     fakeSource{},
		ItemIDs:    []string{"QA-9"},
		Categories: []string{"dashboard_functional"},
	}, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGenerateFromImageKeepsImageOnSuccess(t *testing.T) {
	env := newTestEnv(t, func(_ context.Context, req model.Request) (string, error) {
		if req.Image == nil {
			return "", errors.New("expected image")
		}
		return "Title: TC_UI_1_Header\nScenario: Header renders", nil
	})
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)
	run, err := env.Engine.GenerateFromImage(env.Ctx, engine.ImageRequest{
		Data:       png,
		Filename:   "mock.png",
		Categories: []string{"dashboard_ui"},
	}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(run.SourceImage, "image_20240101_093000_") || !strings.HasSuffix(run.SourceImage, ".png") {
		t.Fatalf("unexpected image name %s", run.SourceImage)
	}
	if !strings.HasPrefix(run.Files.Text, "test_image_20240101_093000_") {
		t.Fatalf("unexpected base name %s", run.Files.Text)
	}
	if _, err := os.Stat(filepath.Join(env.Engine.ImagesDir, run.SourceImage)); err != nil {
		t.Fatalf("image should be kept: %v", err)
	}
}

func TestGenerateFromImageRemovesImageOnFailure(t *testing.T) {
	env := newTestEnv(t, func(context.Context, model.Request) (string, error) {
		return "", errors.New("vision unavailable")
	})
	_, err := env.Engine.GenerateFromImage(env.Ctx, engine.ImageRequest{
		Data:       append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...),
		Categories: []string{"dashboard_ui"},
	}, nil)
	if !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	entries, _ := os.ReadDir(env.Engine.ImagesDir)
	if len(entries) != 0 {
		t.Fatalf("stored image should be removed, found %d files", len(entries))
	}
	if *env.Calls != 3 {
		t.Fatalf("expected one call per vision model, got %d", *env.Calls)
	}
}

func TestGenerateFromImageURL(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shots/checkout.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}))
	defer srv.Close()

	env := newTestEnv(t, func(_ context.Context, req model.Request) (string, error) {
		if req.Image == nil {
			return "", errors.New("expected image")
		}
		return "Title: TC_UI_1_Checkout\nScenario: Checkout renders", nil
	})
	run, err := env.Engine.GenerateFromImage(env.Ctx, engine.ImageRequest{
		URL:        srv.URL + "/shots/checkout.png",
		Categories: []string{"dashboard_ui"},
	}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	stored, err := os.ReadFile(filepath.Join(env.Engine.ImagesDir, run.SourceImage))
	if err != nil {
		t.Fatalf("downloaded image should be stored: %v", err)
	}
	if string(stored) != string(png) || !strings.HasSuffix(run.SourceImage, ".png") {
		t.Fatalf("unexpected stored image %s (%d bytes)", run.SourceImage, len(stored))
	}

	_, err = env.Engine.GenerateFromImage(env.Ctx, engine.ImageRequest{
		URL:        srv.URL + "/missing.png",
		Categories: []string{"dashboard_ui"},
	}, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = env.Engine.GenerateFromImage(env.Ctx, engine.ImageRequest{
		Data:       png,
		URL:        srv.URL + "/shots/checkout.png",
		Categories: []string{"dashboard_ui"},
	}, nil)
	if !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error when both are set, got %v", err)
	}
}

func TestGenerateFromImageRejectsNonImage(t *testing.T) {
	env := newTestEnv(t, fixed(completion))
	_, err := env.Engine.GenerateFromImage(env.Ctx, engine.ImageRequest{
		Data:       []byte("plain text, not an image"),
		Categories: []string{"dashboard_ui"},
	}, nil)
	if !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestImportAndExportLegacyDocument(t *testing.T) {
	env := newTestEnv(t, fixed(completion))
	key, err := env.Engine.ImportDocument(env.Ctx, []byte(`{"project":"portal","test_cases":[
		{"id":7,"title":"TC_UI_1_Header","content":"Header renders","status":"Pass"}
	]}`), "LEG-1", "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	text, err := env.Engine.ExportText(env.Ctx, key)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, want := range []string{"TEST TYPE: General", "Title: TC_UI_1_Header", "Scenario: Header renders", "Status: Pass"} {
		if !strings.Contains(text, want) {
			t.Fatalf("export missing %q:\n%s", want, text)
		}
	}
	if _, err := env.Engine.ImportDocument(env.Ctx, []byte(`"nope"`), "", ""); !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestIssueSourceOverrides(t *testing.T) {
	env := newTestEnv(t, fixed(completion))
	env.Engine.Config.Jira.URL = "https://configured.atlassian.net"
	env.Engine.Config.Jira.User = "cfg-user"

	src, err := env.Engine.IssueSource("jira", engine.Credentials{User: "override", Token: "tok"})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	j, ok := src.(source.Jira)
	if !ok {
		t.Fatalf("expected jira source, got %T", src)
	}
	if j.BaseURL != "https://configured.atlassian.net" || j.User != "override" || j.Token != "tok" {
		t.Fatalf("unexpected jira settings: %+v", j)
	}
	if _, err := env.Engine.IssueSource("github", engine.Credentials{}); !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestIssueSourceForeignURLNeverGetsConfiguredSecrets(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		mu.Lock()
		seen = append(seen, user+":"+pass)
		mu.Unlock()
		io.WriteString(w, `{"key":"QA-1","fields":{"summary":"Login","description":"Users sign in"}}`)
	}))
	defer srv.Close()

	env := newTestEnv(t, fixed(completion))
	env.Engine.Config.Jira.URL = "https://configured.atlassian.net"
	env.Engine.Config.Jira.User = "svc@company"
	env.Engine.Config.Jira.Token = "SERVER-SECRET"
	env.Engine.Config.Azure.URL = "https://dev.azure.com"
	env.Engine.Config.Azure.PAT = "SERVER-PAT"

	if _, err := env.Engine.IssueSource("jira", engine.Credentials{URL: srv.URL}); !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error for jira url without token, got %v", err)
	}
	if _, err := env.Engine.IssueSource("azure", engine.Credentials{URL: srv.URL}); !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error for azure url without token, got %v", err)
	}

	src, err := env.Engine.IssueSource("jira", engine.Credentials{URL: srv.URL + "/", Token: "caller-token"})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if j := src.(source.Jira); j.User != "" || j.Token != "caller-token" {
		t.Fatalf("configured identity leaked into override: %+v", j)
	}
	if _, err := src.Fetch(env.Ctx, "QA-1"); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	az, err := env.Engine.IssueSource("azure", engine.Credentials{URL: srv.URL, Token: "caller-pat"})
	if err != nil {
		t.Fatalf("azure source: %v", err)
	}
	if a := az.(source.Azure); a.PAT != "caller-pat" {
		t.Fatalf("unexpected azure pat: %+v", a)
	}

	// Restating the configured URL is not an override.
	same, err := env.Engine.IssueSource("jira", engine.Credentials{URL: "https://configured.atlassian.net/"})
	if err != nil {
		t.Fatalf("same-host source: %v", err)
	}
	if j := same.(source.Jira); j.Token != "SERVER-SECRET" {
		t.Fatalf("configured host should keep configured token: %+v", j)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != ":caller-token" {
		t.Fatalf("unexpected credentials at foreign host: %v", seen)
	}
	for _, cred := range seen {
		if strings.Contains(cred, "SERVER-SECRET") || strings.Contains(cred, "svc@company") {
			t.Fatalf("configured secret reached foreign host: %q", cred)
		}
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"QA-1":       "QA-1",
		"../etc/pwd": "etcpwd",
		"a b_c":      "ab_c",
		"///":        "item",
	}
	for in, want := range cases {
		if got := engine.SafeName(in); got != want {
			t.Fatalf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}
