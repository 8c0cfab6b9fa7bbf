package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"testforge/internal/config"
	"testforge/internal/domain"
	"testforge/internal/model"
	"testforge/internal/normalize"
)

type recorder struct {
	mu    sync.Mutex
	calls []model.Request
	reply func(model.Request) (string, error)
}

func (r *recorder) Complete(_ context.Context, req model.Request) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	return r.reply(req)
}

func newOrchestrator(t *testing.T, backend model.Backend) Orchestrator {
	t.Helper()
	return New(backend, *config.Default(), zap.NewNop())
}

const twoRecords = `Title: TC_FUNC_1_Valid_Login
Scenario: User signs in
Steps to reproduce:
1. Open login page
2. Submit valid credentials
Expected Result: Dashboard is shown

Title: TC_FUNC_2_Remember_Me
Scenario: Session persists
Steps to reproduce:
1. Tick remember me
Expected Result: Session survives restart`

func TestGenerateSingleCategoryConcreteScenario(t *testing.T) {
	rec := &recorder{reply: func(model.Request) (string, error) { return twoRecords, nil }}
	o := newOrchestrator(t, rec)

	out, err := o.Generate(context.Background(), Input{
		Title:       "Login",
		Description: "User logs in with valid credentials",
		Categories:  []string{"dashboard_functional"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Contains(t, rec.calls[0].Prompt, "TC_FUNC")
	assert.Contains(t, rec.calls[0].Prompt, "Generate 20 ")
	assert.True(t, strings.HasPrefix(out, "TEST TYPE: dashboard_functional\n"))

	records := normalize.Normalize(out)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "dashboard_functional", r.Section)
	}
}

func TestGenerateSkipsFailedCategory(t *testing.T) {
	rec := &recorder{reply: func(req model.Request) (string, error) {
		if strings.Contains(req.Prompt, "TC_UI") {
			return "", errors.New("quota exceeded")
		}
		if strings.Contains(req.Prompt, "TC_UX") {
			return "   ", nil
		}
		return "Title: TC_FUNC_1_A", nil
	}}
	o := newOrchestrator(t, rec)
	p := NewProgress("req-1")

	out, err := o.Generate(context.Background(), Input{
		Description: "anything",
		Categories:  []string{"dashboard_ui", "dashboard_functional", "dashboard_ux"},
	}, p)
	require.NoError(t, err)
	assert.Len(t, rec.calls, 3)
	assert.Equal(t, "TEST TYPE: dashboard_functional\nTitle: TC_FUNC_1_A", out)

	snap := p.Snapshot()
	assert.False(t, snap.IsGenerating)
	assert.Equal(t, 1, snap.CompletedTypes)
	assert.Equal(t, 3, snap.TotalTypes)
	assert.Equal(t, []string{"dashboard_functional"}, snap.Completed)
}

func TestGenerateFailsWhenEveryCategoryFails(t *testing.T) {
	rec := &recorder{reply: func(model.Request) (string, error) { return "", errors.New("boom") }}
	o := newOrchestrator(t, rec)

	_, err := o.Generate(context.Background(), Input{
		Description: "anything",
		Categories:  []string{"dashboard_ui", "dashboard_ux"},
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Contains(t, err.Error(), "boom")
}

func TestGenerateRejectsBadInput(t *testing.T) {
	rec := &recorder{reply: func(model.Request) (string, error) { return "x", nil }}
	o := newOrchestrator(t, rec)
	cases := map[string]Input{
		"no categories":     {Description: "d"},
		"empty description": {Description: "  ", Categories: []string{"dashboard_ui"}},
		"unknown category":  {Description: "d", Categories: []string{"nope"}},
		"duplicate":         {Description: "d", Categories: []string{"dashboard_ui", "dashboard_ui"}},
		"empty image":       {Categories: []string{"dashboard_ui"}, Image: &model.Image{}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := o.Generate(context.Background(), in, nil)
			assert.ErrorIs(t, err, domain.ErrInput)
		})
	}
	assert.Empty(t, rec.calls)
}

func TestGenerateChunksLongDescriptions(t *testing.T) {
	rec := &recorder{reply: func(req model.Request) (string, error) { return "ok", nil }}
	o := newOrchestrator(t, rec)
	o.ChunkSize = 10

	out, err := o.Generate(context.Background(), Input{
		Description: strings.Repeat("a", 25),
		Categories:  []string{"dashboard_ui"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, rec.calls, 3)
	for i, c := range rec.calls {
		assert.Contains(t, c.Prompt, fmt.Sprintf("Part %d/3 of the requirement:", i+1))
	}
	assert.Equal(t, 1, strings.Count(out, normalize.MarkerPrefix))
}

func TestGenerateVisionFallsBackAcrossModels(t *testing.T) {
	rec := &recorder{reply: func(req model.Request) (string, error) {
		if req.Model == "gemini-2.0-flash" {
			return "Title: TC_UI_1_Header", nil
		}
		return "", fmt.Errorf("model %s unavailable", req.Model)
	}}
	o := newOrchestrator(t, rec)

	out, err := o.Generate(context.Background(), Input{
		Categories: []string{"dashboard_ui"},
		Image:      &model.Image{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, rec.calls, 3)
	assert.Equal(t, []string{"gemini-2.5-flash", "gemini-2.5-pro", "gemini-2.0-flash"},
		[]string{rec.calls[0].Model, rec.calls[1].Model, rec.calls[2].Model})
	assert.NotNil(t, rec.calls[0].Image)
	assert.Contains(t, out, "TC_UI_1_Header")
}

func TestGenerateVisionSurfacesLastError(t *testing.T) {
	rec := &recorder{reply: func(req model.Request) (string, error) {
		return "", fmt.Errorf("model %s unavailable", req.Model)
	}}
	o := newOrchestrator(t, rec)

	_, err := o.Generate(context.Background(), Input{
		Categories: []string{"dashboard_ui"},
		Image:      &model.Image{Data: []byte{1}},
	}, nil)
	require.ErrorIs(t, err, domain.ErrUpstream)
	assert.Contains(t, err.Error(), "gemini-2.0-flash")
}

func TestChunk(t *testing.T) {
	assert.Equal(t, []string{"abc"}, Chunk("abc", 0))
	assert.Equal(t, []string{"abc"}, Chunk("abc", 3))
	assert.Equal(t, []string{"ab", "c"}, Chunk("abc", 2))
	assert.Equal(t, []string{"日本", "語"}, Chunk("日本語", 2))
}

func TestRegistryKeepsRequestsApart(t *testing.T) {
	reg := NewRegistry(2)
	a := reg.Start()
	b := reg.Start()
	a.start(2)
	a.complete("x")
	b.start(5)

	got, ok := reg.Get(a.Snapshot().RequestID)
	require.True(t, ok)
	assert.Equal(t, 1, got.Snapshot().CompletedTypes)
	assert.Equal(t, 2, got.Snapshot().TotalTypes)

	got, ok = reg.Get(b.Snapshot().RequestID)
	require.True(t, ok)
	assert.Equal(t, 0, got.Snapshot().CompletedTypes)
	assert.Equal(t, 5, got.Snapshot().TotalTypes)
}

func TestRegistryEvictsFinishedFirst(t *testing.T) {
	reg := NewRegistry(1)
	a := reg.StartWithID("a")
	a.start(1)
	b := reg.StartWithID("b")
	b.start(1)

	// a is running and b is the newest entry.
	_, okA := reg.Get("a")
	assert.True(t, okA)

	a.finish()
	reg.StartWithID("c")
	_, okA = reg.Get("a")
	_, okB := reg.Get("b")
	assert.False(t, okA)
	assert.True(t, okB)
}
