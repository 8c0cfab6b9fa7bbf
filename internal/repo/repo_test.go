package repo_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"testforge/internal/db"
	"testforge/internal/domain"
	"testforge/internal/migrate"
	"testforge/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	r.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return r, ctx
}

func flatDoc() domain.Source {
	return domain.FlatSource([]domain.TestCaseRecord{
		{Section: "dashboard_functional", Title: "TC_FUNC_1_Login", Steps: []string{"open"}},
		{Section: "dashboard_functional", Title: "TC_FUNC_2_Logout", Steps: []string{"close"}},
	})
}

func legacyDoc() domain.Source {
	return domain.NestedSourceOf(domain.NestedSource{TestCases: []domain.LegacyCase{
		{ID: "11", Title: "TC_UI_1_Header_Alignment", Content: "header should align"},
		{ID: "12", Title: "Footer check", Content: "verify TC_UI_9_Footer renders"},
		{ID: "13", Title: "Untitled", Content: "nothing"},
	}})
}

func TestSaveStartsWithEmptyStatus(t *testing.T) {
	r, ctx := newTestRepo(t)
	key, err := r.Save(ctx, flatDoc(), "QA-1", "tester")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(key) != 36 {
		t.Fatalf("expected uuid key, got %q", key)
	}
	doc, err := r.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(doc.Status) != 0 {
		t.Fatalf("expected empty status map, got %v", doc.Status)
	}
	if doc.ItemID != "QA-1" || doc.Source.Kind != domain.ShapeFlat || doc.Source.Len() != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestGetMissing(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.Get(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.UpdateStatus(ctx, "nope", "TC", "Pass", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	if _, err := r.StatusValues(ctx, "nope", true, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on status values, got %v", err)
	}
}

func TestUpdateStatusFlatConverges(t *testing.T) {
	r, ctx := newTestRepo(t)
	key, _ := r.Save(ctx, flatDoc(), "", "tester")
	res, err := r.UpdateStatus(ctx, key, "TC_FUNC_2_Logout", "Fail", "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !res.Embedded || res.Path != "$[1].status" {
		t.Fatalf("unexpected result: %+v", res)
	}
	doc, _ := r.Get(ctx, key)
	if doc.Status["TC_FUNC_2_Logout"] != "Fail" {
		t.Fatalf("central map not updated: %v", doc.Status)
	}
	if doc.Source.Flat[1].Status != "Fail" {
		t.Fatalf("embedded status not updated: %+v", doc.Source.Flat[1])
	}
	if doc.Source.Flat[0].Status != "" {
		t.Fatalf("wrong record touched: %+v", doc.Source.Flat[0])
	}
}

func TestUpdateStatusIdempotent(t *testing.T) {
	r, ctx := newTestRepo(t)
	key, _ := r.Save(ctx, flatDoc(), "", "tester")
	for i := 0; i < 2; i++ {
		if _, err := r.UpdateStatus(ctx, key, "TC_FUNC_1_Login", "Pass", "tester"); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	got, err := r.StatusValues(ctx, key, true, "tester")
	if err != nil {
		t.Fatalf("status values: %v", err)
	}
	if len(got) != 1 || got["TC_FUNC_1_Login"] != "Pass" {
		t.Fatalf("expected single Pass entry, got %v", got)
	}
}

func TestUpdateStatusMissKeepsCentralWrite(t *testing.T) {
	r, ctx := newTestRepo(t)
	key, _ := r.Save(ctx, flatDoc(), "", "tester")
	res, err := r.UpdateStatus(ctx, key, "TC_FUNC_1_Renamed", "Blocked", "tester")
	if !errors.Is(err, domain.ErrReconciliationMiss) {
		t.Fatalf("expected reconciliation miss, got %v", err)
	}
	if res.Embedded {
		t.Fatalf("embedded should be false")
	}
	doc, _ := r.Get(ctx, key)
	if doc.Status["TC_FUNC_1_Renamed"] != "Blocked" {
		t.Fatalf("central map should hold the status: %v", doc.Status)
	}
	for _, rec := range doc.Source.Flat {
		if rec.Status != "" {
			t.Fatalf("no embedded record should change: %+v", rec)
		}
	}
	// A forced rebuild drops statuses that exist only centrally.
	got, err := r.StatusValues(ctx, key, true, "tester")
	if err != nil {
		t.Fatalf("status values: %v", err)
	}
	if _, ok := got["TC_FUNC_1_Renamed"]; ok {
		t.Fatalf("forced refresh should rebuild from embedded records, got %v", got)
	}
}

func TestUpdateStatusLegacyMatchOrder(t *testing.T) {
	cases := []struct {
		name  string
		title string
		path  string
	}{
		{"title substring", "Header_Alignment", "$.test_cases[0].status"},
		{"ui identifier", "TC_UI_1_Header_Misaligned", "$.test_cases[0].status"},
		{"content substring", "TC_UI_9_Footer", "$.test_cases[1].status"},
		{"legacy id", "13", "$.test_cases[2].status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, ctx := newTestRepo(t)
			key, err := r.Save(ctx, legacyDoc(), "", "tester")
			if err != nil {
				t.Fatalf("save: %v", err)
			}
			res, err := r.UpdateStatus(ctx, key, tc.title, "Pass", "tester")
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if res.Path != tc.path {
				t.Fatalf("path = %s, want %s", res.Path, tc.path)
			}
			doc, _ := r.Get(ctx, key)
			if doc.Status[tc.title] != "Pass" {
				t.Fatalf("central map missing %s: %v", tc.title, doc.Status)
			}
		})
	}
}

func TestUpdateStatusLegacyFirstMatchingRecordWins(t *testing.T) {
	r, ctx := newTestRepo(t)
	src := domain.NestedSourceOf(domain.NestedSource{TestCases: []domain.LegacyCase{
		{ID: "21", Title: "Checkout flow", Content: "covers TC_PAY_3_Card_Declined"},
		{ID: "22", Title: "TC_PAY_3_Card_Declined", Content: "card is declined"},
	}})
	key, err := r.Save(ctx, src, "", "tester")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	res, err := r.UpdateStatus(ctx, key, "TC_PAY_3_Card_Declined", "Fail", "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	// Records are walked in order; a content hit on an earlier record beats a
	// title hit on a later one.
	if res.Path != "$.test_cases[0].status" {
		t.Fatalf("path = %s, want $.test_cases[0].status", res.Path)
	}
	doc, _ := r.Get(ctx, key)
	if doc.Source.Nested.TestCases[0].Status != "Fail" || doc.Source.Nested.TestCases[1].Status != "" {
		t.Fatalf("unexpected embedded statuses: %+v", doc.Source.Nested.TestCases)
	}
}

func TestUpdateStatusConcurrentWritersAllLand(t *testing.T) {
	r, ctx := newTestRepo(t)
	const n = 20
	recs := make([]domain.TestCaseRecord, n)
	for i := range recs {
		recs[i] = domain.TestCaseRecord{Title: fmt.Sprintf("TC_LOAD_%d_Case", i+1)}
	}
	key, err := r.Save(ctx, domain.FlatSource(recs), "", "tester")
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, rec := range recs {
		wg.Add(1)
		go func(title string) {
			defer wg.Done()
			if _, err := r.UpdateStatus(ctx, key, title, "Pass", "tester"); err != nil {
				errs <- fmt.Errorf("%s: %w", title, err)
			}
		}(rec.Title)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent update failed: %v", err)
	}

	doc, err := r.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(doc.Status) != n {
		t.Fatalf("central map has %d entries, want %d", len(doc.Status), n)
	}
	for i, rec := range doc.Source.Flat {
		if rec.Status != "Pass" {
			t.Fatalf("record %d lost its embedded status: %+v", i, rec)
		}
	}
}

func TestStatusValuesPrefersCentralMap(t *testing.T) {
	r, ctx := newTestRepo(t)
	key, _ := r.Save(ctx, legacyDoc(), "", "tester")
	if _, err := r.UpdateStatus(ctx, key, "TC_UI_1_Header_Alignment", "Fail", "tester"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := r.UpdateStatus(ctx, key, "ghost", "Pass", "tester"); !errors.Is(err, domain.ErrReconciliationMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	got, err := r.StatusValues(ctx, key, false, "tester")
	if err != nil {
		t.Fatalf("status values: %v", err)
	}
	if got["ghost"] != "Pass" || got["TC_UI_1_Header_Alignment"] != "Fail" {
		t.Fatalf("expected central map untouched, got %v", got)
	}
	events, err := r.ListEvents(ctx, key)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestStatusValuesRebuildsEmptyCentralMap(t *testing.T) {
	r, ctx := newTestRepo(t)
	src := domain.FlatSource([]domain.TestCaseRecord{
		{Title: "TC_A_1_X", Status: "Pass"},
		{Title: "TC_A_2_Y"},
	})
	key, _ := r.Save(ctx, src, "", "tester")
	got, err := r.StatusValues(ctx, key, false, "tester")
	if err != nil {
		t.Fatalf("status values: %v", err)
	}
	if len(got) != 1 || got["TC_A_1_X"] != "Pass" {
		t.Fatalf("unexpected rebuilt map: %v", got)
	}
	doc, _ := r.Get(ctx, key)
	if doc.Status["TC_A_1_X"] != "Pass" {
		t.Fatalf("rebuilt map not persisted: %v", doc.Status)
	}
}

func TestListSummaries(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.Save(ctx, flatDoc(), "QA-1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Save(ctx, legacyDoc(), "", ""); err != nil {
		t.Fatal(err)
	}
	items, err := r.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(items))
	}
	for _, it := range items {
		if it.Cases == 0 {
			t.Fatalf("summary without cases: %+v", it)
		}
	}
}

func TestAPIKeys(t *testing.T) {
	r, ctx := newTestRepo(t)
	key, plain, err := r.CreateAPIKey(ctx, "qa-bot", "ci")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ActorID != "qa-bot" || got.ID != key.ID {
		t.Fatalf("unexpected key: %+v", got)
	}
	if err := r.RevokeAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after revoke, got %v", err)
	}
}
