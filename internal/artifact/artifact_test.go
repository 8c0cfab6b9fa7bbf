package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testforge/internal/domain"
)

func sampleRecords() []domain.TestCaseRecord {
	return []domain.TestCaseRecord{
		{
			Section:        "dashboard_functional",
			Title:          "TC_FUNC_1_Login",
			Scenario:       "User signs in",
			Steps:          []string{"Open page", "Submit form"},
			ExpectedResult: "Dashboard shown",
			Extra:          map[string]string{"Test Data": "user/pass"},
		},
		{
			Section:  "dashboard_ui",
			Title:    "TC_UI_1_Header",
			Priority: "High",
			Extra:    map[string]string{"Preconditions": "Logged in"},
		},
	}
}

func TestWriteProducesBothFiles(t *testing.T) {
	dir := t.TempDir()
	w := Writer{Dir: filepath.Join(dir, "out")}
	raw := "TEST TYPE: dashboard_functional\nTitle: TC_FUNC_1_Login\n"

	files, err := w.Write(context.Background(), raw, sampleRecords(), "test_QA-1")
	require.NoError(t, err)
	assert.Equal(t, Files{Text: "test_QA-1.txt", Spreadsheet: "test_QA-1.xlsx"}, files)

	data, err := os.ReadFile(filepath.Join(w.Dir, files.Text))
	require.NoError(t, err)
	assert.Equal(t, raw, string(data))

	content, err := w.Read(files.Spreadsheet)
	require.NoError(t, err)
	assert.Equal(t, "spreadsheet", content.Kind)
	require.Len(t, content.Rows, 2)
	first := content.Rows[0]
	assert.Equal(t, "TC_FUNC_1_Login", first["Title"])
	assert.Equal(t, "1. Open page\n2. Submit form", first["Steps"])
	assert.Equal(t, "user/pass", first["Test Data"])
	assert.Equal(t, "", first["Preconditions"])
	assert.Equal(t, "", first["Status"])
	assert.Equal(t, "High", content.Rows[1]["Priority"])

	entries, err := os.ReadDir(w.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestTableColumnOrder(t *testing.T) {
	header, rows := Table(sampleRecords())
	assert.Equal(t, []string{
		"Section", "Title", "Scenario", "Steps", "Expected Result", "Status", "Actual Result", "Priority",
		"Preconditions", "Test Data",
	}, header)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Len(t, row, len(header))
	}
}

func TestColumnWidthsCapped(t *testing.T) {
	widths := ColumnWidths([]string{"A", "Title"}, [][]string{{strings.Repeat("x", 80), "日本"}})
	assert.Equal(t, []float64{MaxColumnWidth, 7}, widths)
}

func TestWriteRejectsUnsafeNames(t *testing.T) {
	w := Writer{Dir: t.TempDir()}
	for _, name := range []string{"", "..", "../escape", "a/b"} {
		_, err := w.Write(context.Background(), "x", nil, name)
		assert.ErrorIs(t, err, domain.ErrInput, name)
	}
}

func TestWriteFailsOnUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := Writer{Dir: filepath.Join(blocker, "sub")}.Write(context.Background(), "x", sampleRecords(), "run")
	assert.ErrorIs(t, err, domain.ErrIO)
}

func TestReadText(t *testing.T) {
	w := Writer{Dir: t.TempDir()}
	require.NoError(t, os.WriteFile(filepath.Join(w.Dir, "a.txt"), []byte("hello"), 0o644))

	c, err := w.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", c.Text)

	_, err = w.Read("missing.txt")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = w.Read("../a.txt")
	assert.ErrorIs(t, err, domain.ErrInput)
}
