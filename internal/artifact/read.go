package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"testforge/internal/domain"
)

// Content is a file rendered for display: plain text for .txt, row maps for
// .xlsx.
type Content struct {
	Name string              `json:"name"`
	Kind string              `json:"kind"`
	Text string              `json:"text,omitempty"`
	Rows []map[string]string `json:"rows,omitempty"`
}

// Path resolves name inside w.Dir. Names with path separators are rejected.
func (w Writer) Path(name string) (string, error) {
	name, err := SafeBase(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(w.Dir, name)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return "", fmt.Errorf("%w: file %s", domain.ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return path, nil
}

// ReadFile returns the raw bytes of an artifact for download.
func (w Writer) ReadFile(name string) ([]byte, error) {
	path, err := w.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return data, nil
}

// Read returns the rendered content of a text or spreadsheet artifact.
func (w Writer) Read(name string) (Content, error) {
	path, err := w.Path(name)
	if err != nil {
		return Content{}, err
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return Content{}, fmt.Errorf("%w: %v", domain.ErrIO, err)
		}
		return Content{Name: name, Kind: "text", Text: string(data)}, nil
	case ".xlsx":
		rows, err := ReadRows(path)
		if err != nil {
			return Content{}, err
		}
		return Content{Name: name, Kind: "spreadsheet", Rows: rows}, nil
	default:
		return Content{}, fmt.Errorf("%w: unsupported file type %s", domain.ErrInput, filepath.Ext(name))
	}
}

// ReadRows reads the first sheet of a spreadsheet as header-keyed rows.
func ReadRows(path string) ([]map[string]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open spreadsheet: %v", domain.ErrIO, err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return []map[string]string{}, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read spreadsheet: %v", domain.ErrIO, err)
	}
	out := []map[string]string{}
	if len(rows) == 0 {
		return out, nil
	}
	header := rows[0]
	for _, row := range rows[1:] {
		m := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(row) {
				m[h] = row[i]
			} else {
				m[h] = ""
			}
		}
		out = append(out, m)
	}
	return out, nil
}
