package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"testforge/internal/domain"
	"testforge/internal/events"
)

// Repo is the record store adapter. It owns every read and write of shared documents.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
	// NewKey overrides url_key generation in tests.
	NewKey func() string
}

var ErrNotFound = domain.ErrNotFound

// DocumentSummary is the listing row for a shared document.
type DocumentSummary struct {
	URLKey    string           `json:"url_key"`
	CreatedAt string           `json:"created_at" format:"date-time"`
	ItemID    string           `json:"item_id,omitempty"`
	Shape     domain.ShapeKind `json:"shape"`
	Cases     int              `json:"cases"`
	Statuses  int              `json:"statuses"`
}

// StatusUpdate describes what UpdateStatus changed.
type StatusUpdate struct {
	URLKey   string `json:"url_key"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Embedded bool   `json:"embedded"`
	Path     string `json:"path,omitempty"`
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (r Repo) newKey() string {
	if r.NewKey != nil {
		return r.NewKey()
	}
	return uuid.NewString()
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, op, err)
}

// Save stores src under a fresh random key with an empty status map.
func (r Repo) Save(ctx context.Context, src domain.Source, itemID, actorID string) (string, error) {
	payload, err := json.Marshal(src)
	if err != nil {
		return "", fmt.Errorf("encode source: %w", err)
	}
	key := r.newKey()
	now := r.now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", persistErr("begin", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents(url_key,created_at,updated_at,item_id,source_kind,source_json,status_json) VALUES (?,?,?,?,?,?,'{}')`,
		key, now, now, nullable(itemID), string(src.Kind), string(payload)); err != nil {
		return "", persistErr("insert document", err)
	}
	if err := r.Events.Append(ctx, tx, events.DocumentCreated, key, actorID, events.Payload{
		"item_id": itemID,
		"shape":   src.Kind,
		"cases":   src.Len(),
	}); err != nil {
		return "", persistErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return "", persistErr("commit", err)
	}
	return key, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadDocument(ctx context.Context, q queryer, key string) (domain.SharedDocument, error) {
	var (
		doc        domain.SharedDocument
		itemID     sql.NullString
		sourceJSON string
		statusJSON string
	)
	err := q.QueryRowContext(ctx, `SELECT url_key,created_at,updated_at,item_id,source_json,status_json FROM documents WHERE url_key=?`, key).
		Scan(&doc.URLKey, &doc.CreatedAt, &doc.UpdatedAt, &itemID, &sourceJSON, &statusJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, fmt.Errorf("document %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return doc, persistErr("load document", err)
	}
	doc.ItemID = itemID.String
	if err := json.Unmarshal([]byte(sourceJSON), &doc.Source); err != nil {
		return doc, fmt.Errorf("decode source of %s: %w", key, err)
	}
	doc.Status = map[string]string{}
	if err := json.Unmarshal([]byte(statusJSON), &doc.Status); err != nil {
		return doc, fmt.Errorf("decode status of %s: %w", key, err)
	}
	return doc, nil
}

// Get returns the document stored under key.
func (r Repo) Get(ctx context.Context, key string) (domain.SharedDocument, error) {
	return loadDocument(ctx, r.DB, key)
}

// UpdateStatus writes status into the central map for title, then tries to set
// the embedded status of the matching test case. Both writes share one
// transaction. When no embedded case matches, the central write is still
// committed and ErrReconciliationMiss is returned alongside the result.
func (r Repo) UpdateStatus(ctx context.Context, key, title, status, actorID string) (StatusUpdate, error) {
	res := StatusUpdate{URLKey: key, Title: title, Status: status}
	if title == "" {
		return res, fmt.Errorf("%w: test case title is required", domain.ErrInput)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, persistErr("begin", err)
	}
	defer tx.Rollback()
	doc, err := loadDocument(ctx, tx, key)
	if err != nil {
		return res, err
	}
	now := r.now()

	doc.Status[title] = status
	central, err := json.Marshal(doc.Status)
	if err != nil {
		return res, fmt.Errorf("encode status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET status_json=?, updated_at=? WHERE url_key=?`, string(central), now, key); err != nil {
		return res, persistErr("write central status", err)
	}

	path, ok := LocateEmbedded(doc.Source, title)
	if ok {
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET source_json=json_set(source_json, ?, ?) WHERE url_key=?`, path, status, key); err != nil {
			return res, persistErr("write embedded status", err)
		}
		res.Embedded = true
		res.Path = path
	}
	if err := r.Events.Append(ctx, tx, events.StatusUpdated, key, actorID, events.Payload{
		"title":    title,
		"status":   status,
		"embedded": ok,
		"path":     path,
	}); err != nil {
		return res, persistErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return res, persistErr("commit", err)
	}
	if !ok {
		return res, fmt.Errorf("%w: %q in %s", domain.ErrReconciliationMiss, title, key)
	}
	return res, nil
}

// StatusValues returns the central status map. When forceRefresh is set or the
// map is empty, it is rebuilt from the embedded statuses and written back,
// replacing whatever the central map held.
func (r Repo) StatusValues(ctx context.Context, key string, forceRefresh bool, actorID string) (map[string]string, error) {
	if !forceRefresh {
		doc, err := r.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(doc.Status) > 0 {
			return doc.Status, nil
		}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("begin", err)
	}
	defer tx.Rollback()
	doc, err := loadDocument(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	rebuilt := EmbeddedStatuses(doc.Source)
	data, err := json.Marshal(rebuilt)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET status_json=?, updated_at=? WHERE url_key=?`, string(data), r.now(), key); err != nil {
		return nil, persistErr("write central status", err)
	}
	if err := r.Events.Append(ctx, tx, events.StatusResynced, key, actorID, events.Payload{
		"entries": len(rebuilt),
		"dropped": droppedKeys(doc.Status, rebuilt),
	}); err != nil {
		return nil, persistErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, persistErr("commit", err)
	}
	return rebuilt, nil
}

func droppedKeys(old, rebuilt map[string]string) []string {
	dropped := []string{}
	for k := range old {
		if _, ok := rebuilt[k]; !ok {
			dropped = append(dropped, k)
		}
	}
	return dropped
}

// List returns document summaries, newest first.
func (r Repo) List(ctx context.Context, limit int) ([]DocumentSummary, error) {
	query := `SELECT url_key,created_at,COALESCE(item_id,''),source_kind,
  CASE source_kind WHEN 'flat' THEN json_array_length(source_json) ELSE json_array_length(source_json,'$.test_cases') END,
  (SELECT count(*) FROM json_each(status_json))
FROM documents ORDER BY created_at DESC, url_key DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list documents", err)
	}
	defer rows.Close()
	res := []DocumentSummary{}
	for rows.Next() {
		var s DocumentSummary
		var kind string
		if err := rows.Scan(&s.URLKey, &s.CreatedAt, &s.ItemID, &kind, &s.Cases, &s.Statuses); err != nil {
			return nil, persistErr("scan document", err)
		}
		s.Shape = domain.ShapeKind(kind)
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListEvents returns the event log of one document in insertion order.
func (r Repo) ListEvents(ctx context.Context, key string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,url_key,actor_id,payload_json FROM events WHERE url_key=? ORDER BY id`, key)
	if err != nil {
		return nil, persistErr("list events", err)
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.URLKey, &e.ActorID, &e.Payload); err != nil {
			return nil, persistErr("scan event", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
