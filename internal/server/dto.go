package server

import (
	"testforge/internal/artifact"
	"testforge/internal/domain"
	"testforge/internal/engine"
	"testforge/internal/generate"
	"testforge/internal/repo"
)

// GenerateRequest starts a text, Jira or Azure run.
type GenerateRequest struct {
	SourceType  string              `json:"source_type" enum:"text,jira,azure" doc:"Where the requirement comes from"`
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty" doc:"Requirement text; required for source_type=text"`
	ItemIDs     []string            `json:"item_ids,omitempty" doc:"Tracker ids; required for jira and azure"`
	Categories  []string            `json:"categories,omitempty" doc:"Category names; defaults to every configured category"`
	Credentials *engine.Credentials `json:"credentials,omitempty" doc:"Per-request tracker connection overrides"`
	RequestID   string              `json:"request_id,omitempty" maxLength:"64" doc:"Client-chosen id for polling /progress"`
}

// GenerateImageRequest starts a vision run.
type GenerateImageRequest struct {
	ImageBase64 string   `json:"image_base64,omitempty" doc:"Base64-encoded image bytes"`
	ImageURL    string   `json:"image_url,omitempty" doc:"http(s) url to download the image from when image_base64 is empty"`
	Filename    string   `json:"filename,omitempty"`
	MIMEType    string   `json:"mime_type,omitempty"`
	Title       string   `json:"title,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	RequestID   string   `json:"request_id,omitempty" maxLength:"64"`
}

// RunResponse describes one generated item.
type RunResponse struct {
	ItemID      string         `json:"item_id,omitempty"`
	URLKey      string         `json:"url_key"`
	Files       artifact.Files `json:"files"`
	SourceImage string         `json:"source_image,omitempty"`
	TestCases   int            `json:"test_cases"`
}

// GenerateResponse is returned by both generation routes.
type GenerateResponse struct {
	RequestID string               `json:"request_id"`
	Runs      []RunResponse        `json:"runs"`
	Failed    []engine.ItemFailure `json:"failed,omitempty"`
}

// ProgressResponse mirrors a progress snapshot.
type ProgressResponse = generate.Snapshot

// ShareResponse is a stored document.
type ShareResponse struct {
	URLKey     string            `json:"url_key"`
	CreatedAt  string            `json:"created_at"`
	UpdatedAt  string            `json:"updated_at"`
	ItemID     string            `json:"item_id,omitempty"`
	SourceKind string            `json:"source_kind" enum:"flat,nested"`
	Source     any               `json:"source"`
	Status     map[string]string `json:"status"`
}

// ImportRequest stores an existing document.
type ImportRequest struct {
	ItemID string `json:"item_id,omitempty"`
	Source any    `json:"source" doc:"Either a list of test case records or an object with test_cases"`
}

// ImportResponse returns the new key.
type ImportResponse struct {
	URLKey string `json:"url_key"`
}

// StatusValuesResponse is the title to status map of a document.
type StatusValuesResponse struct {
	URLKey string            `json:"url_key"`
	Status map[string]string `json:"status"`
}

// StatusUpdateRequest sets one test case status.
type StatusUpdateRequest struct {
	Title  string `json:"title" minLength:"1"`
	Status string `json:"status" minLength:"1"`
}

// StatusUpdateResponse reports whether the embedded record was reconciled.
// The central map is always written when the call succeeds.
type StatusUpdateResponse struct {
	URLKey     string `json:"url_key"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Reconciled bool   `json:"reconciled"`
	Path       string `json:"path,omitempty"`
	Warning    string `json:"warning,omitempty"`
}

// ShareSummaryResponse lists documents.
type ShareSummaryResponse = repo.DocumentSummary

// CategoryResponse describes one configured category.
type CategoryResponse struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
	Count  int    `json:"count"`
	Focus  string `json:"focus"`
}

// DevLoginRequest mints a development token.
type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// DevLoginResponse carries the token.
type DevLoginResponse struct {
	Token string `json:"token"`
}

func mapRun(r engine.Run) RunResponse {
	return RunResponse{
		ItemID:      r.ItemID,
		URLKey:      r.URLKey,
		Files:       r.Files,
		SourceImage: r.SourceImage,
		TestCases:   len(r.TestCases),
	}
}

func mapShare(doc domain.SharedDocument) ShareResponse {
	status := doc.Status
	if status == nil {
		status = map[string]string{}
	}
	return ShareResponse{
		URLKey:     doc.URLKey,
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
		ItemID:     doc.ItemID,
		SourceKind: string(doc.Source.Kind),
		Source:     doc.Source,
		Status:     status,
	}
}
