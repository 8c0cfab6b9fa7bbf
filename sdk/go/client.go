package testforgesdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal testforge HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Generation calls the model once
// per category, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  5 * time.Minute,
	}
}

// Credentials override the server's tracker connection for one request.
type Credentials struct {
	URL     string `json:"url,omitempty"`
	User    string `json:"user,omitempty"`
	Token   string `json:"token,omitempty"`
	Org     string `json:"org,omitempty"`
	Project string `json:"project,omitempty"`
}

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	SourceType  string       `json:"source_type"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	ItemIDs     []string     `json:"item_ids,omitempty"`
	Categories  []string     `json:"categories,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
	RequestID   string       `json:"request_id,omitempty"`
}

// Files names the artifacts of one run.
type Files struct {
	Text        string `json:"text_file"`
	Spreadsheet string `json:"excel_file"`
}

// Run is one generated item.
type Run struct {
	ItemID      string `json:"item_id,omitempty"`
	URLKey      string `json:"url_key"`
	Files       Files  `json:"files"`
	SourceImage string `json:"source_image,omitempty"`
	TestCases   int    `json:"test_cases"`
}

// ItemFailure reports a tracker item that produced nothing.
type ItemFailure struct {
	ItemID string `json:"item_id"`
	Error  string `json:"error"`
}

// GenerateResponse is returned by both generation routes.
type GenerateResponse struct {
	RequestID string        `json:"request_id"`
	Runs      []Run         `json:"runs"`
	Failed    []ItemFailure `json:"failed,omitempty"`
}

// Progress is a snapshot of a running request.
type Progress struct {
	RequestID      string   `json:"request_id"`
	IsGenerating   bool     `json:"is_generating"`
	CompletedTypes int      `json:"completed_types"`
	TotalTypes     int      `json:"total_types"`
	Completed      []string `json:"completed"`
}

// Share is a stored document.
type Share struct {
	URLKey     string            `json:"url_key"`
	CreatedAt  string            `json:"created_at"`
	UpdatedAt  string            `json:"updated_at"`
	ItemID     string            `json:"item_id,omitempty"`
	SourceKind string            `json:"source_kind"`
	Source     json.RawMessage   `json:"source"`
	Status     map[string]string `json:"status"`
}

// StatusUpdate reports the outcome of a status write. Reconciled is false when
// no embedded test case matched the title; the central map is still updated.
type StatusUpdate struct {
	URLKey     string `json:"url_key"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Reconciled bool   `json:"reconciled"`
	Path       string `json:"path,omitempty"`
	Warning    string `json:"warning,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Generate starts a text, Jira or Azure run and waits for it to finish.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var resp GenerateResponse
	err := c.do(ctx, http.MethodPost, c.path("generate"), req, &resp)
	return resp, err
}

// GenerateImage runs vision generation on raw image bytes.
func (c *Client) GenerateImage(ctx context.Context, image []byte, filename, title string, categories []string) (GenerateResponse, error) {
	body := map[string]any{
		"image_base64": base64.StdEncoding.EncodeToString(image),
		"filename":     filename,
		"title":        title,
	}
	if len(categories) > 0 {
		body["categories"] = categories
	}
	var resp GenerateResponse
	err := c.do(ctx, http.MethodPost, c.path("generate/image"), body, &resp)
	return resp, err
}

// GenerateImageURL runs vision generation on an image the server downloads.
func (c *Client) GenerateImageURL(ctx context.Context, imageURL, title string, categories []string) (GenerateResponse, error) {
	body := map[string]any{"image_url": imageURL, "title": title}
	if len(categories) > 0 {
		body["categories"] = categories
	}
	var resp GenerateResponse
	err := c.do(ctx, http.MethodPost, c.path("generate/image"), body, &resp)
	return resp, err
}

// Progress polls a request started with a client-chosen request id.
func (c *Client) Progress(ctx context.Context, requestID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.path("progress/"+url.PathEscape(requestID)), nil, &resp)
	return resp, err
}

// Share fetches a stored document.
func (c *Client) Share(ctx context.Context, urlKey string) (Share, error) {
	var resp Share
	err := c.do(ctx, http.MethodGet, c.path("shares/"+url.PathEscape(urlKey)), nil, &resp)
	return resp, err
}

// StatusValues returns the title to status map of a document.
func (c *Client) StatusValues(ctx context.Context, urlKey string) (map[string]string, error) {
	var resp struct {
		Status map[string]string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, c.path("shares/"+url.PathEscape(urlKey)+"/status"), nil, &resp)
	return resp.Status, err
}

// Resync rebuilds the status map from the embedded records, dropping statuses
// that exist only centrally. Requires credentials when the server has auth on.
func (c *Client) Resync(ctx context.Context, urlKey string) (map[string]string, error) {
	var resp struct {
		Status map[string]string `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, c.path("shares/"+url.PathEscape(urlKey)+"/status/resync"), nil, &resp)
	return resp.Status, err
}

// SetStatus records the status of one test case.
func (c *Client) SetStatus(ctx context.Context, urlKey, title, status string) (StatusUpdate, error) {
	body := map[string]any{"title": title, "status": status}
	var resp StatusUpdate
	err := c.do(ctx, http.MethodPut, c.path("shares/"+url.PathEscape(urlKey)+"/status"), body, &resp)
	return resp, err
}

// Text renders a document as marker-tagged text.
func (c *Client) Text(ctx context.Context, urlKey string) (string, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, c.path("shares/"+url.PathEscape(urlKey)+"/text"), nil, &buf)
	return buf.String(), err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
