// Package source fetches requirement text from issue trackers.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"testforge/internal/domain"
)

// DefaultTimeout bounds one tracker call.
const DefaultTimeout = 30 * time.Second

// Issue is the plain-text view of a tracker item.
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// IssueSource looks up an issue by id. Descriptions are returned as plain text.
type IssueSource interface {
	Fetch(ctx context.Context, id string) (Issue, error)
}

// StatusError wraps a non-2xx tracker response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tracker error: status=%d body=%s", e.StatusCode, e.Body)
}

type httpGetter struct {
	client  *http.Client
	timeout time.Duration
}

func (g httpGetter) getJSON(ctx context.Context, url string, auth func(*http.Request), out any) error {
	timeout := g.timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInput, err)
	}
	req.Header.Set("Accept", "application/json")
	auth(req)

	client := g.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, url)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%w: %w", domain.ErrUpstream, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))})
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrUpstream, err)
	}
	return nil
}

func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: issue id is required", domain.ErrInput)
	}
	return id, nil
}
