package source

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"testforge/internal/domain"
)

// Azure reads work items from Azure DevOps.
type Azure struct {
	BaseURL string
	Org     string
	Project string
	PAT     string
	Client  *http.Client
	Timeout time.Duration
}

type azureWorkItem struct {
	ID     int `json:"id"`
	Fields struct {
		Title       string `json:"System.Title"`
		Description string `json:"System.Description"`
	} `json:"fields"`
}

// Fetch loads one work item. Its HTML description is reduced to plain text.
func (a Azure) Fetch(ctx context.Context, id string) (Issue, error) {
	id, err := requireID(id)
	if err != nil {
		return Issue{}, err
	}
	if a.Org == "" || a.Project == "" {
		return Issue{}, fmt.Errorf("%w: azure org and project are required", domain.ErrInput)
	}
	base := strings.TrimRight(a.BaseURL, "/")
	if base == "" {
		base = "https://dev.azure.com"
	}
	endpoint := fmt.Sprintf("%s/%s/%s/_apis/wit/workitems/%s?api-version=6.0",
		base, url.PathEscape(a.Org), url.PathEscape(a.Project), url.PathEscape(id))

	token := base64.StdEncoding.EncodeToString([]byte(":" + a.PAT))
	var raw azureWorkItem
	g := httpGetter{client: a.Client, timeout: a.Timeout}
	if err := g.getJSON(ctx, endpoint, func(r *http.Request) { r.Header.Set("Authorization", "Basic "+token) }, &raw); err != nil {
		return Issue{}, fmt.Errorf("azure work item %s: %w", id, err)
	}
	desc, err := HTMLText(raw.Fields.Description)
	if err != nil {
		return Issue{}, fmt.Errorf("azure work item %s: %w: %v", id, domain.ErrUpstream, err)
	}
	return Issue{ID: id, Title: raw.Fields.Title, Description: desc}, nil
}
