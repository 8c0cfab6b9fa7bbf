package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"testforge/internal/domain"
)

// Jira reads issues from the Jira Cloud REST API v3.
type Jira struct {
	BaseURL string
	User    string
	Token   string
	Client  *http.Client
	Timeout time.Duration
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string          `json:"summary"`
		Description json.RawMessage `json:"description"`
	} `json:"fields"`
}

// Fetch loads one issue by key.
func (j Jira) Fetch(ctx context.Context, id string) (Issue, error) {
	id, err := requireID(id)
	if err != nil {
		return Issue{}, err
	}
	if strings.TrimSpace(j.BaseURL) == "" {
		return Issue{}, fmt.Errorf("%w: jira url is not configured", domain.ErrInput)
	}
	endpoint := strings.TrimRight(j.BaseURL, "/") + "/rest/api/3/issue/" + url.PathEscape(id)

	var raw jiraIssue
	g := httpGetter{client: j.Client, timeout: j.Timeout}
	if err := g.getJSON(ctx, endpoint, func(r *http.Request) { r.SetBasicAuth(j.User, j.Token) }, &raw); err != nil {
		return Issue{}, fmt.Errorf("jira %s: %w", id, err)
	}
	desc, err := jiraDescription(raw.Fields.Description)
	if err != nil {
		return Issue{}, fmt.Errorf("jira %s: %w: %v", id, domain.ErrUpstream, err)
	}
	return Issue{ID: id, Title: raw.Fields.Summary, Description: desc}, nil
}

// jiraDescription accepts a plain string (v2 style) or an Atlassian Document
// Format tree (v3).
func jiraDescription(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	var b strings.Builder
	doc.write(&b)
	return collapseBlankLines(b.String()), nil
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

func (n adfNode) write(b *strings.Builder) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
		return
	case "hardBreak":
		b.WriteString("\n")
		return
	case "listItem":
		b.WriteString("- ")
	}
	for _, c := range n.Content {
		c.write(b)
	}
	switch n.Type {
	case "paragraph", "heading", "codeBlock", "blockquote", "rule", "bulletList", "orderedList":
		b.WriteString("\n")
	}
}
