package engine

import (
	"fmt"
	"strings"
	"time"

	"testforge/internal/domain"
	"testforge/internal/source"
)

// Credentials override the configured tracker connection for one request.
// Empty fields keep the configured value, except that a URL pointing away from
// the configured host never inherits the configured user or token: the caller
// must bring their own.
type Credentials struct {
	URL     string `json:"url,omitempty"`
	User    string `json:"user,omitempty"`
	Token   string `json:"token,omitempty"`
	Org     string `json:"org,omitempty"`
	Project string `json:"project,omitempty"`
}

// IssueSource builds the tracker client for kind ("jira" or "azure").
func (e Engine) IssueSource(kind string, creds Credentials) (source.IssueSource, error) {
	timeout := source.DefaultTimeout
	if e.Config != nil && e.Config.Model.TimeoutSeconds > 0 {
		timeout = time.Duration(e.Config.Model.TimeoutSeconds) * time.Second
	}
	switch kind {
	case "jira":
		j := source.Jira{Timeout: timeout}
		if e.Config != nil {
			j.BaseURL, j.User, j.Token = e.Config.Jira.URL, e.Config.Jira.User, e.Config.Jira.Token
		}
		if foreignURL(j.BaseURL, creds.URL) {
			if creds.Token == "" {
				return nil, fmt.Errorf("%w: credentials for %s must include a token", domain.ErrInput, creds.URL)
			}
			j.User, j.Token = "", ""
		}
		override(&j.BaseURL, creds.URL)
		override(&j.User, creds.User)
		override(&j.Token, creds.Token)
		return j, nil
	case "azure":
		a := source.Azure{Timeout: timeout}
		if e.Config != nil {
			a.BaseURL, a.Org, a.Project, a.PAT = e.Config.Azure.URL, e.Config.Azure.Org, e.Config.Azure.Project, e.Config.Azure.PAT
		}
		if foreignURL(a.BaseURL, creds.URL) {
			if creds.Token == "" {
				return nil, fmt.Errorf("%w: credentials for %s must include a token", domain.ErrInput, creds.URL)
			}
			a.PAT = ""
		}
		override(&a.BaseURL, creds.URL)
		override(&a.Org, creds.Org)
		override(&a.Project, creds.Project)
		override(&a.PAT, creds.Token)
		return a, nil
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", domain.ErrInput, kind)
	}
}

// foreignURL reports whether requested names a tracker other than configured.
func foreignURL(configured, requested string) bool {
	if strings.TrimSpace(requested) == "" {
		return false
	}
	norm := func(u string) string { return strings.ToLower(strings.TrimRight(strings.TrimSpace(u), "/")) }
	return norm(requested) != norm(configured)
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
