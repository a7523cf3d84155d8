// Package github posts issue comments on behalf of the app.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

// Commenter posts comments through the GitHub REST API.
type Commenter struct {
	client *gh.Client
}

var _ api.Commenter = (*Commenter)(nil)

// NewCommenter creates a Commenter authenticating with token. An empty
// apiURL uses DefaultAPIURL; any other URL is treated as a GitHub
// Enterprise endpoint. A nil client gets a 10s timeout.
func NewCommenter(apiURL, token string, client *http.Client) (*Commenter, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	c := gh.NewClient(client)
	if token != "" {
		c = c.WithAuthToken(token)
	}
	if apiURL = strings.TrimRight(apiURL, "/"); apiURL != "" && apiURL != DefaultAPIURL {
		var err error
		if c, err = c.WithEnterpriseURLs(apiURL, apiURL); err != nil {
			return nil, fmt.Errorf("github api url %q: %w", apiURL, err)
		}
	}
	return &Commenter{client: c}, nil
}

func (c *Commenter) PostComment(ctx context.Context, repo api.Repository, issueNumber int, body string) (string, error) {
	owner, name, ok := strings.Cut(repo.FullName, "/")
	if !ok || owner == "" || name == "" {
		return "", fmt.Errorf("repository %s has no full name", repo.ID)
	}

	comment, _, err := c.client.Issues.CreateComment(ctx, owner, name, issueNumber, &gh.IssueComment{Body: gh.String(body)})
	if err != nil {
		var rate *gh.RateLimitError
		var abuse *gh.AbuseRateLimitError
		if errors.As(err, &rate) || errors.As(err, &abuse) {
			return "", fmt.Errorf("post comment: %w: %v", api.ErrRateLimited, err)
		}
		return "", fmt.Errorf("post comment: %w", err)
	}
	return comment.GetHTMLURL(), nil
}

// LogCommenter logs comments instead of posting them. It is used when no
// GitHub token is configured.
type LogCommenter struct {
	Logger *slog.Logger
}

var _ api.Commenter = LogCommenter{}

func (l LogCommenter) PostComment(_ context.Context, repo api.Repository, issueNumber int, body string) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("comment not posted (dry run)",
		slog.String("repository", repo.FullName),
		slog.Int("issue", issueNumber),
		slog.Int("body_bytes", len(body)))
	return fmt.Sprintf("https://github.com/%s/issues/%d", repo.FullName, issueNumber), nil
}
