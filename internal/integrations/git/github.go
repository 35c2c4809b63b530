package git

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const githubAPIURL = "https://api.github.com"

// GitHubProvider implements the Provider interface for GitHub and GitHub
// Enterprise.
type GitHubProvider struct {
	baseURL string
	client  *http.Client
}

// NewGitHubProvider creates a GitHub provider. An empty baseURL selects
// github.com.
func NewGitHubProvider(baseURL string) *GitHubProvider {
	if baseURL == "" {
		baseURL = githubAPIURL
	}
	return &GitHubProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GitHubAPIURL returns the API root for a GitHub host.
func GitHubAPIURL(host string) string {
	if host == "" || host == "github.com" || host == "www.github.com" {
		return githubAPIURL
	}
	return "https://" + host + "/api/v3"
}

// Name returns the provider type identifier.
func (p *GitHubProvider) Name() ProviderType {
	return ProviderGitHub
}

// SetCommitStatus implements Provider.
func (p *GitHubProvider) SetCommitStatus(ctx context.Context, token string, repo Repository, st *CommitStatus) error {
	body := map[string]string{
		"state":       string(st.State),
		"context":     st.Context,
		"description": truncate(st.Description, 140),
	}
	if st.TargetURL != "" {
		body["target_url"] = st.TargetURL
	}
	apiURL := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", p.baseURL, repo.Owner, repo.Name, st.SHA)

	return postJSON(ctx, p.client, apiURL, body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
	})
}
