package git

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitLabProvider implements the Provider interface for GitLab.
type GitLabProvider struct {
	baseURL string
	client  *http.Client
}

// NewGitLabProvider creates a GitLab provider for the API at baseURL,
// e.g. https://gitlab.com/api/v4.
func NewGitLabProvider(baseURL string) *GitLabProvider {
	return &GitLabProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GitLabAPIURL returns the API root for a GitLab host.
func GitLabAPIURL(host string) string {
	return "https://" + host + "/api/v4"
}

// Name returns the provider type identifier.
func (p *GitLabProvider) Name() ProviderType {
	return ProviderGitLab
}

// SetCommitStatus implements Provider.
func (p *GitLabProvider) SetCommitStatus(ctx context.Context, token string, repo Repository, st *CommitStatus) error {
	body := map[string]string{
		"state":       gitlabState(st.State),
		"name":        st.Context,
		"description": truncate(st.Description, 255),
	}
	if st.TargetURL != "" {
		body["target_url"] = st.TargetURL
	}
	apiURL := fmt.Sprintf("%s/projects/%s/statuses/%s", p.baseURL, url.PathEscape(repo.FullName()), st.SHA)

	return postJSON(ctx, p.client, apiURL, body, func(req *http.Request) {
		req.Header.Set("PRIVATE-TOKEN", token)
	})
}

func gitlabState(s State) string {
	switch s {
	case StatePending:
		return "running"
	case StateSuccess:
		return "success"
	case StateFailure:
		return "failed"
	default:
		return "canceled"
	}
}
