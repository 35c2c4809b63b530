package git

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const bitbucketAPIURL = "https://api.bitbucket.org/2.0"

// BitbucketProvider implements the Provider interface for Bitbucket Cloud.
type BitbucketProvider struct {
	baseURL string
	client  *http.Client
}

// NewBitbucketProvider creates a Bitbucket provider. An empty baseURL
// selects bitbucket.org.
func NewBitbucketProvider(baseURL string) *BitbucketProvider {
	if baseURL == "" {
		baseURL = bitbucketAPIURL
	}
	return &BitbucketProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the provider type identifier.
func (p *BitbucketProvider) Name() ProviderType {
	return ProviderBitbucket
}

// SetCommitStatus implements Provider. Bitbucket keys statuses by a short
// key, so the context is hashed into one.
func (p *BitbucketProvider) SetCommitStatus(ctx context.Context, token string, repo Repository, st *CommitStatus) error {
	sum := sha256.Sum256([]byte(st.Context))
	body := map[string]string{
		"key":         hex.EncodeToString(sum[:])[:40],
		"name":        st.Context,
		"state":       bitbucketState(st.State),
		"description": st.Description,
	}
	if st.TargetURL != "" {
		body["url"] = st.TargetURL
	}
	apiURL := fmt.Sprintf("%s/repositories/%s/%s/commit/%s/statuses/build", p.baseURL, repo.Owner, repo.Name, st.SHA)

	return postJSON(ctx, p.client, apiURL, body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	})
}

func bitbucketState(s State) string {
	switch s {
	case StatePending:
		return "INPROGRESS"
	case StateSuccess:
		return "SUCCESSFUL"
	case StateFailure:
		return "FAILED"
	default:
		return "STOPPED"
	}
}
