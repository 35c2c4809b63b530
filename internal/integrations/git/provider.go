// Package git reports build status to the Git hosting provider a build's
// source came from.
package git

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/narvanalabs/buildengine/internal/models"
)

// ProviderType represents the type of Git provider.
type ProviderType string

const (
	ProviderGitHub    ProviderType = "github"
	ProviderGitLab    ProviderType = "gitlab"
	ProviderBitbucket ProviderType = "bitbucket"
)

// State is a provider-neutral commit status.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateError   State = "error"
)

// StateFor maps a build status to a commit status.
func StateFor(status models.BuildStatus) State {
	switch status {
	case models.BuildStatusSucceeded:
		return StateSuccess
	case models.BuildStatusFailed:
		return StateFailure
	case models.BuildStatusInProgress:
		return StatePending
	default:
		return StateError
	}
}

// CommitStatus is one status posted against a commit.
type CommitStatus struct {
	SHA         string
	State       State
	Context     string
	Description string
	TargetURL   string
}

// Repository identifies a repository on a provider.
type Repository struct {
	Host string
	// Owner is the user, organization or, on GitLab, the full group path.
	Owner string
	Name  string
}

// FullName returns owner/name.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// ErrUnsupportedSource is returned for sources no provider reports to.
var ErrUnsupportedSource = errors.New("source type does not support status reporting")

// Provider posts commit statuses.
type Provider interface {
	// Name returns the provider type identifier.
	Name() ProviderType

	// SetCommitStatus creates or replaces the status for st.Context on st.SHA.
	SetCommitStatus(ctx context.Context, token string, repo Repository, st *CommitStatus) error
}

// ProviderTypeFor returns the provider a source type reports to.
func ProviderTypeFor(t models.SourceType) (ProviderType, error) {
	switch t {
	case models.SourceTypeGitHub, models.SourceTypeGitHubEnterprise:
		return ProviderGitHub, nil
	case models.SourceTypeGitLab:
		return ProviderGitLab, nil
	case models.SourceTypeBitbucket:
		return ProviderBitbucket, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedSource, t)
	}
}

// ParseRepository extracts the repository from a clone URL. Both
// https://host/owner/repo.git and git@host:owner/repo.git forms are accepted.
func ParseRepository(location string) (Repository, error) {
	var host, p string
	if strings.Contains(location, "://") {
		u, err := url.Parse(location)
		if err != nil {
			return Repository{}, fmt.Errorf("parsing repository URL: %w", err)
		}
		host, p = u.Host, u.Path
	} else if at := strings.Index(location, "@"); at >= 0 {
		h, rest, ok := strings.Cut(location[at+1:], ":")
		if !ok {
			return Repository{}, fmt.Errorf("invalid repository location %q", location)
		}
		host, p = h, rest
	} else {
		return Repository{}, fmt.Errorf("invalid repository location %q", location)
	}

	p = strings.TrimSuffix(strings.Trim(p, "/"), ".git")
	i := strings.LastIndex(p, "/")
	if host == "" || i <= 0 || i == len(p)-1 {
		return Repository{}, fmt.Errorf("repository location %q has no owner/name", location)
	}
	return Repository{Host: host, Owner: p[:i], Name: p[i+1:]}, nil
}
