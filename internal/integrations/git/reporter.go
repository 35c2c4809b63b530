package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/narvanalabs/buildengine/internal/builder/retry"
	"github.com/narvanalabs/buildengine/internal/models"
)

const (
	defaultQueueSize = 256
	reportTimeout    = 30 * time.Second
)

// BuildGetter loads the build a state change refers to.
type BuildGetter interface {
	Get(ctx context.Context, id string) (*models.Build, error)
}

// TokenFunc returns the token used to post statuses for a source.
type TokenFunc func(ctx context.Context, provider ProviderType, auth *models.SourceAuth) (string, error)

// ReporterOption is a functional option for configuring the Reporter.
type ReporterOption func(*Reporter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		r.logger = logger
	}
}

// WithProvider replaces the provider used for a provider type. By default
// the API endpoint is derived from the repository host.
func WithProvider(p Provider) ReporterOption {
	return func(r *Reporter) {
		r.providers[p.Name()] = p
	}
}

// WithTargetURL sets the base of the link attached to each status. The
// build ID is appended.
func WithTargetURL(base string) ReporterOption {
	return func(r *Reporter) {
		r.targetURL = base
	}
}

// WithRetryManager retries transient provider failures.
func WithRetryManager(m *retry.Manager) ReporterOption {
	return func(r *Reporter) {
		r.retry = m
	}
}

// WithQueueSize bounds how many reports may wait.
func WithQueueSize(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.queue = make(chan *models.BuildStateChange, n)
		}
	}
}

// Reporter posts a pending status once a build's source revision is known
// and a final status when the build completes, for builds whose source
// asks for it. It receives build state changes as an event publisher and
// reports in the background so builds never wait on a provider.
type Reporter struct {
	builds    BuildGetter
	tokens    TokenFunc
	providers map[ProviderType]Provider
	targetURL string
	retry     *retry.Manager
	logger    *slog.Logger

	queue    chan *models.BuildStateChange
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReporter creates a reporter.
func NewReporter(builds BuildGetter, tokens TokenFunc, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		builds:    builds,
		tokens:    tokens,
		providers: make(map[ProviderType]Provider),
		logger:    slog.Default(),
		queue:     make(chan *models.BuildStateChange, defaultQueueSize),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retry == nil {
		r.retry = retry.NewManager()
	}
	return r
}

// Publish implements events.Publisher. Changes that need no report are
// dropped immediately; the rest are queued.
func (r *Reporter) Publish(ctx context.Context, change *models.BuildStateChange) error {
	if _, ok := reportState(change); !ok {
		return nil
	}
	select {
	case r.queue <- change:
		return nil
	default:
		return fmt.Errorf("status report queue full, dropping report for %s", change.BuildID)
	}
}

// Start processes queued reports until Stop is called.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				r.drain(ctx)
				return
			case change := <-r.queue:
				r.report(ctx, change)
			}
		}
	}()
}

// Stop sends what is already queued and waits for the worker to exit.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reporter) drain(ctx context.Context) {
	for {
		select {
		case change := <-r.queue:
			r.report(ctx, change)
		default:
			return
		}
	}
}

// reportState returns the status a change should be reported as.
func reportState(change *models.BuildStateChange) (State, bool) {
	if change.BuildComplete {
		return StateFor(change.BuildStatus), true
	}
	if change.CompletedPhase == models.PhaseDownloadSource && change.CompletedPhaseStatus == models.BuildStatusSucceeded {
		return StatePending, true
	}
	return "", false
}

func (r *Reporter) report(ctx context.Context, change *models.BuildStateChange) {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	logger := r.logger.With("build_id", change.BuildID)

	if err := r.Report(ctx, change); err != nil {
		if errors.Is(err, errNotRequested) {
			return
		}
		logger.Warn("failed to report build status", "error", err)
	}
}

var errNotRequested = errors.New("status reporting not requested")

// Report posts the status for one state change.
func (r *Reporter) Report(ctx context.Context, change *models.BuildStateChange) error {
	state, ok := reportState(change)
	if !ok {
		return errNotRequested
	}
	b, err := r.builds.Get(ctx, change.BuildID)
	if err != nil {
		return fmt.Errorf("loading build: %w", err)
	}
	if !b.Source.ReportBuildStatus || b.ResolvedSourceVersion == "" {
		return errNotRequested
	}

	ptype, err := ProviderTypeFor(b.Source.Type)
	if err != nil {
		return err
	}
	repo, err := ParseRepository(b.Source.Location)
	if err != nil {
		return err
	}
	token, err := r.tokens(ctx, ptype, b.Source.Auth)
	if err != nil {
		return fmt.Errorf("getting %s token: %w", ptype, err)
	}

	st := &CommitStatus{
		SHA:         b.ResolvedSourceVersion,
		State:       state,
		Context:     "buildengine (" + b.ProjectName + ")",
		Description: description(change),
	}
	if r.targetURL != "" {
		st.TargetURL = strings.TrimRight(r.targetURL, "/") + "/" + url.PathEscape(b.ID)
	}

	provider := r.provider(ptype, repo.Host)
	key := "status:" + b.ID + ":" + string(state)
	defer r.retry.ClearAttempts(key)
	err = r.retry.Do(ctx, key, func(ctx context.Context) error {
		return provider.SetCommitStatus(ctx, token, repo, st)
	})
	if err != nil {
		return fmt.Errorf("posting %s status to %s: %w", state, repo.FullName(), err)
	}
	r.logger.Info("build status reported",
		"build_id", b.ID,
		"provider", ptype,
		"repository", repo.FullName(),
		"state", state,
	)
	return nil
}

func (r *Reporter) provider(t ProviderType, host string) Provider {
	if p, ok := r.providers[t]; ok {
		return p
	}
	switch t {
	case ProviderGitLab:
		return NewGitLabProvider(GitLabAPIURL(host))
	case ProviderBitbucket:
		return NewBitbucketProvider("")
	default:
		return NewGitHubProvider(GitHubAPIURL(host))
	}
}

func description(change *models.BuildStateChange) string {
	if !change.BuildComplete {
		return "Build started"
	}
	return "Build " + strings.ToLower(strings.ReplaceAll(string(change.BuildStatus), "_", " "))
}
