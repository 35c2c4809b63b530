// Package metrics provides build performance tracking and metrics collection.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/buildengine/internal/models"
)

// BuildMetrics contains build performance data.
type BuildMetrics struct {
	BuildID     string             `json:"build_id"`
	ProjectName string             `json:"project_name"`
	BuildNumber int64              `json:"build_number"`
	Status      models.BuildStatus `json:"status"`
	ComputeType models.ComputeType `json:"compute_type"`

	// Timing
	QueuedTime     time.Duration                      `json:"queued_time"`
	PhaseDurations map[models.PhaseType]time.Duration `json:"phase_durations,omitempty"`
	TotalTime      time.Duration                      `json:"total_time"`

	// Outcome
	Success bool `json:"success"`
	Retries int  `json:"retries"`

	// Timestamps
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FromBuild derives metrics from a completed build record.
func FromBuild(b *models.Build) *BuildMetrics {
	m := &BuildMetrics{
		BuildID:        b.ID,
		ProjectName:    b.ProjectName,
		BuildNumber:    b.BuildNumber,
		Status:         b.BuildStatus,
		ComputeType:    b.Environment.ComputeType,
		PhaseDurations: make(map[models.PhaseType]time.Duration, len(b.Phases)),
		Success:        b.BuildStatus == models.BuildStatusSucceeded,
		StartedAt:      b.StartTime,
	}
	for _, p := range b.Phases {
		if p.EndTime == nil {
			continue
		}
		d := p.EndTime.Sub(p.StartTime)
		if p.PhaseType == models.PhaseQueued {
			m.QueuedTime = d
		}
		m.PhaseDurations[p.PhaseType] = d
	}
	if b.EndTime != nil {
		end := *b.EndTime
		m.CompletedAt = &end
		m.TotalTime = end.Sub(b.StartTime)
	}
	return m
}

// MetricsFilter defines criteria for filtering aggregate metrics.
type MetricsFilter struct {
	ProjectName string             `json:"project_name,omitempty"`
	Status      models.BuildStatus `json:"status,omitempty"`
	StartTime   *time.Time         `json:"start_time,omitempty"`
	EndTime     *time.Time         `json:"end_time,omitempty"`
	Success     *bool              `json:"success,omitempty"`
}

// AggregateMetrics contains aggregated build metrics for analysis.
type AggregateMetrics struct {
	TotalBuilds      int           `json:"total_builds"`
	SuccessfulBuilds int           `json:"successful_builds"`
	FailedBuilds     int           `json:"failed_builds"`
	FaultedBuilds    int           `json:"faulted_builds"`
	TimedOutBuilds   int           `json:"timed_out_builds"`
	StoppedBuilds    int           `json:"stopped_builds"`
	Retries          int           `json:"retries"`
	SuccessRate      float64       `json:"success_rate"`
	AvgTotalTime     time.Duration `json:"avg_total_time"`
	AvgQueuedTime    time.Duration `json:"avg_queued_time"`
	MaxTotalTime     time.Duration `json:"max_total_time"`
	MinTotalTime     time.Duration `json:"min_total_time"`

	// Breakdown by project
	ByProject map[string]*ProjectMetrics `json:"by_project,omitempty"`

	// Breakdown by phase
	ByPhase map[models.PhaseType]*PhaseMetrics `json:"by_phase,omitempty"`
}

// ProjectMetrics contains metrics for a single project.
type ProjectMetrics struct {
	TotalBuilds      int           `json:"total_builds"`
	SuccessfulBuilds int           `json:"successful_builds"`
	AvgTotalTime     time.Duration `json:"avg_total_time"`

	totalTime time.Duration
}

// PhaseMetrics contains metrics for one phase type.
type PhaseMetrics struct {
	Count       int           `json:"count"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`

	total time.Duration
}

// BuildMetricsCollector tracks build performance data.
type BuildMetricsCollector interface {
	// RecordMetrics records metrics for a completed build.
	RecordMetrics(ctx context.Context, metrics *BuildMetrics) error

	// GetMetrics retrieves metrics for a build.
	GetMetrics(ctx context.Context, buildID string) (*BuildMetrics, error)

	// GetAggregateMetrics retrieves aggregate metrics for analysis.
	GetAggregateMetrics(ctx context.Context, filter MetricsFilter) (*AggregateMetrics, error)
}

// Collector implements the BuildMetricsCollector interface in memory.
type Collector struct {
	// storage holds metrics keyed by build ID.
	storage map[string]*BuildMetrics

	// mu protects the storage map.
	mu sync.RWMutex

	// retentionPeriod is how long to keep metrics.
	retentionPeriod time.Duration
}

// CollectorOption is a functional option for configuring Collector.
type CollectorOption func(*Collector)

// WithRetentionPeriod sets the retention period for metrics.
func WithRetentionPeriod(period time.Duration) CollectorOption {
	return func(c *Collector) {
		c.retentionPeriod = period
	}
}

// NewCollector creates a new Collector.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		storage:         make(map[string]*BuildMetrics),
		retentionPeriod: 30 * 24 * time.Hour, // Default 30 days
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordMetrics records metrics for a completed build.
func (c *Collector) RecordMetrics(ctx context.Context, metrics *BuildMetrics) error {
	if metrics == nil {
		return ErrNilMetrics
	}
	if metrics.BuildID == "" {
		return ErrEmptyBuildID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if metrics.CompletedAt == nil {
		now := time.Now()
		metrics.CompletedAt = &now
	}

	c.storage[metrics.BuildID] = copyMetrics(metrics)
	return nil
}

// GetMetrics retrieves metrics for a build.
func (c *Collector) GetMetrics(ctx context.Context, buildID string) (*BuildMetrics, error) {
	if buildID == "" {
		return nil, ErrEmptyBuildID
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	metrics, ok := c.storage[buildID]
	if !ok {
		return nil, ErrMetricsNotFound
	}
	return copyMetrics(metrics), nil
}

// GetAggregateMetrics retrieves aggregate metrics for analysis.
func (c *Collector) GetAggregateMetrics(ctx context.Context, filter MetricsFilter) (*AggregateMetrics, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	agg := &AggregateMetrics{
		ByProject: make(map[string]*ProjectMetrics),
		ByPhase:   make(map[models.PhaseType]*PhaseMetrics),
	}

	var totalTime, queuedTime time.Duration
	for _, m := range c.storage {
		if !matchesFilter(m, filter) {
			continue
		}

		agg.TotalBuilds++
		agg.Retries += m.Retries
		switch m.Status {
		case models.BuildStatusSucceeded:
			agg.SuccessfulBuilds++
		case models.BuildStatusFailed:
			agg.FailedBuilds++
		case models.BuildStatusFault:
			agg.FaultedBuilds++
		case models.BuildStatusTimedOut:
			agg.TimedOutBuilds++
		case models.BuildStatusStopped:
			agg.StoppedBuilds++
		}

		totalTime += m.TotalTime
		queuedTime += m.QueuedTime
		if m.TotalTime > agg.MaxTotalTime {
			agg.MaxTotalTime = m.TotalTime
		}
		if agg.MinTotalTime == 0 || m.TotalTime < agg.MinTotalTime {
			agg.MinTotalTime = m.TotalTime
		}

		aggregateByProject(agg, m)
		aggregateByPhase(agg, m)
	}

	if agg.TotalBuilds > 0 {
		n := time.Duration(agg.TotalBuilds)
		agg.SuccessRate = float64(agg.SuccessfulBuilds) / float64(agg.TotalBuilds)
		agg.AvgTotalTime = totalTime / n
		agg.AvgQueuedTime = queuedTime / n
	}
	for _, pm := range agg.ByProject {
		pm.AvgTotalTime = pm.totalTime / time.Duration(pm.TotalBuilds)
	}
	for _, ph := range agg.ByPhase {
		ph.AvgDuration = ph.total / time.Duration(ph.Count)
	}

	return agg, nil
}

// matchesFilter checks if metrics match the given filter.
func matchesFilter(m *BuildMetrics, filter MetricsFilter) bool {
	if filter.ProjectName != "" && m.ProjectName != filter.ProjectName {
		return false
	}
	if filter.Status != "" && m.Status != filter.Status {
		return false
	}
	if filter.StartTime != nil && m.StartedAt.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && m.StartedAt.After(*filter.EndTime) {
		return false
	}
	if filter.Success != nil && m.Success != *filter.Success {
		return false
	}
	return true
}

func aggregateByProject(agg *AggregateMetrics, m *BuildMetrics) {
	pm, ok := agg.ByProject[m.ProjectName]
	if !ok {
		pm = &ProjectMetrics{}
		agg.ByProject[m.ProjectName] = pm
	}
	pm.TotalBuilds++
	if m.Success {
		pm.SuccessfulBuilds++
	}
	pm.totalTime += m.TotalTime
}

func aggregateByPhase(agg *AggregateMetrics, m *BuildMetrics) {
	for phase, d := range m.PhaseDurations {
		ph, ok := agg.ByPhase[phase]
		if !ok {
			ph = &PhaseMetrics{}
			agg.ByPhase[phase] = ph
		}
		ph.Count++
		ph.total += d
		if d > ph.MaxDuration {
			ph.MaxDuration = d
		}
	}
}

// CleanupExpired removes metrics older than the retention period.
func (c *Collector) CleanupExpired(ctx context.Context) int {
	if c.retentionPeriod <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.retentionPeriod)
	removed := 0
	for buildID, m := range c.storage {
		if m.CompletedAt != nil && m.CompletedAt.Before(cutoff) {
			delete(c.storage, buildID)
			removed++
		}
	}
	return removed
}

// ListBuildIDs returns all build IDs with recorded metrics, sorted.
func (c *Collector) ListBuildIDs(ctx context.Context) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.storage))
	for id := range c.storage {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func copyMetrics(m *BuildMetrics) *BuildMetrics {
	c := *m
	if m.PhaseDurations != nil {
		c.PhaseDurations = make(map[models.PhaseType]time.Duration, len(m.PhaseDurations))
		for k, v := range m.PhaseDurations {
			c.PhaseDurations[k] = v
		}
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
