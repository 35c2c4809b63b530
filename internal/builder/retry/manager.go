// Package retry retries transient collaborator failures with backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
)

// Retryable error patterns that indicate a collaborator call should be retried.
var retryableErrorPatterns = []string{
	"network error",
	"timeout",
	"connection refused",
	"connection reset",
	"unable to fetch",
	"failed to download",
	"temporary failure",
	"503",
}

// Attempt records a single call attempt.
type Attempt struct {
	AttemptNumber int        `json:"attempt_number"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Success       bool       `json:"success"`
	Error         string     `json:"error,omitempty"`
}

// RetryStrategy defines retry behavior.
type RetryStrategy struct {
	MaxAttempts     int           `json:"max_attempts"`     // Default: 3
	RetryableErrors []string      `json:"retryable_errors"` // Substrings that mark an error transient
	BackoffDuration time.Duration `json:"backoff_duration"` // Wait before the first retry
	Multiplier      float64       `json:"multiplier"`       // Backoff growth per retry
	MaxBackoff      time.Duration `json:"max_backoff"`      // Upper bound on a single wait
}

// DefaultRetryStrategy returns the default retry strategy.
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		MaxAttempts:     3,
		RetryableErrors: retryableErrorPatterns,
		BackoffDuration: 2 * time.Second,
		Multiplier:      2,
		MaxBackoff:      30 * time.Second,
	}
}

// RetryNotification is sent before each retry.
type RetryNotification struct {
	Key           string        `json:"key"`
	AttemptNumber int           `json:"attempt_number"`
	Reason        string        `json:"reason"`
	Backoff       time.Duration `json:"backoff"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Manager runs calls under a RetryStrategy and keeps their attempt history.
type Manager struct {
	strategy *RetryStrategy

	mu       sync.Mutex
	attempts map[string][]Attempt // key -> attempts

	// NotificationCallback is called before every retry.
	NotificationCallback func(notification *RetryNotification)
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

// WithRetryStrategy sets a custom retry strategy.
func WithRetryStrategy(strategy *RetryStrategy) ManagerOption {
	return func(m *Manager) {
		m.strategy = strategy
	}
}

// WithNotificationCallback sets the callback for retry notifications.
func WithNotificationCallback(callback func(*RetryNotification)) ManagerOption {
	return func(m *Manager) {
		m.NotificationCallback = callback
	}
}

// NewManager creates a new retry manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		strategy: DefaultRetryStrategy(),
		attempts: make(map[string][]Attempt),
	}

	for _, opt := range opts {
		opt(m)
	}
	if m.strategy.MaxAttempts < 1 {
		m.strategy.MaxAttempts = 1
	}

	return m
}

// Do calls fn until it succeeds, fails with a non-retryable error, the
// context ends, or MaxAttempts is reached. Attempts are recorded under key.
// When retries run out the last error is wrapped with ErrMaxRetriesExceeded.
func (m *Manager) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		started := time.Now()
		err := fn(ctx)
		completed := time.Now()
		_ = m.RecordAttempt(key, Attempt{
			AttemptNumber: attempt,
			StartedAt:     started,
			CompletedAt:   &completed,
			Success:       err == nil,
			Error:         errString(err),
		})

		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !m.IsRetryableError(err) {
			return err
		}
		if attempt >= m.strategy.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, attempt, err)
		}

		backoff := m.Backoff(attempt)
		m.notify(key, attempt, err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Backoff returns the wait before retry number attempt (1-based).
func (m *Manager) Backoff(attempt int) time.Duration {
	d := m.strategy.BackoffDuration
	mult := m.strategy.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if m.strategy.MaxBackoff > 0 && d > m.strategy.MaxBackoff {
			return m.strategy.MaxBackoff
		}
	}
	if m.strategy.MaxBackoff > 0 && d > m.strategy.MaxBackoff {
		return m.strategy.MaxBackoff
	}
	return d
}

func (m *Manager) notify(key string, attempt int, err error, backoff time.Duration) {
	if m.NotificationCallback == nil {
		return
	}
	m.NotificationCallback(&RetryNotification{
		Key:           key,
		AttemptNumber: attempt,
		Reason:        err.Error(),
		Backoff:       backoff,
		Timestamp:     time.Now(),
	})
}

// RecordAttempt records an attempt under key.
func (m *Manager) RecordAttempt(key string, attempt Attempt) error {
	if key == "" {
		return ErrKeyRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[key] = append(m.attempts[key], attempt)
	return nil
}

// GetAttempts returns a copy of the attempts recorded under key.
func (m *Manager) GetAttempts(key string) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attempt(nil), m.attempts[key]...)
}

// ClearAttempts clears all recorded attempts under key.
func (m *Manager) ClearAttempts(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
}

// ClearPrefix clears every key starting with prefix.
func (m *Manager) ClearPrefix(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.attempts {
		if strings.HasPrefix(k, prefix) {
			delete(m.attempts, k)
		}
	}
}

// RetriesWithPrefix counts the retries made under keys starting with prefix.
// First attempts are not retries.
func (m *Manager) RetriesWithPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, attempts := range m.attempts {
		if strings.HasPrefix(k, prefix) && len(attempts) > 1 {
			n += len(attempts) - 1
		}
	}
	return n
}

// GetMaxAttempts returns the maximum number of attempts per call.
func (m *Manager) GetMaxAttempts() int {
	return m.strategy.MaxAttempts
}

// IsRetryableError reports whether err is transient. Client errors and
// context errors never are.
func (m *Manager) IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if builderrors.IsClientError(err) {
		return false
	}
	var marked interface{ Retryable() bool }
	if errors.As(err, &marked) && marked.Retryable() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range m.strategy.RetryableErrors {
		if strings.Contains(errStr, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
