// Package errors classifies build failures into client and infrastructure
// causes so the orchestrator can record FAILED or FAULT.
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/narvanalabs/buildengine/internal/models"
)

// Error categories for build failures.
const (
	// CategoryClient covers failures caused by the user's build: failing
	// commands, bad buildspecs, missing files in the user's output.
	CategoryClient         = "client"
	// CategoryInfrastructure covers failures of the engine or a collaborator.
	CategoryInfrastructure = "infrastructure"
	CategoryTimeout        = "timeout"
	CategoryStopped        = "stopped"
)

// Error codes recorded in phase contexts.
const (
	CodeCommandFailed         = "COMMAND_EXECUTION_ERROR"
	CodeClientError           = "CLIENT_ERROR"
	CodeBuildspecInvalid      = "YAML_FILE_ERROR"
	CodeSourceDownloadFailed  = "DOWNLOAD_SOURCE_FAILED"
	CodeProvisioningFailed    = "PROVISIONING_FAILED"
	CodeArtifactsFailed       = "ARTIFACTS_ERROR"
	CodeFinalizeFailed        = "FINALIZE_ERROR"
	CodeInternalError         = "INTERNAL_ERROR"
	CodeBuildTimedOut         = "BUILD_TIMED_OUT"
	CodePhaseTimedOut         = "PHASE_TIMED_OUT"
	CodeQueuedTimeout         = "QUEUED_TIMEOUT"
	CodeBuildStopped          = "BUILD_STOPPED"
	CodeCancelNotAcknowledged = "CANCELLATION_NOT_ACKNOWLEDGED"
	CodeInterruptedByRestart  = "INTERRUPTED"
	CodeRetriesExhausted      = "RETRIES_EXHAUSTED"
)

// BuildError is an error with a machine-readable code and a category that
// decides the phase status it produces.
type BuildError struct {
	Err      error
	Code     string
	Category string
	Phase    models.PhaseType
	ExitCode *int
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Code)
}

// Unwrap returns the underlying error.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// Status maps the category to the phase and build status it produces.
func (e *BuildError) Status() models.BuildStatus {
	switch e.Category {
	case CategoryClient:
		return models.BuildStatusFailed
	case CategoryTimeout:
		return models.BuildStatusTimedOut
	case CategoryStopped:
		return models.BuildStatusStopped
	default:
		return models.BuildStatusFault
	}
}

// Context renders the error as a phase context.
func (e *BuildError) Context() models.PhaseContext {
	return models.PhaseContext{StatusCode: e.Code, Message: e.Error()}
}

// NewBuildError creates a new BuildError with the given parameters.
func NewBuildError(err error, code, category string) *BuildError {
	return &BuildError{
		Err:      err,
		Code:     code,
		Category: category,
	}
}

// WithPhase records the phase the error happened in.
func (e *BuildError) WithPhase(phase models.PhaseType) *BuildError {
	e.Phase = phase
	return e
}

// WithExitCode records the exit code of a failed command.
func (e *BuildError) WithExitCode(code int) *BuildError {
	e.ExitCode = &code
	return e
}

// Client error constructors.

// NewClientError creates an error blamed on the user's build.
func NewClientError(err error, code string) *BuildError {
	return NewBuildError(err, code, CategoryClient)
}

// NewCommandFailedError creates an error for a build command that exited non-zero.
func NewCommandFailedError(phase models.PhaseType, command string, exitCode int) *BuildError {
	return NewClientError(
		fmt.Errorf("error while executing command: %s. Reason: exit status %d", command, exitCode),
		CodeCommandFailed,
	).WithPhase(phase).WithExitCode(exitCode)
}

// NewBuildspecError creates an error for an unreadable or invalid buildspec.
func NewBuildspecError(err error) *BuildError {
	return NewClientError(fmt.Errorf("invalid buildspec: %w", err), CodeBuildspecInvalid)
}

// Infrastructure error constructors.

// NewInfrastructureError creates an error blamed on the engine or a collaborator.
func NewInfrastructureError(err error, code string) *BuildError {
	return NewBuildError(err, code, CategoryInfrastructure)
}

// NewSourceError creates an error for a failed source download.
func NewSourceError(err error) *BuildError {
	return NewInfrastructureError(fmt.Errorf("failed to download source: %w", err), CodeSourceDownloadFailed).
		WithPhase(models.PhaseDownloadSource)
}

// NewArtifactsError creates an error for a failed artifact upload.
func NewArtifactsError(err error) *BuildError {
	return NewInfrastructureError(fmt.Errorf("failed to upload artifacts: %w", err), CodeArtifactsFailed).
		WithPhase(models.PhaseUploadArtifacts)
}

// NewCancelNotAcknowledgedError is recorded when a collaborator ignores cancellation.
func NewCancelNotAcknowledgedError(phase models.PhaseType) *BuildError {
	return NewInfrastructureError(
		fmt.Errorf("%s did not stop within the cancellation grace period", phase),
		CodeCancelNotAcknowledged,
	).WithPhase(phase)
}

// Policy error constructors.

// NewBuildTimedOutError is recorded when the overall build timeout fires.
func NewBuildTimedOutError(minutes int) *BuildError {
	return NewBuildError(
		fmt.Errorf("build timed out after %d minutes", minutes),
		CodeBuildTimedOut,
		CategoryTimeout,
	)
}

// NewPhaseTimedOutError is recorded when a phase exceeds its own budget.
func NewPhaseTimedOutError(phase models.PhaseType, budget string) *BuildError {
	return NewBuildError(
		fmt.Errorf("phase %s exceeded its budget of %s", phase, budget),
		CodePhaseTimedOut,
		CategoryTimeout,
	).WithPhase(phase)
}

// NewQueuedTimeoutError is recorded when a build waits too long for capacity.
func NewQueuedTimeoutError(minutes int) *BuildError {
	return NewBuildError(
		fmt.Errorf("build was not started within the queued timeout of %d minutes", minutes),
		CodeQueuedTimeout,
		CategoryTimeout,
	).WithPhase(models.PhaseQueued)
}

// NewStoppedError is recorded when a build is stopped on request.
func NewStoppedError() *BuildError {
	return NewBuildError(errors.New("build stopped"), CodeBuildStopped, CategoryStopped)
}

// IsBuildError checks if an error is a BuildError.
func IsBuildError(err error) bool {
	var buildErr *BuildError
	return errors.As(err, &buildErr)
}

// AsBuildError attempts to convert an error to a BuildError.
func AsBuildError(err error) (*BuildError, bool) {
	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		return buildErr, true
	}
	return nil, false
}

// IsClientError reports whether err is blamed on the user's build.
func IsClientError(err error) bool {
	be, ok := AsBuildError(err)
	return ok && be.Category == CategoryClient
}

// Classify turns a collaborator error into a phase status and context.
// Unclassified errors are infrastructure faults recorded under fallbackCode.
// A nil error yields SUCCEEDED with an empty context.
func Classify(err error, fallbackCode string) (models.BuildStatus, models.PhaseContext) {
	if err == nil {
		return models.BuildStatusSucceeded, models.PhaseContext{}
	}
	if be, ok := AsBuildError(err); ok {
		return be.Status(), be.Context()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.BuildStatusTimedOut, models.PhaseContext{StatusCode: CodePhaseTimedOut, Message: err.Error()}
	}
	return models.BuildStatusFault, models.PhaseContext{StatusCode: fallbackCode, Message: err.Error()}
}
