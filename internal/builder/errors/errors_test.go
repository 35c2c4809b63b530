package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/narvanalabs/buildengine/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus models.BuildStatus
		wantCode   string
	}{
		{"nil", nil, models.BuildStatusSucceeded, ""},
		{"command failed", NewCommandFailedError(models.PhaseBuild, "make test", 2), models.BuildStatusFailed, CodeCommandFailed},
		{"buildspec", NewBuildspecError(errors.New("line 3")), models.BuildStatusFailed, CodeBuildspecInvalid},
		{"source", NewSourceError(errors.New("repository not found")), models.BuildStatusFault, CodeSourceDownloadFailed},
		{"wrapped source", fmt.Errorf("attempt 3: %w", NewSourceError(errors.New("x"))), models.BuildStatusFault, CodeSourceDownloadFailed},
		{"plain error", errors.New("boom"), models.BuildStatusFault, CodeInternalError},
		{"deadline", fmt.Errorf("git: %w", context.DeadlineExceeded), models.BuildStatusTimedOut, CodePhaseTimedOut},
		{"stopped", NewStoppedError(), models.BuildStatusStopped, CodeBuildStopped},
		{"build timeout", NewBuildTimedOutError(60), models.BuildStatusTimedOut, CodeBuildTimedOut},
		{"queued timeout", NewQueuedTimeoutError(5), models.BuildStatusTimedOut, CodeQueuedTimeout},
		{"cancel ignored", NewCancelNotAcknowledgedError(models.PhaseBuild), models.BuildStatusFault, CodeCancelNotAcknowledged},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, ctx := Classify(tc.err, CodeInternalError)
			if status != tc.wantStatus {
				t.Errorf("status = %s, want %s", status, tc.wantStatus)
			}
			if ctx.StatusCode != tc.wantCode {
				t.Errorf("code = %q, want %q", ctx.StatusCode, tc.wantCode)
			}
			if tc.err != nil && ctx.Message == "" {
				t.Error("empty context message")
			}
		})
	}
}

func TestCommandFailedCarriesExitCode(t *testing.T) {
	err := NewCommandFailedError(models.PhaseInstall, "npm ci", 127)
	if err.ExitCode == nil || *err.ExitCode != 127 || err.Phase != models.PhaseInstall {
		t.Errorf("unexpected error fields: %+v", err)
	}
	if !IsClientError(err) || !IsBuildError(err) {
		t.Error("command failure should be a client build error")
	}
	if IsClientError(NewArtifactsError(errors.New("disk full"))) {
		t.Error("artifact failure should not be a client error")
	}
	inner := errors.New("root cause")
	if !errors.Is(NewSourceError(inner), inner) {
		t.Error("source error does not unwrap to its cause")
	}
}
