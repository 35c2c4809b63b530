package builder

import (
	"context"

	"github.com/narvanalabs/buildengine/internal/models"
)

// FetchRequest asks for one source to be made available locally.
type FetchRequest struct {
	BuildID string
	Source  models.ProjectSource
	Version string
}

// FetchResult says where a fetched source lives and which version it resolved to.
type FetchResult struct {
	ResolvedVersion string
	Location        string
}

// SourceFetcher downloads build input.
type SourceFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// ArtifactSelection is the set of files a build asks to publish.
type ArtifactSelection struct {
	BaseDirectory string
	Files         []string
	DiscardPaths  bool
}

// ExecRequest runs the commands of one build phase.
type ExecRequest struct {
	BuildID            string
	Phase              models.PhaseType
	Config             *models.EffectiveConfig
	SourceLocation     string
	SecondaryLocations map[string]string

	// Output receives every line the phase prints.
	Output func(line string)
}

// ExecResult reports how a phase's commands ended. A non-zero ExitCode is a
// failure of the user's build, not an error.
type ExecResult struct {
	ExitCode int
	// Command is the command that exited non-zero.
	Command string

	ExportedVariables []models.ExportedEnvironmentVariable
	ReportArns        []string

	// Artifacts and SecondaryArtifacts are set once the build definition
	// has been read.
	Artifacts          *ArtifactSelection
	SecondaryArtifacts map[string]ArtifactSelection
}

// ComputeExecutor runs build commands. Run must return promptly once ctx is done.
type ComputeExecutor interface {
	Run(ctx context.Context, req *ExecRequest) (*ExecResult, error)
}

// UploadRequest publishes one artifact of a build.
type UploadRequest struct {
	BuildID       string
	ProjectName   string
	BuildNumber   int64
	Spec          models.ProjectArtifacts
	Selection     ArtifactSelection
	EncryptionKey string
}

// ArtifactStore publishes build output.
type ArtifactStore interface {
	Upload(ctx context.Context, req *UploadRequest) (*models.BuildArtifacts, error)
}

// LogSink receives build output. Delivery is best effort.
type LogSink interface {
	Append(buildID string, phase models.PhaseType, lines []string)
}

// Flusher is implemented by log sinks that buffer.
type Flusher interface {
	Flush(ctx context.Context, buildID string) error
}

// Cleaner is implemented by collaborators that keep per-build state on disk.
type Cleaner interface {
	Cleanup(ctx context.Context, buildID string) error
}

// Committer is implemented by artifact stores that track a build's uploads
// until the build ends. Commit is called for builds that did not fail.
type Committer interface {
	Commit(buildID string)
}

// Provisioner prepares the build environment before sources are fetched.
type Provisioner interface {
	Provision(ctx context.Context, buildID string, cfg *models.EffectiveConfig) error
}

// Capacity is implemented by executors that limit concurrent builds.
type Capacity interface {
	Capacity() int
}

// EventPublisher announces build state changes.
type EventPublisher interface {
	Publish(ctx context.Context, change *models.BuildStateChange) error
}

type discardSink struct{}

func (discardSink) Append(string, models.PhaseType, []string) {}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, *models.BuildStateChange) error { return nil }
