package models

import (
	"slices"
	"time"
)

// Build is one execution of a project's build process.
type Build struct {
	ID          string `json:"id"`
	Arn         string `json:"arn"`
	BuildNumber int64  `json:"build_number"`
	ProjectName string `json:"project_name"`
	Initiator   string `json:"initiator,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	CurrentPhase  PhaseType   `json:"current_phase"`
	BuildStatus   BuildStatus `json:"build_status"`
	BuildComplete bool        `json:"build_complete"`

	SourceVersion           string                 `json:"source_version,omitempty"`
	ResolvedSourceVersion   string                 `json:"resolved_source_version,omitempty"`
	Source                  ProjectSource          `json:"source"`
	SecondarySources        []ProjectSource        `json:"secondary_sources,omitempty"`
	SecondarySourceVersions []ProjectSourceVersion `json:"secondary_source_versions,omitempty"`
	Artifacts               BuildArtifacts         `json:"artifacts"`
	SecondaryArtifacts      []BuildArtifacts       `json:"secondary_artifacts,omitempty"`

	// Config snapshot taken at start. Never changes afterwards.
	Environment            ProjectEnvironment `json:"environment"`
	Cache                  ProjectCache       `json:"cache"`
	ServiceRole            string             `json:"service_role,omitempty"`
	VpcConfig              *VpcConfig         `json:"vpc_config,omitempty"`
	TimeoutInMinutes       int                `json:"timeout_in_minutes"`
	QueuedTimeoutInMinutes int                `json:"queued_timeout_in_minutes"`
	EncryptionKey          string             `json:"encryption_key,omitempty"`
	LogsConfig             LogsConfig         `json:"logs_config"`

	// Requested outputs, kept so a build can be retried from its own record.
	ArtifactsSpec          ProjectArtifacts   `json:"artifacts_spec"`
	SecondaryArtifactsSpec []ProjectArtifacts `json:"secondary_artifacts_spec,omitempty"`

	Phases                       []BuildPhase                  `json:"phases"`
	ExportedEnvironmentVariables []ExportedEnvironmentVariable `json:"exported_environment_variables,omitempty"`
	ReportArns                   []string                      `json:"report_arns,omitempty"`
	FileSystemLocations          []ProjectFileSystemLocation   `json:"file_system_locations,omitempty"`
	Logs                         LogsLocation                  `json:"logs"`
}

// Clone returns a deep copy of the build.
func (b *Build) Clone() *Build {
	if b == nil {
		return nil
	}
	c := *b
	if b.EndTime != nil {
		t := *b.EndTime
		c.EndTime = &t
	}
	c.Source = b.Source.Clone()
	c.SecondarySources = cloneSources(b.SecondarySources)
	c.SecondarySourceVersions = slices.Clone(b.SecondarySourceVersions)
	c.SecondaryArtifacts = slices.Clone(b.SecondaryArtifacts)
	c.Environment = b.Environment.Clone()
	c.Cache = b.Cache.Clone()
	c.VpcConfig = b.VpcConfig.Clone()
	c.SecondaryArtifactsSpec = slices.Clone(b.SecondaryArtifactsSpec)
	if b.Phases != nil {
		c.Phases = make([]BuildPhase, len(b.Phases))
		for i, p := range b.Phases {
			c.Phases[i] = p.Clone()
		}
	}
	c.ExportedEnvironmentVariables = slices.Clone(b.ExportedEnvironmentVariables)
	c.ReportArns = slices.Clone(b.ReportArns)
	c.FileSystemLocations = slices.Clone(b.FileSystemLocations)
	return &c
}

// LastPhase returns the most recent phase record, or nil when there is none.
func (b *Build) LastPhase() *BuildPhase {
	if len(b.Phases) == 0 {
		return nil
	}
	return &b.Phases[len(b.Phases)-1]
}

// EffectiveConfig rebuilds the configuration the build ran with.
func (b *Build) EffectiveConfig() *EffectiveConfig {
	cfg := &EffectiveConfig{
		ProjectName:             b.ProjectName,
		Source:                  b.Source,
		SourceVersion:           b.SourceVersion,
		SecondarySources:        b.SecondarySources,
		SecondarySourceVersions: b.SecondarySourceVersions,
		Artifacts:               b.ArtifactsSpec,
		SecondaryArtifacts:      b.SecondaryArtifactsSpec,
		Environment:             b.Environment,
		Cache:                   b.Cache,
		ServiceRole:             b.ServiceRole,
		VpcConfig:               b.VpcConfig,
		TimeoutInMinutes:        b.TimeoutInMinutes,
		QueuedTimeoutInMinutes:  b.QueuedTimeoutInMinutes,
		EncryptionKey:           b.EncryptionKey,
		LogsConfig:              b.LogsConfig,
		FileSystemLocations:     b.FileSystemLocations,
		Initiator:               b.Initiator,
	}
	return cfg.Clone()
}

// BuildPhase is one historical or current stage of a build.
// PhaseStatus is empty while the phase is in progress.
type BuildPhase struct {
	PhaseType         PhaseType      `json:"phase_type"`
	PhaseStatus       BuildStatus    `json:"phase_status,omitempty"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
	DurationInSeconds *int64         `json:"duration_in_seconds,omitempty"`
	Contexts          []PhaseContext `json:"contexts,omitempty"`
}

// Sealed reports whether the phase has been closed.
func (p *BuildPhase) Sealed() bool {
	return p.EndTime != nil
}

// Clone returns a deep copy of the phase.
func (p BuildPhase) Clone() BuildPhase {
	if p.EndTime != nil {
		t := *p.EndTime
		p.EndTime = &t
	}
	if p.DurationInSeconds != nil {
		d := *p.DurationInSeconds
		p.DurationInSeconds = &d
	}
	p.Contexts = slices.Clone(p.Contexts)
	return p
}

// PhaseContext is a diagnostic attached to a phase.
type PhaseContext struct {
	StatusCode string `json:"status_code"`
	Message    string `json:"message"`
}

// BuildArtifacts records where a build's output went.
type BuildArtifacts struct {
	Location             string `json:"location,omitempty"`
	Sha256Sum            string `json:"sha256sum,omitempty"`
	Md5Sum               string `json:"md5sum,omitempty"`
	OverrideArtifactName bool   `json:"override_artifact_name,omitempty"`
	EncryptionDisabled   bool   `json:"encryption_disabled,omitempty"`
	ArtifactIdentifier   string `json:"artifact_identifier,omitempty"`
}

// ExportedEnvironmentVariable is a variable a build exported for downstream use.
type ExportedEnvironmentVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LogsLocation says where the build's logs can be read.
type LogsLocation struct {
	GroupName  string `json:"group_name,omitempty"`
	StreamName string `json:"stream_name,omitempty"`
	DeepLink   string `json:"deep_link,omitempty"`
}

// BuildHandle identifies a build waiting in or admitted from the queue.
type BuildHandle struct {
	BuildID       string        `json:"build_id"`
	ProjectName   string        `json:"project_name"`
	BuildNumber   int64         `json:"build_number"`
	QueuedTimeout time.Duration `json:"queued_timeout"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
}
