// Package models provides data models for the build engine.
package models

import "fmt"

// BuildStatus represents the outcome of a build or of a single phase.
type BuildStatus string

const (
	BuildStatusSucceeded  BuildStatus = "SUCCEEDED"
	BuildStatusFailed     BuildStatus = "FAILED"
	BuildStatusFault      BuildStatus = "FAULT"
	BuildStatusTimedOut   BuildStatus = "TIMED_OUT"
	BuildStatusStopped    BuildStatus = "STOPPED"
	BuildStatusInProgress BuildStatus = "IN_PROGRESS"
)

var buildStatuses = []BuildStatus{
	BuildStatusSucceeded,
	BuildStatusFailed,
	BuildStatusFault,
	BuildStatusTimedOut,
	BuildStatusStopped,
	BuildStatusInProgress,
}

// Valid reports whether s is a known build status.
func (s BuildStatus) Valid() bool { return contains(buildStatuses, s) }

// IsTerminal reports whether s ends a build. Every status except IN_PROGRESS is terminal.
func (s BuildStatus) IsTerminal() bool {
	return s.Valid() && s != BuildStatusInProgress
}

// IsFailure reports whether s is a terminal status other than SUCCEEDED.
func (s BuildStatus) IsFailure() bool {
	return s.IsTerminal() && s != BuildStatusSucceeded
}

// String returns the string representation of the BuildStatus.
func (s BuildStatus) String() string { return string(s) }

// UnmarshalText rejects unknown statuses.
func (s *BuildStatus) UnmarshalText(text []byte) error {
	return parseEnum(text, s, "build status")
}

// PhaseType names a stage of build execution.
type PhaseType string

const (
	PhaseSubmitted       PhaseType = "SUBMITTED"
	PhaseQueued          PhaseType = "QUEUED"
	PhaseProvisioning    PhaseType = "PROVISIONING"
	PhaseDownloadSource  PhaseType = "DOWNLOAD_SOURCE"
	PhaseInstall         PhaseType = "INSTALL"
	PhasePreBuild        PhaseType = "PRE_BUILD"
	PhaseBuild           PhaseType = "BUILD"
	PhasePostBuild       PhaseType = "POST_BUILD"
	PhaseUploadArtifacts PhaseType = "UPLOAD_ARTIFACTS"
	PhaseFinalizing      PhaseType = "FINALIZING"
	PhaseCompleted       PhaseType = "COMPLETED"
)

var phaseTypes = []PhaseType{
	PhaseSubmitted,
	PhaseQueued,
	PhaseProvisioning,
	PhaseDownloadSource,
	PhaseInstall,
	PhasePreBuild,
	PhaseBuild,
	PhasePostBuild,
	PhaseUploadArtifacts,
	PhaseFinalizing,
	PhaseCompleted,
}

// Valid reports whether p is a known phase type.
func (p PhaseType) Valid() bool { return contains(phaseTypes, p) }

// String returns the string representation of the PhaseType.
func (p PhaseType) String() string { return string(p) }

// UnmarshalText rejects unknown phase types.
func (p *PhaseType) UnmarshalText(text []byte) error {
	return parseEnum(text, p, "phase type")
}

// SourceType identifies where build input comes from.
type SourceType string

const (
	SourceTypeCodeCommit       SourceType = "CODECOMMIT"
	SourceTypeGitHub           SourceType = "GITHUB"
	SourceTypeGitHubEnterprise SourceType = "GITHUB_ENTERPRISE"
	SourceTypeGitLab           SourceType = "GITLAB"
	SourceTypeBitbucket        SourceType = "BITBUCKET"
	SourceTypeS3               SourceType = "S3"
	SourceTypeNoSource         SourceType = "NO_SOURCE"
)

var sourceTypes = []SourceType{
	SourceTypeCodeCommit,
	SourceTypeGitHub,
	SourceTypeGitHubEnterprise,
	SourceTypeGitLab,
	SourceTypeBitbucket,
	SourceTypeS3,
	SourceTypeNoSource,
}

func (t SourceType) Valid() bool { return contains(sourceTypes, t) }

// IsGit reports whether sources of this type are fetched with git.
func (t SourceType) IsGit() bool {
	switch t {
	case SourceTypeCodeCommit, SourceTypeGitHub, SourceTypeGitHubEnterprise, SourceTypeGitLab, SourceTypeBitbucket:
		return true
	}
	return false
}

func (t *SourceType) UnmarshalText(text []byte) error {
	return parseEnum(text, t, "source type")
}

// ArtifactsType identifies where build output goes.
type ArtifactsType string

const (
	ArtifactsTypeNone ArtifactsType = "NO_ARTIFACTS"
	ArtifactsTypeS3   ArtifactsType = "S3"
)

func (t ArtifactsType) Valid() bool {
	return contains([]ArtifactsType{ArtifactsTypeNone, ArtifactsTypeS3}, t)
}

func (t *ArtifactsType) UnmarshalText(text []byte) error {
	return parseEnum(text, t, "artifacts type")
}

// ArtifactPackaging controls how artifacts are bundled.
type ArtifactPackaging string

const (
	ArtifactPackagingNone ArtifactPackaging = "NONE"
	ArtifactPackagingZip  ArtifactPackaging = "ZIP"
)

func (p ArtifactPackaging) Valid() bool {
	return contains([]ArtifactPackaging{ArtifactPackagingNone, ArtifactPackagingZip}, p)
}

func (p *ArtifactPackaging) UnmarshalText(text []byte) error {
	return parseEnum(text, p, "artifact packaging")
}

// ArtifactNamespace controls whether the build id is inserted into the artifact path.
type ArtifactNamespace string

const (
	ArtifactNamespaceNone    ArtifactNamespace = "NONE"
	ArtifactNamespaceBuildID ArtifactNamespace = "BUILD_ID"
)

func (n ArtifactNamespace) Valid() bool {
	return contains([]ArtifactNamespace{ArtifactNamespaceNone, ArtifactNamespaceBuildID}, n)
}

func (n *ArtifactNamespace) UnmarshalText(text []byte) error {
	return parseEnum(text, n, "artifact namespace")
}

// EnvironmentType is the kind of build container.
type EnvironmentType string

const (
	EnvironmentTypeLinuxContainer    EnvironmentType = "LINUX_CONTAINER"
	EnvironmentTypeArmContainer      EnvironmentType = "ARM_CONTAINER"
	EnvironmentTypeLinuxGPUContainer EnvironmentType = "LINUX_GPU_CONTAINER"
)

func (t EnvironmentType) Valid() bool {
	return contains([]EnvironmentType{
		EnvironmentTypeLinuxContainer,
		EnvironmentTypeArmContainer,
		EnvironmentTypeLinuxGPUContainer,
	}, t)
}

func (t *EnvironmentType) UnmarshalText(text []byte) error {
	return parseEnum(text, t, "environment type")
}

// ComputeType is the size of the build container.
type ComputeType string

const (
	ComputeTypeSmall   ComputeType = "BUILD_GENERAL1_SMALL"
	ComputeTypeMedium  ComputeType = "BUILD_GENERAL1_MEDIUM"
	ComputeTypeLarge   ComputeType = "BUILD_GENERAL1_LARGE"
	ComputeType2XLarge ComputeType = "BUILD_GENERAL1_2XLARGE"
)

func (t ComputeType) Valid() bool {
	return contains([]ComputeType{ComputeTypeSmall, ComputeTypeMedium, ComputeTypeLarge, ComputeType2XLarge}, t)
}

func (t *ComputeType) UnmarshalText(text []byte) error {
	return parseEnum(text, t, "compute type")
}

// EnvironmentVariableType says how an environment variable value is interpreted.
type EnvironmentVariableType string

const (
	EnvironmentVariablePlaintext      EnvironmentVariableType = "PLAINTEXT"
	EnvironmentVariableParameterStore EnvironmentVariableType = "PARAMETER_STORE"
	EnvironmentVariableSecretsManager EnvironmentVariableType = "SECRETS_MANAGER"
)

func (t EnvironmentVariableType) Valid() bool {
	return contains([]EnvironmentVariableType{
		EnvironmentVariablePlaintext,
		EnvironmentVariableParameterStore,
		EnvironmentVariableSecretsManager,
	}, t)
}

func (t *EnvironmentVariableType) UnmarshalText(text []byte) error {
	return parseEnum(text, t, "environment variable type")
}

// CacheType selects the build cache backend.
type CacheType string

const (
	CacheTypeNone  CacheType = "NO_CACHE"
	CacheTypeLocal CacheType = "LOCAL"
	CacheTypeS3    CacheType = "S3"
)

func (t CacheType) Valid() bool {
	return contains([]CacheType{CacheTypeNone, CacheTypeLocal, CacheTypeS3}, t)
}

func (t *CacheType) UnmarshalText(text []byte) error {
	return parseEnum(text, t, "cache type")
}

// ImagePullCredentialsType selects which credentials pull the build image.
type ImagePullCredentialsType string

const (
	ImagePullCredentialsBuilder     ImagePullCredentialsType = "CODEBUILD"
	ImagePullCredentialsServiceRole ImagePullCredentialsType = "SERVICE_ROLE"
)

func (t ImagePullCredentialsType) Valid() bool {
	return contains([]ImagePullCredentialsType{ImagePullCredentialsBuilder, ImagePullCredentialsServiceRole}, t)
}

func (t *ImagePullCredentialsType) UnmarshalText(text []byte) error {
	return parseEnum(text, t, "image pull credentials type")
}

// LogsStatus turns build log shipping on or off.
type LogsStatus string

const (
	LogsStatusEnabled  LogsStatus = "ENABLED"
	LogsStatusDisabled LogsStatus = "DISABLED"
)

func (s LogsStatus) Valid() bool {
	return contains([]LogsStatus{LogsStatusEnabled, LogsStatusDisabled}, s)
}

func (s *LogsStatus) UnmarshalText(text []byte) error {
	return parseEnum(text, s, "logs status")
}

// validEnum is satisfied by every closed string type in this package.
type validEnum interface {
	~string
	Valid() bool
}

// parseEnum accepts the empty string as "unset"; required fields are
// checked by validation.
func parseEnum[T validEnum](text []byte, dst *T, kind string) error {
	v := T(text)
	if v == "" {
		*dst = v
		return nil
	}
	if !v.Valid() {
		return fmt.Errorf("invalid %s %q", kind, string(text))
	}
	*dst = v
	return nil
}

func contains[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
