package models

import "slices"

// StartBuildRequest carries per-build overrides of a project's configuration.
// A nil field inherits the project value. A non-nil slice, even an empty one,
// replaces the project list, and a pointer to an empty string is an override
// to the empty value.
type StartBuildRequest struct {
	ProjectName string `json:"project_name"`

	SecondarySourcesOverride        []ProjectSource        `json:"secondary_sources_override,omitempty"`
	SecondarySourcesVersionOverride []ProjectSourceVersion `json:"secondary_sources_version_override,omitempty"`
	SourceVersion                   *string                `json:"source_version,omitempty"`
	ArtifactsOverride               *ProjectArtifacts      `json:"artifacts_override,omitempty"`
	SecondaryArtifactsOverride      []ProjectArtifacts     `json:"secondary_artifacts_override,omitempty"`
	EnvironmentVariablesOverride    []EnvironmentVariable  `json:"environment_variables_override,omitempty"`

	SourceTypeOverride          *SourceType          `json:"source_type_override,omitempty"`
	SourceLocationOverride      *string              `json:"source_location_override,omitempty"`
	SourceAuthOverride          *SourceAuth          `json:"source_auth_override,omitempty"`
	GitCloneDepthOverride       *int                 `json:"git_clone_depth_override,omitempty"`
	GitSubmodulesConfigOverride *GitSubmodulesConfig `json:"git_submodules_config_override,omitempty"`
	BuildspecOverride           *string              `json:"buildspec_override,omitempty"`
	InsecureSSLOverride         *bool                `json:"insecure_ssl_override,omitempty"`
	ReportBuildStatusOverride   *bool                `json:"report_build_status_override,omitempty"`

	EnvironmentTypeOverride          *EnvironmentType          `json:"environment_type_override,omitempty"`
	ImageOverride                    *string                   `json:"image_override,omitempty"`
	ComputeTypeOverride              *ComputeType              `json:"compute_type_override,omitempty"`
	CertificateOverride              *string                   `json:"certificate_override,omitempty"`
	CacheOverride                    *ProjectCache             `json:"cache_override,omitempty"`
	ServiceRoleOverride              *string                   `json:"service_role_override,omitempty"`
	PrivilegedModeOverride           *bool                     `json:"privileged_mode_override,omitempty"`
	TimeoutInMinutesOverride         *int                      `json:"timeout_in_minutes_override,omitempty"`
	QueuedTimeoutInMinutesOverride   *int                      `json:"queued_timeout_in_minutes_override,omitempty"`
	EncryptionKeyOverride            *string                   `json:"encryption_key_override,omitempty"`
	LogsConfigOverride               *LogsConfig               `json:"logs_config_override,omitempty"`
	RegistryCredentialOverride       *RegistryCredential       `json:"registry_credential_override,omitempty"`
	ImagePullCredentialsTypeOverride *ImagePullCredentialsType `json:"image_pull_credentials_type_override,omitempty"`

	// Initiator records who asked for the build.
	Initiator string `json:"initiator,omitempty"`
}

// EffectiveConfig is a project configuration with request overrides applied.
// It is treated as immutable once produced.
type EffectiveConfig struct {
	ProjectName             string                      `json:"project_name"`
	ProjectArn              string                      `json:"project_arn,omitempty"`
	Source                  ProjectSource               `json:"source"`
	SourceVersion           string                      `json:"source_version,omitempty"`
	SecondarySources        []ProjectSource             `json:"secondary_sources,omitempty"`
	SecondarySourceVersions []ProjectSourceVersion      `json:"secondary_source_versions,omitempty"`
	Artifacts               ProjectArtifacts            `json:"artifacts"`
	SecondaryArtifacts      []ProjectArtifacts          `json:"secondary_artifacts,omitempty"`
	Environment             ProjectEnvironment          `json:"environment"`
	Cache                   ProjectCache                `json:"cache"`
	ServiceRole             string                      `json:"service_role,omitempty"`
	VpcConfig               *VpcConfig                  `json:"vpc_config,omitempty"`
	TimeoutInMinutes        int                         `json:"timeout_in_minutes"`
	QueuedTimeoutInMinutes  int                         `json:"queued_timeout_in_minutes"`
	EncryptionKey           string                      `json:"encryption_key,omitempty"`
	LogsConfig              LogsConfig                  `json:"logs_config"`
	FileSystemLocations     []ProjectFileSystemLocation `json:"file_system_locations,omitempty"`
	Initiator               string                      `json:"initiator,omitempty"`
}

// Clone returns a deep copy of the effective configuration.
func (c *EffectiveConfig) Clone() *EffectiveConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Source = c.Source.Clone()
	out.SecondarySources = cloneSources(c.SecondarySources)
	out.SecondarySourceVersions = slices.Clone(c.SecondarySourceVersions)
	out.SecondaryArtifacts = cloneArtifacts(c.SecondaryArtifacts)
	out.Environment = c.Environment.Clone()
	out.Cache = c.Cache.Clone()
	out.VpcConfig = c.VpcConfig.Clone()
	out.FileSystemLocations = slices.Clone(c.FileSystemLocations)
	return &out
}

// SecondarySourceVersion returns the pinned version for a secondary source, if any.
func (c *EffectiveConfig) SecondarySourceVersion(identifier string) string {
	for _, v := range c.SecondarySourceVersions {
		if v.SourceIdentifier == identifier {
			return v.SourceVersion
		}
	}
	return ""
}
