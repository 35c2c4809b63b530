package models

import (
	"slices"
	"time"
)

// Default project timeouts, in minutes.
const (
	DefaultTimeoutInMinutes       = 60
	DefaultQueuedTimeoutInMinutes = 480
)

// Project is the stored build configuration that builds are started from.
type Project struct {
	Name                    string                      `json:"name"`
	Arn                     string                      `json:"arn,omitempty"`
	Description             string                      `json:"description,omitempty"`
	Source                  ProjectSource               `json:"source"`
	SecondarySources        []ProjectSource             `json:"secondary_sources,omitempty"`
	SourceVersion           string                      `json:"source_version,omitempty"`
	SecondarySourceVersions []ProjectSourceVersion      `json:"secondary_source_versions,omitempty"`
	Artifacts               ProjectArtifacts            `json:"artifacts"`
	SecondaryArtifacts      []ProjectArtifacts          `json:"secondary_artifacts,omitempty"`
	Cache                   ProjectCache                `json:"cache"`
	Environment             ProjectEnvironment          `json:"environment"`
	ServiceRole             string                      `json:"service_role,omitempty"`
	TimeoutInMinutes        int                         `json:"timeout_in_minutes"`
	QueuedTimeoutInMinutes  int                         `json:"queued_timeout_in_minutes"`
	EncryptionKey           string                      `json:"encryption_key,omitempty"`
	LogsConfig              LogsConfig                  `json:"logs_config"`
	VpcConfig               *VpcConfig                  `json:"vpc_config,omitempty"`
	FileSystemLocations     []ProjectFileSystemLocation `json:"file_system_locations,omitempty"`
	CreatedAt               time.Time                   `json:"created_at"`
	UpdatedAt               time.Time                   `json:"updated_at"`
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	c := *p
	c.Source = p.Source.Clone()
	c.SecondarySources = cloneSources(p.SecondarySources)
	c.SecondarySourceVersions = slices.Clone(p.SecondarySourceVersions)
	c.Artifacts = p.Artifacts.Clone()
	c.SecondaryArtifacts = cloneArtifacts(p.SecondaryArtifacts)
	c.Cache = p.Cache.Clone()
	c.Environment = p.Environment.Clone()
	c.VpcConfig = p.VpcConfig.Clone()
	c.FileSystemLocations = slices.Clone(p.FileSystemLocations)
	return &c
}

// SecondarySourceIdentifiers returns the identifiers of the project's secondary sources.
func (p *Project) SecondarySourceIdentifiers() []string {
	ids := make([]string, 0, len(p.SecondarySources))
	for _, s := range p.SecondarySources {
		ids = append(ids, s.SourceIdentifier)
	}
	return ids
}

// SecondaryArtifactIdentifiers returns the identifiers of the project's secondary artifacts.
func (p *Project) SecondaryArtifactIdentifiers() []string {
	ids := make([]string, 0, len(p.SecondaryArtifacts))
	for _, a := range p.SecondaryArtifacts {
		ids = append(ids, a.ArtifactIdentifier)
	}
	return ids
}

// ProjectSource describes one build input.
type ProjectSource struct {
	Type                SourceType           `json:"type"`
	Location            string               `json:"location,omitempty"`
	GitCloneDepth       int                  `json:"git_clone_depth,omitempty"`
	GitSubmodulesConfig *GitSubmodulesConfig `json:"git_submodules_config,omitempty"`
	Buildspec           string               `json:"buildspec,omitempty"`
	Auth                *SourceAuth          `json:"auth,omitempty"`
	ReportBuildStatus   bool                 `json:"report_build_status,omitempty"`
	InsecureSSL         bool                 `json:"insecure_ssl,omitempty"`
	SourceIdentifier    string               `json:"source_identifier,omitempty"`
}

// Clone returns a deep copy of the source.
func (s ProjectSource) Clone() ProjectSource {
	if s.GitSubmodulesConfig != nil {
		g := *s.GitSubmodulesConfig
		s.GitSubmodulesConfig = &g
	}
	if s.Auth != nil {
		a := *s.Auth
		s.Auth = &a
	}
	return s
}

// ProjectSourceVersion pins a secondary source to a version.
type ProjectSourceVersion struct {
	SourceIdentifier string `json:"source_identifier"`
	SourceVersion    string `json:"source_version"`
}

// SourceAuth holds the credentials used to fetch a source.
type SourceAuth struct {
	Type     string `json:"type"`
	Resource string `json:"resource,omitempty"`
}

// GitSubmodulesConfig controls submodule fetching.
type GitSubmodulesConfig struct {
	FetchSubmodules bool `json:"fetch_submodules"`
}

// ProjectArtifacts describes one build output.
type ProjectArtifacts struct {
	Type                 ArtifactsType     `json:"type"`
	Location             string            `json:"location,omitempty"`
	Path                 string            `json:"path,omitempty"`
	NamespaceType        ArtifactNamespace `json:"namespace_type,omitempty"`
	Name                 string            `json:"name,omitempty"`
	Packaging            ArtifactPackaging `json:"packaging,omitempty"`
	OverrideArtifactName bool              `json:"override_artifact_name,omitempty"`
	EncryptionDisabled   bool              `json:"encryption_disabled,omitempty"`
	ArtifactIdentifier   string            `json:"artifact_identifier,omitempty"`
}

// Clone returns a copy of the artifacts spec. It holds no reference fields.
func (a ProjectArtifacts) Clone() ProjectArtifacts { return a }

// ProjectEnvironment describes the build container.
type ProjectEnvironment struct {
	Type                     EnvironmentType          `json:"type"`
	Image                    string                   `json:"image"`
	ComputeType              ComputeType              `json:"compute_type"`
	EnvironmentVariables     []EnvironmentVariable    `json:"environment_variables,omitempty"`
	PrivilegedMode           bool                     `json:"privileged_mode,omitempty"`
	Certificate              string                   `json:"certificate,omitempty"`
	RegistryCredential       *RegistryCredential      `json:"registry_credential,omitempty"`
	ImagePullCredentialsType ImagePullCredentialsType `json:"image_pull_credentials_type,omitempty"`
}

// Clone returns a deep copy of the environment.
func (e ProjectEnvironment) Clone() ProjectEnvironment {
	e.EnvironmentVariables = slices.Clone(e.EnvironmentVariables)
	if e.RegistryCredential != nil {
		r := *e.RegistryCredential
		e.RegistryCredential = &r
	}
	return e
}

// EnvironmentVariable is a name/value pair exposed to build commands.
type EnvironmentVariable struct {
	Name  string                  `json:"name"`
	Value string                  `json:"value"`
	Type  EnvironmentVariableType `json:"type,omitempty"`
}

// RegistryCredential references credentials for a private image registry.
type RegistryCredential struct {
	Credential         string `json:"credential"`
	CredentialProvider string `json:"credential_provider"`
}

// ProjectCache configures the build cache.
type ProjectCache struct {
	Type     CacheType `json:"type"`
	Location string    `json:"location,omitempty"`
	Modes    []string  `json:"modes,omitempty"`
}

// Clone returns a deep copy of the cache config.
func (c ProjectCache) Clone() ProjectCache {
	c.Modes = slices.Clone(c.Modes)
	return c
}

// LogsConfig configures where build logs are shipped.
type LogsConfig struct {
	Status     LogsStatus `json:"status,omitempty"`
	GroupName  string     `json:"group_name,omitempty"`
	StreamName string     `json:"stream_name,omitempty"`
}

// VpcConfig places the build container in a private network.
type VpcConfig struct {
	VpcID            string   `json:"vpc_id"`
	Subnets          []string `json:"subnets,omitempty"`
	SecurityGroupIDs []string `json:"security_group_ids,omitempty"`
}

// Clone returns a deep copy of the VPC config.
func (v *VpcConfig) Clone() *VpcConfig {
	if v == nil {
		return nil
	}
	c := *v
	c.Subnets = slices.Clone(v.Subnets)
	c.SecurityGroupIDs = slices.Clone(v.SecurityGroupIDs)
	return &c
}

// ProjectFileSystemLocation is a shared file system mounted into the build.
type ProjectFileSystemLocation struct {
	Identifier   string `json:"identifier"`
	Location     string `json:"location"`
	MountPoint   string `json:"mount_point"`
	MountOptions string `json:"mount_options,omitempty"`
	Type         string `json:"type,omitempty"`
}

func cloneSources(in []ProjectSource) []ProjectSource {
	if in == nil {
		return nil
	}
	out := make([]ProjectSource, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

func cloneArtifacts(in []ProjectArtifacts) []ProjectArtifacts {
	return slices.Clone(in)
}
