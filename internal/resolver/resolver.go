// Package resolver merges a stored project configuration with per-build
// request overrides into the effective configuration a build runs with.
package resolver

import (
	"fmt"
	"slices"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/validation"
)

// Resolve applies the overrides in req to project and returns the effective
// configuration. It has no side effects and never mutates its inputs.
//
// List overrides (environment variables, secondary sources, secondary source
// versions, secondary artifacts) replace the project list wholesale.
func Resolve(project *models.Project, req *models.StartBuildRequest) (*models.EffectiveConfig, error) {
	if project == nil {
		return nil, validation.Errorf("project", "project is required")
	}
	if req == nil {
		req = &models.StartBuildRequest{}
	}
	if err := validateRequest(project, req); err != nil {
		return nil, err
	}

	p := project.Clone()
	cfg := &models.EffectiveConfig{
		ProjectName:             p.Name,
		ProjectArn:              p.Arn,
		Source:                  p.Source,
		SourceVersion:           p.SourceVersion,
		SecondarySources:        p.SecondarySources,
		SecondarySourceVersions: p.SecondarySourceVersions,
		Artifacts:               p.Artifacts,
		SecondaryArtifacts:      p.SecondaryArtifacts,
		Environment:             p.Environment,
		Cache:                   p.Cache,
		ServiceRole:             p.ServiceRole,
		VpcConfig:               p.VpcConfig,
		TimeoutInMinutes:        p.TimeoutInMinutes,
		QueuedTimeoutInMinutes:  p.QueuedTimeoutInMinutes,
		EncryptionKey:           p.EncryptionKey,
		LogsConfig:              p.LogsConfig,
		FileSystemLocations:     p.FileSystemLocations,
		Initiator:               req.Initiator,
	}

	applySourceOverrides(cfg, req)
	applyEnvironmentOverrides(cfg, req)

	if req.ArtifactsOverride != nil {
		cfg.Artifacts = req.ArtifactsOverride.Clone()
	}
	if req.SecondaryArtifactsOverride != nil {
		cfg.SecondaryArtifacts = append([]models.ProjectArtifacts{}, req.SecondaryArtifactsOverride...)
	}
	if req.CacheOverride != nil {
		cfg.Cache = req.CacheOverride.Clone()
	}
	if req.ServiceRoleOverride != nil {
		cfg.ServiceRole = *req.ServiceRoleOverride
	}
	if req.TimeoutInMinutesOverride != nil {
		cfg.TimeoutInMinutes = *req.TimeoutInMinutesOverride
	}
	if req.QueuedTimeoutInMinutesOverride != nil {
		cfg.QueuedTimeoutInMinutes = *req.QueuedTimeoutInMinutesOverride
	}
	if req.EncryptionKeyOverride != nil {
		cfg.EncryptionKey = *req.EncryptionKeyOverride
	}
	if req.LogsConfigOverride != nil {
		cfg.LogsConfig = *req.LogsConfigOverride
	}

	if req.SecondarySourcesVersionOverride != nil {
		if err := validation.ValidateIdentifierSubset(
			"secondary_sources_version_override",
			versionIdentifiers(cfg.SecondarySourceVersions),
			sourceIdentifiers(cfg.SecondarySources),
		); err != nil {
			return nil, err
		}
	} else if req.SecondarySourcesOverride != nil {
		cfg.SecondarySourceVersions = keepVersionsFor(cfg.SecondarySourceVersions, cfg.SecondarySources)
	}

	return cfg, nil
}

func applySourceOverrides(cfg *models.EffectiveConfig, req *models.StartBuildRequest) {
	if req.SourceVersion != nil {
		cfg.SourceVersion = *req.SourceVersion
	}
	if req.SecondarySourcesOverride != nil {
		cfg.SecondarySources = make([]models.ProjectSource, len(req.SecondarySourcesOverride))
		for i, s := range req.SecondarySourcesOverride {
			cfg.SecondarySources[i] = s.Clone()
		}
	}
	if req.SecondarySourcesVersionOverride != nil {
		cfg.SecondarySourceVersions = append([]models.ProjectSourceVersion{}, req.SecondarySourcesVersionOverride...)
	}
	if req.SourceTypeOverride != nil {
		cfg.Source.Type = *req.SourceTypeOverride
	}
	if req.SourceLocationOverride != nil {
		cfg.Source.Location = *req.SourceLocationOverride
	}
	if req.SourceAuthOverride != nil {
		auth := *req.SourceAuthOverride
		cfg.Source.Auth = &auth
	}
	if req.GitCloneDepthOverride != nil {
		cfg.Source.GitCloneDepth = *req.GitCloneDepthOverride
	}
	if req.GitSubmodulesConfigOverride != nil {
		sub := *req.GitSubmodulesConfigOverride
		cfg.Source.GitSubmodulesConfig = &sub
	}
	if req.BuildspecOverride != nil {
		cfg.Source.Buildspec = *req.BuildspecOverride
	}
	if req.InsecureSSLOverride != nil {
		cfg.Source.InsecureSSL = *req.InsecureSSLOverride
	}
	if req.ReportBuildStatusOverride != nil {
		cfg.Source.ReportBuildStatus = *req.ReportBuildStatusOverride
	}
}

func applyEnvironmentOverrides(cfg *models.EffectiveConfig, req *models.StartBuildRequest) {
	if req.EnvironmentVariablesOverride != nil {
		cfg.Environment.EnvironmentVariables = append([]models.EnvironmentVariable{}, req.EnvironmentVariablesOverride...)
	}
	if req.EnvironmentTypeOverride != nil {
		cfg.Environment.Type = *req.EnvironmentTypeOverride
	}
	if req.ImageOverride != nil {
		cfg.Environment.Image = *req.ImageOverride
	}
	if req.ComputeTypeOverride != nil {
		cfg.Environment.ComputeType = *req.ComputeTypeOverride
	}
	if req.CertificateOverride != nil {
		cfg.Environment.Certificate = *req.CertificateOverride
	}
	if req.PrivilegedModeOverride != nil {
		cfg.Environment.PrivilegedMode = *req.PrivilegedModeOverride
	}
	if req.RegistryCredentialOverride != nil {
		cred := *req.RegistryCredentialOverride
		cfg.Environment.RegistryCredential = &cred
	}
	if req.ImagePullCredentialsTypeOverride != nil {
		cfg.Environment.ImagePullCredentialsType = *req.ImagePullCredentialsTypeOverride
	}
}

func validateRequest(project *models.Project, req *models.StartBuildRequest) error {
	if req.TimeoutInMinutesOverride != nil {
		if err := validation.ValidateTimeoutMinutes("timeout_in_minutes_override", *req.TimeoutInMinutesOverride); err != nil {
			return err
		}
	}
	if req.QueuedTimeoutInMinutesOverride != nil {
		if err := validation.ValidateTimeoutMinutes("queued_timeout_in_minutes_override", *req.QueuedTimeoutInMinutesOverride); err != nil {
			return err
		}
	}
	if req.GitCloneDepthOverride != nil {
		if err := validation.ValidateCloneDepth("git_clone_depth_override", *req.GitCloneDepthOverride); err != nil {
			return err
		}
	}
	if req.SecondarySourcesOverride != nil {
		if err := validation.ValidateIdentifierSubset(
			"secondary_sources_override",
			sourceIdentifiers(req.SecondarySourcesOverride),
			project.SecondarySourceIdentifiers(),
		); err != nil {
			return err
		}
		for i, s := range req.SecondarySourcesOverride {
			if !s.Type.Valid() {
				return validation.Errorf(fmt.Sprintf("secondary_sources_override[%d].type", i), "unknown source type %q", s.Type)
			}
		}
	}
	if req.SecondaryArtifactsOverride != nil {
		if err := validation.ValidateIdentifierSubset(
			"secondary_artifacts_override",
			artifactIdentifiers(req.SecondaryArtifactsOverride),
			project.SecondaryArtifactIdentifiers(),
		); err != nil {
			return err
		}
	}
	if req.EnvironmentVariablesOverride != nil {
		if err := validation.ValidateEnvironmentVariables("environment_variables_override", req.EnvironmentVariablesOverride); err != nil {
			return err
		}
	}
	if req.ArtifactsOverride != nil && !req.ArtifactsOverride.Type.Valid() {
		return validation.Errorf("artifacts_override.type", "unknown artifacts type %q", req.ArtifactsOverride.Type)
	}
	if req.SourceTypeOverride != nil && !req.SourceTypeOverride.Valid() {
		return validation.Errorf("source_type_override", "unknown source type %q", *req.SourceTypeOverride)
	}
	if req.EnvironmentTypeOverride != nil && !req.EnvironmentTypeOverride.Valid() {
		return validation.Errorf("environment_type_override", "unknown environment type %q", *req.EnvironmentTypeOverride)
	}
	if req.ComputeTypeOverride != nil && !req.ComputeTypeOverride.Valid() {
		return validation.Errorf("compute_type_override", "unknown compute type %q", *req.ComputeTypeOverride)
	}
	if req.CacheOverride != nil && !req.CacheOverride.Type.Valid() {
		return validation.Errorf("cache_override.type", "unknown cache type %q", req.CacheOverride.Type)
	}
	if req.ImagePullCredentialsTypeOverride != nil && !req.ImagePullCredentialsTypeOverride.Valid() {
		return validation.Errorf("image_pull_credentials_type_override", "unknown image pull credentials type %q", *req.ImagePullCredentialsTypeOverride)
	}
	return nil
}

func sourceIdentifiers(sources []models.ProjectSource) []string {
	ids := make([]string, 0, len(sources))
	for _, s := range sources {
		ids = append(ids, s.SourceIdentifier)
	}
	return ids
}

func artifactIdentifiers(artifacts []models.ProjectArtifacts) []string {
	ids := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		ids = append(ids, a.ArtifactIdentifier)
	}
	return ids
}

func versionIdentifiers(versions []models.ProjectSourceVersion) []string {
	ids := make([]string, 0, len(versions))
	for _, v := range versions {
		ids = append(ids, v.SourceIdentifier)
	}
	return ids
}

// keepVersionsFor drops pinned versions whose source is no longer part of the build.
func keepVersionsFor(versions []models.ProjectSourceVersion, sources []models.ProjectSource) []models.ProjectSourceVersion {
	ids := sourceIdentifiers(sources)
	out := make([]models.ProjectSourceVersion, 0, len(versions))
	for _, v := range versions {
		if slices.Contains(ids, v.SourceIdentifier) {
			out = append(out, v)
		}
	}
	return out
}
