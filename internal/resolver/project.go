package resolver

import (
	"fmt"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/validation"
)

// ValidateProject checks a stored project configuration and fills defaults
// for unset timeouts, artifact and cache types, and logs status.
func ValidateProject(p *models.Project) error {
	if p == nil {
		return validation.Errorf("project", "project is required")
	}
	if err := validation.ValidateProjectName(p.Name); err != nil {
		return err
	}

	if p.TimeoutInMinutes == 0 {
		p.TimeoutInMinutes = models.DefaultTimeoutInMinutes
	}
	if p.QueuedTimeoutInMinutes == 0 {
		p.QueuedTimeoutInMinutes = models.DefaultQueuedTimeoutInMinutes
	}
	if p.Artifacts.Type == "" {
		p.Artifacts.Type = models.ArtifactsTypeNone
	}
	if p.Cache.Type == "" {
		p.Cache.Type = models.CacheTypeNone
	}
	if p.LogsConfig.Status == "" {
		p.LogsConfig.Status = models.LogsStatusEnabled
	}

	if err := validation.ValidateTimeoutMinutes("timeout_in_minutes", p.TimeoutInMinutes); err != nil {
		return err
	}
	if err := validation.ValidateTimeoutMinutes("queued_timeout_in_minutes", p.QueuedTimeoutInMinutes); err != nil {
		return err
	}
	if !p.Source.Type.Valid() {
		return validation.Errorf("source.type", "unknown source type %q", p.Source.Type)
	}
	if p.Source.Type != models.SourceTypeNoSource && p.Source.Location == "" {
		return validation.Errorf("source.location", "location is required for %s sources", p.Source.Type)
	}
	if err := validation.ValidateCloneDepth("source.git_clone_depth", p.Source.GitCloneDepth); err != nil {
		return err
	}
	if !p.Artifacts.Type.Valid() {
		return validation.Errorf("artifacts.type", "unknown artifacts type %q", p.Artifacts.Type)
	}
	if !p.Environment.Type.Valid() {
		return validation.Errorf("environment.type", "unknown environment type %q", p.Environment.Type)
	}
	if !p.Environment.ComputeType.Valid() {
		return validation.Errorf("environment.compute_type", "unknown compute type %q", p.Environment.ComputeType)
	}
	if p.Environment.Image == "" {
		return validation.Errorf("environment.image", "image is required")
	}
	if err := validation.ValidateEnvironmentVariables("environment.environment_variables", p.Environment.EnvironmentVariables); err != nil {
		return err
	}

	// Secondary identifiers must be present and unique so overrides can match them.
	ids := p.SecondarySourceIdentifiers()
	if err := validation.ValidateIdentifierSubset("secondary_sources", ids, ids); err != nil {
		return err
	}
	for i, s := range p.SecondarySources {
		if !s.Type.Valid() {
			return validation.Errorf(fmt.Sprintf("secondary_sources[%d].type", i), "unknown source type %q", s.Type)
		}
	}
	artifactIDs := p.SecondaryArtifactIdentifiers()
	if err := validation.ValidateIdentifierSubset("secondary_artifacts", artifactIDs, artifactIDs); err != nil {
		return err
	}
	versionIDs := versionIdentifiers(p.SecondarySourceVersions)
	if err := validation.ValidateIdentifierSubset("secondary_source_versions", versionIDs, ids); err != nil {
		return err
	}
	return nil
}
