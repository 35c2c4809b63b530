package resolver

import (
	"errors"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/validation"
)

func ptr[T any](v T) *T { return &v }

func testProject() *models.Project {
	return &models.Project{
		Name: "proj",
		Source: models.ProjectSource{
			Type:      models.SourceTypeGitHub,
			Location:  "https://example.com/app.git",
			Buildspec: "buildspec.yml",
		},
		SourceVersion: "main",
		SecondarySources: []models.ProjectSource{
			{Type: models.SourceTypeGitHub, Location: "https://example.com/lib.git", SourceIdentifier: "lib"},
			{Type: models.SourceTypeGitHub, Location: "https://example.com/docs.git", SourceIdentifier: "docs"},
		},
		SecondarySourceVersions: []models.ProjectSourceVersion{
			{SourceIdentifier: "lib", SourceVersion: "v1"},
			{SourceIdentifier: "docs", SourceVersion: "v9"},
		},
		Artifacts: models.ProjectArtifacts{Type: models.ArtifactsTypeS3, Location: "out"},
		SecondaryArtifacts: []models.ProjectArtifacts{
			{Type: models.ArtifactsTypeS3, Location: "reports", ArtifactIdentifier: "reports"},
			{Type: models.ArtifactsTypeS3, Location: "coverage", ArtifactIdentifier: "coverage"},
		},
		Environment: models.ProjectEnvironment{
			Type:        models.EnvironmentTypeLinuxContainer,
			Image:       "golang:1.23",
			ComputeType: models.ComputeTypeSmall,
			EnvironmentVariables: []models.EnvironmentVariable{
				{Name: "A", Value: "1"},
				{Name: "B", Value: "2"},
			},
		},
		Cache:                  models.ProjectCache{Type: models.CacheTypeNone},
		TimeoutInMinutes:       60,
		QueuedTimeoutInMinutes: 480,
		LogsConfig:             models.LogsConfig{Status: models.LogsStatusEnabled},
	}
}

func TestOverridePrecedence(t *testing.T) {
	project := testProject()

	cfg, err := Resolve(project, &models.StartBuildRequest{ComputeTypeOverride: ptr(models.ComputeTypeLarge)})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Environment.ComputeType != models.ComputeTypeLarge {
		t.Errorf("compute type = %s, want LARGE", cfg.Environment.ComputeType)
	}

	cfg, err = Resolve(project, &models.StartBuildRequest{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Environment.ComputeType != models.ComputeTypeSmall {
		t.Errorf("compute type = %s, want SMALL", cfg.Environment.ComputeType)
	}
	if project.Environment.ComputeType != models.ComputeTypeSmall {
		t.Error("Resolve mutated the project")
	}
}

func TestResolveNilRequestInheritsEverything(t *testing.T) {
	project := testProject()
	cfg, err := Resolve(project, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(cfg.Environment, project.Environment) ||
		!reflect.DeepEqual(cfg.Source, project.Source) ||
		!reflect.DeepEqual(cfg.SecondarySourceVersions, project.SecondarySourceVersions) ||
		cfg.TimeoutInMinutes != 60 {
		t.Errorf("effective config does not match project: %+v", cfg)
	}
}

func TestEnvironmentVariablesOverrideReplacesList(t *testing.T) {
	project := testProject()
	cfg, err := Resolve(project, &models.StartBuildRequest{
		EnvironmentVariablesOverride: []models.EnvironmentVariable{{Name: "B", Value: "override"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []models.EnvironmentVariable{{Name: "B", Value: "override"}}
	if !reflect.DeepEqual(cfg.Environment.EnvironmentVariables, want) {
		t.Errorf("env = %v, want %v", cfg.Environment.EnvironmentVariables, want)
	}

	cfg, err = Resolve(project, &models.StartBuildRequest{EnvironmentVariablesOverride: []models.EnvironmentVariable{}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(cfg.Environment.EnvironmentVariables) != 0 {
		t.Errorf("explicit empty override kept %d variables", len(cfg.Environment.EnvironmentVariables))
	}
}

func TestEmptyBuildspecOverrideIsPreserved(t *testing.T) {
	cfg, err := Resolve(testProject(), &models.StartBuildRequest{BuildspecOverride: ptr("")})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Source.Buildspec != "" {
		t.Errorf("buildspec = %q, want empty", cfg.Source.Buildspec)
	}

	cfg, err = Resolve(testProject(), &models.StartBuildRequest{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Source.Buildspec != "buildspec.yml" {
		t.Errorf("buildspec = %q, want project value", cfg.Source.Buildspec)
	}
}

// TestTimeoutOverrideRange checks that out-of-range overrides fail before a
// config is produced and that in-range overrides win.
func TestTimeoutOverrideRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("timeout override", prop.ForAll(
		func(m int) bool {
			cfg, err := Resolve(testProject(), &models.StartBuildRequest{TimeoutInMinutesOverride: ptr(m)})
			if m < 5 || m > 480 {
				return cfg == nil && errors.Is(err, validation.ErrValidation)
			}
			return err == nil && cfg.TimeoutInMinutes == m
		},
		gen.IntRange(-10, 600),
	))

	properties.Property("queued timeout override", prop.ForAll(
		func(m int) bool {
			cfg, err := Resolve(testProject(), &models.StartBuildRequest{QueuedTimeoutInMinutesOverride: ptr(m)})
			if m < 5 || m > 480 {
				return cfg == nil && errors.Is(err, validation.ErrValidation)
			}
			return err == nil && cfg.QueuedTimeoutInMinutes == m
		},
		gen.IntRange(-10, 600),
	))

	properties.Property("clone depth override", prop.ForAll(
		func(d int) bool {
			cfg, err := Resolve(testProject(), &models.StartBuildRequest{GitCloneDepthOverride: ptr(d)})
			if d < 0 {
				return errors.Is(err, validation.ErrValidation)
			}
			return err == nil && cfg.Source.GitCloneDepth == d
		},
		gen.IntRange(-20, 20),
	))

	properties.TestingRun(t)
}

func TestSecondaryOverrides(t *testing.T) {
	t.Run("artifact identifiers must be declared", func(t *testing.T) {
		_, err := Resolve(testProject(), &models.StartBuildRequest{
			SecondaryArtifactsOverride: []models.ProjectArtifacts{{Type: models.ArtifactsTypeS3, ArtifactIdentifier: "unknown"}},
		})
		if !errors.Is(err, validation.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("artifact subset replaces list", func(t *testing.T) {
		cfg, err := Resolve(testProject(), &models.StartBuildRequest{
			SecondaryArtifactsOverride: []models.ProjectArtifacts{{Type: models.ArtifactsTypeS3, Location: "elsewhere", ArtifactIdentifier: "coverage"}},
		})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if len(cfg.SecondaryArtifacts) != 1 || cfg.SecondaryArtifacts[0].Location != "elsewhere" {
			t.Errorf("secondary artifacts = %+v", cfg.SecondaryArtifacts)
		}
	})

	t.Run("source identifiers must be declared", func(t *testing.T) {
		_, err := Resolve(testProject(), &models.StartBuildRequest{
			SecondarySourcesOverride: []models.ProjectSource{{Type: models.SourceTypeGitHub, SourceIdentifier: "other"}},
		})
		if !errors.Is(err, validation.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("dropping a source drops its pinned version", func(t *testing.T) {
		cfg, err := Resolve(testProject(), &models.StartBuildRequest{
			SecondarySourcesOverride: []models.ProjectSource{{Type: models.SourceTypeGitHub, Location: "x", SourceIdentifier: "lib"}},
		})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		want := []models.ProjectSourceVersion{{SourceIdentifier: "lib", SourceVersion: "v1"}}
		if !reflect.DeepEqual(cfg.SecondarySourceVersions, want) {
			t.Errorf("versions = %v, want %v", cfg.SecondarySourceVersions, want)
		}
	})

	t.Run("version identifiers must match effective sources", func(t *testing.T) {
		_, err := Resolve(testProject(), &models.StartBuildRequest{
			SecondarySourcesOverride:        []models.ProjectSource{{Type: models.SourceTypeGitHub, SourceIdentifier: "lib"}},
			SecondarySourcesVersionOverride: []models.ProjectSourceVersion{{SourceIdentifier: "docs", SourceVersion: "v2"}},
		})
		if !errors.Is(err, validation.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("explicit empty secondary sources", func(t *testing.T) {
		cfg, err := Resolve(testProject(), &models.StartBuildRequest{SecondarySourcesOverride: []models.ProjectSource{}})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if len(cfg.SecondarySources) != 0 || len(cfg.SecondarySourceVersions) != 0 {
			t.Errorf("expected no secondary sources, got %+v / %+v", cfg.SecondarySources, cfg.SecondarySourceVersions)
		}
	})
}

func TestInvalidEnumOverridesRejected(t *testing.T) {
	reqs := map[string]*models.StartBuildRequest{
		"compute":     {ComputeTypeOverride: ptr(models.ComputeType("HUGE"))},
		"source type": {SourceTypeOverride: ptr(models.SourceType("FTP"))},
		"environment": {EnvironmentTypeOverride: ptr(models.EnvironmentType("WINDOWS"))},
		"cache":       {CacheOverride: &models.ProjectCache{Type: "REDIS"}},
		"image pull":  {ImagePullCredentialsTypeOverride: ptr(models.ImagePullCredentialsType("X"))},
		"env name":    {EnvironmentVariablesOverride: []models.EnvironmentVariable{{Name: "bad name"}}},
	}
	for name, req := range reqs {
		t.Run(name, func(t *testing.T) {
			if _, err := Resolve(testProject(), req); !errors.Is(err, validation.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

// TestResolvedConfigIsIndependent checks that the effective config shares no
// memory with the project or the request.
func TestResolvedConfigIsIndependent(t *testing.T) {
	project := testProject()
	req := &models.StartBuildRequest{
		SecondaryArtifactsOverride: []models.ProjectArtifacts{{Type: models.ArtifactsTypeS3, ArtifactIdentifier: "reports", Location: "r"}},
	}
	cfg, err := Resolve(project, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	cfg.Environment.EnvironmentVariables[0].Value = "changed"
	cfg.SecondarySources[0].Location = "changed"
	cfg.SecondaryArtifacts[0].Location = "changed"

	if !reflect.DeepEqual(project, testProject()) {
		t.Error("project changed through the effective config")
	}
	if req.SecondaryArtifactsOverride[0].Location != "r" {
		t.Error("request changed through the effective config")
	}
}

func TestValidateProject(t *testing.T) {
	p := testProject()
	p.TimeoutInMinutes = 0
	p.QueuedTimeoutInMinutes = 0
	p.LogsConfig = models.LogsConfig{}
	if err := ValidateProject(p); err != nil {
		t.Fatalf("ValidateProject: %v", err)
	}
	if p.TimeoutInMinutes != models.DefaultTimeoutInMinutes || p.QueuedTimeoutInMinutes != models.DefaultQueuedTimeoutInMinutes {
		t.Errorf("defaults not applied: %d/%d", p.TimeoutInMinutes, p.QueuedTimeoutInMinutes)
	}
	if p.LogsConfig.Status != models.LogsStatusEnabled {
		t.Errorf("logs status = %q", p.LogsConfig.Status)
	}

	bad := []func(*models.Project){
		func(p *models.Project) { p.Name = "" },
		func(p *models.Project) { p.TimeoutInMinutes = 3 },
		func(p *models.Project) { p.QueuedTimeoutInMinutes = 481 },
		func(p *models.Project) { p.Source.Location = "" },
		func(p *models.Project) { p.Source.GitCloneDepth = -1 },
		func(p *models.Project) { p.Environment.Image = "" },
		func(p *models.Project) { p.Environment.ComputeType = "BIG" },
		func(p *models.Project) { p.SecondarySources[1].SourceIdentifier = "lib" },
		func(p *models.Project) { p.SecondaryArtifacts[0].ArtifactIdentifier = "" },
		func(p *models.Project) { p.SecondarySourceVersions[0].SourceIdentifier = "ghost" },
	}
	for i, mutate := range bad {
		p := testProject()
		mutate(p)
		if err := ValidateProject(p); !errors.Is(err, validation.ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}

	noSource := testProject()
	noSource.Source = models.ProjectSource{Type: models.SourceTypeNoSource, Buildspec: "version: 0.2"}
	if err := ValidateProject(noSource); err != nil {
		t.Errorf("NO_SOURCE project without location rejected: %v", err)
	}
}
