// Package storetest holds behaviour checks shared by every store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/store"
)

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Projects", func(t *testing.T) { testProjects(t, newStore(t)) })
	t.Run("BuildsRoundTrip", func(t *testing.T) { testBuildRoundTrip(t, newStore(t)) })
	t.Run("CompletedBuildsAreFrozen", func(t *testing.T) { testFrozen(t, newStore(t)) })
	t.Run("ListAndBatchGet", func(t *testing.T) { testListing(t, newStore(t)) })
	t.Run("Logs", func(t *testing.T) { testLogs(t, newStore(t)) })
}

// Project returns a minimal valid project.
func Project(name string) *models.Project {
	return &models.Project{
		Name:   name,
		Source: models.ProjectSource{Type: models.SourceTypeGitHub, Location: "https://github.com/acme/" + name},
		Artifacts: models.ProjectArtifacts{
			Type: models.ArtifactsTypeNone,
		},
		Environment: models.ProjectEnvironment{
			Type:        models.EnvironmentTypeLinuxContainer,
			Image:       "alpine:3.20",
			ComputeType: models.ComputeTypeSmall,
			EnvironmentVariables: []models.EnvironmentVariable{
				{Name: "STAGE", Value: "test", Type: models.EnvironmentVariablePlaintext},
			},
		},
		TimeoutInMinutes:       models.DefaultTimeoutInMinutes,
		QueuedTimeoutInMinutes: models.DefaultQueuedTimeoutInMinutes,
	}
}

// Build returns an in-progress build of project with the given number.
func Build(project string, number int64) *models.Build {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(number) * time.Minute)
	return &models.Build{
		ID:           fmt.Sprintf("%s:%08d", project, number),
		BuildNumber:  number,
		ProjectName:  project,
		StartTime:    start,
		CurrentPhase: models.PhaseQueued,
		BuildStatus:  models.BuildStatusInProgress,
		Phases: []models.BuildPhase{
			{PhaseType: models.PhaseSubmitted, PhaseStatus: models.BuildStatusSucceeded, StartTime: start, EndTime: &start, DurationInSeconds: new(int64)},
			{PhaseType: models.PhaseQueued, StartTime: start},
		},
		TimeoutInMinutes:       60,
		QueuedTimeoutInMinutes: 480,
	}
}

func testProjects(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := Project("web")
	if err := s.Projects().Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Projects().Create(ctx, Project("web")); !errors.Is(err, store.ErrDuplicateName) {
		t.Errorf("duplicate Create: %v", err)
	}

	got, err := s.Projects().Get(ctx, "web")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Environment.Image != "alpine:3.20" || len(got.Environment.EnvironmentVariables) != 1 {
		t.Errorf("project did not round-trip: %+v", got.Environment)
	}

	got.Description = "frontend"
	if err := s.Projects().Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Projects().Update(ctx, Project("missing")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update missing: %v", err)
	}

	_ = s.Projects().Create(ctx, Project("api"))
	list, err := s.Projects().List(ctx)
	if err != nil || len(list) != 2 || list[0].Name != "api" {
		t.Errorf("List = %v, %v", list, err)
	}

	if err := s.Projects().Delete(ctx, "web"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Projects().Get(ctx, "web"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after Delete: %v", err)
	}
}

func testBuildRoundTrip(t *testing.T, s store.Store) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	ctx := context.Background()
	n := int64(0)
	properties.Property("stored builds read back equal", prop.ForAll(
		func(initiator string, arns []string) bool {
			n++
			b := Build("roundtrip", n)
			b.Initiator = initiator
			b.ReportArns = arns
			if len(arns) == 0 {
				b.ReportArns = nil
			}
			if err := s.Builds().Create(ctx, b); err != nil {
				return false
			}
			got, err := s.Builds().Get(ctx, b.ID)
			if err != nil {
				return false
			}
			return got.Initiator == b.Initiator &&
				len(got.ReportArns) == len(b.ReportArns) &&
				len(got.Phases) == 2 &&
				got.Phases[1].EndTime == nil &&
				got.StartTime.Equal(b.StartTime)
		},
		gen.AlphaString(),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)

	if _, err := s.Builds().Get(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing: %v", err)
	}
}

func testFrozen(t *testing.T, s store.Store) {
	ctx := context.Background()
	b := Build("frozen", 1)
	if err := s.Builds().Create(ctx, b); err != nil {
		t.Fatal(err)
	}

	end := b.StartTime.Add(time.Minute)
	b.BuildStatus = models.BuildStatusSucceeded
	b.BuildComplete = true
	b.CurrentPhase = models.PhaseCompleted
	b.EndTime = &end
	if err := s.Builds().Update(ctx, b); err != nil {
		t.Fatalf("completing update: %v", err)
	}

	b.BuildStatus = models.BuildStatusFailed
	if err := s.Builds().Update(ctx, b); !errors.Is(err, store.ErrBuildComplete) {
		t.Errorf("update after completion: %v", err)
	}
	got, _ := s.Builds().Get(ctx, b.ID)
	if got.BuildStatus != models.BuildStatusSucceeded {
		t.Errorf("frozen build changed to %s", got.BuildStatus)
	}

	if err := s.Builds().Update(ctx, Build("frozen", 99)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("update missing: %v", err)
	}
}

func testListing(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_ = s.Builds().Create(ctx, Build("a", i))
	}
	_ = s.Builds().Create(ctx, Build("b", 1))

	done := Build("a", 1)
	done.BuildComplete = true
	done.BuildStatus = models.BuildStatusFailed
	_ = s.Builds().Update(ctx, done)

	list, err := s.Builds().ListByProject(ctx, "a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].BuildNumber != 3 || list[1].BuildNumber != 2 {
		t.Errorf("ListByProject = %v", buildIDs(list))
	}

	incomplete, err := s.Builds().ListIncomplete(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(incomplete) != 3 {
		t.Errorf("ListIncomplete = %v", buildIDs(incomplete))
	}

	batch, err := s.Builds().BatchGet(ctx, []string{Build("b", 1).ID, "missing", Build("a", 2).ID})
	if err != nil {
		t.Fatal(err)
	}
	if ids := buildIDs(batch); len(ids) != 2 || ids[0] != "b:00000001" || ids[1] != "a:00000002" {
		t.Errorf("BatchGet = %v", ids)
	}
}

func testLogs(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var entries []*models.LogEntry
	for i := 0; i < 5; i++ {
		entries = append(entries, &models.LogEntry{
			ID:        fmt.Sprintf("log-%d", i),
			BuildID:   "a:1",
			Phase:     models.PhaseBuild,
			Message:   fmt.Sprintf("line %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	if err := s.Logs().Append(ctx, entries); err != nil {
		t.Fatal(err)
	}

	got, err := s.Logs().List(ctx, "a:1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Message != "line 0" || got[2].Message != "line 2" {
		t.Errorf("List = %+v", got)
	}

	if err := s.Logs().DeleteByBuild(ctx, "a:1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Logs().List(ctx, "a:1", 0); len(got) != 0 {
		t.Errorf("logs left after delete: %d", len(got))
	}
}

func buildIDs(builds []*models.Build) []string {
	ids := make([]string, len(builds))
	for i, b := range builds {
		ids[i] = b.ID
	}
	return ids
}
