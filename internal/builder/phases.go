package builder

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
	"github.com/narvanalabs/buildengine/internal/models"
)

// runPhase does the work of phase p and reports how it ended.
func (o *Orchestrator) runPhase(run *buildRun, p models.PhaseType) (models.BuildStatus, []models.PhaseContext) {
	switch p {
	case models.PhaseProvisioning:
		return o.call(run, p, func(ctx context.Context) error { return o.provision(ctx, run) })
	case models.PhaseDownloadSource:
		return o.call(run, p, func(ctx context.Context) error { return o.downloadSource(ctx, run) })
	case models.PhaseInstall, models.PhasePreBuild, models.PhaseBuild, models.PhasePostBuild:
		return o.call(run, p, func(ctx context.Context) error { return o.execute(ctx, run, p) })
	case models.PhaseUploadArtifacts:
		return o.call(run, p, func(ctx context.Context) error { return o.uploadArtifacts(ctx, run) })
	case models.PhaseFinalizing:
		return o.finalize(run)
	default:
		return models.BuildStatusFault, []models.PhaseContext{{
			StatusCode: builderrors.CodeInternalError,
			Message:    fmt.Sprintf("no work defined for phase %s", p),
		}}
	}
}

func retryKey(buildID string, p models.PhaseType, part string) string {
	return buildID + "/" + string(p) + "/" + part
}

func (o *Orchestrator) provision(ctx context.Context, run *buildRun) error {
	run.mu.Lock()
	id := run.build.ID
	cfg := run.cfg.Clone()
	run.mu.Unlock()

	if o.provisioner != nil {
		err := o.retry.Do(ctx, retryKey(id, models.PhaseProvisioning, "environment"), func(ctx context.Context) error {
			return o.provisioner.Provision(ctx, id, cfg)
		})
		if err != nil {
			return err
		}
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.current(models.PhaseProvisioning) {
		run.build.FileSystemLocations = cfg.FileSystemLocations
	}
	return nil
}

// downloadSource fetches the primary source and then every secondary
// source concurrently.
func (o *Orchestrator) downloadSource(ctx context.Context, run *buildRun) error {
	run.mu.Lock()
	id := run.build.ID
	cfg := run.cfg.Clone()
	run.mu.Unlock()

	var primary *FetchResult
	err := o.retry.Do(ctx, retryKey(id, models.PhaseDownloadSource, "primary"), func(ctx context.Context) error {
		var err error
		primary, err = o.fetcher.Fetch(ctx, FetchRequest{BuildID: id, Source: cfg.Source, Version: cfg.SourceVersion})
		return err
	})
	if err != nil {
		return wrapSource(err)
	}
	o.appendLog(run, models.PhaseDownloadSource, fmt.Sprintf("Source resolved to %s", primary.ResolvedVersion))

	var mu sync.Mutex
	locations := make(map[string]string, len(cfg.SecondarySources))
	resolved := make(map[string]string, len(cfg.SecondarySources))

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range cfg.SecondarySources {
		src := src
		g.Go(func() error {
			req := FetchRequest{BuildID: id, Source: src, Version: cfg.SecondarySourceVersion(src.SourceIdentifier)}
			var res *FetchResult
			err := o.retry.Do(gctx, retryKey(id, models.PhaseDownloadSource, src.SourceIdentifier), func(ctx context.Context) error {
				var err error
				res, err = o.fetcher.Fetch(ctx, req)
				return err
			})
			if err != nil {
				return fmt.Errorf("secondary source %s: %w", src.SourceIdentifier, err)
			}
			mu.Lock()
			locations[src.SourceIdentifier] = res.Location
			resolved[src.SourceIdentifier] = res.ResolvedVersion
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return wrapSource(err)
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if !run.current(models.PhaseDownloadSource) {
		return nil
	}
	run.build.ResolvedSourceVersion = primary.ResolvedVersion
	for i := range run.build.SecondarySourceVersions {
		v := &run.build.SecondarySourceVersions[i]
		if r, ok := resolved[v.SourceIdentifier]; ok && r != "" {
			v.SourceVersion = r
		}
	}
	run.sourceLocation = primary.Location
	run.secondaryLocations = locations
	return nil
}

func wrapSource(err error) error {
	if builderrors.IsBuildError(err) {
		return err
	}
	return builderrors.NewSourceError(err)
}

// execute runs the commands of one build phase. A non-zero exit fails the
// build; an executor error is a fault.
func (o *Orchestrator) execute(ctx context.Context, run *buildRun, p models.PhaseType) error {
	run.mu.Lock()
	req := &ExecRequest{
		BuildID:            run.build.ID,
		Phase:              p,
		Config:             run.cfg.Clone(),
		SourceLocation:     run.sourceLocation,
		SecondaryLocations: copyStrings(run.secondaryLocations),
	}
	id := run.build.ID
	run.mu.Unlock()

	req.Output = func(line string) {
		o.logs.Append(id, p, []string{line})
	}

	res, err := o.executor.Run(ctx, req)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	run.mu.Lock()
	if run.current(p) {
		o.recordExec(run, res)
	}
	run.mu.Unlock()

	if res.ExitCode != 0 {
		return builderrors.NewCommandFailedError(p, res.Command, res.ExitCode)
	}
	return nil
}

// recordExec merges what a phase reported into the build. Callers hold run.mu.
func (o *Orchestrator) recordExec(run *buildRun, res *ExecResult) {
	b := run.build
	for _, v := range res.ExportedVariables {
		replaced := false
		for i := range b.ExportedEnvironmentVariables {
			if b.ExportedEnvironmentVariables[i].Name == v.Name {
				b.ExportedEnvironmentVariables[i].Value = v.Value
				replaced = true
				break
			}
		}
		if !replaced {
			b.ExportedEnvironmentVariables = append(b.ExportedEnvironmentVariables, v)
		}
	}
	b.ReportArns = appendUnique(b.ReportArns, res.ReportArns...)

	if res.Artifacts != nil {
		sel := *res.Artifacts
		run.artifacts = &sel
	}
	if len(res.SecondaryArtifacts) > 0 {
		if run.secondaryArtifacts == nil {
			run.secondaryArtifacts = make(map[string]ArtifactSelection, len(res.SecondaryArtifacts))
		}
		for k, v := range res.SecondaryArtifacts {
			run.secondaryArtifacts[k] = v
		}
	}
}

// uploadArtifacts publishes the primary artifact and then every secondary
// artifact concurrently.
func (o *Orchestrator) uploadArtifacts(ctx context.Context, run *buildRun) error {
	run.mu.Lock()
	b := run.build
	base := UploadRequest{
		BuildID:       b.ID,
		ProjectName:   b.ProjectName,
		BuildNumber:   b.BuildNumber,
		EncryptionKey: b.EncryptionKey,
	}
	primarySpec := b.ArtifactsSpec
	secondarySpecs := append([]models.ProjectArtifacts(nil), b.SecondaryArtifactsSpec...)
	primarySel := run.selection(run.artifacts)
	secondarySel := make(map[string]ArtifactSelection, len(secondarySpecs))
	for _, spec := range secondarySpecs {
		if sel, ok := run.secondaryArtifacts[spec.ArtifactIdentifier]; ok {
			secondarySel[spec.ArtifactIdentifier] = run.selection(&sel)
		} else {
			secondarySel[spec.ArtifactIdentifier] = run.selection(nil)
		}
	}
	run.mu.Unlock()

	var primary *models.BuildArtifacts
	if uploads(primarySpec) {
		req := base
		req.Spec = primarySpec
		req.Selection = primarySel
		err := o.retry.Do(ctx, retryKey(base.BuildID, models.PhaseUploadArtifacts, "primary"), func(ctx context.Context) error {
			var err error
			primary, err = o.artifacts.Upload(ctx, &req)
			return err
		})
		if err != nil {
			return wrapArtifacts(err)
		}
	}

	secondary := make([]*models.BuildArtifacts, len(secondarySpecs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range secondarySpecs {
		if !uploads(spec) {
			continue
		}
		i, spec := i, spec
		g.Go(func() error {
			req := base
			req.Spec = spec
			req.Selection = secondarySel[spec.ArtifactIdentifier]
			return o.retry.Do(gctx, retryKey(base.BuildID, models.PhaseUploadArtifacts, spec.ArtifactIdentifier), func(ctx context.Context) error {
				res, err := o.artifacts.Upload(ctx, &req)
				if err != nil {
					return fmt.Errorf("secondary artifact %s: %w", spec.ArtifactIdentifier, err)
				}
				secondary[i] = res
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return wrapArtifacts(err)
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if !run.current(models.PhaseUploadArtifacts) {
		if run.abandoned {
			o.discardUpload(run)
		}
		return nil
	}
	if primary != nil {
		run.build.Artifacts = *primary
	}
	run.build.SecondaryArtifacts = run.build.SecondaryArtifacts[:0]
	for _, a := range secondary {
		if a != nil {
			run.build.SecondaryArtifacts = append(run.build.SecondaryArtifacts, *a)
		}
	}
	return nil
}

// discardUpload removes what an abandoned upload wrote after the build
// gave up on it. It runs in the background so the caller can release mu.
func (o *Orchestrator) discardUpload(run *buildRun) {
	c, ok := o.artifacts.(Cleaner)
	if !ok {
		return
	}
	id, logger := run.build.ID, run.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FinalizeTimeout)
		defer cancel()
		if err := c.Cleanup(ctx, id); err != nil {
			logger.Warn("failed to remove abandoned upload", "error", err)
			return
		}
		logger.Info("removed artifacts of abandoned upload")
	}()
}

// selection falls back to everything under the primary source when the
// build did not say what to publish. Callers hold mu.
func (r *buildRun) selection(sel *ArtifactSelection) ArtifactSelection {
	if sel != nil {
		out := *sel
		out.Files = append([]string(nil), sel.Files...)
		if out.BaseDirectory == "" {
			out.BaseDirectory = r.sourceLocation
		}
		return out
	}
	return ArtifactSelection{BaseDirectory: r.sourceLocation, Files: []string{"**/*"}}
}

func uploads(spec models.ProjectArtifacts) bool {
	return spec.Type != "" && spec.Type != models.ArtifactsTypeNone
}

func wrapArtifacts(err error) error {
	if builderrors.IsBuildError(err) {
		return err
	}
	return builderrors.NewArtifactsError(err)
}

// finalize flushes logs and releases per-build resources. It runs on its
// own context so cleanup happens even after the build was stopped or
// timed out. Cleanup failures are recorded as warnings and never change
// the build status.
func (o *Orchestrator) finalize(run *buildRun) (models.BuildStatus, []models.PhaseContext) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FinalizeTimeout)
	defer cancel()

	run.mu.Lock()
	id := run.build.ID
	failed := run.build.BuildStatus.IsFailure()
	run.mu.Unlock()

	var warnings []models.PhaseContext
	warn := func(what string, err error) {
		run.logger.Warn("finalize step failed", "step", what, "error", err)
		warnings = append(warnings, models.PhaseContext{
			StatusCode: builderrors.CodeFinalizeFailed,
			Message:    fmt.Sprintf("%s: %v", what, err),
		})
	}

	if f, ok := o.logs.(Flusher); ok {
		if err := f.Flush(ctx, id); err != nil {
			warn("flushing logs", err)
		}
	}
	if failed {
		if c, ok := o.artifacts.(Cleaner); ok {
			if err := c.Cleanup(ctx, id); err != nil {
				warn("removing partial artifacts", err)
			}
		}
	} else if c, ok := o.artifacts.(Committer); ok {
		c.Commit(id)
	}
	if c, ok := o.fetcher.(Cleaner); ok {
		if err := c.Cleanup(ctx, id); err != nil {
			warn("cleaning up source", err)
		}
	}
	if c, ok := o.executor.(Cleaner); ok {
		if err := c.Cleanup(ctx, id); err != nil {
			warn("cleaning up executor", err)
		}
	}

	return models.BuildStatusSucceeded, warnings
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
