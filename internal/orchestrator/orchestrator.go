// Package orchestrator implements the top-level driver of spec.md §5: it
// loads the Feature backlog, runs the Dependency Resolver's startup health
// check, then drives up to K concurrent AgentRuns through the Feature
// Compiler and the Harness Kernel. Each run is owned by exactly one worker
// goroutine from start to terminal, mirroring the fixed-size worker-pool
// idiom of codeready-toolchain-tarsy's pkg/queue/pool.go (adapted from a
// DB-polling queue to a dependency-ready-driven in-memory queue, since the
// Resolver already holds the full feature graph in memory).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/compiler"
	"github.com/rudiheydra/autobuildr/internal/depgraph"
	"github.com/rudiheydra/autobuildr/internal/executor"
	"github.com/rudiheydra/autobuildr/internal/kernel"
	"github.com/rudiheydra/autobuildr/internal/model"
)

// MinConcurrency and MaxConcurrency bound ORCHESTRATOR_MAX_CONCURRENCY per
// spec.md §6; DefaultConcurrency is used when configuration supplies 0.
const (
	MinConcurrency     = 1
	MaxConcurrency     = 5
	DefaultConcurrency = 3
)

// FeatureRepository is the persistence seam the Orchestrator needs for the
// Feature backlog, a subset of depgraph.Repository plus read access.
type FeatureRepository interface {
	ListFeatures(ctx context.Context) ([]*model.Feature, error)
	UpdateFeatureStatus(ctx context.Context, id int, inProgress, passes bool) error
	UpdateFeatureDependencies(ids map[int][]int) error
}

// SpecRepository persists the AgentSpec/AcceptanceSpec pairs the Feature
// Compiler produces.
type SpecRepository interface {
	InsertAgentSpec(ctx context.Context, spec *model.AgentSpec) error
	InsertAcceptanceSpec(ctx context.Context, a *model.AcceptanceSpec) error
	AgentSpecNameExists(ctx context.Context, name string) bool
}

// RunRepository is the subset of kernel.RunRepository the Orchestrator
// itself needs, plus the insert the Kernel never performs (a run is born
// pending before Execute ever sees it).
type RunRepository interface {
	kernel.RunRepository
	InsertAgentRun(ctx context.Context, r *model.AgentRun) error
}

// ExecutorFactory builds the Turn Executor a given AgentSpec should run
// against. Most deployments return the same *MCPExecutor for every spec;
// the seam exists so task-type-specific executors are possible later.
type ExecutorFactory func(spec *model.AgentSpec) executor.Executor

// Orchestrator drives the Feature backlog to completion, respecting
// dependency order and a bounded concurrency limit.
type Orchestrator struct {
	features    FeatureRepository
	specs       SpecRepository
	runs        RunRepository
	resolver    *depgraph.Resolver
	compiler    *compiler.Compiler
	kernel      *kernel.Kernel
	newExecutor ExecutorFactory
	log         *slog.Logger

	concurrency int
}

// Config bundles the Orchestrator's tunables, mirroring spec.md §6's
// ORCHESTRATOR_MAX_CONCURRENCY and USE_KERNEL configuration options.
type Config struct {
	MaxConcurrency int
	// UseKernel is retained for interface parity with spec.md §6's
	// configuration table; the legacy (non-kernel) execution path is an
	// explicitly undecided Open Question resolved in favor of
	// kernel-only (see SPEC_FULL.md), so this field is not read: every
	// run goes through the Kernel.
	UseKernel bool
}

// New constructs an Orchestrator. A zero or out-of-range MaxConcurrency is
// clamped to [MinConcurrency, MaxConcurrency], defaulting to
// DefaultConcurrency.
func New(features FeatureRepository, specs SpecRepository, runs RunRepository, resolver *depgraph.Resolver, comp *compiler.Compiler, k *kernel.Kernel, newExecutor ExecutorFactory, log *slog.Logger, cfg Config) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	if concurrency < MinConcurrency {
		concurrency = MinConcurrency
	}
	return &Orchestrator{
		features:    features,
		specs:       specs,
		runs:        runs,
		resolver:    resolver,
		compiler:    comp,
		kernel:      k,
		newExecutor: newExecutor,
		log:         log,
		concurrency: concurrency,
	}
}

// CycleError is returned by StartupHealthCheck when one or more cycles
// survive auto-repair; the orchestrator must refuse to start (spec.md
// §4.7's "if cycles remain, the orchestrator refuses to start and prints
// the cycle path").
type CycleError struct {
	Cycles [][]int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency graph has %d unresolvable cycle(s): %v", len(e.Cycles), e.Cycles)
}

// StartupHealthCheck implements spec.md §4.7's startup health check:
// validate, auto-repair self-references and orphaned dependencies with
// WARNING-level audit logs, then refuse to start if any cycle remains.
func (o *Orchestrator) StartupHealthCheck(ctx context.Context, features []*model.Feature) error {
	result := o.resolver.Validate(features)
	if result.IsValid {
		o.log.Info("dependency graph health check passed", "feature_count", len(features))
		return nil
	}

	if len(result.SelfReferences) > 0 {
		repaired, err := o.resolver.RepairSelfReferences(o.features, features)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, "repair self-references", err)
		}
		o.log.Warn("auto-repaired self-referencing features", "feature_ids", repaired)
	}
	if len(result.MissingTargets) > 0 {
		removed, err := o.resolver.RepairOrphanedDependencies(o.features, features)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageFailure, "repair orphaned dependencies", err)
		}
		o.log.Warn("auto-repaired orphaned dependencies", "removed_by_feature", removed)
	}

	final := o.resolver.Validate(features)
	if len(final.Cycles) > 0 {
		o.log.Error("dependency graph has unresolvable cycles, refusing to start", "cycles", final.Cycles)
		return &CycleError{Cycles: final.Cycles}
	}
	return nil
}

// Run loads the feature backlog, performs the startup health check, then
// drives every not-yet-passing feature to completion with at most
// o.concurrency runs in flight at once, respecting dependency order.
// It returns once every schedulable feature has reached a terminal
// outcome (passing or not). If a cycle survives StartupHealthCheck, Run
// returns its CycleError without scheduling any feature.
func (o *Orchestrator) Run(ctx context.Context, projectDir string) error {
	features, err := o.features.ListFeatures(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageFailure, "list features", err)
	}

	if err := o.StartupHealthCheck(ctx, features); err != nil {
		return err
	}

	sched := newScheduler(features)
	ready := make(chan *model.Feature, len(features))
	sched.seedReady(ready)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil && err != nil {
			firstErr = err
		}
	}

	for i := 0; i < o.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log := o.log.With("worker", workerID)
			for f := range ready {
				passed, err := o.runFeature(ctx, log, projectDir, f)
				if err != nil {
					log.Error("feature run failed", "feature_id", f.ID, "error", err)
					recordErr(err)
				}
				newlyReady, done := sched.complete(f.ID, passed)
				for _, nf := range newlyReady {
					ready <- nf
				}
				if done {
					close(ready)
				}
			}
		}(i)
	}

	wg.Wait()
	return firstErr
}

// runFeature compiles one Feature into an AgentSpec/AcceptanceSpec pair,
// persists both, creates a pending AgentRun, and drives it through the
// Kernel. It returns whether the feature should be marked passing.
func (o *Orchestrator) runFeature(ctx context.Context, log *slog.Logger, projectDir string, f *model.Feature) (bool, error) {
	if err := o.features.UpdateFeatureStatus(ctx, f.ID, true, false); err != nil {
		return false, apperr.Wrap(apperr.KindStorageFailure, "mark feature in_progress", err)
	}

	spec, acceptance, err := o.compiler.Compile(f)
	if err != nil {
		log.Error("feature compile failed", "feature_id", f.ID, "error", err)
		_ = o.features.UpdateFeatureStatus(ctx, f.ID, false, false)
		return false, err
	}
	for o.specs.AgentSpecNameExists(ctx, spec.Name) {
		spec.Name = spec.Name + "-" + uuid.NewString()[:8]
	}

	if err := o.specs.InsertAgentSpec(ctx, spec); err != nil {
		return false, apperr.Wrap(apperr.KindStorageFailure, "insert agent spec", err)
	}
	if err := o.specs.InsertAcceptanceSpec(ctx, acceptance); err != nil {
		return false, apperr.Wrap(apperr.KindStorageFailure, "insert acceptance spec", err)
	}

	run := model.NewAgentRun(uuid.NewString(), spec.ID)
	if err := o.runs.InsertAgentRun(ctx, run); err != nil {
		return false, apperr.Wrap(apperr.KindStorageFailure, "insert agent run", err)
	}

	ex := o.newExecutor(spec)
	finished, err := o.kernel.Execute(ctx, spec, acceptance, run, ex, projectDir)
	if err != nil {
		_ = o.features.UpdateFeatureStatus(ctx, f.ID, false, false)
		return false, err
	}

	passed := finished.FinalVerdict != nil && *finished.FinalVerdict == model.VerdictPassed
	if err := o.features.UpdateFeatureStatus(ctx, f.ID, false, passed); err != nil {
		return false, apperr.Wrap(apperr.KindStorageFailure, "mark feature status", err)
	}
	log.Info("feature run complete", "feature_id", f.ID, "run_id", run.ID, "status", string(finished.Status), "passed", passed)
	return passed, nil
}
