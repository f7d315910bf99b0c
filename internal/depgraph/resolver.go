// Package depgraph implements the Dependency Resolver of spec.md §4.7:
// a cycle- and self-reference-aware topological scheduler over the
// Feature graph, with auto-repair and traversal bounded by an enforced
// iteration ceiling. The bounded-BFS/adjacency-map shape is grounded on
// the teacher's pkg/index/dag.go; the cycle-safe batching of resolve is
// grounded on pkg/sdk/plan.go's GetParallelGroups.
package depgraph

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/rudiheydra/autobuildr/internal/model"
)

// maxIterationFactor bounds every traversal at 2*|V| iterations, per
// spec.md §4.7, so a malformed graph can never hang the resolver.
const maxIterationFactor = 2

// Repository is the persistence seam repair operations need: a single
// transactional commit of the updated dependency lists.
type Repository interface {
	UpdateFeatureDependencies(ids map[int][]int) error
}

// Issue is one finding surfaced by Validate.
type Issue struct {
	Kind        string `json:"kind"` // "self_reference" | "missing_target" | "cycle"
	FeatureID   int    `json:"feature_id"`
	Detail      string `json:"detail"`
	AutoFixable bool   `json:"auto_fixable"`
}

// ValidationResult is the structured outcome of Validate, per spec.md §4.7.
type ValidationResult struct {
	SelfReferences []int   `json:"self_references"`
	Cycles         [][]int `json:"cycles"`
	MissingTargets []Issue `json:"missing_targets"`
	Issues         []Issue `json:"issues"`
	Summary        string  `json:"summary"`
	IsValid        bool    `json:"is_valid"`
}

// Resolver operates on a Feature set as a directed graph keyed by id.
type Resolver struct {
	log *slog.Logger
}

// New constructs a Resolver. A nil logger falls back to slog.Default(),
// matching the teacher's pkg/agent.Agent convention of a non-nil logger
// always being available.
func New(log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{log: log}
}

// Validate implements spec.md §4.7's validate() operation.
func (r *Resolver) Validate(features []*model.Feature) ValidationResult {
	byID := index(features)

	var result ValidationResult
	for _, f := range features {
		if f.HasSelfReference() {
			result.SelfReferences = append(result.SelfReferences, f.ID)
			result.Issues = append(result.Issues, Issue{
				Kind: "self_reference", FeatureID: f.ID,
				Detail: "feature depends on itself", AutoFixable: true,
			})
		}
		for _, dep := range f.Dependencies {
			if dep == f.ID {
				continue // already reported above
			}
			if _, ok := byID[dep]; !ok {
				result.MissingTargets = append(result.MissingTargets, Issue{
					Kind: "missing_target", FeatureID: f.ID,
					Detail: "dependency refers to a nonexistent feature", AutoFixable: true,
				})
			}
		}
	}

	result.Cycles = r.findCycles(features, byID)
	for _, cyc := range result.Cycles {
		result.Issues = append(result.Issues, Issue{
			Kind: "cycle", FeatureID: cyc[0],
			Detail: "cycle is not auto-fixable and requires user action", AutoFixable: false,
		})
	}

	result.IsValid = len(result.SelfReferences) == 0 && len(result.Cycles) == 0 && len(result.MissingTargets) == 0
	result.Summary = summarize(result)
	return result
}

func summarize(r ValidationResult) string {
	if r.IsValid {
		return "graph is valid"
	}
	return "graph has issues: self_references=" + strconv.Itoa(len(r.SelfReferences)) +
		" missing_targets=" + strconv.Itoa(len(r.MissingTargets)) +
		" cycles=" + strconv.Itoa(len(r.Cycles))
}

// findCycles runs DFS with an explicit visited/in-stack set, bounded by
// 2*|V| iterations. Found cycle paths are normalized to start at the
// smallest id and deduplicated, per spec.md §4.7.
func (r *Resolver) findCycles(features []*model.Feature, byID map[int]*model.Feature) [][]int {
	n := len(features)
	ceiling := maxIterationFactor * n
	iterations := 0

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int]int, n)
	var cycles [][]int
	seen := make(map[string]bool)

	var stack []int
	var visit func(id int) bool
	visit = func(id int) bool {
		iterations++
		if iterations > ceiling {
			return false
		}
		color[id] = gray
		stack = append(stack, id)
		f := byID[id]
		if f != nil {
			for _, dep := range f.Dependencies {
				if dep == id {
					continue // self-reference, reported separately
				}
				if _, ok := byID[dep]; !ok {
					continue // missing target, reported separately
				}
				switch color[dep] {
				case white:
					if !visit(dep) {
						return false
					}
				case gray:
					cyc := extractCycle(stack, dep)
					key := normalizeCycle(cyc)
					k := cycleKey(key)
					if !seen[k] {
						seen[k] = true
						cycles = append(cycles, key)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return true
	}

	for _, f := range features {
		if color[f.ID] != white {
			continue
		}
		if !visit(f.ID) {
			r.log.Error("dependency cycle detection hit iteration ceiling",
				"algorithm", "findCycles", "iterations", iterations, "feature_count", n)
			break
		}
	}
	return cycles
}

func extractCycle(stack []int, target int) []int {
	for i, id := range stack {
		if id == target {
			cyc := make([]int, len(stack)-i)
			copy(cyc, stack[i:])
			return cyc
		}
	}
	return []int{target}
}

// normalizeCycle rotates a cycle path to start at its smallest id, for
// stable display and deduplication.
func normalizeCycle(cyc []int) []int {
	if len(cyc) == 0 {
		return cyc
	}
	minIdx := 0
	for i, v := range cyc {
		if v < cyc[minIdx] {
			minIdx = i
		}
	}
	out := make([]int, len(cyc))
	for i := range cyc {
		out[i] = cyc[(minIdx+i)%len(cyc)]
	}
	return out
}

func cycleKey(cyc []int) string {
	var sb strings.Builder
	for _, v := range cyc {
		sb.WriteString(strconv.Itoa(v))
		sb.WriteByte(',')
	}
	return sb.String()
}

// RepairSelfReferences removes every feature id from its own dependency
// list, committing a single transaction and logging before/after state at
// INFO level in structured key=value form, per spec.md §4.7.
func (r *Resolver) RepairSelfReferences(repo Repository, features []*model.Feature) ([]int, error) {
	updates := make(map[int][]int)
	var repaired []int
	for _, f := range features {
		if !f.HasSelfReference() {
			continue
		}
		original := append([]int(nil), f.Dependencies...)
		fixed := removeValue(f.Dependencies, f.ID)
		r.log.Info("repairing self-reference",
			"action", "before_fix", "feature_id", f.ID, "original_deps", original)
		updates[f.ID] = fixed
		repaired = append(repaired, f.ID)
		r.log.Info("repaired self-reference",
			"action", "after_fix", "feature_id", f.ID, "new_deps", fixed)
	}
	if len(updates) == 0 {
		return nil, nil
	}
	if err := repo.UpdateFeatureDependencies(updates); err != nil {
		return nil, err
	}
	for id, deps := range updates {
		for _, f := range features {
			if f.ID == id {
				f.Dependencies = deps
			}
		}
	}
	return repaired, nil
}

// RepairOrphanedDependencies removes dependency ids that point at
// nonexistent features, with the same transactional/logging discipline
// as RepairSelfReferences.
func (r *Resolver) RepairOrphanedDependencies(repo Repository, features []*model.Feature) (map[int][]int, error) {
	byID := index(features)
	updates := make(map[int][]int)
	removed := make(map[int][]int)

	for _, f := range features {
		var kept, dropped []int
		for _, dep := range f.Dependencies {
			if _, ok := byID[dep]; ok {
				kept = append(kept, dep)
			} else {
				dropped = append(dropped, dep)
			}
		}
		if len(dropped) == 0 {
			continue
		}
		r.log.Info("repairing orphaned dependencies",
			"action", "before_fix", "feature_id", f.ID, "original_deps", f.Dependencies)
		updates[f.ID] = kept
		removed[f.ID] = dropped
		r.log.Info("repaired orphaned dependencies",
			"action", "after_fix", "feature_id", f.ID, "new_deps", kept)
	}
	if len(updates) == 0 {
		return nil, nil
	}
	if err := repo.UpdateFeatureDependencies(updates); err != nil {
		return nil, err
	}
	for id, deps := range updates {
		for _, f := range features {
			if f.ID == id {
				f.Dependencies = deps
			}
		}
	}
	return removed, nil
}

func removeValue(list []int, v int) []int {
	out := make([]int, 0, len(list))
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// ResolveResult is the outcome of Resolve.
type ResolveResult struct {
	OrderedFeatures      []int `json:"ordered_features"`
	CircularDependencies []int `json:"circular_dependencies"` // ids left unscheduled due to cycles
}

// Resolve implements spec.md §4.7's resolve() via Kahn's algorithm,
// ordering ready nodes by (in_degree==0, priority), bounded by 2*|V|
// iterations.
func (r *Resolver) Resolve(features []*model.Feature) ResolveResult {
	byID := index(features)
	inDegree := make(map[int]int, len(features))
	dependents := make(map[int][]int, len(features))

	for _, f := range features {
		if _, ok := inDegree[f.ID]; !ok {
			inDegree[f.ID] = 0
		}
		for _, dep := range f.Dependencies {
			if dep == f.ID {
				continue
			}
			if _, ok := byID[dep]; !ok {
				continue
			}
			inDegree[f.ID]++
			dependents[dep] = append(dependents[dep], f.ID)
		}
	}

	ready := make([]int, 0)
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sortReady(ready, byID)

	ordered := make([]int, 0, len(features))
	ceiling := maxIterationFactor * len(features)
	iterations := 0

	for len(ready) > 0 {
		iterations++
		if iterations > ceiling {
			r.log.Error("dependency resolution hit iteration ceiling",
				"algorithm", "resolve", "iterations", iterations, "feature_count", len(features))
			break
		}
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, id)

		next := make([]int, 0)
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				next = append(next, dep)
			}
		}
		sortReady(next, byID)
		ready = mergeSorted(ready, next, byID)
	}

	scheduled := make(map[int]bool, len(ordered))
	for _, id := range ordered {
		scheduled[id] = true
	}
	var circular []int
	for _, f := range features {
		if !scheduled[f.ID] {
			circular = append(circular, f.ID)
		}
	}

	return ResolveResult{OrderedFeatures: ordered, CircularDependencies: circular}
}

func sortReady(ids []int, byID map[int]*model.Feature) {
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := priorityOf(byID, ids[i]), priorityOf(byID, ids[j])
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
}

func mergeSorted(a, b []int, byID map[int]*model.Feature) []int {
	out := append(a, b...)
	sortReady(out, byID)
	return out
}

func priorityOf(byID map[int]*model.Feature, id int) int {
	if f, ok := byID[id]; ok {
		return f.Priority
	}
	return model.DefaultFeaturePriority
}

// ComputeSchedulingScores blends upstream depth (root-proximity) with
// downstream unblock-count into a single non-negative score per feature,
// per spec.md §4.7. A cycle or an iteration-ceiling hit cuts the depth
// walk at that point with a neutral 0 rather than blocking the whole
// computation; features on a cycle still receive ordinary scores.
func (r *Resolver) ComputeSchedulingScores(features []*model.Feature) map[int]float64 {
	byID := index(features)
	scores := make(map[int]float64, len(features))
	for _, f := range features {
		scores[f.ID] = 0
	}

	depth := r.upstreamDepth(features, byID)
	unblock := r.downstreamUnblockCount(features, byID)

	var maxDepth, maxUnblock float64
	for _, f := range features {
		if d := depth[f.ID]; d > maxDepth {
			maxDepth = d
		}
		if u := unblock[f.ID]; u > maxUnblock {
			maxUnblock = u
		}
	}

	for _, f := range features {
		rootProximity := 0.0
		if maxDepth > 0 {
			rootProximity = 1 - depth[f.ID]/maxDepth
		}
		unblockScore := 0.0
		if maxUnblock > 0 {
			unblockScore = unblock[f.ID] / maxUnblock
		}
		scores[f.ID] = 0.5*rootProximity + 0.5*unblockScore
	}
	return scores
}

// upstreamDepth computes, for each feature, the longest dependency chain
// beneath it (0 for a feature with no dependencies), bounded by 2*|V|.
func (r *Resolver) upstreamDepth(features []*model.Feature, byID map[int]*model.Feature) map[int]float64 {
	depth := make(map[int]float64, len(features))
	visiting := make(map[int]bool, len(features))
	iterations := 0
	ceiling := maxIterationFactor * len(features)

	var compute func(id int) float64
	compute = func(id int) float64 {
		if d, ok := depth[id]; ok {
			return d
		}
		iterations++
		if iterations > ceiling || visiting[id] {
			return 0 // cycle or ceiling hit: neutral default
		}
		visiting[id] = true
		f := byID[id]
		best := 0.0
		if f != nil {
			for _, dep := range f.Dependencies {
				if dep == id {
					continue
				}
				if _, ok := byID[dep]; !ok {
					continue
				}
				if d := compute(dep) + 1; d > best {
					best = d
				}
			}
		}
		visiting[id] = false
		depth[id] = best
		return best
	}

	for _, f := range features {
		compute(f.ID)
	}
	if iterations > ceiling {
		r.log.Error("upstream depth computation hit iteration ceiling",
			"algorithm", "upstreamDepth", "iterations", iterations, "feature_count", len(features))
	}
	return depth
}

// downstreamUnblockCount counts, for each feature, how many other
// features depend on it directly or transitively — i.e. its
// reverse-reachable set size. Their other dependencies are not considered.
func (r *Resolver) downstreamUnblockCount(features []*model.Feature, byID map[int]*model.Feature) map[int]float64 {
	dependents := make(map[int][]int, len(features))
	for _, f := range features {
		for _, dep := range f.Dependencies {
			if dep == f.ID {
				continue
			}
			if _, ok := byID[dep]; !ok {
				continue
			}
			dependents[dep] = append(dependents[dep], f.ID)
		}
	}

	counts := make(map[int]float64, len(features))
	ceiling := maxIterationFactor * len(features)

	for _, f := range features {
		visited := make(map[int]bool)
		queue := []int{f.ID}
		iterations := 0
		for len(queue) > 0 {
			iterations++
			if iterations > ceiling {
				r.log.Error("downstream unblock count hit iteration ceiling",
					"algorithm", "downstreamUnblockCount", "iterations", iterations, "feature_count", len(features))
				break
			}
			id := queue[0]
			queue = queue[1:]
			for _, d := range dependents[id] {
				if visited[d] {
					continue
				}
				visited[d] = true
				queue = append(queue, d)
			}
		}
		counts[f.ID] = float64(len(visited))
	}
	return counts
}

// WouldCreateCircularDependency reports whether adding an edge fromID ->
// toID (fromID depends on toID) would create a cycle, per spec.md §4.7.
func (r *Resolver) WouldCreateCircularDependency(features []*model.Feature, fromID, toID int) bool {
	if fromID == toID {
		return true
	}
	byID := index(features)
	visited := make(map[int]bool)
	queue := []int{toID}
	ceiling := maxIterationFactor * len(features)
	iterations := 0

	for len(queue) > 0 {
		iterations++
		if iterations > ceiling {
			r.log.Error("circular dependency check hit iteration ceiling",
				"algorithm", "wouldCreateCircularDependency", "iterations", iterations, "feature_count", len(features))
			return true // conservative: assume unsafe rather than hang
		}
		id := queue[0]
		queue = queue[1:]
		if id == fromID {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if f, ok := byID[id]; ok {
			queue = append(queue, f.Dependencies...)
		}
	}
	return false
}

func index(features []*model.Feature) map[int]*model.Feature {
	m := make(map[int]*model.Feature, len(features))
	for _, f := range features {
		m[f.ID] = f
	}
	return m
}
