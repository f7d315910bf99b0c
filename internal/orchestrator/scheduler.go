package orchestrator

import (
	"sync"

	"github.com/rudiheydra/autobuildr/internal/model"
)

// scheduler tracks which features are still runnable and unblocks
// dependents as each feature completes. It is the concurrent counterpart
// to depgraph.Resolver.Resolve's single-threaded topological order: instead
// of producing one static ordering up front, it emits newly-ready features
// as their dependencies actually finish, which is what lets independent
// branches of the graph run in parallel.
type scheduler struct {
	mu         sync.Mutex
	byID       map[int]*model.Feature
	inDegree   map[int]int
	dependents map[int][]int
	remaining  int // features not yet terminal (passing, or given up on)
}

func newScheduler(features []*model.Feature) *scheduler {
	s := &scheduler{
		byID:       make(map[int]*model.Feature, len(features)),
		inDegree:   make(map[int]int, len(features)),
		dependents: make(map[int][]int, len(features)),
	}
	for _, f := range features {
		s.byID[f.ID] = f
	}
	for _, f := range features {
		if f.Passes {
			continue // already satisfied, never scheduled
		}
		s.remaining++
		degree := 0
		for _, dep := range f.Dependencies {
			target, ok := s.byID[dep]
			if !ok || target.Passes {
				continue // missing targets were already repaired or removed; passing deps are satisfied
			}
			degree++
			s.dependents[dep] = append(s.dependents[dep], f.ID)
		}
		s.inDegree[f.ID] = degree
	}
	return s
}

// seedReady pushes every feature with no outstanding dependency onto ready.
func (s *scheduler) seedReady(ready chan<- *model.Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining == 0 {
		close(ready)
		return
	}
	for id, degree := range s.inDegree {
		if degree == 0 {
			ready <- s.byID[id]
		}
	}
}

// complete records that feature id finished (passing or not) and returns
// the dependents it newly unblocked, plus whether every schedulable
// feature has now reached a terminal outcome. A failing feature still
// decrements its dependents' in-degree: spec.md's Dependency Resolver
// defines ordering, not a pass/fail gate on downstream scheduling — a
// feature whose dependency failed is free to attempt its own run and fail
// its own acceptance gate independently.
func (s *scheduler) complete(id int, passed bool) (newlyReady []*model.Feature, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remaining--
	for _, dep := range s.dependents[id] {
		s.inDegree[dep]--
		if s.inDegree[dep] == 0 {
			newlyReady = append(newlyReady, s.byID[dep])
		}
	}
	delete(s.dependents, id)

	return newlyReady, s.remaining == 0
}
