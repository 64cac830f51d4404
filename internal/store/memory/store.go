// Package memory keeps queue state in process. It backs the development
// server and the tests, and follows the same contracts as the postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/journey-service/internal/models"
	"qms/journey-service/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	entries    map[string]models.QueueEntry
	steps      map[string][]models.JourneyStep
	activities []models.Activity
}

func NewStore() *Store {
	return &Store{
		entries: make(map[string]models.QueueEntry),
		steps:   make(map[string][]models.JourneyStep),
	}
}

func (s *Store) GetEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return cloneEntry(entry), nil
}

func (s *Store) CreateEntry(ctx context.Context, entry models.QueueEntry) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return models.QueueEntry{}, store.ErrDuplicateEntry
	}
	s.entries[entry.ID] = cloneEntry(entry)
	return cloneEntry(entry), nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected models.Status, patch models.EntryPatch) (models.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return models.QueueEntry{}, false, store.ErrEntryNotFound
	}
	if entry.Status != expected {
		return models.QueueEntry{}, false, nil
	}
	updated := patch.Apply(entry)
	s.entries[id] = updated
	return cloneEntry(updated), true, nil
}

func (s *Store) AppendStep(ctx context.Context, step models.JourneyStep) (models.JourneyStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step.Seq = len(s.steps[step.QueueEntryID]) + 1
	s.steps[step.QueueEntryID] = append(s.steps[step.QueueEntryID], step)
	return step, nil
}

func (s *Store) ListSteps(ctx context.Context, entryID string) ([]models.JourneyStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entries[entryID]; !ok {
		return nil, store.ErrEntryNotFound
	}
	steps := append([]models.JourneyStep(nil), s.steps[entryID]...)
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].StepAt.Equal(steps[j].StepAt) {
			return steps[i].Seq < steps[j].Seq
		}
		return steps[i].StepAt.Before(steps[j].StepAt)
	})
	return steps, nil
}

// ListActive returns entries of a structure that are not terminal, most
// urgent priority first, then by arrival, then by id.
func (s *Store) ListActive(ctx context.Context, structureID string) ([]models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []models.QueueEntry
	for _, entry := range s.entries {
		if entry.StructureID != structureID || entry.Status.Terminal() {
			continue
		}
		entries = append(entries, cloneEntry(entry))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		if !entries[i].ArrivalTime.Equal(entries[j].ArrivalTime) {
			return entries[i].ArrivalTime.Before(entries[j].ArrivalTime)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (s *Store) LogActivity(ctx context.Context, activity models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, activity)
	return nil
}

func (s *Store) Activities() []models.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Activity(nil), s.activities...)
}

func cloneEntry(entry models.QueueEntry) models.QueueEntry {
	entry.CalledAt = cloneTime(entry.CalledAt)
	entry.StartedAt = cloneTime(entry.StartedAt)
	entry.CompletedAt = cloneTime(entry.CompletedAt)
	if entry.AssignedTo != nil {
		assignee := *entry.AssignedTo
		entry.AssignedTo = &assignee
	}
	return entry
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
