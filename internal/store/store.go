package store

import (
	"context"

	"qms/journey-service/internal/models"
)

// EntryStore holds the current state of every visit. Status only moves
// through CompareAndSetStatus.
type EntryStore interface {
	GetEntry(ctx context.Context, id string) (models.QueueEntry, error)
	CreateEntry(ctx context.Context, entry models.QueueEntry) (models.QueueEntry, error)
	// CompareAndSetStatus applies patch only if the stored status still equals
	// expected. It reports false, with no error, when the row moved on.
	CompareAndSetStatus(ctx context.Context, id string, expected models.Status, patch models.EntryPatch) (models.QueueEntry, bool, error)
}

// StepLog is the append-only journey trail.
type StepLog interface {
	AppendStep(ctx context.Context, step models.JourneyStep) (models.JourneyStep, error)
}

type QueueReader interface {
	ListActive(ctx context.Context, structureID string) ([]models.QueueEntry, error)
	ListSteps(ctx context.Context, entryID string) ([]models.JourneyStep, error)
}
