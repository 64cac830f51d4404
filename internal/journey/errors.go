package journey

import (
	"errors"
	"fmt"

	"qms/journey-service/internal/models"
)

var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrPersistence         = errors.New("persistence failure")
)

// InvalidTransitionError is returned before any write when the guard rejects
// the move.
type InvalidTransitionError struct {
	Current models.Status
	Target  models.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s is not allowed", e.Current, e.Target)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ConcurrencyConflictError means the stored status no longer matched what the
// caller read. Nothing was written; the caller must re-fetch.
type ConcurrencyConflictError struct {
	ID string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("queue entry %s changed concurrently", e.ID)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// AuditWriteError records a committed status change whose journey step could
// not be appended. It is logged, never returned.
type AuditWriteError struct {
	EntryID  string
	StepType models.Status
	Err      error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("journey step %s for entry %s not recorded: %v", e.StepType, e.EntryID, e.Err)
}

func (e *AuditWriteError) Unwrap() error {
	return e.Err
}

// NotificationDeliveryError is logged and dropped.
type NotificationDeliveryError struct {
	TargetUserID string
	Category     string
	Err          error
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("notify %s (%s): %v", e.TargetUserID, e.Category, e.Err)
}

func (e *NotificationDeliveryError) Unwrap() error {
	return e.Err
}
