package models

import "time"

const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityDeferred = 4
)

type QueueEntry struct {
	ID                 string     `json:"id"`
	StructureID        string     `json:"structure_id"`
	PatientID          string     `json:"patient_id"`
	Status             Status     `json:"status"`
	ArrivalTime        time.Time  `json:"arrival_time"`
	CalledAt           *time.Time `json:"called_at,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	Priority           int        `json:"priority"`
	ConsultationReason string     `json:"consultation_reason,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// EntryPatch is the set of fields a status change writes next to the status
// itself. Nil pointers leave the stored value untouched.
type EntryPatch struct {
	Status      Status
	ArrivalTime *time.Time
	CalledAt    *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	AssignedTo  *string
	// ResetClock clears called/started/completed before the patch applies.
	ResetClock bool
	UpdatedAt   time.Time
}

// Apply returns a copy of entry with the patch applied. Stores that keep
// entries in memory use it so both backends share one definition of a patch.
func (p EntryPatch) Apply(entry QueueEntry) QueueEntry {
	entry.Status = p.Status
	if p.ResetClock {
		entry.CalledAt = nil
		entry.StartedAt = nil
		entry.CompletedAt = nil
	}
	if p.ArrivalTime != nil {
		entry.ArrivalTime = *p.ArrivalTime
	}
	if p.CalledAt != nil {
		entry.CalledAt = timePtr(*p.CalledAt)
	}
	if p.StartedAt != nil {
		entry.StartedAt = timePtr(*p.StartedAt)
	}
	if p.CompletedAt != nil {
		entry.CompletedAt = timePtr(*p.CompletedAt)
	}
	if p.AssignedTo != nil {
		assignee := *p.AssignedTo
		entry.AssignedTo = &assignee
	}
	if !p.UpdatedAt.IsZero() {
		entry.UpdatedAt = p.UpdatedAt
	}
	return entry
}

func timePtr(value time.Time) *time.Time {
	return &value
}
