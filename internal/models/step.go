package models

import "time"

type JourneyStep struct {
	ID           string    `json:"id"`
	QueueEntryID string    `json:"queue_entry_id"`
	Seq          int       `json:"seq"`
	StepType     Status    `json:"step_type"`
	PerformedBy  *string   `json:"performed_by,omitempty"`
	Notes        *string   `json:"notes,omitempty"`
	StepAt       time.Time `json:"step_at"`
}
