package journey

import (
	"context"
	"time"

	"qms/journey-service/internal/models"
)

// Notification is the event contract handed to the delivery layer. Wording
// and channels are decided there.
type Notification struct {
	TargetUserID string `json:"target_user_id"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	Category     string `json:"category"`
	LinkPath     string `json:"link_path"`
}

type NotificationDispatcher interface {
	Notify(ctx context.Context, notification Notification) error
}

type ActivityLogger interface {
	LogActivity(ctx context.Context, activity models.Activity) error
}

// IdentityLookup resolves display names for notifications. Implementations
// may fail; callers fall back to placeholders.
type IdentityLookup interface {
	PatientDisplayName(ctx context.Context, patientID string) (string, error)
	StaffDisplayName(ctx context.Context, staffID string) (string, error)
}

// Change is published after every committed transition so other screens can
// refresh.
type Change struct {
	EntryID     string            `json:"entry_id"`
	StructureID string            `json:"structure_id"`
	Action      string            `json:"action"`
	From        models.Status     `json:"from"`
	To          models.Status     `json:"to"`
	Entry       models.QueueEntry `json:"entry"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

type ChangePublisher interface {
	PublishChange(ctx context.Context, change Change) error
}
