package journey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"qms/journey-service/internal/models"
	"qms/journey-service/internal/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	notificationCategory = "queue"
	noShowTimeLayout     = "02/01/2006 15:04"
	patientPlaceholder   = "Patient"
	staffPlaceholder     = "unassigned staff"
)

// dispatch runs the side effects of a committed transition in the background.
// The caller's context is only used for its trace; cancellation of the
// request must not cut notifications short.
func (o *Orchestrator) dispatch(ctx context.Context, op string, before, after models.QueueEntry, actorID string) {
	base := trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx))
	o.effects.Add(1)
	go func() {
		defer o.effects.Done()
		effectCtx, cancel := context.WithTimeout(base, o.effectTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				o.effectFailed(effectCtx, op, "panic", after.ID, fmt.Errorf("panic: %v", r))
			}
		}()
		o.runEffects(effectCtx, op, before, after, actorID)
	}()
}

func (o *Orchestrator) runEffects(ctx context.Context, op string, before, after models.QueueEntry, actorID string) {
	if o.activity != nil {
		if err := o.activity.LogActivity(ctx, activityFor(op, before, after, actorID, o.clock())); err != nil {
			o.effectFailed(ctx, op, "activity", after.ID, err)
		}
	}

	if o.publisher != nil {
		change := Change{
			EntryID:     after.ID,
			StructureID: after.StructureID,
			Action:      op,
			From:        before.Status,
			To:          after.Status,
			Entry:       after,
			OccurredAt:  after.UpdatedAt,
		}
		if err := o.publisher.PublishChange(ctx, change); err != nil {
			o.effectFailed(ctx, op, "publish", after.ID, err)
		}
	}

	if o.notifier == nil {
		return
	}
	notification, ok := o.notificationFor(ctx, op, after, actorID)
	if !ok {
		return
	}
	if err := o.notifier.Notify(ctx, notification); err != nil {
		o.effectFailed(ctx, op, "notification", after.ID, &NotificationDeliveryError{
			TargetUserID: notification.TargetUserID,
			Category:     notification.Category,
			Err:          err,
		})
	}
}

func (o *Orchestrator) notificationFor(ctx context.Context, op string, entry models.QueueEntry, actorID string) (Notification, bool) {
	assignee := ""
	if entry.AssignedTo != nil {
		assignee = *entry.AssignedTo
	}
	link := "/queue/" + entry.ID

	switch op {
	case "call", "start":
		if assignee == "" || assignee == actorID {
			return Notification{}, false
		}
		patient := o.patientName(ctx, entry.PatientID)
		title := "Patient called"
		body := fmt.Sprintf("%s has been called (priority P%d).", patient, entry.Priority)
		if op == "start" {
			title = "Consultation started"
			body = fmt.Sprintf("Consultation with %s has started (priority P%d).", patient, entry.Priority)
		}
		return Notification{
			TargetUserID: assignee,
			Title:        title,
			Body:         body,
			Category:     notificationCategory,
			LinkPath:     link,
		}, true
	case "no_show":
		target := assignee
		if target == "" {
			target = actorID
		}
		if target == "" {
			return Notification{}, false
		}
		patient := o.patientName(ctx, entry.PatientID)
		staff := staffPlaceholder
		if assignee != "" {
			staff = o.staffName(ctx, assignee)
		}
		at := entry.UpdatedAt.In(o.location).Format(noShowTimeLayout)
		return Notification{
			TargetUserID: target,
			Title:        "Patient marked as no-show",
			Body:         fmt.Sprintf("%s did not show up for %s (%s).", patient, staff, at),
			Category:     notificationCategory,
			LinkPath:     link,
		}, true
	}
	return Notification{}, false
}

func (o *Orchestrator) patientName(ctx context.Context, patientID string) string {
	if o.identity == nil || patientID == "" {
		return patientPlaceholder
	}
	name, err := o.identity.PatientDisplayName(ctx, patientID)
	if err != nil || name == "" {
		if err != nil {
			o.log.Debug().Err(err).Str("patient_id", patientID).Msg("patient name lookup failed")
		}
		return patientPlaceholder
	}
	return name
}

func (o *Orchestrator) staffName(ctx context.Context, staffID string) string {
	if o.identity == nil {
		return staffPlaceholder
	}
	name, err := o.identity.StaffDisplayName(ctx, staffID)
	if err != nil || name == "" {
		if err != nil {
			o.log.Debug().Err(err).Str("staff_id", staffID).Msg("staff name lookup failed")
		}
		return staffPlaceholder
	}
	return name
}

func activityFor(op string, before, after models.QueueEntry, actorID string, now time.Time) models.Activity {
	return models.Activity{
		ActivityID:  uuid.NewString(),
		StructureID: after.StructureID,
		ActorID:     actorID,
		Action:      "queue." + after.Status.String(),
		Metadata: map[string]string{
			"op":         op,
			"entry_id":   after.ID,
			"patient_id": after.PatientID,
			"from":       before.Status.String(),
			"to":         after.Status.String(),
			"priority":   strconv.Itoa(after.Priority),
		},
		CreatedAt: now,
	}
}

func (o *Orchestrator) effectFailed(ctx context.Context, op, effect, entryID string, err error) {
	o.metrics.add(ctx, o.metrics.effectFailures, op)
	logger := telemetry.WithTrace(ctx, o.log)
	logger.Warn().
		Str("effect", effect).
		Str("op", op).
		Str("entry_id", entryID).
		Err(err).
		Msg("side effect dropped")
}
