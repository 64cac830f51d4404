package journey

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"qms/journey-service/internal/models"
	"qms/journey-service/internal/store"
	"qms/journey-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultEffectTimeout = 10 * time.Second
	requeueNote          = "requeued after no-show"
)

type Options struct {
	Notifier  NotificationDispatcher
	Activity  ActivityLogger
	Identity  IdentityLookup
	Publisher ChangePublisher
	Clock     Clock
	// EffectTimeout bounds each batch of side effects. Zero means 10s.
	EffectTimeout time.Duration
	// Location is used for timestamps shown in notifications. Nil means UTC.
	Location *time.Location
	Logger   zerolog.Logger
	Meter    metric.Meter
}

// Orchestrator is the only writer of queue entries and journey steps.
type Orchestrator struct {
	entries store.EntryStore
	steps   store.StepLog

	notifier  NotificationDispatcher
	activity  ActivityLogger
	identity  IdentityLookup
	publisher ChangePublisher

	clock         Clock
	effectTimeout time.Duration
	location      *time.Location
	log           zerolog.Logger
	tracer        trace.Tracer
	metrics       *metrics

	effects sync.WaitGroup
}

func New(entries store.EntryStore, steps store.StepLog, options Options) *Orchestrator {
	clock := options.Clock
	if clock == nil {
		clock = SystemClock
	}
	timeout := options.EffectTimeout
	if timeout <= 0 {
		timeout = defaultEffectTimeout
	}
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	return &Orchestrator{
		entries:       entries,
		steps:         steps,
		notifier:      options.Notifier,
		activity:      options.Activity,
		identity:      options.Identity,
		publisher:     options.Publisher,
		clock:         clock,
		effectTimeout: timeout,
		location:      location,
		log:           options.Logger.With().Str("component", "journey").Logger(),
		tracer:        otel.Tracer(instrumentationName),
		metrics:       newMetrics(options.Meter),
	}
}

// Clock exposes the clock used for stamps so listings compute waiting time
// against the same notion of now.
func (o *Orchestrator) Clock() Clock {
	return o.clock
}

// Wait blocks until every side effect started so far has finished.
func (o *Orchestrator) Wait() {
	o.effects.Wait()
}

type patchFunc func(entry models.QueueEntry, now time.Time, actorID string) models.EntryPatch

func noStamp(models.QueueEntry, time.Time, string) models.EntryPatch {
	return models.EntryPatch{}
}

type CallOption func(*callOptions)

type callOptions struct {
	assignee string
}

// WithAssignee assigns the entry to staffID instead of inheriting the current
// assignee or the acting staff member.
func WithAssignee(staffID string) CallOption {
	return func(o *callOptions) {
		o.assignee = strings.TrimSpace(staffID)
	}
}

func (o *Orchestrator) Call(ctx context.Context, entry models.QueueEntry, actorID, notes string, opts ...CallOption) (models.QueueEntry, error) {
	var options callOptions
	for _, opt := range opts {
		opt(&options)
	}
	return o.transition(ctx, "call", entry, models.StatusCalled, actorID, notes, func(entry models.QueueEntry, now time.Time, actorID string) models.EntryPatch {
		patch := models.EntryPatch{CalledAt: &now}
		switch {
		case options.assignee != "":
			patch.AssignedTo = &options.assignee
		case entry.AssignedTo != nil && *entry.AssignedTo != "":
		case actorID != "":
			patch.AssignedTo = &actorID
		}
		return patch
	})
}

func (o *Orchestrator) Start(ctx context.Context, entry models.QueueEntry, actorID, notes string) (models.QueueEntry, error) {
	return o.transition(ctx, "start", entry, models.StatusInConsultation, actorID, notes, stampStarted)
}

func (o *Orchestrator) SendToExam(ctx context.Context, entry models.QueueEntry, actorID, notes string) (models.QueueEntry, error) {
	return o.transition(ctx, "send_to_exam", entry, models.StatusAwaitingExam, actorID, notes, noStamp)
}

func (o *Orchestrator) ReturnFromExam(ctx context.Context, entry models.QueueEntry, actorID, notes string) (models.QueueEntry, error) {
	return o.transition(ctx, "return_from_exam", entry, models.StatusInConsultation, actorID, notes, stampStarted)
}

func (o *Orchestrator) Complete(ctx context.Context, entry models.QueueEntry, actorID, notes string) (models.QueueEntry, error) {
	return o.transition(ctx, "complete", entry, models.StatusCompleted, actorID, notes, func(_ models.QueueEntry, now time.Time, _ string) models.EntryPatch {
		return models.EntryPatch{CompletedAt: &now}
	})
}

func (o *Orchestrator) MarkNoShow(ctx context.Context, entry models.QueueEntry, actorID, notes string) (models.QueueEntry, error) {
	return o.transition(ctx, "no_show", entry, models.StatusNoShow, actorID, notes, noStamp)
}

func (o *Orchestrator) Cancel(ctx context.Context, entry models.QueueEntry, actorID, notes string) (models.QueueEntry, error) {
	return o.transition(ctx, "cancel", entry, models.StatusCancelled, actorID, notes, noStamp)
}

func (o *Orchestrator) Close(ctx context.Context, entry models.QueueEntry, actorID, notes string) (models.QueueEntry, error) {
	return o.transition(ctx, "close", entry, models.StatusClosed, actorID, notes, noStamp)
}

// stampStarted keeps the first consultation start when a patient comes back
// from an exam.
func stampStarted(entry models.QueueEntry, now time.Time, _ string) models.EntryPatch {
	if entry.StartedAt != nil {
		return models.EntryPatch{}
	}
	return models.EntryPatch{StartedAt: &now}
}

// Requeue puts a no-show patient back in the waiting line with a fresh
// arrival time. It bypasses the guard table because it resets the clock as
// well as the status.
func (o *Orchestrator) Requeue(ctx context.Context, entry models.QueueEntry, actorID, notes string) (models.QueueEntry, error) {
	ctx, span := o.startSpan(ctx, "requeue", entry, models.StatusWaiting)
	defer span.End()

	if !canRequeue(entry.Status) {
		return models.QueueEntry{}, o.reject(ctx, span, "requeue", entry.Status, models.StatusWaiting)
	}

	now := o.stampTime(entry)
	patch := models.EntryPatch{
		Status:      models.StatusWaiting,
		ArrivalTime: &now,
		ResetClock:  true,
		UpdatedAt:   now,
	}
	text := requeueNote
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		text += "; " + trimmed
	}
	return o.commit(ctx, span, "requeue", entry, patch, now, actorID, text)
}

// CheckIn registers a freshly created entry and records its first journey
// step. The entry must be in waiting; a missing id, arrival time or priority
// is filled in.
func (o *Orchestrator) CheckIn(ctx context.Context, entry models.QueueEntry, actorID, notes string) (models.QueueEntry, error) {
	if entry.Status == 0 {
		entry.Status = models.StatusWaiting
	}
	ctx, span := o.startSpan(ctx, "check_in", entry, models.StatusWaiting)
	defer span.End()

	if entry.Status != models.StatusWaiting {
		return models.QueueEntry{}, o.reject(ctx, span, "check_in", entry.Status, models.StatusWaiting)
	}

	now := o.clock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ArrivalTime.IsZero() {
		entry.ArrivalTime = now
	}
	if entry.Priority == 0 {
		entry.Priority = models.PriorityNormal
	}
	entry.CalledAt, entry.StartedAt, entry.CompletedAt = nil, nil, nil
	entry.UpdatedAt = now

	created, err := o.entries.CreateEntry(ctx, entry)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEntry) {
			o.metrics.add(ctx, o.metrics.conflicts, "check_in")
			span.SetStatus(codes.Error, "conflict")
			return models.QueueEntry{}, &ConcurrencyConflictError{ID: entry.ID}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence")
		return models.QueueEntry{}, &PersistenceError{Op: "check_in", Err: err}
	}

	o.recordStep(ctx, created, now, actorID, notes)
	o.metrics.add(ctx, o.metrics.transitions, "check_in", attribute.String("to", created.Status.String()))
	o.dispatch(ctx, "check_in", created, created, actorID)
	return created, nil
}

func (o *Orchestrator) transition(ctx context.Context, op string, entry models.QueueEntry, target models.Status, actorID, notes string, build patchFunc) (models.QueueEntry, error) {
	ctx, span := o.startSpan(ctx, op, entry, target)
	defer span.End()

	if !CanTransition(entry.Status, target) {
		return models.QueueEntry{}, o.reject(ctx, span, op, entry.Status, target)
	}

	now := o.stampTime(entry)
	patch := build(entry, now, actorID)
	patch.Status = target
	patch.UpdatedAt = now
	return o.commit(ctx, span, op, entry, patch, now, actorID, notes)
}

// stampTime is the clock reading, held at the entry's latest stamp when the
// clock is behind it. Stamps and journey steps then stay ordered across a
// wall clock step back or skew between instances.
func (o *Orchestrator) stampTime(entry models.QueueEntry) time.Time {
	now := o.clock()
	for _, stamp := range []*time.Time{&entry.ArrivalTime, entry.CalledAt, entry.StartedAt, entry.CompletedAt, &entry.UpdatedAt} {
		if stamp != nil && stamp.After(now) {
			now = *stamp
		}
	}
	return now
}

// commit writes the status with a compare-and-set on the status the caller
// read, then appends the journey step. A failed append does not undo the
// status change.
func (o *Orchestrator) commit(ctx context.Context, span trace.Span, op string, entry models.QueueEntry, patch models.EntryPatch, now time.Time, actorID, notes string) (models.QueueEntry, error) {
	updated, ok, err := o.entries.CompareAndSetStatus(ctx, entry.ID, entry.Status, patch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence")
		return models.QueueEntry{}, &PersistenceError{Op: op, Err: err}
	}
	if !ok {
		o.metrics.add(ctx, o.metrics.conflicts, op)
		span.SetStatus(codes.Error, "conflict")
		return models.QueueEntry{}, &ConcurrencyConflictError{ID: entry.ID}
	}

	o.recordStep(ctx, updated, now, actorID, notes)
	o.metrics.add(ctx, o.metrics.transitions, op, attribute.String("to", updated.Status.String()))
	o.dispatch(ctx, op, entry, updated, actorID)
	return updated, nil
}

func (o *Orchestrator) recordStep(ctx context.Context, entry models.QueueEntry, now time.Time, actorID, notes string) {
	step := models.JourneyStep{
		ID:           uuid.NewString(),
		QueueEntryID: entry.ID,
		StepType:     entry.Status,
		PerformedBy:  optional(actorID),
		Notes:        optional(strings.TrimSpace(notes)),
		StepAt:       now,
	}
	if _, err := o.steps.AppendStep(ctx, step); err != nil {
		o.reportAuditGap(ctx, &AuditWriteError{EntryID: entry.ID, StepType: entry.Status, Err: err}, actorID)
	}
}

// reportAuditGap writes to the operator channel. The status change already
// committed, so the journey is now missing a step for this entry.
func (o *Orchestrator) reportAuditGap(ctx context.Context, gap *AuditWriteError, actorID string) {
	o.metrics.add(ctx, o.metrics.auditGaps, "append_step")
	logger := telemetry.WithTrace(ctx, o.log)
	logger.Error().
		Str("channel", "audit_gap").
		Str("entry_id", gap.EntryID).
		Str("step_type", gap.StepType.String()).
		Str("actor_id", actorID).
		Err(gap).
		Msg("journey step not recorded after committed transition")
}

func (o *Orchestrator) reject(ctx context.Context, span trace.Span, op string, current, target models.Status) error {
	o.metrics.add(ctx, o.metrics.rejections, op)
	span.SetStatus(codes.Error, "invalid transition")
	return &InvalidTransitionError{Current: current, Target: target}
}

func (o *Orchestrator) startSpan(ctx context.Context, op string, entry models.QueueEntry, target models.Status) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "journey."+op, trace.WithAttributes(
		attribute.String("queue.entry_id", entry.ID),
		attribute.String("queue.from", entry.Status.String()),
		attribute.String("queue.to", target.String()),
	))
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
