package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/journey-service/internal/models"
	"qms/journey-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `entry_id, structure_id, patient_id, status, arrival_time, called_at, started_at, completed_at, assigned_to, priority, COALESCE(consultation_reason, ''), updated_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetEntry(ctx context.Context, id string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = $1
	`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) CreateEntry(ctx context.Context, entry models.QueueEntry) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO queue_entries (
			entry_id, structure_id, patient_id, status, arrival_time, assigned_to, priority, consultation_reason, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (entry_id) DO NOTHING
		RETURNING `+entryColumns,
		entry.ID, entry.StructureID, entry.PatientID, entry.Status.String(), entry.ArrivalTime,
		entry.AssignedTo, entry.Priority, nullIfEmpty(entry.ConsultationReason), entry.UpdatedAt)
	created, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrDuplicateEntry
		}
		return models.QueueEntry{}, err
	}
	return created, nil
}

// CompareAndSetStatus is a single conditional UPDATE; the status predicate in
// the WHERE clause is what keeps two concurrent writers from both winning.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected models.Status, patch models.EntryPatch) (models.QueueEntry, bool, error) {
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	sets := []string{"status = $1", "updated_at = $2"}
	args := []interface{}{patch.Status.String(), updatedAt}
	argPos := 3

	setColumn := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argPos))
		args = append(args, value)
		argPos++
	}
	stamp := func(column string, value *time.Time) {
		switch {
		case value != nil:
			setColumn(column, *value)
		case patch.ResetClock:
			sets = append(sets, column+" = NULL")
		}
	}

	if patch.ArrivalTime != nil {
		setColumn("arrival_time", *patch.ArrivalTime)
	}
	stamp("called_at", patch.CalledAt)
	stamp("started_at", patch.StartedAt)
	stamp("completed_at", patch.CompletedAt)
	if patch.AssignedTo != nil {
		setColumn("assigned_to", *patch.AssignedTo)
	}

	query := fmt.Sprintf(`
		UPDATE queue_entries
		SET %s
		WHERE entry_id = $%d AND status = $%d
		RETURNING %s
	`, strings.Join(sets, ", "), argPos, argPos+1, entryColumns)
	args = append(args, id, expected.String())

	entry, err := scanEntry(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, err
		}
		exists, err := s.entryExists(ctx, id)
		if err != nil {
			return models.QueueEntry{}, false, err
		}
		if !exists {
			return models.QueueEntry{}, false, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, false, nil
	}
	return entry, true, nil
}

// AppendStep numbers steps per entry under an advisory lock so concurrent
// appends for the same entry get distinct, ordered sequence numbers.
func (s *Store) AppendStep(ctx context.Context, step models.JourneyStep) (models.JourneyStep, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.JourneyStep{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, step.QueueEntryID); err != nil {
		return models.JourneyStep{}, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO journey_steps (step_id, entry_id, seq, step_type, performed_by, notes, step_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6
		FROM journey_steps
		WHERE entry_id = $2
		RETURNING seq
	`, step.ID, step.QueueEntryID, step.StepType.String(), step.PerformedBy, step.Notes, step.StepAt)
	if err = row.Scan(&step.Seq); err != nil {
		return models.JourneyStep{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.JourneyStep{}, err
	}
	return step, nil
}

func (s *Store) ListSteps(ctx context.Context, entryID string) ([]models.JourneyStep, error) {
	exists, err := s.entryExists(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrEntryNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT step_id, entry_id, seq, step_type, performed_by, notes, step_at
		FROM journey_steps
		WHERE entry_id = $1
		ORDER BY step_at ASC, seq ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.JourneyStep
	for rows.Next() {
		var step models.JourneyStep
		var stepType string
		var performedByNull sql.NullString
		var notesNull sql.NullString
		if err := rows.Scan(&step.ID, &step.QueueEntryID, &step.Seq, &stepType, &performedByNull, &notesNull, &step.StepAt); err != nil {
			return nil, err
		}
		if step.StepType, err = parseStatus(stepType); err != nil {
			return nil, err
		}
		step.PerformedBy = nullStringPtr(performedByNull)
		step.Notes = nullStringPtr(notesNull)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *Store) ListActive(ctx context.Context, structureID string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE structure_id = $1 AND status NOT IN ('completed','closed','cancelled')
		ORDER BY priority ASC, arrival_time ASC, entry_id ASC
	`, structureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) LogActivity(ctx context.Context, activity models.Activity) error {
	metadata, err := json.Marshal(activity.Metadata)
	if err != nil {
		return err
	}
	createdAt := activity.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO activity_log (activity_id, structure_id, actor_id, action, metadata_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, activity.ActivityID, activity.StructureID, nullIfEmpty(activity.ActorID), activity.Action, metadata, createdAt)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) entryExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_entries WHERE entry_id = $1)`, id)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var status string
	var calledAtNull sql.NullTime
	var startedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var assignedToNull sql.NullString
	if err := row.Scan(&entry.ID, &entry.StructureID, &entry.PatientID, &status, &entry.ArrivalTime, &calledAtNull, &startedAtNull, &completedAtNull, &assignedToNull, &entry.Priority, &entry.ConsultationReason, &entry.UpdatedAt); err != nil {
		return models.QueueEntry{}, err
	}
	parsed, err := parseStatus(status)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry.Status = parsed
	entry.CalledAt = nullTimePtr(calledAtNull)
	entry.StartedAt = nullTimePtr(startedAtNull)
	entry.CompletedAt = nullTimePtr(completedAtNull)
	entry.AssignedTo = nullStringPtr(assignedToNull)
	return entry, nil
}

func parseStatus(value string) (models.Status, error) {
	status, err := models.ParseStatus(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrInvalidStatus, err)
	}
	return status, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
