// Package identity resolves patient and staff display names for
// notifications.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUnknownIdentity = errors.New("identity not found")

// Directory reads names from the patients and staff tables.
type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) PatientDisplayName(ctx context.Context, patientID string) (string, error) {
	var first, last string
	row := d.pool.QueryRow(ctx, `
		SELECT first_name, last_name
		FROM patients
		WHERE patient_id = $1
	`, patientID)
	if err := row.Scan(&first, &last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnknownIdentity
		}
		return "", err
	}
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last)), nil
}

func (d *Directory) StaffDisplayName(ctx context.Context, staffID string) (string, error) {
	var name string
	row := d.pool.QueryRow(ctx, `
		SELECT display_name
		FROM staff
		WHERE staff_id = $1
	`, staffID)
	if err := row.Scan(&name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnknownIdentity
		}
		return "", err
	}
	return strings.TrimSpace(name), nil
}
