package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// PatientRepo persists matching inputs.
type PatientRepo struct{ Pool PgxPool }

// NewPatientRepo constructs a PatientRepo with the given pool.
func NewPatientRepo(p PgxPool) *PatientRepo { return &PatientRepo{Pool: p} }

// Upsert inserts or updates a patient profile.
func (r *PatientRepo) Upsert(ctx domain.Context, p *domain.Patient) error {
	tracer := otel.Tracer("repo.patients")
	ctx, span := tracer.Start(ctx, "patients.Upsert")
	defer span.End()
	q := `INSERT INTO patients (id, age_years, gender, conditions, symptoms, prev_treatments, medications, allergies, urgency, city, state, country, lat, lon, narrative)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (id) DO UPDATE SET
		age_years=EXCLUDED.age_years, gender=EXCLUDED.gender, conditions=EXCLUDED.conditions,
		symptoms=EXCLUDED.symptoms, prev_treatments=EXCLUDED.prev_treatments,
		medications=EXCLUDED.medications, allergies=EXCLUDED.allergies, urgency=EXCLUDED.urgency,
		city=EXCLUDED.city, state=EXCLUDED.state, country=EXCLUDED.country, lat=EXCLUDED.lat,
		lon=EXCLUDED.lon, narrative=EXCLUDED.narrative, updated_at=now()`
	_, err := r.Pool.Exec(ctx, q, p.ID, p.AgeYears, p.Gender, orEmpty(p.Conditions), orEmpty(p.Symptoms),
		orEmpty(p.PreviousTreatments), orEmpty(p.Medications), orEmpty(p.Allergies), p.TreatmentUrgency,
		p.City, p.State, p.Country, p.Lat, p.Lon, p.Narrative)
	if err != nil {
		return fmt.Errorf("op=patient.upsert: %w", err)
	}
	return nil
}

// Get loads a patient by id.
func (r *PatientRepo) Get(ctx domain.Context, id string) (*domain.Patient, error) {
	tracer := otel.Tracer("repo.patients")
	ctx, span := tracer.Start(ctx, "patients.Get")
	defer span.End()
	q := `SELECT id, age_years, gender, conditions, symptoms, prev_treatments, medications, allergies, urgency, city, state, country, lat, lon, narrative, created_at, updated_at
	FROM patients WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var p domain.Patient
	err := row.Scan(&p.ID, &p.AgeYears, &p.Gender, &p.Conditions, &p.Symptoms, &p.PreviousTreatments,
		&p.Medications, &p.Allergies, &p.TreatmentUrgency, &p.City, &p.State, &p.Country,
		&p.Lat, &p.Lon, &p.Narrative, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=patient.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=patient.get: %w", err)
	}
	return &p, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
