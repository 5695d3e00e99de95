package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"attendguard/internal/geo"
	"attendguard/internal/store"
)

// Repository reads and writes the people, person_electives and courses tables.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Profile returns a person with their electives.
func (r *Repository) Profile(ctx context.Context, personID string) (Profile, error) {
	var p Profile
	err := r.db.QueryRowContext(ctx, `
		SELECT person_id, role, branch, year, batch
		FROM people WHERE person_id = $1
	`, personID).Scan(&p.PersonID, &p.Role, &p.Branch, &p.Year, &p.Batch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT course_id FROM person_electives WHERE person_id = $1 ORDER BY course_id
	`, personID)
	if err != nil {
		return Profile{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Profile{}, err
		}
		p.Electives = append(p.Electives, id)
	}
	return p, rows.Err()
}

// UpsertProfile creates or updates a person and replaces their electives.
func (r *Repository) UpsertProfile(ctx context.Context, p Profile) error {
	return store.InTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO people (person_id, role, branch, year, batch)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (person_id) DO UPDATE SET
				role = EXCLUDED.role,
				branch = EXCLUDED.branch,
				year = EXCLUDED.year,
				batch = EXCLUDED.batch
		`, p.PersonID, p.Role, p.Branch, p.Year, p.Batch)
		if err != nil {
			return fmt.Errorf("upsert person: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM person_electives WHERE person_id = $1`, p.PersonID); err != nil {
			return fmt.Errorf("clear electives: %w", err)
		}
		for _, c := range p.Electives {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO person_electives (person_id, course_id) VALUES ($1, $2)
			`, p.PersonID, c); err != nil {
				return fmt.Errorf("insert elective: %w", err)
			}
		}
		return nil
	})
}

// Course returns a single course.
func (r *Repository) Course(ctx context.Context, courseID string) (Course, error) {
	var c Course
	var batches []byte
	var lat, lng sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, branch, year, batches, elective, center_lat, center_lng, radius, required_accuracy
		FROM courses WHERE id = $1
	`, courseID).Scan(&c.ID, &c.Name, &c.Branch, &c.Year, &batches, &c.Elective, &lat, &lng, &c.Radius, &c.RequiredAccuracy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Course{}, ErrNotFound
		}
		return Course{}, err
	}
	if err := json.Unmarshal(batches, &c.Batches); err != nil {
		return Course{}, fmt.Errorf("decode batches: %w", err)
	}
	if lat.Valid && lng.Valid {
		c.Center = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	return c, nil
}

// UpsertCourse creates or updates a course.
func (r *Repository) UpsertCourse(ctx context.Context, c Course) error {
	batches, err := json.Marshal(c.Batches)
	if err != nil {
		return err
	}
	if c.Batches == nil {
		batches = []byte(`[]`)
	}
	var lat, lng any
	if c.Center != nil {
		lat, lng = c.Center.Lat, c.Center.Lng
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO courses (id, name, branch, year, batches, elective, center_lat, center_lng, radius, required_accuracy)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			branch = EXCLUDED.branch,
			year = EXCLUDED.year,
			batches = EXCLUDED.batches,
			elective = EXCLUDED.elective,
			center_lat = EXCLUDED.center_lat,
			center_lng = EXCLUDED.center_lng,
			radius = EXCLUDED.radius,
			required_accuracy = EXCLUDED.required_accuracy
	`, c.ID, c.Name, c.Branch, c.Year, batches, c.Elective, lat, lng, c.Radius, c.RequiredAccuracy)
	return err
}
