package device

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"attendguard/internal/store"
)

const regColumns = `id, person_id, device_hash, device_type, platform, user_agent,
	trust_score, status, status_reason, usage_count, first_seen, last_seen`

// PostgresStore persists registrations in the device_registrations table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*Registration, error) {
	var reg Registration
	var status string
	if err := row.Scan(&reg.ID, &reg.PersonID, &reg.DeviceHash, &reg.Metadata.Type, &reg.Metadata.Platform,
		&reg.Metadata.UserAgent, &reg.TrustScore, &status, &reg.StatusReason, &reg.UsageCount,
		&reg.FirstSeen, &reg.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	reg.Status = Status(status)
	return &reg, nil
}

func (s *PostgresStore) Get(ctx context.Context, personID, hash string) (*Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+regColumns+`
		FROM device_registrations
		WHERE person_id = $1 AND device_hash = $2
	`, personID, hash)
	return scanRegistration(row)
}

func (s *PostgresStore) Create(ctx context.Context, reg *Registration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_registrations (`+regColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, reg.ID, reg.PersonID, reg.DeviceHash, reg.Metadata.Type, reg.Metadata.Platform, reg.Metadata.UserAgent,
		reg.TrustScore, string(reg.Status), reg.StatusReason, reg.UsageCount, reg.FirstSeen, reg.LastSeen)
	if store.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) Touch(ctx context.Context, personID, hash string, at time.Time) (*Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE device_registrations
		SET usage_count = usage_count + 1, last_seen = $3
		WHERE person_id = $1 AND device_hash = $2
		RETURNING `+regColumns, personID, hash, at)
	return scanRegistration(row)
}

func (s *PostgresStore) CountActive(ctx context.Context, personID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM device_registrations WHERE person_id = $1 AND status = 'active'
	`, personID).Scan(&n)
	return n, err
}

// AdjustTrust applies the delta in a single statement so concurrent decrements
// never lose updates.
func (s *PostgresStore) AdjustTrust(ctx context.Context, personID, hash string, delta, blockAt int, reason string) (*Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE device_registrations
		SET trust_score = LEAST(100, GREATEST(0, trust_score + $3)),
		    status = CASE
		        WHEN status = 'active' AND LEAST(100, GREATEST(0, trust_score + $3)) <= $4 THEN 'blocked'
		        ELSE status END,
		    status_reason = CASE
		        WHEN status = 'active' AND LEAST(100, GREATEST(0, trust_score + $3)) <= $4 THEN $5
		        ELSE status_reason END
		WHERE person_id = $1 AND device_hash = $2
		RETURNING `+regColumns, personID, hash, delta, blockAt, reason)
	return scanRegistration(row)
}

func (s *PostgresStore) SetState(ctx context.Context, personID, hash string, trust int, status Status, reason string) (*Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE device_registrations
		SET trust_score = $3, status = $4, status_reason = $5
		WHERE person_id = $1 AND device_hash = $2
		RETURNING `+regColumns, personID, hash, clampTrust(trust), string(status), reason)
	return scanRegistration(row)
}

func (s *PostgresStore) ListByHash(ctx context.Context, hash string) ([]Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+regColumns+`
		FROM device_registrations
		WHERE device_hash = $1
		ORDER BY first_seen
	`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *reg)
	}
	return out, rows.Err()
}
