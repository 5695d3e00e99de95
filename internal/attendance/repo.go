package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"attendguard/internal/geo"
	"attendguard/internal/replay"
	"attendguard/internal/store"
	"attendguard/internal/token"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, schema_version, course_id, owner_id, start_time, end_time,
	center_lat, center_lng, radius, required_accuracy, adaptive, audience,
	security_level, device_binding, location_binding, late_threshold_minutes,
	token, nonce, token_issued_at, token_expires_at, rotation_interval_ms, security_window_ms,
	rotation_count, previous_nonce, previous_issued_at, state, is_active, created_at, updated_at`

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var adaptive, audience []byte
	var level, state string
	var issuedAt, expiresAt, prevIssuedAt sql.NullTime
	var rotationMS, windowMS int64
	err := row.Scan(&s.ID, &s.SchemaVersion, &s.CourseID, &s.OwnerID, &s.StartTime, &s.EndTime,
		&s.Fence.Center.Lat, &s.Fence.Center.Lng, &s.Fence.Radius, &s.Fence.RequiredAccuracy, &adaptive, &audience,
		&level, &s.DeviceBinding, &s.LocationBinding, &s.LateThreshold,
		&s.Token.Token, &s.Token.Nonce, &issuedAt, &expiresAt, &rotationMS, &windowMS,
		&s.Token.RotationCount, &s.Token.PreviousNonce, &prevIssuedAt, &state, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(adaptive, &s.Fence.Adaptive); err != nil {
		return nil, fmt.Errorf("decode adaptive config: %w", err)
	}
	if err := json.Unmarshal(audience, &s.Audience); err != nil {
		return nil, fmt.Errorf("decode audience: %w", err)
	}
	s.SecurityLevel = SecurityLevel(level)
	s.State = SessionState(state)
	s.Token.IssuedAt = issuedAt.Time
	s.Token.ExpiresAt = expiresAt.Time
	s.Token.PreviousIssuedAt = prevIssuedAt.Time
	s.Token.RotationInterval = time.Duration(rotationMS) * time.Millisecond
	s.Token.SecurityWindow = time.Duration(windowMS) * time.Millisecond
	return &s, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// CreateSession inserts a session with its first token.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	adaptive, err := json.Marshal(s.Fence.Adaptive)
	if err != nil {
		return err
	}
	audience, err := json.Marshal(s.Audience)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)
	`, s.ID, s.SchemaVersion, s.CourseID, s.OwnerID, s.StartTime, s.EndTime,
		s.Fence.Center.Lat, s.Fence.Center.Lng, s.Fence.Radius, s.Fence.RequiredAccuracy, adaptive, audience,
		string(s.SecurityLevel), s.DeviceBinding, s.LocationBinding, s.LateThreshold,
		s.Token.Token, s.Token.Nonce, nullTime(s.Token.IssuedAt), nullTime(s.Token.ExpiresAt),
		s.Token.RotationInterval.Milliseconds(), s.Token.SecurityWindow.Milliseconds(),
		s.Token.RotationCount, s.Token.PreviousNonce, nullTime(s.Token.PreviousIssuedAt),
		string(s.State), s.IsActive, s.CreatedAt, s.UpdatedAt)
	return err
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// UpdateToken stores a rotated token guarded by the previous rotation count.
func (r *Repository) UpdateToken(ctx context.Context, id string, expectedRotation int, st token.State) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET token = $3, nonce = $4, token_issued_at = $5, token_expires_at = $6,
		    rotation_interval_ms = $7, security_window_ms = $8, rotation_count = $9,
		    previous_nonce = $10, previous_issued_at = $11, updated_at = $5
		WHERE id = $1 AND rotation_count = $2
	`, id, expectedRotation, st.Token, st.Nonce, st.IssuedAt, st.ExpiresAt,
		st.RotationInterval.Milliseconds(), st.SecurityWindow.Milliseconds(), st.RotationCount,
		st.PreviousNonce, nullTime(st.PreviousIssuedAt))
	if err != nil {
		return err
	}
	return r.affectedOr(ctx, res, id, ErrConflict)
}

// SetSessionState moves an active session to a terminal state.
func (r *Repository) SetSessionState(ctx context.Context, id string, state SessionState, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = $2, is_active = $3, updated_at = $4
		WHERE id = $1 AND is_active
	`, id, string(state), state == StateActive, at)
	if err != nil {
		return err
	}
	return r.affectedOr(ctx, res, id, ErrInvalidState)
}

// affectedOr maps a zero-row update to ErrSessionNotFound or fallback.
func (r *Repository) affectedOr(ctx context.Context, res sql.Result, id string, fallback error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}
	return fallback
}

// ListActiveSessions returns sessions still taking attendance.
func (r *Repository) ListActiveSessions(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE is_active ORDER BY start_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ExpireSessions flips ended sessions inactive.
func (r *Repository) ExpireSessions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sessions
		SET is_active = FALSE, state = 'expired', updated_at = $1
		WHERE is_active AND end_time < $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasRecord reports whether the pair already has a record.
func (r *Repository) HasRecord(ctx context.Context, sessionID, personID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE session_id = $1 AND person_id = $2)
	`, sessionID, personID).Scan(&exists)
	return exists, err
}

const recordColumns = `id, session_id, person_id, status, marked_at, minutes_after_start, location,
	device_hash, validation, security_flags, suspicion_score, marked_by, notes`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, rec *Record) error {
	var location []byte
	if rec.Location != nil {
		b, err := json.Marshal(rec.Location)
		if err != nil {
			return err
		}
		location = b
	}
	validation, err := json.Marshal(rec.Validation)
	if err != nil {
		return err
	}
	flags := rec.Flags
	if flags == nil {
		flags = []Flag{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	notes := rec.Notes
	if notes == nil {
		notes = []Note{}
	}
	notesJSON, err := json.Marshal(notes)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.ID, rec.SessionID, rec.PersonID, string(rec.Status), rec.MarkedAt, rec.MinutesAfterStart, location,
		rec.DeviceHash, validation, flagsJSON, rec.SuspicionScore, string(rec.MarkedBy), notesJSON)
	if store.IsUniqueViolation(err) {
		return replay.ErrDuplicate
	}
	return err
}

// InsertRecord writes a record; a second record for the pair yields replay.ErrDuplicate.
func (r *Repository) InsertRecord(ctx context.Context, rec *Record) error {
	return insertRecord(ctx, r.db, rec)
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var status, markedBy string
	var location, validation, flags, notes []byte
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.PersonID, &status, &rec.MarkedAt, &rec.MinutesAfterStart, &location,
		&rec.DeviceHash, &validation, &flags, &rec.SuspicionScore, &markedBy, &notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	rec.Status = Status(status)
	rec.MarkedBy = MarkedBy(markedBy)
	if len(location) > 0 {
		var s geo.Sample
		if err := json.Unmarshal(location, &s); err != nil {
			return nil, fmt.Errorf("decode location: %w", err)
		}
		rec.Location = &s
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{validation, &rec.Validation}, {flags, &rec.Flags}, {notes, &rec.Notes}} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
	}
	return &rec, nil
}

// GetRecord returns a record by id.
func (r *Repository) GetRecord(ctx context.Context, id string) (*Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id))
}

// AppendRecordNote adds a reviewer note; notes are the only mutable part of a record.
func (r *Repository) AppendRecordNote(ctx context.Context, id string, n Note) (*Record, error) {
	note, err := json.Marshal([]Note{n})
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records SET notes = notes || $2::jsonb
		WHERE id = $1
		RETURNING `+recordColumns, id, note)
	return scanRecord(row)
}

// SessionDeviceUsers lists people who marked the session from hash.
func (r *Repository) SessionDeviceUsers(ctx context.Context, sessionID, hash string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT person_id FROM attendance_records
		WHERE session_id = $1 AND device_hash = $2 AND device_hash <> ''
		ORDER BY person_id
	`, sessionID, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LatestRecord returns the person's most recent record.
func (r *Repository) LatestRecord(ctx context.Context, personID string) (*Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE person_id = $1
		ORDER BY marked_at DESC
		LIMIT 1
	`, personID))
}

const attemptColumns = `id, session_id, person_id, code, message, location, device, minutes_after_start,
	attempted_at, status, reviewer_id, review_note, resolved_at, record_id`

// InsertFailedAttempt queues a rejected submission for review.
func (r *Repository) InsertFailedAttempt(ctx context.Context, a *FailedAttempt) error {
	var location, device []byte
	var err error
	if a.Location != nil {
		if location, err = json.Marshal(a.Location); err != nil {
			return err
		}
	}
	if a.Device != nil {
		if device, err = json.Marshal(a.Device); err != nil {
			return err
		}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO failed_attempts (id, session_id, person_id, code, message, location, device,
			minutes_after_start, attempted_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, a.ID, a.SessionID, a.PersonID, string(a.Code), a.Message, location, device,
		a.MinutesAfterStart, a.AttemptedAt, string(a.Status))
	return err
}

func scanAttempt(row rowScanner) (*FailedAttempt, error) {
	var a FailedAttempt
	var code, status string
	var location, device []byte
	var resolvedAt sql.NullTime
	var recordID sql.NullString
	err := row.Scan(&a.ID, &a.SessionID, &a.PersonID, &code, &a.Message, &location, &device, &a.MinutesAfterStart,
		&a.AttemptedAt, &status, &a.ReviewerID, &a.ReviewNote, &resolvedAt, &recordID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	a.Code = Code(code)
	a.Status = AttemptStatus(status)
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	a.RecordID = recordID.String
	if len(location) > 0 {
		a.Location = &geo.Sample{}
		if err := json.Unmarshal(location, a.Location); err != nil {
			return nil, fmt.Errorf("decode location: %w", err)
		}
	}
	if len(device) > 0 {
		a.Device = &DeviceInfo{}
		if err := json.Unmarshal(device, a.Device); err != nil {
			return nil, fmt.Errorf("decode device: %w", err)
		}
	}
	return &a, nil
}

// GetFailedAttempt returns one attempt.
func (r *Repository) GetFailedAttempt(ctx context.Context, id string) (*FailedAttempt, error) {
	return scanAttempt(r.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM failed_attempts WHERE id = $1`, id))
}

// ListFailedAttempts returns a session's attempts, optionally filtered by status.
func (r *Repository) ListFailedAttempts(ctx context.Context, sessionID string, status AttemptStatus) ([]FailedAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM failed_attempts`
	args := []any{sessionID}
	clauses := []string{"session_id = $1"}
	if status != "" {
		args = append(args, string(status))
		clauses = append(clauses, "status = $"+strconv.Itoa(len(args)))
	}
	query += " WHERE " + strings.Join(clauses, " AND ") + " ORDER BY attempted_at"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FailedAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// AcceptAttempt creates the record and resolves the attempt atomically.
func (r *Repository) AcceptAttempt(ctx context.Context, attemptID string, rec *Record, reviewerID, note string, at time.Time) error {
	return store.InTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := resolveAttempt(ctx, tx, attemptID, AttemptAccepted, reviewerID, note, at, rec.ID); err != nil {
			return err
		}
		return insertRecord(ctx, tx, rec)
	})
}

// RejectAttempt resolves an attempt as rejected.
func (r *Repository) RejectAttempt(ctx context.Context, attemptID, reviewerID, reason string, at time.Time) error {
	return store.InTx(ctx, r.db, func(tx *sql.Tx) error {
		return resolveAttempt(ctx, tx, attemptID, AttemptRejected, reviewerID, reason, at, "")
	})
}

func resolveAttempt(ctx context.Context, tx *sql.Tx, id string, status AttemptStatus, reviewerID, note string, at time.Time, recordID string) error {
	var rid any
	if recordID != "" {
		rid = recordID
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE failed_attempts
		SET status = $2, reviewer_id = $3, review_note = $4, resolved_at = $5, record_id = $6
		WHERE id = $1 AND status = 'pending'
	`, id, string(status), reviewerID, note, at, rid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM failed_attempts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAttemptNotFound
	}
	return ErrInvalidState
}
