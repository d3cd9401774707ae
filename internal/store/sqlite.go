package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"github.com/ykvlv/medication-reminder/internal/domain"
)

// SQLiteRepo implements Repo using an embedded SQLite database.
type SQLiteRepo struct{ db *sql.DB }

var _ Repo = (*SQLiteRepo)(nil)

// OpenSQLite opens (or creates) the SQLite database at the given path,
// applies recommended PRAGMAs, runs SQL migrations, and returns a repository.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	// foreign_keys must hold on every connection the pool opens.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}

	// Reasonable pooling for SQLite; it's a single-writer engine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &SQLiteRepo{db: db}, nil
}

// applyPragmas configures the SQLite connection for durability and concurrency.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database resources.
func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

// ListDueEntries returns one row per schedule entry whose time_of_day equals at,
// joined with its medication and (if it still exists) the owning user.
// Taken entries are included; filtering is the caller's decision.
func (r *SQLiteRepo) ListDueEntries(ctx context.Context, at domain.ClockTime) ([]domain.DueRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.name, m.amount, m.precautions, m.created_at,
		       s.id, s.time_of_day, s.taken,
		       u.id, u.push_token, u.sound, u.created_at
		FROM schedule_entries s
		JOIN medications m ON m.id = s.medication_id
		LEFT JOIN users u ON u.id = m.user_id
		WHERE s.time_of_day = ?
		ORDER BY m.id ASC, s.position ASC, s.id ASC`,
		string(at),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.DueRow
	for rows.Next() {
		var (
			row        domain.DueRow
			medCreated int64
			tod        string
			takenInt   int
			userID     sql.NullString
			pushToken  sql.NullString
			sound      sql.NullString
			userCreate sql.NullInt64
		)
		if err := rows.Scan(
			&row.Medication.ID, &row.Medication.UserID, &row.Medication.Name,
			&row.Medication.Amount, &row.Medication.Precautions, &medCreated,
			&row.Entry.ID, &tod, &takenInt,
			&userID, &pushToken, &sound, &userCreate,
		); err != nil {
			return nil, err
		}
		row.Medication.CreatedAt = time.Unix(medCreated, 0).UTC()
		row.Entry.MedicationID = row.Medication.ID
		row.Entry.TimeOfDay = domain.ClockTime(tod)
		row.Entry.Taken = takenInt != 0
		row.Medication.Schedules = []domain.ScheduleEntry{row.Entry}

		if userID.Valid {
			row.UserFound = true
			row.User = domain.User{
				ID:        userID.String,
				PushToken: fromNullString(pushToken),
				Sound:     sound.String,
				CreatedAt: time.Unix(userCreate.Int64, 0).UTC(),
			}
		}
		res = append(res, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// UpsertUser inserts or updates a user's push address and sound preference.
func (r *SQLiteRepo) UpsertUser(ctx context.Context, u *domain.User) error {
	if u == nil {
		return errors.New("nil user")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, push_token, sound, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			push_token = excluded.push_token,
			sound      = excluded.sound`,
		u.ID, toNullString(u.PushToken), u.Sound, unixOrNow(u.CreatedAt),
	)
	return err
}

// GetUser returns a user by id or ErrNotFound.
func (r *SQLiteRepo) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var (
		u         domain.User
		pushToken sql.NullString
		created   int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, push_token, sound, created_at
		FROM users
		WHERE id = ?`,
		id,
	).Scan(&u.ID, &pushToken, &u.Sound, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.PushToken = fromNullString(pushToken)
	u.CreatedAt = time.Unix(created, 0).UTC()
	return &u, nil
}

// DeleteUser removes a user; medications and schedule entries cascade.
func (r *SQLiteRepo) DeleteUser(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// CreateMedication inserts a medication and its schedule entries in one transaction.
// Missing ids are generated; entry times are normalised to HH:MM.
func (r *SQLiteRepo) CreateMedication(ctx context.Context, m *domain.Medication) error {
	if m == nil {
		return errors.New("nil medication")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	for i := range m.Schedules {
		tod, err := domain.ParseClockTime(string(m.Schedules[i].TimeOfDay))
		if err != nil {
			return err
		}
		m.Schedules[i].TimeOfDay = tod
		m.Schedules[i].MedicationID = m.ID
		if m.Schedules[i].ID == "" {
			m.Schedules[i].ID = uuid.NewString()
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO medications (id, user_id, name, amount, precautions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Name, m.Amount, m.Precautions, unixOrNow(m.CreatedAt),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert medication: %w", err)
	}
	for i, s := range m.Schedules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schedule_entries (id, medication_id, position, time_of_day, taken)
			VALUES (?, ?, ?, ?, ?)`,
			s.ID, m.ID, i, string(s.TimeOfDay), boolToInt(s.Taken),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert schedule entry: %w", err)
		}
	}
	return tx.Commit()
}

// GetMedication returns a medication with its ordered schedule, or ErrNotFound.
func (r *SQLiteRepo) GetMedication(ctx context.Context, id string) (*domain.Medication, error) {
	var (
		m       domain.Medication
		created int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, amount, precautions, created_at
		FROM medications
		WHERE id = ?`,
		id,
	).Scan(&m.ID, &m.UserID, &m.Name, &m.Amount, &m.Precautions, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.Unix(created, 0).UTC()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, time_of_day, taken
		FROM schedule_entries
		WHERE medication_id = ?
		ORDER BY position ASC, id ASC`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s        domain.ScheduleEntry
			tod      string
			takenInt int
		)
		if err := rows.Scan(&s.ID, &tod, &takenInt); err != nil {
			return nil, err
		}
		s.MedicationID = m.ID
		s.TimeOfDay = domain.ClockTime(tod)
		s.Taken = takenInt != 0
		m.Schedules = append(m.Schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

// SetTaken updates the taken flag of one schedule entry.
func (r *SQLiteRepo) SetTaken(ctx context.Context, entryID string, taken bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedule_entries
		SET taken = ?
		WHERE id = ?`,
		boolToInt(taken), entryID,
	)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
