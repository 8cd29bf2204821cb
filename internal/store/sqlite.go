package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"reminder-engine/internal/models"
	"reminder-engine/internal/patients"
)

// SQLite is a single-node reminder store. Times are stored as unix milliseconds.
type SQLite struct {
	db *sql.DB
}

var _ Repository = (*SQLite)(nil)

// NewSQLite opens (or creates) the SQLite database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func sqlitePlaceholder(int) string { return "?" }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func fromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}

func (s *SQLite) Insert(ctx context.Context, rs ...models.Reminder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reminders (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rs {
		meta, err := json.Marshal(metadataOrEmpty(r.Metadata))
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.PatientID, string(r.Type), string(r.DeliveryMethod),
			string(r.Status), toMillis(r.ScheduledTime), string(r.Priority), r.CustomMessage, string(meta),
			r.RetryCount, r.MaxRetries, r.RetryInterval, r.ExternalMessageID, r.ErrorMessage,
			toMillis(r.CreatedAt), toMillis(r.UpdatedAt), nullMillis(r.SentAt), nullMillis(r.DeliveredAt)); err != nil {
			return fmt.Errorf("insert reminder %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (models.Reminder, error) {
	r, err := scanSQLiteReminder(s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reminder{}, models.NewNotFound("reminder", id)
	}
	return r, err
}

func (s *SQLite) GetByExternalID(ctx context.Context, externalID string) (models.Reminder, error) {
	r, err := scanSQLiteReminder(s.db.QueryRowContext(ctx, `
		SELECT `+reminderColumns+` FROM reminders WHERE external_message_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reminder{}, models.NewNotFound("reminder with external id", externalID)
	}
	return r, err
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]models.Reminder, error) {
	where, args := f.where(sqlitePlaceholder)
	args = append(args, f.Limit, f.Offset)
	return s.query(ctx, `SELECT `+reminderColumns+` FROM reminders`+where+
		` ORDER BY scheduled_time DESC, id LIMIT ? OFFSET ?`, args...)
}

func (s *SQLite) Update(ctx context.Context, r models.Reminder, expected models.Status) error {
	meta, err := json.Marshal(metadataOrEmpty(r.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = ?, scheduled_time = ?, priority = ?, delivery_method = ?, custom_message = ?,
		    metadata = ?, retry_count = ?, max_retries = ?, retry_interval = ?,
		    external_message_id = ?, error_message = ?, updated_at = ?, sent_at = ?, delivered_at = ?
		WHERE id = ? AND status = ?
	`, string(r.Status), toMillis(r.ScheduledTime), string(r.Priority), string(r.DeliveryMethod),
		r.CustomMessage, string(meta), r.RetryCount, r.MaxRetries, r.RetryInterval,
		r.ExternalMessageID, r.ErrorMessage, toMillis(r.UpdatedAt), nullMillis(r.SentAt), nullMillis(r.DeliveredAt),
		r.ID, string(expected))
	if err != nil {
		return fmt.Errorf("update reminder %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update reminder %s: %w", r.ID, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("update reminder %s from %s: %w", r.ID, expected, models.ErrStatusConflict)
	}
	return nil
}

func (s *SQLite) Claim(ctx context.Context, r models.Reminder, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND updated_at = ? AND scheduled_time <= ?
	`, string(models.StatusProcessing), toMillis(at), r.ID, string(r.Status), toMillis(r.UpdatedAt), toMillis(at))
	if err != nil {
		return fmt.Errorf("claim reminder %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim reminder %s: %w", r.ID, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("claim reminder %s: %w", r.ID, models.ErrStatusConflict)
	}
	return nil
}

func (s *SQLite) Due(ctx context.Context, after, before time.Time, limit int) ([]models.Reminder, error) {
	args := append(claimableArgs(), toMillis(after), toMillis(before), limit)
	return s.query(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE status IN (?, ?, ?) AND scheduled_time >= ? AND scheduled_time <= ?
		ORDER BY scheduled_time LIMIT ?
	`, args...)
}

func (s *SQLite) StuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Reminder, error) {
	return s.query(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at LIMIT ?
	`, string(models.StatusProcessing), toMillis(cutoff), limit)
}

func (s *SQLite) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	args := append(terminalArgs(), toMillis(cutoff))
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE status IN (?, ?, ?) AND updated_at < ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("purge reminders: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Stats(ctx context.Context) (models.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reminders GROUP BY status`)
	if err != nil {
		return models.Stats{}, fmt.Errorf("count reminders: %w", err)
	}
	byStatus := map[models.Status]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return models.Stats{}, fmt.Errorf("scan count: %w", err)
		}
		byStatus[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return models.Stats{}, fmt.Errorf("count reminders: %w", err)
	}
	rows.Close()

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT AVG((delivered_at - sent_at) / 1000.0)
		FROM reminders WHERE delivered_at IS NOT NULL AND sent_at IS NOT NULL
	`).Scan(&avg); err != nil {
		return models.Stats{}, fmt.Errorf("average delivery time: %w", err)
	}
	var avgPtr *float64
	if avg.Valid {
		avgPtr = &avg.Float64
	}
	return fillStats(byStatus, avgPtr), nil
}

func (s *SQLite) Patient(ctx context.Context, id int64) (patients.Patient, error) {
	var p patients.Patient
	err := s.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`, id).
		Scan(&p.ID, &p.FirstName, &p.LastName, &p.Phone, &p.PreferredLanguage, &p.DoctorName, &p.Department)
	if errors.Is(err, sql.ErrNoRows) {
		return patients.Patient{}, models.NewNotFound("patient", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return patients.Patient{}, fmt.Errorf("query patient %d: %w", id, err)
	}
	return p, nil
}

// UpsertPatient writes a row into the local patients table. Used by dev seeding and tests.
func (s *SQLite) UpsertPatient(ctx context.Context, p patients.Patient) error {
	lang := p.PreferredLanguage
	if lang == "" {
		lang = "fr"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, first_name, last_name, phone_number, preferred_language, doctor_name, department)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name,
			phone_number = excluded.phone_number, preferred_language = excluded.preferred_language,
			doctor_name = excluded.doctor_name, department = excluded.department
	`, p.ID, p.FirstName, p.LastName, nullIfEmpty(p.Phone), strings.ToLower(lang), p.DoctorName, p.Department)
	if err != nil {
		return fmt.Errorf("upsert patient %d: %w", p.ID, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]models.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()
	var out []models.Reminder
	for rows.Next() {
		r, err := scanSQLiteReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteReminder(row rowScanner) (models.Reminder, error) {
	var (
		r                             models.Reminder
		typ, method, status, priority string
		meta                          string
		scheduled, created, updated   int64
		custom, external, errMsg      sql.NullString
		sent, delivered               sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.PatientID, &typ, &method, &status, &scheduled, &priority,
		&custom, &meta, &r.RetryCount, &r.MaxRetries, &r.RetryInterval, &external,
		&errMsg, &created, &updated, &sent, &delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reminder{}, err
	}
	if err != nil {
		return models.Reminder{}, fmt.Errorf("scan reminder: %w", err)
	}
	r.Type = models.ReminderType(typ)
	r.DeliveryMethod = models.DeliveryMethod(method)
	r.Status = models.Status(status)
	r.Priority = models.Priority(priority)
	r.ScheduledTime = fromMillis(scheduled)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	r.SentAt = fromNullMillis(sent)
	r.DeliveredAt = fromNullMillis(delivered)
	r.CustomMessage = fromNullString(custom)
	r.ExternalMessageID = fromNullString(external)
	r.ErrorMessage = fromNullString(errMsg)
	if err := decodeMetadata([]byte(meta), &r); err != nil {
		return models.Reminder{}, err
	}
	return r, nil
}
