package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reminder-engine/internal/models"
	"reminder-engine/internal/patients"
)

// Postgres wraps pgxpool for reminder persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Repository = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// Insert writes new reminders in a single transaction.
func (s *Postgres) Insert(ctx context.Context, rs ...models.Reminder) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	batch := &pgx.Batch{}
	for _, r := range rs {
		meta, err := json.Marshal(metadataOrEmpty(r.Metadata))
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO reminders (`+reminderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`, r.ID, r.PatientID, string(r.Type), string(r.DeliveryMethod), string(r.Status), r.ScheduledTime,
			string(r.Priority), r.CustomMessage, meta, r.RetryCount, r.MaxRetries, r.RetryInterval,
			r.ExternalMessageID, r.ErrorMessage, r.CreatedAt, r.UpdatedAt, r.SentAt, r.DeliveredAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert reminders: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get fetches a reminder by id.
func (s *Postgres) Get(ctx context.Context, id string) (models.Reminder, error) {
	r, err := scanPgReminder(s.pool.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Reminder{}, models.NewNotFound("reminder", id)
	}
	return r, err
}

func (s *Postgres) GetByExternalID(ctx context.Context, externalID string) (models.Reminder, error) {
	r, err := scanPgReminder(s.pool.QueryRow(ctx, `
		SELECT `+reminderColumns+` FROM reminders WHERE external_message_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Reminder{}, models.NewNotFound("reminder with external id", externalID)
	}
	return r, err
}

func (s *Postgres) List(ctx context.Context, f Filter) ([]models.Reminder, error) {
	where, args := f.where(pgPlaceholder)
	args = append(args, f.Limit, f.Offset)
	q := `SELECT ` + reminderColumns + ` FROM reminders` + where +
		` ORDER BY scheduled_time DESC, id LIMIT ` + pgPlaceholder(len(args)-1) + ` OFFSET ` + pgPlaceholder(len(args))
	return s.query(ctx, q, args...)
}

// Update writes every mutable column if the stored status still equals expected.
func (s *Postgres) Update(ctx context.Context, r models.Reminder, expected models.Status) error {
	meta, err := json.Marshal(metadataOrEmpty(r.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE reminders
		SET status = $3, scheduled_time = $4, priority = $5, delivery_method = $6, custom_message = $7,
		    metadata = $8, retry_count = $9, max_retries = $10, retry_interval = $11,
		    external_message_id = $12, error_message = $13, updated_at = $14, sent_at = $15, delivered_at = $16
		WHERE id = $1 AND status = $2
	`, r.ID, string(expected), string(r.Status), r.ScheduledTime, string(r.Priority), string(r.DeliveryMethod),
		r.CustomMessage, meta, r.RetryCount, r.MaxRetries, r.RetryInterval,
		r.ExternalMessageID, r.ErrorMessage, r.UpdatedAt, r.SentAt, r.DeliveredAt)
	if err != nil {
		return fmt.Errorf("update reminder %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("update reminder %s from %s: %w", r.ID, expected, models.ErrStatusConflict)
	}
	return nil
}

func (s *Postgres) Claim(ctx context.Context, r models.Reminder, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reminders SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4 AND updated_at = $5 AND scheduled_time <= $2
	`, string(models.StatusProcessing), at, r.ID, string(r.Status), r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("claim reminder %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("claim reminder %s: %w", r.ID, models.ErrStatusConflict)
	}
	return nil
}

func (s *Postgres) Due(ctx context.Context, after, before time.Time, limit int) ([]models.Reminder, error) {
	args := append(claimableArgs(), after, before, limit)
	return s.query(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE status IN ($1, $2, $3) AND scheduled_time >= $4 AND scheduled_time <= $5
		ORDER BY scheduled_time LIMIT $6
	`, args...)
}

func (s *Postgres) StuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Reminder, error) {
	return s.query(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at LIMIT $3
	`, string(models.StatusProcessing), cutoff, limit)
}

func (s *Postgres) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	args := append(terminalArgs(), cutoff)
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM reminders WHERE status IN ($1, $2, $3) AND updated_at < $4
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("purge reminders: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) Stats(ctx context.Context) (models.Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM reminders GROUP BY status`)
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
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.Stats{}, fmt.Errorf("count reminders: %w", err)
	}

	var avg *float64
	if err := s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (delivered_at - sent_at)))::float8
		FROM reminders WHERE delivered_at IS NOT NULL AND sent_at IS NOT NULL
	`).Scan(&avg); err != nil {
		return models.Stats{}, fmt.Errorf("average delivery time: %w", err)
	}
	return fillStats(byStatus, avg), nil
}

// Patient looks up the shared patients table.
func (s *Postgres) Patient(ctx context.Context, id int64) (patients.Patient, error) {
	var p patients.Patient
	err := s.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.FirstName, &p.LastName, &p.Phone, &p.PreferredLanguage, &p.DoctorName, &p.Department)
	if errors.Is(err, pgx.ErrNoRows) {
		return patients.Patient{}, models.NewNotFound("patient", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return patients.Patient{}, fmt.Errorf("query patient %d: %w", id, err)
	}
	return p, nil
}

func (s *Postgres) query(ctx context.Context, q string, args ...any) ([]models.Reminder, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()
	var out []models.Reminder
	for rows.Next() {
		r, err := scanPgReminder(rows)
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

func scanPgReminder(row pgx.Row) (models.Reminder, error) {
	var (
		r                   models.Reminder
		typ, method, status string
		priority            string
		meta                []byte
	)
	err := row.Scan(&r.ID, &r.PatientID, &typ, &method, &status, &r.ScheduledTime, &priority,
		&r.CustomMessage, &meta, &r.RetryCount, &r.MaxRetries, &r.RetryInterval, &r.ExternalMessageID,
		&r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt, &r.SentAt, &r.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Reminder{}, err
	}
	if err != nil {
		return models.Reminder{}, fmt.Errorf("scan reminder: %w", err)
	}
	r.Type = models.ReminderType(typ)
	r.DeliveryMethod = models.DeliveryMethod(method)
	r.Status = models.Status(status)
	r.Priority = models.Priority(priority)
	if err := decodeMetadata(meta, &r); err != nil {
		return models.Reminder{}, err
	}
	return r, nil
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func decodeMetadata(raw []byte, r *models.Reminder) error {
	r.Metadata = map[string]any{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &r.Metadata); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	return nil
}
