package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// tsLayout is a fixed-width UTC timestamp so text ordering matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if dsn == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle (used by TSDB).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			advert_id TEXT PRIMARY KEY,
			spec TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS campaign_state (
			advert_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			step_id TEXT NOT NULL UNIQUE,
			advert_id TEXT NOT NULL,
			arm TEXT NOT NULL,
			rewarded_arm TEXT NOT NULL DEFAULT '',
			previous_cpm REAL NOT NULL DEFAULT 0,
			new_cpm REAL NOT NULL DEFAULT 0,
			raw_reward REAL NOT NULL DEFAULT 0,
			reward REAL NOT NULL DEFAULT 0,
			total_pulls INTEGER NOT NULL DEFAULT 0,
			fallback INTEGER NOT NULL DEFAULT 0,
			applied INTEGER NOT NULL DEFAULT 0,
			error_class TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_logs_advert ON step_logs(advert_id, id)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(v string) time.Time {
	t, _ := time.Parse(tsLayout, v)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Campaigns

func (s *SQLiteStore) ListCampaigns(ctx context.Context) ([]CampaignRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT advert_id, spec, enabled, created_at, updated_at FROM campaigns ORDER BY advert_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CampaignRecord
	for rows.Next() {
		var c CampaignRecord
		var spec, created, updated string
		var enabled int
		if err := rows.Scan(&c.AdvertID, &spec, &enabled, &created, &updated); err != nil {
			return nil, err
		}
		c.Spec = []byte(spec)
		c.Enabled = enabled != 0
		c.CreatedAt = parseTS(created)
		c.UpdatedAt = parseTS(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCampaign(ctx context.Context, advertID string) (*CampaignRecord, error) {
	var c CampaignRecord
	var spec, created, updated string
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT advert_id, spec, enabled, created_at, updated_at FROM campaigns WHERE advert_id = ?`, advertID).
		Scan(&c.AdvertID, &spec, &enabled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Spec = []byte(spec)
	c.Enabled = enabled != 0
	c.CreatedAt = parseTS(created)
	c.UpdatedAt = parseTS(updated)
	return &c, nil
}

// UpsertCampaign inserts or replaces a campaign. CreatedAt is kept from the
// first insert.
func (s *SQLiteStore) UpsertCampaign(ctx context.Context, c CampaignRecord) error {
	now := formatTS(time.Time{})
	created := now
	if !c.CreatedAt.IsZero() {
		created = formatTS(c.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (advert_id, spec, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(advert_id) DO UPDATE SET
		   spec=excluded.spec,
		   enabled=excluded.enabled,
		   updated_at=excluded.updated_at`,
		c.AdvertID, string(c.Spec), boolInt(c.Enabled), created, now)
	return err
}

// DeleteCampaign removes a campaign together with its optimizer state.
// Step logs are kept for audit.
func (s *SQLiteStore) DeleteCampaign(ctx context.Context, advertID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE advert_id = ?`, advertID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_state WHERE advert_id = ?`, advertID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Optimizer state

func (s *SQLiteStore) SaveCampaignState(ctx context.Context, advertID string, state []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_state (advert_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(advert_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		advertID, string(state), formatTS(time.Time{}))
	return err
}

// LoadCampaignState returns nil, nil when no state has been saved.
func (s *SQLiteStore) LoadCampaignState(ctx context.Context, advertID string) ([]byte, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM campaign_state WHERE advert_id = ?`, advertID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(state), nil
}

// Step Logs

func (s *SQLiteStore) LogStep(ctx context.Context, e StepLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_logs (timestamp, step_id, advert_id, arm, rewarded_arm, previous_cpm, new_cpm,
		 raw_reward, reward, total_pulls, fallback, applied, error_class, request_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTS(e.Timestamp), e.StepID, e.AdvertID, e.Arm, e.RewardedArm, e.PreviousCPM, e.NewCPM,
		e.RawReward, e.Reward, e.TotalPulls, boolInt(e.Fallback), boolInt(e.Applied), e.ErrorClass, e.RequestID)
	return err
}

// MarkStepApplied records the outcome of pushing a step's bid to the
// marketplace.
func (s *SQLiteStore) MarkStepApplied(ctx context.Context, stepID string, applied bool, errorClass string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE step_logs SET applied = ?, error_class = ? WHERE step_id = ?`,
		boolInt(applied), errorClass, stepID)
	return err
}

// ListStepLogs returns steps newest first. An empty advertID lists all
// campaigns.
func (s *SQLiteStore) ListStepLogs(ctx context.Context, advertID string, limit int, offset int) ([]StepLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, timestamp, step_id, advert_id, arm, rewarded_arm, previous_cpm, new_cpm,
		 raw_reward, reward, total_pulls, fallback, applied, error_class, request_id
		 FROM step_logs`
	args := []any{}
	if advertID != "" {
		q += ` WHERE advert_id = ?`
		args = append(args, advertID)
	}
	q += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []StepLog
	for rows.Next() {
		var l StepLog
		var ts string
		var fallback, applied int
		if err := rows.Scan(&l.ID, &ts, &l.StepID, &l.AdvertID, &l.Arm, &l.RewardedArm, &l.PreviousCPM, &l.NewCPM,
			&l.RawReward, &l.Reward, &l.TotalPulls, &fallback, &applied, &l.ErrorClass, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp = parseTS(ts)
		l.Fallback = fallback != 0
		l.Applied = applied != 0
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

// Audit Logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		formatTS(entry.Timestamp), entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp = parseTS(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
