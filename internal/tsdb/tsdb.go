// Package tsdb is a small embedded time-series store for per-campaign bandit
// signals. It shares the service's SQLite handle.
package tsdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names written by the campaign driver.
const (
	MetricReward    = "reward"
	MetricRawReward = "raw_reward"
	MetricCPM       = "cpm"
)

// Point is a single time-series data point.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	AdvertID  string    `json:"advert_id,omitempty"`
	Arm       string    `json:"arm,omitempty"`
	Value     float64   `json:"value"`
}

// Series is one advert/arm combination of a metric.
type Series struct {
	Metric   string   `json:"metric"`
	AdvertID string   `json:"advert_id,omitempty"`
	Arm      string   `json:"arm,omitempty"`
	Points   []DataPt `json:"points"`
}

// DataPt is a timestamp+value pair for JSON output.
type DataPt struct {
	T     time.Time `json:"t"`
	Value float64   `json:"v"`
}

// QueryParams controls which data is returned.
type QueryParams struct {
	Metric   string
	AdvertID string
	Arm      string
	Start    time.Time
	End      time.Time
	StepMs   int64 // downsample to this bucket size (0 = raw)
}

// Store buffers points in memory and writes them in batches.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex

	retention time.Duration

	buf    []Point
	bufMax int
}

// New creates a TSDB store using the given SQLite DB handle.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:        db,
		logger:    logger,
		retention: 30 * 24 * time.Hour,
		bufMax:    100,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRetention sets the data retention period.
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tsdb_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			metric TEXT NOT NULL,
			advert_id TEXT NOT NULL DEFAULT '',
			arm TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_ts ON tsdb_points(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_metric ON tsdb_points(metric, advert_id, ts)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("tsdb migrate: %w", err)
		}
	}
	return nil
}

// Write buffers a single data point.
func (s *Store) Write(p Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.buf = append(s.buf, p)
	if len(s.buf) >= s.bufMax {
		buf := s.buf
		s.buf = nil
		s.mu.Unlock()
		s.flush(buf)
		return
	}
	s.mu.Unlock()
}

// Flush forces all buffered points to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(buf) > 0 {
		s.flush(buf)
	}
}

func (s *Store) flush(points []Point) {
	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Warn("tsdb: begin flush", slog.String("error", err.Error()), slog.Int("points", len(points)))
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO tsdb_points (ts, metric, advert_id, arm, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		s.logger.Warn("tsdb: prepare flush", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		_, _ = stmt.Exec(p.Timestamp.UnixMilli(), p.Metric, p.AdvertID, p.Arm, p.Value)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("tsdb: commit flush", slog.String("error", err.Error()))
	}
}

// Query returns time-series data matching the given parameters, one series
// per advert/arm pair in first-seen order.
func (s *Store) Query(ctx context.Context, q QueryParams) ([]Series, error) {
	s.Flush()

	where := "WHERE metric = ?"
	args := []any{q.Metric}

	if q.AdvertID != "" {
		where += " AND advert_id = ?"
		args = append(args, q.AdvertID)
	}
	if q.Arm != "" {
		where += " AND arm = ?"
		args = append(args, q.Arm)
	}
	if !q.Start.IsZero() {
		where += " AND ts >= ?"
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		where += " AND ts <= ?"
		args = append(args, q.End.UnixMilli())
	}

	var query string
	if q.StepMs > 0 {
		query = fmt.Sprintf(
			`SELECT (ts / %d) * %d AS bucket, advert_id, arm, AVG(value)
			 FROM tsdb_points %s
			 GROUP BY bucket, advert_id, arm
			 ORDER BY bucket ASC`, q.StepMs, q.StepMs, where)
	} else {
		query = fmt.Sprintf(
			`SELECT ts, advert_id, arm, value
			 FROM tsdb_points %s
			 ORDER BY ts ASC, id ASC`, where)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type seriesKey struct{ advert, arm string }
	grouped := make(map[seriesKey][]DataPt)
	var order []seriesKey

	for rows.Next() {
		var tsMs int64
		var advertID, arm string
		var value float64
		if err := rows.Scan(&tsMs, &advertID, &arm, &value); err != nil {
			return nil, err
		}
		k := seriesKey{advertID, arm}
		if _, exists := grouped[k]; !exists {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], DataPt{T: time.UnixMilli(tsMs).UTC(), Value: value})
	}

	var result []Series
	for _, k := range order {
		result = append(result, Series{
			Metric:   q.Metric,
			AdvertID: k.advert,
			Arm:      k.arm,
			Points:   grouped[k],
		})
	}
	return result, rows.Err()
}

// Prune removes data points older than the retention period.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.Flush()
	s.mu.Lock()
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	s.mu.Unlock()
	result, err := s.db.ExecContext(ctx, `DELETE FROM tsdb_points WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// StartPruneLoop flushes and prunes every interval until the returned stop
// function is called.
func (s *Store) StartPruneLoop(interval time.Duration) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				n, err := s.Prune(context.Background())
				if err != nil {
					s.logger.Warn("tsdb: prune failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					s.logger.Info("tsdb: pruned points", slog.Int64("deleted", n))
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// Metrics returns the list of distinct metric names.
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	s.Flush()
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT metric FROM tsdb_points ORDER BY metric`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var metrics []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
