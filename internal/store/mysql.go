package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/devicehub/devicehub/internal/dbpool"
)

// executor is the slice of a pooled connection the store runs SQL through.
type executor interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// withConnFunc checks a connection out of the pool for the duration of fn.
type withConnFunc func(ctx context.Context, fn func(executor) error) error

// schemaStatements bootstrap the three tables. Requirement timestamps are
// assigned by the database; the server never writes updated_at explicitly.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS devices (
  device_id VARCHAR(128) NOT NULL PRIMARY KEY,
  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS data_points (
  id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
  device_id VARCHAR(128) NOT NULL,
  timestamp BIGINT NOT NULL,
  metrics TEXT,
  KEY idx_device_timestamp (device_id, timestamp)
)`,
	`CREATE TABLE IF NOT EXISTS requirements (
  id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
  title VARCHAR(255) NOT NULL,
  content TEXT NOT NULL,
  willing_to_pay TINYINT NULL,
  contact VARCHAR(255) NULL,
  notes TEXT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
  KEY idx_created_at (created_at)
)`,
}

// MySQL persists telemetry and requirements through the connection pool.
// Telemetry appends go through the batching flusher when the store was built
// with batching enabled; queries merge the pending buffer back in so a
// client can read its own writes.
type MySQL struct {
	withConn withConnFunc
	batch    *batcher
}

// NewMySQL builds the store on top of pool. Batching activates only when
// both batchSize and batchInterval are positive.
func NewMySQL(pool *dbpool.Pool, batchSize int, batchInterval time.Duration) *MySQL {
	m := &MySQL{
		withConn: func(ctx context.Context, fn func(executor) error) error {
			return pool.WithConn(ctx, func(c *dbpool.Conn) error { return fn(c) })
		},
	}
	if batchSize > 0 && batchInterval > 0 {
		m.batch = newBatcher(batchSize, batchInterval, m.insertPoints)
		m.batch.start()
		slog.Info("telemetry write batching enabled", "batch_size", batchSize, "interval", batchInterval)
	}
	return m
}

// EnsureSchema creates the tables if they do not exist yet.
func (m *MySQL) EnsureSchema(ctx context.Context) error {
	return m.withConn(ctx, func(e executor) error {
		for _, stmt := range schemaStatements {
			if err := e.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}

// Shutdown stops the batch flusher, flushing buffered points one last time.
// The connection pool is owned by the caller and shut down separately.
func (m *MySQL) Shutdown() {
	if m.batch != nil {
		m.batch.stop()
	}
}

// PendingPoints reports how many telemetry points sit in the batch buffer.
func (m *MySQL) PendingPoints() int {
	if m.batch == nil {
		return 0
	}
	return m.batch.pendingLen()
}

func (m *MySQL) Append(deviceID string, p DataPoint) {
	if m.batch != nil {
		m.batch.add(deviceID, p)
		return
	}
	m.insertPoints([]pendingPoint{{deviceID: deviceID, point: p}})
}

func (m *MySQL) AppendBatch(deviceID string, points []DataPoint) {
	if len(points) == 0 {
		return
	}
	if m.batch != nil {
		m.batch.addAll(deviceID, points)
		return
	}
	pps := make([]pendingPoint, len(points))
	for i, p := range points {
		pps[i] = pendingPoint{deviceID: deviceID, point: p}
	}
	m.insertPoints(pps)
}

// insertPoints writes a batch as one multi-VALUES insert. It both logs and
// returns the error: appends are fire-and-forget toward the handler, but the
// batcher retries on a returned error.
func (m *MySQL) insertPoints(points []pendingPoint) error {
	if len(points) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO data_points (device_id, timestamp, metrics) VALUES ")
	args := make([]any, 0, len(points)*3)
	for i, pp := range points {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("(?, ?, ?)")
		args = append(args, pp.deviceID, pp.point.Timestamp, EncodeMetrics(pp.point.Metrics))
	}

	ctx := context.Background()
	err := m.withConn(ctx, func(e executor) error {
		return e.Exec(ctx, sb.String(), args...)
	})
	if err != nil {
		slog.Error("telemetry insert failed", "points", len(points), "err", err)
	}
	return err
}

// QueryLatest merges buffered points for the device with the stored rows so
// freshly appended points are visible before the flusher runs.
func (m *MySQL) QueryLatest(deviceID string, limit int) []DataPoint {
	if limit <= 0 {
		return nil
	}
	var pending []DataPoint
	if m.batch != nil {
		pending = m.batch.pendingFor(deviceID)
	}

	var stored []DataPoint
	ctx := context.Background()
	err := m.withConn(ctx, func(e executor) error {
		rows, err := e.Query(ctx,
			"SELECT timestamp, metrics FROM data_points WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?",
			deviceID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		vals, err := dbpool.ReadAll(rows)
		if err != nil {
			return err
		}
		for _, v := range vals {
			stored = append(stored, DataPoint{
				Timestamp: dbpool.AsInt64(v[0]),
				Metrics:   DecodeMetrics(dbpool.AsString(v[1])),
			})
		}
		return nil
	})
	if err != nil {
		slog.Error("telemetry query failed", "device_id", deviceID, "err", err)
	}

	merged := append(stored, pending...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

// DeleteBefore removes telemetry rows with a timestamp older than ts.
func (m *MySQL) DeleteBefore(ts int64) error {
	ctx := context.Background()
	return m.withConn(ctx, func(e executor) error {
		return e.Exec(ctx, "DELETE FROM data_points WHERE timestamp < ?", ts)
	})
}

// AppendRequirement inserts one submission. Unset tri-state and empty
// optional fields persist as NULL; the database assigns the timestamps.
func (m *MySQL) AppendRequirement(r Requirement) {
	var wtp any
	switch r.WillingToPay {
	case WTPNo:
		wtp = int64(0)
	case WTPYes:
		wtp = int64(1)
	default:
		wtp = nil
	}
	var contact, notes any
	if r.Contact != "" {
		contact = r.Contact
	}
	if r.Notes != "" {
		notes = r.Notes
	}

	ctx := context.Background()
	err := m.withConn(ctx, func(e executor) error {
		return e.Exec(ctx,
			"INSERT INTO requirements (title, content, willing_to_pay, contact, notes) VALUES (?, ?, ?, ?, ?)",
			r.Title, r.Content, wtp, contact, notes)
	})
	if err != nil {
		slog.Error("requirement insert failed", "err", err)
	}
}

func (m *MySQL) QueryRequirements(page, limit, wtpFilter int, keyword string) QueryResult {
	var clauses []string
	var filterArgs []any
	switch wtpFilter {
	case FilterNo, FilterYes:
		clauses = append(clauses, "willing_to_pay = ?")
		filterArgs = append(filterArgs, wtpFilter)
	case FilterUnset:
		clauses = append(clauses, "willing_to_pay IS NULL")
	}
	if keyword != "" {
		clauses = append(clauses, "(title LIKE ? OR content LIKE ?)")
		pattern := "%" + keyword + "%"
		filterArgs = append(filterArgs, pattern, pattern)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	offset := (page - 1) * limit
	if offset < 0 {
		offset = 0
	}

	result := QueryResult{Page: page, Limit: limit}
	ctx := context.Background()
	err := m.withConn(ctx, func(e executor) error {
		rows, err := e.Query(ctx, "SELECT COUNT(*) FROM requirements"+where, filterArgs...)
		if err != nil {
			return err
		}
		vals, err := dbpool.ReadAll(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(vals) > 0 {
			result.Total = dbpool.AsInt64(vals[0][0])
		}

		dataArgs := append(append([]any{}, filterArgs...), limit, offset)
		rows, err = e.Query(ctx,
			"SELECT id, title, content, willing_to_pay, contact, notes, created_at, updated_at FROM requirements"+
				where+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
			dataArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		vals, err = dbpool.ReadAll(rows)
		if err != nil {
			return err
		}
		for _, v := range vals {
			r := Requirement{
				ID:           dbpool.AsInt64(v[0]),
				Title:        dbpool.AsString(v[1]),
				Content:      dbpool.AsString(v[2]),
				WillingToPay: WTPUnset,
				Contact:      dbpool.AsString(v[4]),
				Notes:        dbpool.AsString(v[5]),
				CreatedAt:    dbpool.AsString(v[6]),
				UpdatedAt:    dbpool.AsString(v[7]),
			}
			if v[3] != nil {
				if dbpool.AsInt64(v[3]) == 1 {
					r.WillingToPay = WTPYes
				} else {
					r.WillingToPay = WTPNo
				}
			}
			result.Data = append(result.Data, r)
		}
		return nil
	})
	if err != nil {
		slog.Error("requirement query failed", "err", err)
	}
	return result
}

// EnsureDeviceRegistered records the device id, ignoring duplicates.
func (m *MySQL) EnsureDeviceRegistered(deviceID string) error {
	ctx := context.Background()
	err := m.withConn(ctx, func(e executor) error {
		return e.Exec(ctx, "INSERT IGNORE INTO devices (device_id) VALUES (?)", deviceID)
	})
	if err != nil {
		slog.Error("device registration failed", "device_id", deviceID, "err", err)
	}
	return err
}

// DeviceExists reports whether the device id was ever registered.
func (m *MySQL) DeviceExists(deviceID string) (bool, error) {
	var exists bool
	ctx := context.Background()
	err := m.withConn(ctx, func(e executor) error {
		rows, err := e.Query(ctx, "SELECT 1 FROM devices WHERE device_id = ? LIMIT 1", deviceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		vals, err := dbpool.ReadAll(rows)
		if err != nil {
			return err
		}
		exists = len(vals) > 0
		return nil
	})
	return exists, err
}

// CountDevices returns how many distinct devices are registered.
func (m *MySQL) CountDevices() (int64, error) {
	var count int64
	ctx := context.Background()
	err := m.withConn(ctx, func(e executor) error {
		rows, err := e.Query(ctx, "SELECT COUNT(*) FROM devices")
		if err != nil {
			return err
		}
		defer rows.Close()
		vals, err := dbpool.ReadAll(rows)
		if err != nil {
			return err
		}
		if len(vals) > 0 {
			count = dbpool.AsInt64(vals[0][0])
		}
		return nil
	})
	return count, err
}
