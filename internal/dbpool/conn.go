package dbpool

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Conn wraps one driver-level MySQL connection with pooling metadata. The
// wrapper tracks validity: errors that indicate a broken transport mark the
// connection invalid so the pool drops it on release, while server-side SQL
// errors leave it usable.
type Conn struct {
	mu        sync.Mutex
	dc        driver.Conn
	createdAt time.Time
	lastUsed  time.Time
	invalid   bool
	closed    bool
}

func wrapConn(dc driver.Conn) *Conn {
	now := time.Now()
	return &Conn{dc: dc, createdAt: now, lastUsed: now}
}

// Ping verifies the connection is alive. Failure marks it invalid.
func (c *Conn) Ping(ctx context.Context) error {
	p, ok := c.dc.(driver.Pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		c.markInvalid()
		return err
	}
	c.touch()
	return nil
}

// Exec runs a statement that returns no rows. Placeholders are interpolated
// by the driver, so no prepare round-trip happens.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) error {
	ex, ok := c.dc.(driver.ExecerContext)
	if !ok {
		return errors.New("driver does not implement ExecerContext")
	}
	nvs, err := namedValues(args)
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, query, nvs); err != nil {
		c.noteError(err)
		return err
	}
	c.touch()
	return nil
}

// Query runs a statement and returns its rows. The caller must close them.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	q, ok := c.dc.(driver.QueryerContext)
	if !ok {
		return nil, errors.New("driver does not implement QueryerContext")
	}
	nvs, err := namedValues(args)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, nvs)
	if err != nil {
		c.noteError(err)
		return nil, err
	}
	c.touch()
	return rows, nil
}

// noteError marks the connection invalid unless the error came back from the
// server as a regular MySQL error, which means the transport still works.
func (c *Conn) noteError(err error) {
	var serverErr *mysql.MySQLError
	if errors.As(err, &serverErr) {
		return
	}
	c.markInvalid()
}

func (c *Conn) markInvalid() {
	c.mu.Lock()
	c.invalid = true
	c.mu.Unlock()
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// Valid reports whether the connection can be returned to the idle queue.
func (c *Conn) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.invalid && !c.closed
}

// idleFor reports whether the connection was last used more than d ago.
func (c *Conn) idleFor(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return d > 0 && time.Since(c.lastUsed) > d
}

// Close tears down the driver connection; later calls are no-ops.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.invalid = true
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Close()
}

func namedValues(args []any) ([]driver.NamedValue, error) {
	nvs := make([]driver.NamedValue, len(args))
	for i, a := range args {
		v, err := normalizeArg(a)
		if err != nil {
			return nil, err
		}
		nvs[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return nvs, nil
}

func normalizeArg(a any) (driver.Value, error) {
	switch v := a.(type) {
	case nil:
		return nil, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float32:
		return float64(v), nil
	case float64, bool, string, []byte, time.Time:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported query argument type %T", a)
	}
}

// ReadAll drains a driver row set into value slices and closes nothing; the
// caller still owns rows. The text protocol hands most column values back as
// []byte, which the As* helpers below decode.
func ReadAll(rows driver.Rows) ([][]driver.Value, error) {
	width := len(rows.Columns())
	var out [][]driver.Value
	for {
		dest := make([]driver.Value, width)
		err := rows.Next(dest)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, dest)
	}
}

// AsString decodes a column value as a string. NULL becomes "".
func AsString(v driver.Value) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(t)
	}
}

// AsInt64 decodes a column value as an int64. Unparseable values become 0.
func AsInt64(v driver.Value) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case []byte:
		n, _ := strconv.ParseInt(string(t), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case float64:
		return int64(t)
	default:
		return 0
	}
}

// AsFloat64 decodes a column value as a float64. Unparseable values become 0.
func AsFloat64(v driver.Value) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case []byte:
		f, _ := strconv.ParseFloat(string(t), 64)
		return f
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case int64:
		return float64(t)
	default:
		return 0
	}
}

// AsTime decodes a DATETIME column. With ParseTime enabled the driver hands
// back time.Time already; text fallback parses the canonical layout.
func AsTime(v driver.Value) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case []byte:
		ts, _ := time.Parse("2006-01-02 15:04:05", string(t))
		return ts
	case string:
		ts, _ := time.Parse("2006-01-02 15:04:05", t)
		return ts
	default:
		return time.Time{}
	}
}
