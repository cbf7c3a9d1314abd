// Package catalog keeps the links and joints of completed loads in a
// temporary DuckDB database so the UI can query them without walking the
// model.
package catalog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marcboeker/go-duckdb"

	"github.com/robot-viewer/backend/internal/logging"
	"github.com/robot-viewer/backend/internal/models"
	"github.com/robot-viewer/backend/internal/topology"
)

// ErrNotFound is returned for loads the catalog does not hold.
var ErrNotFound = errors.New("load not in catalog")

// JointRow is one joint of a catalogued load.
type JointRow struct {
	Name         string   `json:"name" msgpack:"name"`
	Type         string   `json:"type" msgpack:"type"`
	Parent       string   `json:"parent" msgpack:"parent"`
	Child        string   `json:"child" msgpack:"child"`
	Lower        float64  `json:"lower" msgpack:"lower"`
	Upper        float64  `json:"upper" msgpack:"upper"`
	HasRange     bool     `json:"hasRange" msgpack:"hasRange"`
	Effort       *float64 `json:"effort,omitempty" msgpack:"effort,omitempty"`
	Velocity     *float64 `json:"velocity,omitempty" msgpack:"velocity,omitempty"`
	Controllable bool     `json:"controllable" msgpack:"controllable"`
	// Depth is the depth of the child link, -1 when unreachable.
	Depth int `json:"depth" msgpack:"depth"`
}

// Summary aggregates a catalogued load.
type Summary struct {
	LoadID       string `json:"loadId"`
	Links        int    `json:"links"`
	Joints       int    `json:"joints"`
	Controllable int    `json:"controllable"`
	MaxDepth     int    `json:"maxDepth"`
	Unreachable  int    `json:"unreachable"`
}

// Store is a DuckDB-backed catalog.
type Store struct {
	db     *sql.DB
	dbPath string
	log    logging.Logger
	// Serializes writers; the appender needs exclusive use of a connection.
	mu sync.Mutex
}

// Option tunes the DuckDB connection.
type Option func(*settings)

type settings struct {
	threads     int
	memoryLimit string
}

// WithThreads sets the DuckDB worker thread count.
func WithThreads(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.threads = n
		}
	}
}

// WithMemoryLimit sets the DuckDB memory limit, e.g. "256MB". Values with
// characters other than letters and digits are ignored.
func WithMemoryLimit(limit string) Option {
	return func(s *settings) {
		if limit != "" && alnum(limit) {
			s.memoryLimit = limit
		}
	}
}

func alnum(v string) bool {
	for _, r := range v {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// Open creates a catalog database file in dir.
func Open(dir string, log logging.Logger, opts ...Option) (*Store, error) {
	return OpenAtPath(filepath.Join(dir, "catalog.duckdb"), log, opts...)
}

// OpenAtPath creates a catalog database at dbPath, replacing any existing file.
func OpenAtPath(dbPath string, log logging.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.String("component", "catalog"))
	_ = os.Remove(dbPath)

	cfg := settings{threads: 2, memoryLimit: "256MB"}
	for _, opt := range opts {
		opt(&cfg)
	}

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			fmt.Sprintf("PRAGMA memory_limit='%s'", cfg.memoryLimit),
			fmt.Sprintf("PRAGMA threads=%d", cfg.threads),
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}
	db := sql.OpenDB(connector)

	schema := []string{
		`CREATE TABLE links (
			load_id VARCHAR NOT NULL,
			name    VARCHAR NOT NULL,
			parent  VARCHAR NOT NULL,
			depth   INTEGER NOT NULL
		)`,
		`CREATE TABLE joints (
			load_id      VARCHAR NOT NULL,
			name         VARCHAR NOT NULL,
			type         VARCHAR NOT NULL,
			parent       VARCHAR NOT NULL,
			child        VARCHAR NOT NULL,
			lower        DOUBLE NOT NULL,
			upper        DOUBLE NOT NULL,
			has_range    BOOLEAN NOT NULL,
			effort       DOUBLE NOT NULL,
			has_effort   BOOLEAN NOT NULL,
			velocity     DOUBLE NOT NULL,
			has_velocity BOOLEAN NOT NULL,
			controllable BOOLEAN NOT NULL,
			depth        INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			os.Remove(dbPath)
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	log.Debug(context.Background(), "catalog opened", logging.String("path", dbPath))
	return &Store{db: db, dbPath: dbPath, log: log}, nil
}

// Put replaces the rows of loadID with the links and joints of m.
func (s *Store) Put(ctx context.Context, loadID string, m *models.UnifiedRobotModel, tree *topology.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deleteLocked(ctx, loadID); err != nil {
		return err
	}
	depth := func(link string) int {
		if tree == nil {
			return -1
		}
		if d, ok := tree.Depth[link]; ok {
			return d
		}
		return -1
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	err = conn.Raw(func(driverConn any) error {
		dConn, ok := driverConn.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("failed to cast to duckdb.Conn")
		}
		if err := appendRows(dConn, "links", linkRows(loadID, m, tree, depth)); err != nil {
			return err
		}
		return appendRows(dConn, "joints", jointRows(loadID, m, depth))
	})
	if err != nil {
		return fmt.Errorf("appender error: %w", err)
	}
	s.log.Debug(ctx, "load catalogued",
		logging.String("load", loadID),
		logging.Int("links", m.Links.Len()),
		logging.Int("joints", m.Joints.Len()))
	return nil
}

func appendRows(conn *duckdb.Conn, table string, rows [][]driver.Value) error {
	appender, err := duckdb.NewAppenderFromConn(conn, "", table)
	if err != nil {
		return fmt.Errorf("failed to create appender for %s: %w", table, err)
	}
	defer appender.Close()
	for i, row := range rows {
		if err := appender.AppendRow(row...); err != nil {
			return fmt.Errorf("failed to append %s row %d: %w", table, i, err)
		}
	}
	return appender.Flush()
}

func linkRows(loadID string, m *models.UnifiedRobotModel, tree *topology.Tree, depth func(string) int) [][]driver.Value {
	rows := make([][]driver.Value, 0, m.Links.Len())
	m.Links.Each(func(name string, l *models.Link) bool {
		parent := l.ParentName
		if tree != nil && tree.Parent[name] != "" {
			parent = tree.Parent[name]
		}
		rows = append(rows, []driver.Value{loadID, name, parent, int32(depth(name))})
		return true
	})
	return rows
}

func jointRows(loadID string, m *models.UnifiedRobotModel, depth func(string) int) [][]driver.Value {
	rows := make([][]driver.Value, 0, m.Joints.Len())
	m.Joints.Each(func(name string, j *models.Joint) bool {
		var lower, upper, effort, velocity float64
		var hasRange, hasEffort, hasVelocity bool
		if l := j.Limits; l != nil {
			lower, upper, hasRange = l.Lower, l.Upper, l.HasRange
			if l.Effort != nil {
				effort, hasEffort = *l.Effort, true
			}
			if l.Velocity != nil {
				velocity, hasVelocity = *l.Velocity, true
			}
		}
		rows = append(rows, []driver.Value{
			loadID, name, string(j.Type), j.Parent, j.Child,
			lower, upper, hasRange,
			effort, hasEffort,
			velocity, hasVelocity,
			j.Controllable(), int32(depth(j.Child)),
		})
		return true
	})
	return rows
}

// ControllableJoints returns the non-fixed joints of loadID ordered by the
// depth of their child link.
func (s *Store) ControllableJoints(ctx context.Context, loadID string) ([]JointRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, parent, child, lower, upper, has_range,
		       effort, has_effort, velocity, has_velocity, controllable, depth
		FROM joints
		WHERE load_id = ? AND controllable
		ORDER BY CASE WHEN depth < 0 THEN 2147483647 ELSE depth END, name`, loadID)
	if err != nil {
		return nil, fmt.Errorf("query joints: %w", err)
	}
	defer rows.Close()

	var out []JointRow
	for rows.Next() {
		var r JointRow
		var effort, velocity float64
		var hasEffort, hasVelocity bool
		if err := rows.Scan(&r.Name, &r.Type, &r.Parent, &r.Child, &r.Lower, &r.Upper, &r.HasRange,
			&effort, &hasEffort, &velocity, &hasVelocity, &r.Controllable, &r.Depth); err != nil {
			return nil, fmt.Errorf("scan joint: %w", err)
		}
		if hasEffort {
			r.Effort = &effort
		}
		if hasVelocity {
			r.Velocity = &velocity
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary returns the aggregate counts of loadID.
func (s *Store) Summary(ctx context.Context, loadID string) (Summary, error) {
	sum := Summary{LoadID: loadID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(depth), 0), COUNT(*) FILTER (WHERE depth < 0)
		FROM links WHERE load_id = ?`, loadID).Scan(&sum.Links, &sum.MaxDepth, &sum.Unreachable)
	if err != nil {
		return sum, fmt.Errorf("query links: %w", err)
	}
	if sum.Links == 0 {
		return sum, fmt.Errorf("%w: %s", ErrNotFound, loadID)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE controllable)
		FROM joints WHERE load_id = ?`, loadID).Scan(&sum.Joints, &sum.Controllable)
	if err != nil {
		return sum, fmt.Errorf("query joints: %w", err)
	}
	return sum, nil
}

// Delete removes the rows of loadID.
func (s *Store) Delete(ctx context.Context, loadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ctx, loadID)
}

func (s *Store) deleteLocked(ctx context.Context, loadID string) error {
	for _, table := range []string{"links", "joints"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE load_id = ?", loadID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

// Close closes the database and removes its file.
func (s *Store) Close() error {
	err := s.db.Close()
	os.Remove(s.dbPath)
	os.Remove(s.dbPath + ".wal")
	return err
}
