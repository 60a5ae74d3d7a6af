// Package remote is the durable window state tier, backed by DuckDB.
//
// One table holds every value of a namespace:
//
//	msg_key VARCHAR PRIMARY KEY, partition VARCHAR, window_instance_id VARCHAR,
//	split_num BIGINT, value BLOB, gmt_modified TIMESTAMP
//
// Writes are upserts. The store can also describe writes as
// window.Statements and execute them later in one transaction.
package remote

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/keys"
	"github.com/xtxerr/windowstate/internal/logging"
	"github.com/xtxerr/windowstate/internal/storage/config"
	"github.com/xtxerr/windowstate/internal/storage/window"
)

var log = logging.Component("remote")

const defaultMaxRows = 500

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Options configures a Store.
type Options struct {
	// DSN is the DuckDB database path. Empty opens an in-memory database.
	DSN string

	// Table defaults to "window_state".
	Table string

	// Namespace scopes LoadSplitData queries by store prefix.
	Namespace string

	Joiner keys.Joiner

	// MaxRowsPerInsert chunks multi-row statements.
	MaxRowsPerInsert int

	// QueryTimeout bounds each call. Zero means no bound.
	QueryTimeout time.Duration

	// MemoryLimit is passed to DuckDB, e.g. "2GB".
	MemoryLimit string
}

// OptionsFromConfig derives store options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DSN:              cfg.Remote.DSN,
		Table:            cfg.Remote.Table,
		Namespace:        cfg.Local.Namespace,
		Joiner:           keys.New(cfg.Keys.Separator),
		MaxRowsPerInsert: cfg.Remote.MaxRowsPerInsert,
		QueryTimeout:     cfg.Remote.QueryTimeout,
		MemoryLimit:      cfg.Remote.MemoryLimit,
	}
}

// Store implements window.RemoteStore over a DuckDB table.
type Store[T any] struct {
	db   *sql.DB
	opts Options

	table string

	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted atomic.Int64
	RowsWritten     atomic.Int64
	RowsReturned    atomic.Int64
	BatchesExecuted atomic.Int64
	Errors          atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	QueriesExecuted int64
	RowsWritten     int64
	RowsReturned    int64
	BatchesExecuted int64
	Errors          int64
}

var _ window.RemoteStore[int] = (*Store[int])(nil)

// Open opens the database and creates the table if needed.
func Open[T any](ctx context.Context, opts Options) (*Store[T], error) {
	if opts.Table == "" {
		opts.Table = "window_state"
	}
	if !identPattern.MatchString(opts.Table) {
		return nil, errors.NewInvalidValue("remote.table", opts.Table, "must be a plain SQL identifier")
	}
	if opts.MaxRowsPerInsert <= 0 {
		opts.MaxRowsPerInsert = defaultMaxRows
	}
	if opts.Joiner.Sep == "" {
		opts.Joiner = keys.Default
	}

	db, err := sql.Open("duckdb", opts.DSN)
	if err != nil {
		return nil, errors.NewStoreIO(window.TierRemote, "open", err)
	}

	if opts.MemoryLimit != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%s'", strings.ReplaceAll(opts.MemoryLimit, "'", ""))); err != nil {
			db.Close()
			return nil, errors.NewStoreIO(window.TierRemote, "open", fmt.Errorf("set memory limit: %w", err))
		}
	}

	s := &Store[T]{db: db, opts: opts, table: opts.Table}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			msg_key            VARCHAR PRIMARY KEY,
			"partition"        VARCHAR NOT NULL,
			window_instance_id VARCHAR NOT NULL,
			split_num          BIGINT NOT NULL,
			value              BLOB,
			gmt_modified       TIMESTAMP
		)`, s.table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, errors.NewStoreIO(window.TierRemote, "open", fmt.Errorf("create table: %w", err))
	}

	dsn := opts.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	log.Info("remote store opened", "dsn", dsn, "table", s.table, "namespace", opts.Namespace)
	return s, nil
}

// Close closes the database.
func (s *Store[T]) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Table returns the table name.
func (s *Store[T]) Table() string { return s.table }

func (s *Store[T]) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.QueryTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.QueryTimeout)
	}
	return ctx, func() {}
}

func (s *Store[T]) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	s.stats.Errors.Add(1)
	return errors.NewStoreIO(window.TierRemote, op, err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// putSQL builds one upsert for records.
func (s *Store[T]) putSQL(records []window.Record) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, `INSERT OR REPLACE INTO %s (msg_key, "partition", window_instance_id, split_num, value, gmt_modified) VALUES `, s.table)

	now := time.Now().UTC()
	args := make([]any, 0, len(records)*6)
	for i, r := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?)")
		args = append(args, r.Key, r.Partition, r.WindowInstanceID, r.SplitNum, r.Value, now)
	}
	return b.String(), args
}

func (s *Store[T]) deleteSQL(windowInstanceID, partition string) (string, []any) {
	return fmt.Sprintf(`DELETE FROM %s WHERE "partition" = ? AND window_instance_id = ?`, s.table),
		[]any{partition, windowInstanceID}
}

// records validates and encodes values. It fails before anything is
// sent to the database.
func (s *Store[T]) records(values map[string]T) ([]window.Record, error) {
	out := make([]window.Record, 0, len(values))
	for key, v := range values {
		r, err := window.NewRecord(s.opts.Joiner, key, v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func chunks[E any](items []E, size int) [][]E {
	var out [][]E
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// MultiPut upserts values in one transaction.
func (s *Store[T]) MultiPut(ctx context.Context, values map[string]T) error {
	if len(values) == 0 {
		return nil
	}
	records, err := s.records(values)
	if err != nil {
		return err
	}

	stmts := make([]window.Statement, 0, len(records)/s.opts.MaxRowsPerInsert+1)
	for _, chunk := range chunks(records, s.opts.MaxRowsPerInsert) {
		q, args := s.putSQL(chunk)
		stmts = append(stmts, window.Statement{SQL: q, Args: args})
	}

	if err := s.execTx(ctx, stmts); err != nil {
		return s.fail("multi_put", err)
	}
	s.stats.RowsWritten.Add(int64(len(records)))
	return nil
}

// MultiPutStatement returns the upsert for values without running it.
func (s *Store[T]) MultiPutStatement(ctx context.Context, values map[string]T) (window.Statement, error) {
	if err := ctx.Err(); err != nil {
		return window.Statement{}, err
	}
	records, err := s.records(values)
	if err != nil {
		return window.Statement{}, err
	}
	if len(records) == 0 {
		return window.Statement{}, errors.NewValidation("values", "empty")
	}

	q, args := s.putSQL(records)
	return window.Statement{SQL: q, Args: args}, nil
}

// DeleteStatement returns the delete for a window instance without
// running it.
func (s *Store[T]) DeleteStatement(ctx context.Context, windowInstanceID, partition string) (window.Statement, error) {
	if err := ctx.Err(); err != nil {
		return window.Statement{}, err
	}
	q, args := s.deleteSQL(windowInstanceID, partition)
	return window.Statement{
		Partition:        partition,
		WindowInstanceID: windowInstanceID,
		SQL:              q,
		Args:             args,
	}, nil
}

// ExecBatch runs deferred statements in order in one transaction.
func (s *Store[T]) ExecBatch(ctx context.Context, stmts []window.Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	if err := s.execTx(ctx, stmts); err != nil {
		return s.fail("exec_batch", err)
	}
	s.stats.BatchesExecuted.Add(1)
	return nil
}

func (s *Store[T]) execTx(ctx context.Context, stmts []window.Statement) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	for i, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.SQL, st.Args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("statement %d of %d: %w", i+1, len(stmts), err)
		}
		s.stats.QueriesExecuted.Add(1)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MultiGet returns the stored subset of keys.
func (s *Store[T]) MultiGet(ctx context.Context, ks []string) (map[string]T, error) {
	out := make(map[string]T, len(ks))
	if len(ks) == 0 {
		return out, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, chunk := range chunks(ks, s.opts.MaxRowsPerInsert) {
		q := fmt.Sprintf(`SELECT msg_key, value FROM %s WHERE msg_key IN (%s)`, s.table, placeholders(len(chunk)))
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}

		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, s.fail("multi_get", err)
		}
		err = scanValues(rows, func(key string, _ int64, v T) { out[key] = v })
		if err != nil {
			return nil, s.fail("multi_get", err)
		}
		s.stats.QueriesExecuted.Add(1)
	}

	s.stats.RowsReturned.Add(int64(len(out)))
	return out, nil
}

// scanValues decodes (msg_key, value) or (msg_key, split_num, value) rows
// and closes rows.
func scanValues[T any](rows *sql.Rows, fn func(key string, split int64, v T)) error {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	for rows.Next() {
		var (
			key   string
			split int64 = window.NoSplit
			raw   []byte
		)
		if len(cols) == 3 {
			err = rows.Scan(&key, &split, &raw)
		} else {
			err = rows.Scan(&key, &raw)
		}
		if err != nil {
			return fmt.Errorf("scan row: %w", err)
		}

		v, err := window.DecodeValue[T](raw)
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		fn(key, split, v)
	}
	return rows.Err()
}

// LoadSplitData returns the entries of one window instance, sorted by key.
// A non-empty q.StorePrefix that differs from the namespace matches
// nothing.
func (s *Store[T]) LoadSplitData(ctx context.Context, q window.SplitQuery) (window.Iterator[T], error) {
	if q.StorePrefix != "" && q.StorePrefix != s.opts.Namespace {
		return window.EmptyIterator[T](), nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT msg_key, split_num, value FROM %s WHERE "partition" = ? AND window_instance_id = ?`, s.table)
	args := []any{q.Partition, q.WindowInstanceID}
	if q.KeyPrefix != "" {
		query += ` AND starts_with(msg_key, ?)`
		args = append(args, q.KeyPrefix)
	}
	query += ` ORDER BY msg_key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail("load_split_data", err)
	}

	var entries []window.Entry[T]
	maxSplit := window.NoSplit
	err = scanValues(rows, func(key string, split int64, v T) {
		entries = append(entries, window.Entry[T]{Key: key, Value: v})
		if split > maxSplit {
			maxSplit = split
		}
	})
	if err != nil {
		return nil, s.fail("load_split_data", err)
	}

	s.stats.QueriesExecuted.Add(1)
	s.stats.RowsReturned.Add(int64(len(entries)))
	return window.NewSliceIterator(entries, maxSplit), nil
}

// MaxSplitNum returns the highest split number stored for wi.
func (s *Store[T]) MaxSplitNum(ctx context.Context, wi window.WindowInstance) (int64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var hi sql.NullInt64
	q := fmt.Sprintf(`SELECT max(split_num) FROM %s WHERE "partition" = ? AND window_instance_id = ?`, s.table)
	if err := s.db.QueryRowContext(ctx, q, wi.Partition, wi.ID).Scan(&hi); err != nil {
		return 0, false, s.fail("max_split_num", err)
	}
	s.stats.QueriesExecuted.Add(1)

	if !hi.Valid {
		return 0, false, nil
	}
	return hi.Int64, true, nil
}

// Delete removes every row of a window instance in a partition.
func (s *Store[T]) Delete(ctx context.Context, windowInstanceID, partition string) error {
	q, args := s.deleteSQL(windowInstanceID, partition)
	if err := s.execTx(ctx, []window.Statement{{SQL: q, Args: args}}); err != nil {
		return s.fail("delete", err)
	}
	return nil
}

// RemoveKeys deletes individual rows.
func (s *Store[T]) RemoveKeys(ctx context.Context, ks []string) error {
	if len(ks) == 0 {
		return nil
	}

	var stmts []window.Statement
	for _, chunk := range chunks(ks, s.opts.MaxRowsPerInsert) {
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		stmts = append(stmts, window.Statement{
			SQL:  fmt.Sprintf(`DELETE FROM %s WHERE msg_key IN (%s)`, s.table, placeholders(len(chunk))),
			Args: args,
		})
	}

	if err := s.execTx(ctx, stmts); err != nil {
		return s.fail("remove_keys", err)
	}
	return nil
}

// ClearCache is a no-op; the remote tier holds no cache.
func (s *Store[T]) ClearCache(ctx context.Context, partition string) error {
	return ctx.Err()
}

// Count returns the number of rows in the table.
func (s *Store[T]) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, s.fail("count", err)
	}
	return n, nil
}

// Stats returns query statistics.
func (s *Store[T]) Stats() StatsSnapshot {
	return StatsSnapshot{
		QueriesExecuted: s.stats.QueriesExecuted.Load(),
		RowsWritten:     s.stats.RowsWritten.Load(),
		RowsReturned:    s.stats.RowsReturned.Load(),
		BatchesExecuted: s.stats.BatchesExecuted.Load(),
		Errors:          s.stats.Errors.Load(),
	}
}
