package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects SQL syntax and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// SQL stores values in a two-column table keyed by the binary key.
type SQL struct {
	db      *sql.DB
	dialect Dialect

	getQuery    string
	putQuery    string
	deleteQuery string
}

// OpenSQL connects to the database and creates the table when missing.
func OpenSQL(ctx context.Context, dialect Dialect, dsn, table string) (*SQL, error) {
	if table == "" {
		table = "mailgate_blobs"
	}
	if !tableNameRE.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if dsn == "" {
		return nil, errors.New("missing dsn")
	}

	if dialect == DialectSQLite {
		if dir := filepath.Dir(dsn); dir != "." && dir != "/" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory for SQLite database: %w", err)
			}
		}
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite supports only one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQL{db: db, dialect: dialect}
	var schema string
	switch dialect {
	case DialectPostgres:
		schema = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (k BYTEA PRIMARY KEY, v BYTEA NOT NULL)", table)
		s.getQuery = fmt.Sprintf("SELECT v FROM %s WHERE k = $1", table)
		s.putQuery = fmt.Sprintf("INSERT INTO %s (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v", table)
		s.deleteQuery = fmt.Sprintf("DELETE FROM %s WHERE k = $1", table)
	case DialectMySQL:
		schema = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (k VARBINARY(255) PRIMARY KEY, v LONGBLOB NOT NULL)", table)
		s.getQuery = fmt.Sprintf("SELECT v FROM %s WHERE k = ?", table)
		s.putQuery = fmt.Sprintf("INSERT INTO %s (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)", table)
		s.deleteQuery = fmt.Sprintf("DELETE FROM %s WHERE k = ?", table)
	case DialectSQLite:
		schema = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (k BLOB PRIMARY KEY, v BLOB NOT NULL)", table)
		s.getQuery = fmt.Sprintf("SELECT v FROM %s WHERE k = ?", table)
		s.putQuery = fmt.Sprintf("INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v", table)
		s.deleteQuery = fmt.Sprintf("DELETE FROM %s WHERE k = ?", table)
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQL) Get(ctx context.Context, key string, r Range) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, s.getQuery, []byte(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s get: %w", s.dialect, err)
	}
	if r.IsFull() {
		return v, nil
	}
	return append([]byte(nil), r.Slice(v)...), nil
}

func (s *SQL) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, s.putQuery, []byte(key), value); err != nil {
		return fmt.Errorf("%s put: %w", s.dialect, err)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.deleteQuery, []byte(key))
	if err != nil {
		return false, fmt.Errorf("%s delete: %w", s.dialect, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s delete: %w", s.dialect, err)
	}
	return n > 0, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
