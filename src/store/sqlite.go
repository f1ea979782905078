package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// sqliteFile is the database file inside the store directory.
const sqliteFile = "store.db"

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT NOT NULL PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID`

// sqliteEngine keeps the key space in a single WAL-mode SQLite table. In WAL
// mode readers in other processes see the last committed state and never block
// the writer. Keys are bound as TEXT so that ordering is bytewise.
type sqliteEngine struct {
	db   *sql.DB
	file string
}

func openSQLite(dir string, readOnly bool) (*sqliteEngine, error) {
	file := filepath.Join(dir, sqliteFile)

	var dsn string
	if readOnly {
		if _, err := os.Stat(file); err != nil {
			return nil, err
		}
		dsn = "file:" + file + "?mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(1)"
	} else {
		dsn = "file:" + file + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if readOnly {
		db.SetMaxOpenConns(4)
	} else {
		// one connection serialises all writes
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if readOnly {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'kv'`).Scan(&name)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store is not initialised: %w", err)
		}
		return &sqliteEngine{db: db, file: file}, nil
	}

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		db.Close()
		return nil, fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		db.Close()
		return nil, fmt.Errorf("sqlite journal mode is %q, want wal", mode)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &sqliteEngine{db: db, file: file}, nil
}

func (e *sqliteEngine) get(key string) ([]byte, error) {
	var value []byte
	err := e.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errEngineNotFound
	}
	return value, e.mapErr(err)
}

func (e *sqliteEngine) set(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := e.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return e.mapErr(err)
}

func (e *sqliteEngine) delete(key string) error {
	_, err := e.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return e.mapErr(err)
}

// scan runs a single statement, so every scan reads one snapshot.
func (e *sqliteEngine) scan(start string, end []byte, offset, limit int, fn func(string, []byte) error) error {
	query := `SELECT key, value FROM kv WHERE key >= ?`
	args := []interface{}{start}
	if end != nil {
		query += ` AND key < ?`
		args = append(args, string(end))
	}
	query += ` ORDER BY key LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return e.mapErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return e.mapErr(rows.Err())
}

func (e *sqliteEngine) count(start string, end []byte) (int, error) {
	query := `SELECT COUNT(*) FROM kv WHERE key >= ?`
	args := []interface{}{start}
	if end != nil {
		query += ` AND key < ?`
		args = append(args, string(end))
	}

	var n int
	err := e.db.QueryRow(query, args...).Scan(&n)
	return n, e.mapErr(err)
}

func (e *sqliteEngine) size() (int64, error) {
	var total int64
	for _, suffix := range []string{"", "-wal"} {
		info, err := os.Stat(e.file + suffix)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

func (e *sqliteEngine) close() error {
	return e.db.Close()
}

func (e *sqliteEngine) mapErr(err error) error {
	if errors.Is(err, sql.ErrConnDone) || (err != nil && strings.Contains(err.Error(), "database is closed")) {
		return errEngineClosed
	}
	return err
}
