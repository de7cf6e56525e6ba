package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrDuplicate is returned when an insert collides with an existing
// federation id. Receipt paths treat it as success (idempotent delivery).
var ErrDuplicate = errors.New("duplicate federation id")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DB is the database struct.
type DB struct {
	db *sql.DB
}

// Open opens (and creates, if needed) the sqlite database at the given
// path and applies the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := conn.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Warnf("Failed to enable WAL mode: %v", err)
	} else {
		log.Debugf("Database journal mode: %s", journalMode)
	}

	conn.Exec("PRAGMA synchronous = NORMAL")
	conn.Exec("PRAGMA cache_size = -64000")
	conn.Exec("PRAGMA temp_store = MEMORY")
	conn.Exec("PRAGMA busy_timeout = 5000")
	conn.Exec("PRAGMA foreign_keys = ON")

	database := &DB{db: conn}
	if err := database.RunMigrations(); err != nil {
		conn.Close()
		return nil, err
	}
	return database, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction, retrying
// on SQLITE_BUSY.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Errorf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			var serr *sqlite.Error
			if errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		if err = tx.Commit(); err != nil {
			log.Errorf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

// isConstraintErr reports whether err is a sqlite uniqueness violation.
func isConstraintErr(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code()
	return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY ||
		code == sqlitelib.SQLITE_CONSTRAINT
}
