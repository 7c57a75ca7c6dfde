package store

import (
	"database/sql"

	"codeberg.org/mutker/homerecorder/internal/errors"
	"codeberg.org/mutker/homerecorder/internal/logger"
)

const (
	createTablesSQL = `
	CREATE TABLE IF NOT EXISTS item (
	    id        INTEGER PRIMARY KEY AUTOINCREMENT,
	    endpoint  TEXT NOT NULL,
	    property  TEXT NOT NULL,
	    debounce  INTEGER NOT NULL,
	    threshold REAL NOT NULL
	);
	CREATE TABLE IF NOT EXISTS data (
	    id        INTEGER PRIMARY KEY AUTOINCREMENT,
	    item_id   INTEGER REFERENCES item(id) ON DELETE CASCADE,
	    timestamp INTEGER NOT NULL,
	    value     TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS hour (
	    id        INTEGER PRIMARY KEY AUTOINCREMENT,
	    item_id   INTEGER REFERENCES item(id) ON DELETE CASCADE,
	    timestamp INTEGER NOT NULL,
	    avg       REAL NOT NULL,
	    min       REAL NOT NULL,
	    max       REAL NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS item_index ON item (endpoint, property);`

	createDataIndexSQL = `CREATE INDEX IF NOT EXISTS data_index ON data (item_id, timestamp)`
)

// InitSchema creates the database schema if it does not exist yet
func InitSchema(db *sql.DB) error {
	errFactory := errors.New()

	logger.Debug().Msg("Creating database schema...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				logger.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	return nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
