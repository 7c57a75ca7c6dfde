package store

import (
	"database/sql"
	"os"
	"path/filepath"

	"codeberg.org/mutker/homerecorder/internal/errors"
	"codeberg.org/mutker/homerecorder/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

const defaultDirPerm = 0o755

// ItemRow is a persisted item catalog row.
type ItemRow struct {
	ID        int64
	Endpoint  string
	Property  string
	Debounce  int64
	Threshold float64
}

// DataRecord is a raw observation, timestamp in milliseconds.
type DataRecord struct {
	ItemID    int64
	Timestamp int64
	Value     string
}

// HourRecord is an hourly rollup, timestamp in milliseconds at the hour boundary.
type HourRecord struct {
	ItemID    int64
	Timestamp int64
	Avg       float64
	Min       float64
	Max       float64
}

// Store owns the SQLite handle. It is safe for use from a single
// goroutine only; transactions exist for batch atomicity, not for
// concurrency control.
type Store struct {
	db *sql.DB
}

// Open opens the database, applying WAL journaling and enabling
// foreign keys so item removal cascades into data and hour rows.
func Open(path string) (*Store, error) {
	errFactory := errors.New()

	if path == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  path,
			Error: err.Error(),
		})
	}

	dsn := path + "?_journal=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := InitSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	errFactory := errors.New()

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Debug().Err(err).Msg("Failed to checkpoint WAL")
	}

	if err := s.db.Close(); err != nil {
		return errFactory.Wrap(ErrStorageClose, err)
	}

	return nil
}

// Items loads every persisted item.
func (s *Store) Items() ([]ItemRow, error) {
	errFactory := errors.New()

	rows, err := s.db.Query(`SELECT id, endpoint, property, debounce, threshold FROM item`)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var items []ItemRow
	for rows.Next() {
		var row ItemRow
		if err := rows.Scan(&row.ID, &row.Endpoint, &row.Property, &row.Debounce, &row.Threshold); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		items = append(items, row)
	}

	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return items, nil
}

// InsertItem creates a catalog row and returns its assigned id.
func (s *Store) InsertItem(endpoint, property string, debounce int64, threshold float64) (int64, error) {
	errFactory := errors.New()

	result, err := s.db.Exec(`INSERT INTO item (endpoint, property, debounce, threshold) VALUES (?, ?, ?, ?)`,
		endpoint, property, debounce, threshold)
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	return id, nil
}

// UpdateItem updates the policy fields of an existing item.
func (s *Store) UpdateItem(id, debounce int64, threshold float64) error {
	errFactory := errors.New()

	if _, err := s.db.Exec(`UPDATE item SET debounce = ?, threshold = ? WHERE id = ?`, debounce, threshold, id); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

// DeleteItem removes an item; data and hour rows cascade.
func (s *Store) DeleteItem(id int64) error {
	errFactory := errors.New()

	if _, err := s.db.Exec(`DELETE FROM item WHERE id = ?`, id); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

// LatestData returns the newest data row for an item by insertion order.
func (s *Store) LatestData(itemID int64) (DataRecord, bool, error) {
	errFactory := errors.New()

	record := DataRecord{ItemID: itemID}
	err := s.db.QueryRow(`SELECT timestamp, value FROM data WHERE item_id = ? ORDER BY id DESC LIMIT 1`, itemID).
		Scan(&record.Timestamp, &record.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return DataRecord{}, false, nil
	}
	if err != nil {
		return DataRecord{}, false, errFactory.Wrap(ErrStorageAccess, err)
	}

	return record, true, nil
}

// LatestHour returns the newest hour row for an item by insertion order.
func (s *Store) LatestHour(itemID int64) (HourRecord, bool, error) {
	errFactory := errors.New()

	record := HourRecord{ItemID: itemID}
	err := s.db.QueryRow(`SELECT timestamp, avg, min, max FROM hour WHERE item_id = ? ORDER BY id DESC LIMIT 1`, itemID).
		Scan(&record.Timestamp, &record.Avg, &record.Min, &record.Max)
	if errors.Is(err, sql.ErrNoRows) {
		return HourRecord{}, false, nil
	}
	if err != nil {
		return HourRecord{}, false, errFactory.Wrap(ErrStorageAccess, err)
	}

	return record, true, nil
}

// InsertDataBatch commits pending data rows in a single transaction.
// On failure the whole batch is rolled back.
func (s *Store) InsertDataBatch(records []DataRecord) error {
	if len(records) == 0 {
		return nil
	}

	return s.insertBatch(`INSERT INTO data (item_id, timestamp, value) VALUES (?, ?, ?)`, func(stmt *sql.Stmt) error {
		for i := range records {
			if _, err := stmt.Exec(records[i].ItemID, records[i].Timestamp, records[i].Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertHourBatch commits pending hour rows in a single transaction.
func (s *Store) InsertHourBatch(records []HourRecord) error {
	if len(records) == 0 {
		return nil
	}

	return s.insertBatch(`INSERT INTO hour (item_id, timestamp, avg, min, max) VALUES (?, ?, ?, ?, ?)`, func(stmt *sql.Stmt) error {
		for i := range records {
			if _, err := stmt.Exec(records[i].ItemID, records[i].Timestamp, records[i].Avg, records[i].Min, records[i].Max); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) insertBatch(query string, exec func(*sql.Stmt) error) error {
	errFactory := errors.New()

	tx, err := s.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	if err := exec(stmt); err != nil {
		if err := tx.Rollback(); err != nil {
			logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	return nil
}

// DataSince returns every data row with timestamp strictly after the
// given millisecond bound, in insertion order.
func (s *Store) DataSince(sinceMillis int64) ([]DataRecord, error) {
	errFactory := errors.New()

	rows, err := s.db.Query(`SELECT item_id, timestamp, value FROM data WHERE timestamp > ? ORDER BY id`, sinceMillis)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var records []DataRecord
	for rows.Next() {
		var record DataRecord
		if err := rows.Scan(&record.ItemID, &record.Timestamp, &record.Value); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return records, nil
}

// DataAt returns the newest data row at or before the given timestamp.
func (s *Store) DataAt(itemID, atMillis int64) (DataRecord, bool, error) {
	errFactory := errors.New()

	record := DataRecord{ItemID: itemID}
	err := s.db.QueryRow(`SELECT timestamp, value FROM data WHERE item_id = ? AND timestamp <= ? ORDER BY id DESC LIMIT 1`,
		itemID, atMillis).Scan(&record.Timestamp, &record.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return DataRecord{}, false, nil
	}
	if err != nil {
		return DataRecord{}, false, errFactory.Wrap(ErrStorageAccess, err)
	}

	return record, true, nil
}

// DataRange returns data rows with timestamp in (start, end], either
// bound optional when zero, in insertion order.
func (s *Store) DataRange(itemID, start, end int64) ([]DataRecord, error) {
	errFactory := errors.New()

	query := `SELECT timestamp, value FROM data WHERE item_id = ?`
	args := []any{itemID}
	if start != 0 {
		query += ` AND timestamp > ?`
		args = append(args, start)
	}
	if end != 0 {
		query += ` AND timestamp <= ?`
		args = append(args, end)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var records []DataRecord
	for rows.Next() {
		record := DataRecord{ItemID: itemID}
		if err := rows.Scan(&record.Timestamp, &record.Value); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return records, nil
}

// HourRange returns hour rows with timestamp in (start, end], either
// bound optional when zero, in insertion order.
func (s *Store) HourRange(itemID, start, end int64) ([]HourRecord, error) {
	errFactory := errors.New()

	query := `SELECT timestamp, avg, min, max FROM hour WHERE item_id = ?`
	args := []any{itemID}
	if start != 0 {
		query += ` AND timestamp > ?`
		args = append(args, start)
	}
	if end != 0 {
		query += ` AND timestamp <= ?`
		args = append(args, end)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var records []HourRecord
	for rows.Next() {
		record := HourRecord{ItemID: itemID}
		if err := rows.Scan(&record.Timestamp, &record.Avg, &record.Min, &record.Max); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return records, nil
}

// DataCount returns the total number of data rows.
func (s *Store) DataCount() (int64, error) {
	errFactory := errors.New()

	var count int64
	if err := s.db.QueryRow(`SELECT count(*) FROM data`).Scan(&count); err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	return count, nil
}

// HasDataIndex reports whether the (item_id, timestamp) index exists.
func (s *Store) HasDataIndex() (bool, error) {
	errFactory := errors.New()

	var exists bool
	err := s.db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='index' AND name='data_index'
        )
    `).Scan(&exists)
	if err != nil {
		return false, errFactory.Wrap(ErrStorageAccess, err)
	}

	return exists, nil
}

// CreateDataIndex builds the (item_id, timestamp) index to keep range
// scans fast once the data table has grown.
func (s *Store) CreateDataIndex() error {
	errFactory := errors.New()

	if _, err := s.db.Exec(createDataIndexSQL); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	if _, err := s.db.Exec(`REINDEX data`); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

// Purge deletes data rows older than the given millisecond bound,
// keeping each item's single newest row, then reclaims free space.
func (s *Store) Purge(beforeMillis int64) error {
	errFactory := errors.New()

	_, err := s.db.Exec(`
        DELETE FROM data WHERE timestamp < ?
        AND id NOT IN (SELECT MAX(id) FROM data WHERE timestamp < ? GROUP BY item_id)
    `, beforeMillis, beforeMillis)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}
