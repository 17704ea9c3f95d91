package db

import (
	"database/sql"
	"fmt"
	"time"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// RecordEpisodeStart inserts a new open episode and returns its id.
func RecordEpisodeStart(db *sql.DB, startedAt time.Time, voltage float64) (int64, error) {
	res, err := db.Exec(`INSERT INTO episodes (started_at, start_voltage) VALUES (?, ?)`,
		startedAt.UTC().Format(timeLayout), voltage)
	if err != nil {
		return 0, fmt.Errorf("insert episode: %w", err)
	}
	return res.LastInsertId()
}

func RecordEpisodeEnd(db *sql.DB, id int64, endedAt time.Time, voltage float64) error {
	res, err := db.Exec(`UPDATE episodes SET ended_at = ?, end_voltage = ? WHERE id = ? AND ended_at IS NULL`,
		endedAt.UTC().Format(timeLayout), voltage, id)
	if err != nil {
		return fmt.Errorf("close episode %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("close episode %d: no open episode with that id", id)
	}
	return nil
}

// CloseDanglingEpisodes ends every open episode, e.g. after a crash or power
// loss left one behind. The end voltage stays NULL.
func CloseDanglingEpisodes(db *sql.DB, at time.Time) (int64, error) {
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec(`UPDATE episodes SET ended_at = ? WHERE ended_at IS NULL`, at.UTC().Format(timeLayout))
	if err != nil {
		RollbackTransaction(tx)
		return 0, fmt.Errorf("close dangling episodes: %w", err)
	}
	n, _ := res.RowsAffected()

	return n, CommitTransaction(tx)
}

// PruneEpisodes deletes closed episodes that ended before cutoff.
func PruneEpisodes(db *sql.DB, cutoff time.Time) (int64, error) {
	tx, err := StartTransaction(db)
	if err != nil {
		return 0, err
	}

	res, err := tx.Exec(`DELETE FROM episodes WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		RollbackTransaction(tx)
		return 0, fmt.Errorf("prune episodes: %w", err)
	}
	n, _ := res.RowsAffected()

	return n, CommitTransaction(tx)
}
