package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thatsimonsguy/ups-emulator/internal/model"
)

const episodeColumns = `id, started_at, start_voltage, ended_at, end_voltage`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(r rowScanner) (model.Episode, error) {
	var e model.Episode
	var startedAt string
	var endedAt sql.NullString
	var endVoltage sql.NullFloat64

	if err := r.Scan(&e.ID, &startedAt, &e.StartVoltage, &endedAt, &endVoltage); err != nil {
		return e, err
	}

	var err error
	if e.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return e, fmt.Errorf("episode %d started_at: %w", e.ID, err)
	}
	if endedAt.Valid {
		if e.EndedAt, err = time.Parse(timeLayout, endedAt.String); err != nil {
			return e, fmt.Errorf("episode %d ended_at: %w", e.ID, err)
		}
	} else {
		e.Open = true
	}
	if endVoltage.Valid {
		e.EndVoltage = endVoltage.Float64
	}
	return e, nil
}

// GetOpenEpisode returns the most recent episode without an end, or nil.
func GetOpenEpisode(db *sql.DB) (*model.Episode, error) {
	row := db.QueryRow(`SELECT ` + episodeColumns + ` FROM episodes WHERE ended_at IS NULL ORDER BY id DESC LIMIT 1`)
	e, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open episode: %w", err)
	}
	return &e, nil
}

// GetRecentEpisodes returns up to limit episodes, newest first.
func GetRecentEpisodes(db *sql.DB, limit int) ([]model.Episode, error) {
	rows, err := db.Query(`SELECT `+episodeColumns+` FROM episodes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var episodes []model.Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}
