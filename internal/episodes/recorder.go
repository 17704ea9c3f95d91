// Package episodes persists low-voltage episodes and raises alerts on their
// edges. Failures are logged and swallowed so the sampling loop keeps running.
package episodes

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/ups-emulator/db"
)

const outboxSize = 8

type sender interface {
	Send(title, message string) error
}

type alert struct {
	title, message string
}

// Recorder is driven from the sampling loop. Database writes happen inline;
// alerts are queued for a background sender and dropped when the queue is full.
type Recorder struct {
	db     *sql.DB
	openID int64

	outbox chan alert
	done   chan struct{}
	once   sync.Once
}

// NewRecorder closes any episode a previous run left open. Either dbConn or
// notify may be nil to disable that half. Close must be called to flush
// pending alerts.
func NewRecorder(dbConn *sql.DB, notify sender, now time.Time) (*Recorder, error) {
	if dbConn != nil {
		n, err := db.CloseDanglingEpisodes(dbConn, now)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			log.Warn().Int64("count", n).Msg("Closed episodes left open by a previous run")
		}
	}

	r := &Recorder{db: dbConn}
	if notify != nil {
		r.outbox = make(chan alert, outboxSize)
		r.done = make(chan struct{})
		go r.deliver(notify)
	}
	return r, nil
}

func (r *Recorder) OnEnter(at time.Time, voltage float64) {
	if r.db != nil {
		id, err := db.RecordEpisodeStart(r.db, at, voltage)
		if err != nil {
			log.Error().Err(err).Msg("Failed to record low-voltage episode")
		} else {
			r.openID = id
		}
	}

	r.send("UPS on battery", fmt.Sprintf("Battery voltage dropped to %.2fV at %s", voltage, at.Local().Format(time.TimeOnly)))
}

func (r *Recorder) OnExit(at time.Time, voltage float64) {
	if r.openID != 0 {
		if err := db.RecordEpisodeEnd(r.db, r.openID, at, voltage); err != nil {
			log.Error().Err(err).Int64("episode", r.openID).Msg("Failed to close low-voltage episode")
		}
		r.openID = 0
	}

	r.send("UPS back online", fmt.Sprintf("Battery voltage restored to %.2fV", voltage))
}

// Close waits for queued alerts to be sent.
func (r *Recorder) Close() {
	if r.outbox == nil {
		return
	}
	r.once.Do(func() {
		close(r.outbox)
		<-r.done
	})
}

func (r *Recorder) send(title, message string) {
	if r.outbox == nil {
		return
	}
	select {
	case r.outbox <- alert{title, message}:
	default:
		log.Warn().Str("title", title).Msg("Notification queue full, dropping alert")
	}
}

func (r *Recorder) deliver(notify sender) {
	defer close(r.done)
	for a := range r.outbox {
		if err := notify.Send(a.title, a.message); err != nil {
			log.Warn().Err(err).Str("title", a.title).Msg("Failed to send notification")
		}
	}
}
