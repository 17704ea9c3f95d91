package episodes

import (
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/ups-emulator/db"
)

type message struct {
	title, body string
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []message
	err     error
	release chan struct{}
}

func (f *fakeSender) Send(title, body string) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message{title, body})
	return f.err
}

func (f *fakeSender) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.sent...)
}

var t0 = time.Date(2024, 7, 8, 9, 10, 11, 0, time.UTC)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dbConn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { dbConn.Close() })
	return dbConn
}

func TestRecorder_RecordsEpisode(t *testing.T) {
	dbConn := openDB(t)
	notify := &fakeSender{}

	r, err := NewRecorder(dbConn, notify, t0)
	require.NoError(t, err)

	r.OnEnter(t0, 13.2)
	open, err := db.GetOpenEpisode(dbConn)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, 13.2, open.StartVoltage)

	r.OnExit(t0.Add(time.Minute), 13.9)
	open, err = db.GetOpenEpisode(dbConn)
	require.NoError(t, err)
	assert.Nil(t, open)

	episodes, err := db.GetRecentEpisodes(dbConn, 5)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, 13.9, episodes[0].EndVoltage)

	r.Close()
	sent := notify.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "UPS on battery", sent[0].title)
	assert.Contains(t, sent[0].body, "13.20V")
	assert.Equal(t, "UPS back online", sent[1].title)
}

func TestRecorder_ClosesDanglingOnStart(t *testing.T) {
	dbConn := openDB(t)
	_, err := db.RecordEpisodeStart(dbConn, t0.Add(-time.Hour), 12.7)
	require.NoError(t, err)

	_, err = NewRecorder(dbConn, nil, t0)
	require.NoError(t, err)

	open, err := db.GetOpenEpisode(dbConn)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestRecorder_NotificationFailureIsNotFatal(t *testing.T) {
	dbConn := openDB(t)
	notify := &fakeSender{err: errors.New("ntfy down")}

	r, err := NewRecorder(dbConn, notify, t0)
	require.NoError(t, err)

	r.OnEnter(t0, 13.0)
	r.OnExit(t0.Add(time.Second), 13.8)
	r.Close()

	assert.Len(t, notify.messages(), 2)
	episodes, err := db.GetRecentEpisodes(dbConn, 5)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.False(t, episodes[0].Open)
}

func TestRecorder_ExitWithoutEnter(t *testing.T) {
	dbConn := openDB(t)
	r, err := NewRecorder(dbConn, nil, t0)
	require.NoError(t, err)

	r.OnExit(t0, 13.9)

	episodes, err := db.GetRecentEpisodes(dbConn, 5)
	require.NoError(t, err)
	assert.Empty(t, episodes)
}

func TestRecorder_DatabaseClosed(t *testing.T) {
	dbConn := openDB(t)
	notify := &fakeSender{}
	r, err := NewRecorder(dbConn, notify, t0)
	require.NoError(t, err)
	dbConn.Close()

	r.OnEnter(t0, 13.0)
	r.OnExit(t0.Add(time.Second), 13.8)
	r.Close()

	assert.Len(t, notify.messages(), 2)
}

func TestRecorder_NotifyOnly(t *testing.T) {
	notify := &fakeSender{}
	r, err := NewRecorder(nil, notify, t0)
	require.NoError(t, err)

	r.OnEnter(t0, 13.0)
	r.OnExit(t0.Add(time.Second), 13.8)
	r.Close()

	assert.Len(t, notify.messages(), 2)
}

func TestRecorder_SlowNotifierDoesNotBlockEdges(t *testing.T) {
	notify := &fakeSender{release: make(chan struct{})}
	r, err := NewRecorder(openDB(t), notify, t0)
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		r.OnEnter(t0, 13.0)
		r.OnExit(t0.Add(time.Second), 13.8)
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("episode edges waited on the notifier")
	}

	close(notify.release)
	r.Close()
	assert.Len(t, notify.messages(), 2)
}

func TestRecorder_DropsAlertsWhenQueueFull(t *testing.T) {
	notify := &fakeSender{release: make(chan struct{})}
	r, err := NewRecorder(nil, notify, t0)
	require.NoError(t, err)

	// one alert may be held by the sender, the rest fill the queue
	for i := 0; i < outboxSize+5; i++ {
		r.OnEnter(t0, 13.0)
	}

	close(notify.release)
	r.Close()
	sent := len(notify.messages())
	assert.GreaterOrEqual(t, sent, outboxSize)
	assert.LessOrEqual(t, sent, outboxSize+1)
}

func TestRecorder_CloseWithoutNotifier(t *testing.T) {
	r, err := NewRecorder(openDB(t), nil, t0)
	require.NoError(t, err)

	r.OnEnter(t0, 13.0)
	r.Close()
	r.Close()
}
