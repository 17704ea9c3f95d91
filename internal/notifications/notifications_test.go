package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/ups-emulator/internal/config"
)

func newTestNotifier(t *testing.T, handler http.HandlerFunc) *Notifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	n := New(config.Notifications{NtfyTopic: "ups-alerts", TimeoutSeconds: 2})
	require.NotNil(t, n)
	n.baseURL = srv.URL
	return n
}

func TestSend_PostsJSON(t *testing.T) {
	var gotPath string
	var got map[string]string

	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, n.Send("Battery low", "12.90V"))
	assert.Equal(t, "/ups-alerts", gotPath)
	assert.Equal(t, "ups-alerts", got["topic"])
	assert.Equal(t, "Battery low", got["title"])
	assert.Equal(t, "12.90V", got["message"])
}

func TestSend_NonSuccessStatus(t *testing.T) {
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	assert.ErrorContains(t, n.Send("t", "m"), "429")
}

func TestSend_Timeout(t *testing.T) {
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	n.client.Timeout = 20 * time.Millisecond

	assert.ErrorContains(t, n.Send("t", "m"), "failed to send notification")
}

func TestDisabledNotifier(t *testing.T) {
	n := New(config.Notifications{})
	assert.Nil(t, n)
	assert.NoError(t, n.Send("t", "m"))
}
