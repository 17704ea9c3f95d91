package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/ups-emulator/internal/config"
)

const defaultBaseURL = "https://ntfy.sh"

// Notifier posts messages to an ntfy topic. A nil *Notifier is valid and
// drops every message, which is how notifications are disabled.
type Notifier struct {
	client  *http.Client
	baseURL string
	topic   string
}

// New returns nil when no topic is configured.
func New(cfg config.Notifications) *Notifier {
	if cfg.NtfyTopic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return nil
	}

	n := &Notifier{
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		baseURL: defaultBaseURL,
		topic:   cfg.NtfyTopic,
	}

	log.Info().
		Str("topic", n.topic).
		Msg("Ntfy notifications initialized")
	return n
}

// Send sends a notification to ntfy
func (n *Notifier) Send(title, message string) error {
	if n == nil {
		return nil
	}

	url := fmt.Sprintf("%s/%s", strings.TrimRight(n.baseURL, "/"), n.topic)

	payload := map[string]interface{}{
		"topic":   n.topic,
		"title":   title,
		"message": message,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}
