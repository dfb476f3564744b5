// Package pushover sends escalation notifications through the Pushover
// API. The loop fires these asynchronously; a failed send is logged
// and forgotten, never surfaced to the run.
package pushover

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/taskloop/taskloop/internal/config"
)

// apiURL is a var so tests can point Send at a local server.
var apiURL = "https://api.pushover.net/1/messages.json"

var client = &http.Client{Timeout: 15 * time.Second}

// Pushover's documented field limits. Longer content is truncated, not
// rejected, since a clipped notification still beats a lost one.
const (
	MaxTitleLen   = 250
	MaxMessageLen = 1024
)

// Priority levels accepted by the API.
const (
	PriorityLowest = -2
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Message is one notification.
type Message struct {
	Title    string
	Body     string
	Priority int
}

// Send delivers one notification with the given credentials.
func Send(cfg *config.PushoverConfig, msg Message) error {
	if !Configured(cfg) {
		return fmt.Errorf("pushover not configured: run 'taskloop config pushover' to set credentials")
	}

	form := url.Values{}
	form.Set("user", cfg.UserKey)
	form.Set("token", cfg.AppToken)
	form.Set("title", clip(msg.Title, MaxTitleLen))
	form.Set("message", clip(msg.Body, MaxMessageLen))
	form.Set("priority", strconv.Itoa(msg.Priority))

	resp, err := client.Post(apiURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("sending pushover notification: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status int      `json:"status"`
		Errors []string `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding pushover response: %w", err)
	}
	if body.Status != 1 {
		if len(body.Errors) == 0 {
			return fmt.Errorf("pushover API error: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("pushover API error: %s", strings.Join(body.Errors, "; "))
	}
	return nil
}

// Configured reports whether the credentials are complete enough for
// Send to try.
func Configured(cfg *config.PushoverConfig) bool {
	return cfg.UserKey != "" && cfg.AppToken != ""
}

func clip(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
