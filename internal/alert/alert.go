// Package alert delivers operational notifications (fills, limit breaches,
// emergency halts) to an external channel. Delivery is best-effort: a failed
// alert is logged and never blocks the trading path.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Priority ranks an alert for the reader.
type Priority string

const (
	PriorityInfo     Priority = "INFO"
	PriorityWarning  Priority = "WARNING"
	PriorityError    Priority = "ERROR"
	PriorityCritical Priority = "CRITICAL"
)

// Notifier delivers a message out-of-band.
type Notifier interface {
	Alert(message string, priority Priority)
}

// ---------------------------------------------------------------------------
// Telegram
// ---------------------------------------------------------------------------

// TelegramNotifier sends alerts through the Telegram bot API. A notifier
// built with an empty token is disabled and drops everything silently.
type TelegramNotifier struct {
	baseURL string
	chatID  string
	enabled bool
	client  *http.Client
	log     *slog.Logger
}

// NewTelegramNotifier creates a notifier for the given bot token and chat.
func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL: "https://api.telegram.org/bot" + token,
		chatID:  chatID,
		enabled: token != "" && chatID != "",
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     slog.Default().With("component", "alert"),
	}
}

// Alert sends the message asynchronously. Failures are logged, not returned;
// trading never waits on Telegram.
func (n *TelegramNotifier) Alert(message string, priority Priority) {
	if !n.enabled {
		return
	}
	go func() {
		if err := n.send(message, priority); err != nil {
			n.log.Error("delivering alert", "priority", string(priority), "error", err)
		}
	}()
}

func (n *TelegramNotifier) send(message string, priority Priority) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    fmt.Sprintf("[%s] %s", priority, message),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := n.client.Post(n.baseURL+"/sendMessage", "application/json", bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Nop
// ---------------------------------------------------------------------------

// NopNotifier discards every alert, for tests and paper runs.
type NopNotifier struct{}

func (NopNotifier) Alert(string, Priority) {}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = NopNotifier{}
)
