package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/emuops/pgback/internal/config"
)

const (
	StatusSuccess = "success"
	StatusWarning = "warning"
	StatusFailed  = "failed"

	KindBackup  = "backup"
	KindRestore = "restore"
	KindFleet   = "fleet"
)

// Event is one operator-facing outcome report.
type Event struct {
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Instance  string `json:"instance,omitempty"`
	Container string `json:"container,omitempty"`
	File      string `json:"file,omitempty"`
	Size      string `json:"size,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Fire delivers an event without letting delivery problems affect the
// operation outcome: errors are logged and swallowed.
func Fire(ctx context.Context, n Notifier, log zerolog.Logger, event Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, event); err != nil {
		log.Warn().Err(err).Str("kind", event.Kind).Str("status", event.Status).
			Msg("notification delivery failed")
	}
}

type Multi struct {
	Targets []Notifier
}

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, target := range m.Targets {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Telegram posts events to the Bot API sendMessage endpoint as HTML text.
type Telegram struct {
	BotToken string
	ChatID   string
	BaseURL  string // override for tests; default https://api.telegram.org
}

func (t Telegram) Notify(ctx context.Context, event Event) error {
	base := t.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	payload := map[string]string{
		"chat_id":    t.ChatID,
		"text":       renderText(event),
		"parse_mode": "HTML",
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned %s", resp.Status)
	}
	var ack struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err == nil && !ack.OK {
		return fmt.Errorf("telegram rejected message: %s", ack.Description)
	}
	return nil
}

// Webhook posts the raw event as JSON, a generic sink for anything that
// is not Telegram.
type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
}

func (w Webhook) Notify(ctx context.Context, event Event) error {
	body, _ := json.Marshal(event)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %s", w.Name, resp.Status)
	}
	return nil
}

func FromConfig(cfg config.NotificationsConfig) Multi {
	var targets []Notifier
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		targets = append(targets, Telegram{BotToken: cfg.Telegram.BotToken, ChatID: cfg.Telegram.ChatID})
	}
	for _, w := range cfg.Webhooks {
		targets = append(targets, Webhook{Name: w.Name, URL: w.URL, Headers: w.Headers})
	}
	return Multi{Targets: targets}
}

func renderText(event Event) string {
	var b strings.Builder
	b.WriteString(statusGlyph(event.Status))
	b.WriteString(" <b>")
	b.WriteString(html.EscapeString(titleFor(event)))
	b.WriteString("</b>")
	appendLine(&b, "Instance", event.Instance)
	appendLine(&b, "Container", event.Container)
	appendLine(&b, "File", event.File)
	appendLine(&b, "Size", event.Size)
	appendLine(&b, "Time", event.Timestamp)
	appendLine(&b, "Detail", event.Message)
	appendLine(&b, "Error", event.Error)
	return b.String()
}

func appendLine(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString("\n")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(html.EscapeString(value))
}

func statusGlyph(status string) string {
	switch status {
	case StatusSuccess:
		return "✅"
	case StatusWarning:
		return "⚠️"
	default:
		return "❌"
	}
}

func titleFor(event Event) string {
	label := event.Kind
	switch event.Kind {
	case KindBackup:
		label = "Backup"
	case KindRestore:
		label = "Restore"
	case KindFleet:
		label = "Fleet backup"
	}
	switch event.Status {
	case StatusSuccess:
		return label + " completed"
	case StatusWarning:
		return label + " completed with warnings"
	default:
		return label + " failed"
	}
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
