package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cmdward/cmdward/internal/approval"
	"github.com/cmdward/cmdward/internal/config"
)

// WebhookEvent is the type of an outbound webhook notification.
type WebhookEvent string

const (
	// WebhookEventRequested is sent when a request starts waiting for a human.
	WebhookEventRequested WebhookEvent = "approval_requested"
	// WebhookEventResolved is sent when a human resolves a request.
	WebhookEventResolved WebhookEvent = "approval_resolved"
	// WebhookEventTimeout is sent when a request expires undecided.
	WebhookEventTimeout WebhookEvent = "approval_timeout"
)

// WebhookPayload is the JSON payload sent to webhook URLs.
type WebhookPayload struct {
	Event      WebhookEvent `json:"event"`
	ApprovalID string       `json:"approval_id,omitempty"`
	Command    string       `json:"command"`
	Agent      string       `json:"agent,omitempty"`
	Decision   string       `json:"decision,omitempty"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
	Timestamp  string       `json:"timestamp"`
}

// WebhookSender posts a payload to a webhook URL.
type WebhookSender interface {
	Send(ctx context.Context, url string, payload WebhookPayload) error
}

// DesktopNotifier shows a local desktop notification.
type DesktopNotifier interface {
	Notify(title, message string) error
}

// DesktopNotifierFunc adapts a function to DesktopNotifier.
type DesktopNotifierFunc func(title, message string) error

func (f DesktopNotifierFunc) Notify(title, message string) error {
	return f(title, message)
}

// HTTPWebhookSender posts webhook payloads over HTTP.
type HTTPWebhookSender struct {
	client *http.Client
}

// NewHTTPWebhookSender creates a webhook sender with the given timeout.
func NewHTTPWebhookSender(timeout time.Duration) *HTTPWebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPWebhookSender{client: &http.Client{Timeout: timeout}}
}

// Send posts the payload as JSON.
func (w *HTTPWebhookSender) Send(ctx context.Context, url string, payload WebhookPayload) error {
	if url == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cmdward-webhook/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Notifier fans approval lifecycle events out to webhooks and the desktop.
// Terminal events fire at most once per approval id.
type Notifier struct {
	cfg     config.NotificationsConfig
	logger  *log.Logger
	webhook WebhookSender
	desktop DesktopNotifier
	now     func() time.Time

	mu       sync.Mutex
	notified map[string]time.Time
}

// NewNotifier creates a notifier from config. With no webhook URL configured
// only desktop notifications fire.
func NewNotifier(cfg config.NotificationsConfig, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}

	var webhook WebhookSender
	if cfg.WebhookURL != "" {
		webhook = NewHTTPWebhookSender(time.Duration(cfg.TimeoutMs) * time.Millisecond)
	}

	return &Notifier{
		cfg:      cfg,
		logger:   logger,
		webhook:  webhook,
		desktop:  DesktopNotifierFunc(SendDesktopNotification),
		now:      time.Now,
		notified: make(map[string]time.Time),
	}
}

// WithWebhook sets a custom webhook sender (for testing).
func (n *Notifier) WithWebhook(w WebhookSender) *Notifier {
	n.webhook = w
	return n
}

// WithDesktop sets a custom desktop notifier (for testing).
func (n *Notifier) WithDesktop(d DesktopNotifier) *Notifier {
	n.desktop = d
	return n
}

// Requested notifies that a command is waiting for a decision.
func (n *Notifier) Requested(ctx context.Context, command, agent string) {
	if n == nil {
		return
	}

	cmd := truncateCommand(command)

	if n.desktop != nil {
		title := "cmdward: approval needed"
		message := cmd
		if agent != "" {
			message = fmt.Sprintf("%s\nAgent: %s", cmd, agent)
		}
		if err := n.desktop.Notify(title, message); err != nil {
			n.logger.Debug("desktop notification failed", "error", err)
		}
	}

	n.sendWebhook(ctx, WebhookPayload{
		Event:     WebhookEventRequested,
		Command:   cmd,
		Agent:     agent,
		Timestamp: n.now().UTC().Format(time.RFC3339),
	})
}

// Finalized notifies the outcome of a finalized record.
func (n *Notifier) Finalized(ctx context.Context, rec *approval.Record) {
	if n == nil || rec == nil {
		return
	}

	event := WebhookEventTimeout
	decision := ""
	if rec.Decision != nil {
		event = WebhookEventResolved
		decision = string(*rec.Decision)
	}

	if !n.markOnce(string(event) + ":" + rec.ID) {
		return
	}

	n.sendWebhook(ctx, WebhookPayload{
		Event:      event,
		ApprovalID: rec.ID,
		Command:    truncateCommand(rec.Request.Command),
		Agent:      rec.Request.AgentID,
		Decision:   decision,
		ResolvedBy: rec.ResolvedBy,
		Timestamp:  n.now().UTC().Format(time.RFC3339),
	})
}

func (n *Notifier) sendWebhook(ctx context.Context, payload WebhookPayload) {
	if n.webhook == nil || n.cfg.WebhookURL == "" {
		return
	}

	timeout := time.Duration(n.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	webhookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := n.webhook.Send(webhookCtx, n.cfg.WebhookURL, payload); err != nil {
		n.logger.Warn("webhook notification failed", "event", payload.Event, "error", err)
		return
	}
	n.logger.Debug("webhook notification sent", "event", payload.Event, "approval_id", payload.ApprovalID)
}

// notifiedRetention bounds the dedup map on a long-running daemon. A
// record's terminal event arrives well inside this window, so pruning
// older keys cannot re-open a live dedup.
const notifiedRetention = 10 * time.Minute

func (n *Notifier) markOnce(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	for k, at := range n.notified {
		if now.Sub(at) > notifiedRetention {
			delete(n.notified, k)
		}
	}

	if _, ok := n.notified[key]; ok {
		return false
	}
	n.notified[key] = now
	return true
}

func truncateCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	// Truncate on rune boundaries so multi-byte characters survive.
	if runes := []rune(cmd); len(runes) > 140 {
		return string(runes[:140]) + "…"
	}
	return cmd
}

// SendDesktopNotification sends a best-effort desktop notification on the
// current platform.
func SendDesktopNotification(title, message string) error {
	title = strings.TrimSpace(title)
	message = strings.TrimSpace(message)
	if title == "" {
		title = "cmdward"
	}
	if message == "" {
		return fmt.Errorf("message is required")
	}

	switch runtime.GOOS {
	case "darwin":
		if _, err := exec.LookPath("osascript"); err != nil {
			return fmt.Errorf("osascript not found")
		}
		script := fmt.Sprintf(
			`display notification "%s" with title "%s"`,
			escapeAppleScript(message),
			escapeAppleScript(title),
		)
		return runNoOutput("osascript", "-e", script)
	case "linux":
		if _, err := exec.LookPath("notify-send"); err != nil {
			return fmt.Errorf("notify-send not found")
		}
		return runNoOutput("notify-send", title, message)
	case "windows":
		return errors.New("desktop notifications not implemented on windows")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

func runNoOutput(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
