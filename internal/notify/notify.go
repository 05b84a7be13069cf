// Package notify delivers the user-facing signals the pipeline produces: the
// possible-exposure alert and the permission consent prompt.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/exposure-pipeline/internal/logging"
)

// Notifier 通知介面
type Notifier interface {
	// PossibleExposure fires once per reconciliation that found new exposures.
	PossibleExposure(ctx context.Context) error
	// PermissionRequired asks the user to resolve an engine consent error.
	PermissionRequired(ctx context.Context, cause error) error
}

// Event types carried in webhook payloads.
const (
	EventPossibleExposure   = "possible_exposure"
	EventPermissionRequired = "permission_required"
)

// ============================================================================
// LogNotifier
// ============================================================================

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logging.New("notify")}
}

func (n *LogNotifier) PossibleExposure(_ context.Context) error {
	n.log.Warn("Possible exposure detected")
	return nil
}

func (n *LogNotifier) PermissionRequired(_ context.Context, cause error) error {
	n.log.Warn("Exposure notification permission required", "cause", cause)
	return nil
}

// ============================================================================
// WebhookNotifier
// ============================================================================

// Payload is the JSON body posted by WebhookNotifier.
type Payload struct {
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// WebhookNotifier posts notifications to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewWebhookNotifier creates a WebhookNotifier. timeout bounds each POST.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}, now: time.Now}
}

func (n *WebhookNotifier) PossibleExposure(ctx context.Context) error {
	return n.post(ctx, Payload{Event: EventPossibleExposure})
}

func (n *WebhookNotifier) PermissionRequired(ctx context.Context, cause error) error {
	p := Payload{Event: EventPermissionRequired}
	if cause != nil {
		p.Detail = cause.Error()
	}
	return n.post(ctx, p)
}

func (n *WebhookNotifier) post(ctx context.Context, p Payload) error {
	p.Timestamp = n.now().UnixMilli()
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", p.Event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook %s: unexpected status %s", p.Event, resp.Status)
	}
	return nil
}

// ============================================================================
// Multi
// ============================================================================

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) PossibleExposure(ctx context.Context) error {
	var errs []error
	for _, n := range m {
		if err := n.PossibleExposure(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PermissionRequired(ctx context.Context, cause error) error {
	var errs []error
	for _, n := range m {
		if err := n.PermissionRequired(ctx, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder counts notifications in memory. Used by tests and the demo.
type Recorder struct {
	exposures   atomic.Int64
	permissions atomic.Int64
}

func (r *Recorder) PossibleExposure(context.Context) error {
	r.exposures.Add(1)
	return nil
}

func (r *Recorder) PermissionRequired(context.Context, error) error {
	r.permissions.Add(1)
	return nil
}

// Exposures returns how many possible-exposure notifications were fired.
func (r *Recorder) Exposures() int { return int(r.exposures.Load()) }

// Permissions returns how many consent prompts were requested.
func (r *Recorder) Permissions() int { return int(r.permissions.Load()) }

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = Multi(nil)
	_ Notifier = (*Recorder)(nil)
)
