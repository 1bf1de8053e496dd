package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/rowjay/backup-sidecar/internal/config"
)

// Event describes a finished job or an uploaded batch of artifacts.
type Event struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	Cluster   string    `json:"cluster"`
	Host      string    `json:"host"`
	Artifact  string    `json:"artifact,omitempty"`
	Keys      []string  `json:"keys,omitempty"`
	Succeeded int       `json:"succeeded"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Duration  string    `json:"duration"`
	Error     string    `json:"error,omitempty"`
}

// Summary is the one-line text chat targets receive.
func (e Event) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Status, e.Message)
	if e.Succeeded+e.Skipped+e.Failed > 0 {
		fmt.Fprintf(&b, " (ok=%d skipped=%d failed=%d)", e.Succeeded, e.Skipped, e.Failed)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, ": %s", e.Error)
	}
	return b.String()
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every target. One failing target does not stop
// the others.
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

type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
}

func (w Webhook) Notify(ctx context.Context, event Event) error {
	return sendJSON(ctx, http.MethodPost, "webhook "+w.Name, w.URL, w.Headers, event)
}

type Mattermost struct {
	Name string
	URL  string
}

func (m Mattermost) Notify(ctx context.Context, event Event) error {
	return sendJSON(ctx, http.MethodPost, "mattermost "+m.Name, m.URL, nil, map[string]string{"text": event.Summary()})
}

type Matrix struct {
	Name        string
	ServerURL   string
	AccessToken string
	RoomID      string
}

var matrixTxn atomic.Int64

func (m Matrix) Notify(ctx context.Context, event Event) error {
	txn := fmt.Sprintf("bsc-%d-%d", time.Now().UnixNano(), matrixTxn.Add(1))
	endpoint := strings.TrimRight(m.ServerURL, "/") +
		"/_matrix/client/v3/rooms/" + url.PathEscape(m.RoomID) +
		"/send/m.room.message/" + txn
	payload := map[string]string{
		"msgtype": "m.text",
		"body":    event.Summary(),
	}
	headers := map[string]string{"Authorization": "Bearer " + m.AccessToken}
	return sendJSON(ctx, http.MethodPut, "matrix "+m.Name, endpoint, headers, payload)
}

var client = &http.Client{Timeout: 10 * time.Second}

func sendJSON(ctx context.Context, method, target, endpoint string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", target, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", target, resp.Status)
	}
	return nil
}

func FromConfig(cfg config.NotificationsConfig) Multi {
	var targets []Notifier
	for _, w := range cfg.Webhooks {
		targets = append(targets, Webhook{Name: w.Name, URL: w.URL, Headers: w.Headers})
	}
	for _, mm := range cfg.Mattermost {
		targets = append(targets, Mattermost{Name: mm.Name, URL: mm.URL})
	}
	for _, mx := range cfg.Matrix {
		targets = append(targets, Matrix{Name: mx.Name, ServerURL: mx.ServerURL, AccessToken: mx.AccessToken, RoomID: mx.RoomID})
	}
	return Multi{Targets: targets}
}
