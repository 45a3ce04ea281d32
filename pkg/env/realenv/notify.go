package realenv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bins-dev/pve-ha-manager/pkg/env"
	"github.com/rs/zerolog"
)

// LogNotifier renders fencing notifications (§6) through zerolog. Template
// rendering itself is out of scope (§1); this sink is the default because
// something must always observe fence events even with no webhook configured.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, notif env.Notification) error {
	n.Logger.Info().
		Str("kind", string(notif.Kind)).
		Str("failed_node", notif.FailedNode).
		Str("master_node", notif.MasterNode).
		Strs("resources", notif.Resources).
		Time("fence_timestamp", notif.Timestamp).
		Msg("fencing notification")
	return nil
}

// WebhookNotifier posts the notification payload as JSON to a configured
// URL, sufficient since nothing in the corpus ships a templating engine
// for the fencing template (§10.3).
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	Kind           string    `json:"fence-status"`
	FailedNode     string    `json:"failed-node"`
	MasterNode     string    `json:"master-node"`
	FenceTimestamp time.Time `json:"fence-timestamp"`
	Nodes          []string  `json:"nodes"`
	Resources      []string  `json:"resources"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, notif env.Notification) error {
	payload := webhookPayload{
		Kind:           string(notif.Kind),
		FailedNode:     notif.FailedNode,
		MasterNode:     notif.MasterNode,
		FenceTimestamp: notif.Timestamp,
		Nodes:          notif.Nodes,
		Resources:      notif.Resources,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realenv: encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("realenv: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("realenv: post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("realenv: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans a notification out to every configured sink,
// collecting (not stopping on) the first error.
type MultiNotifier struct {
	Sinks []env.Notifier
}

func (n *MultiNotifier) Notify(ctx context.Context, notif env.Notification) error {
	var firstErr error
	for _, sink := range n.Sinks {
		if err := sink.Notify(ctx, notif); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
