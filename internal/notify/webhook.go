package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"

	"github.com/procura-erp/procura/internal/shared"
)

// WebhookSender posts events to the notification dispatch service.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// Send delivers one event. Non-2xx responses count as upstream failures so
// the job queue retries with backoff.
func (s *WebhookSender) Send(ctx context.Context, evt Event) error {
	if s == nil || s.URL == "" {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: notification dispatch returned %d", shared.ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

// HandleDispatchTask returns an asynq handler delivering queued events.
func HandleDispatchTask(sender *WebhookSender) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var evt Event
		if err := json.Unmarshal(t.Payload(), &evt); err != nil {
			return asynq.SkipRetry
		}
		return sender.Send(ctx, evt)
	}
}
