// Package notify fans workflow lifecycle events out to push/deep-link
// targets. Dispatch is fire-and-forget: delivery failures are retried out
// of band and never roll back the transition that emitted the event.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// EventType enumerates notification events emitted by the workflow core.
type EventType string

const (
	EventPRSubmitted            EventType = "PR_SUBMITTED"
	EventPRApproved             EventType = "PR_APPROVED"
	EventPRRejected             EventType = "PR_REJECTED"
	EventRFQOpened              EventType = "RFQ_OPENED"
	EventRFQBidReceived         EventType = "RFQ_BID_RECEIVED"
	EventRFQClosed              EventType = "RFQ_CLOSED"
	EventRFQAwarded             EventType = "RFQ_AWARDED"
	EventPOIssued               EventType = "PO_ISSUED"
	EventPOAcknowledged         EventType = "PO_ACKNOWLEDGED"
	EventPOCancelled            EventType = "PO_CANCELLED"
	EventPOFulfilled            EventType = "PO_FULFILLED"
	EventReceiptRecorded        EventType = "RECEIPT_RECORDED"
	EventInvoiceMatched         EventType = "INVOICE_MATCHED"
	EventInvoiceUpdate          EventType = "INVOICE_UPDATE"
	EventInvoicePaymentApproved EventType = "INVOICE_PAYMENT_APPROVED"
	EventInvoicePaid            EventType = "INVOICE_PAID"
)

// Event is a single lifecycle notification.
type Event struct {
	Type       EventType      `json:"type"`
	Entity     string         `json:"entity"`
	EntityID   int64          `json:"entity_id"`
	VendorID   int64          `json:"vendor_id,omitempty"`
	UserID     int64          `json:"user_id,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Dispatcher delivers lifecycle events to the notification service.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt Event) error
}

// TaskTypeDispatch is the asynq task type for queued notification delivery.
const TaskTypeDispatch = "notify:dispatch"

// QueueDispatcher enqueues events for background delivery with retry.
type QueueDispatcher struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewQueueDispatcher constructs a dispatcher backed by the job queue.
func NewQueueDispatcher(client *asynq.Client, logger *slog.Logger) *QueueDispatcher {
	return &QueueDispatcher{client: client, logger: logger}
}

// Dispatch enqueues the event. Errors are logged and swallowed so a failed
// enqueue never fails the transition that produced the event.
func (d *QueueDispatcher) Dispatch(ctx context.Context, evt Event) error {
	if d == nil || d.client == nil {
		return nil
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		d.logger.Error("marshal notification", slog.Any("error", err))
		return nil
	}
	task := asynq.NewTask(TaskTypeDispatch, payload)
	if _, err := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(8), asynq.Timeout(30*time.Second)); err != nil {
		d.logger.Error("enqueue notification", slog.String("type", string(evt.Type)), slog.Any("error", err))
	}
	return nil
}
