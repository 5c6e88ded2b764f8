package invoice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/procura-erp/procura/internal/docintel"
	"github.com/procura-erp/procura/internal/shared"
)

// TaskTypeExtract is the asynq task type for invoice field extraction.
const TaskTypeExtract = "docintel:extract"

// ExtractPayload is the extraction task body.
type ExtractPayload struct {
	InvoiceID   int64     `json:"invoice_id"`
	AttemptID   uuid.UUID `json:"attempt_id"`
	DocumentRef string    `json:"document_ref"`
}

// QueueExtractor enqueues extraction requests onto the job queue.
type QueueExtractor struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewQueueExtractor constructs the asynq-backed extraction queue.
func NewQueueExtractor(client *asynq.Client, logger *slog.Logger) *QueueExtractor {
	return &QueueExtractor{client: client, logger: logger}
}

// EnqueueExtraction queues the document for background extraction. The
// task carries the attempt id so stale retries are discarded on
// completion.
func (q *QueueExtractor) EnqueueExtraction(ctx context.Context, invoiceID int64, attemptID uuid.UUID, documentRef string) error {
	payload, err := json.Marshal(ExtractPayload{InvoiceID: invoiceID, AttemptID: attemptID, DocumentRef: documentRef})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeExtract, payload)
	if _, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(10), asynq.Timeout(2*time.Minute)); err != nil {
		q.logger.Error("enqueue extraction", slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
		return fmt.Errorf("invoice: enqueue extraction: %w", shared.ErrUpstreamUnavailable)
	}
	return nil
}

// HandleExtractTask returns the worker handler that calls document
// intelligence and completes the match. Extraction failures return an
// error so asynq retries with backoff; completion itself is idempotent.
func HandleExtractTask(client docintel.Client, svc *Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload ExtractPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			logger.Error("decode extraction payload", slog.Any("error", err))
			return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
		}
		result, err := client.Extract(ctx, payload.DocumentRef)
		if err != nil {
			logger.Warn("extraction failed, will retry",
				slog.Int64("invoice_id", payload.InvoiceID), slog.Any("error", err))
			return fmt.Errorf("extract invoice %d: %w", payload.InvoiceID, shared.ErrUpstreamUnavailable)
		}
		if err := svc.CompleteExtraction(ctx, payload.InvoiceID, payload.AttemptID, result); err != nil {
			return fmt.Errorf("complete extraction for invoice %d: %w", payload.InvoiceID, err)
		}
		return nil
	}
}
