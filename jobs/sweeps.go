package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/procura-erp/procura/internal/jobs"
)

const (
	// TaskRFQCloseExpired closes RFQs whose bidding deadline has passed.
	TaskRFQCloseExpired = "rfq:close_expired"
	// TaskContractExpire marks active contracts past their end date expired.
	TaskContractExpire = "contract:expire_overdue"
)

// Sweeper is a periodic maintenance operation returning the number of rows
// it touched.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweeperFunc adapts a plain function to the Sweeper interface.
type SweeperFunc func(ctx context.Context) (int, error)

// Sweep runs the wrapped function.
func (f SweeperFunc) Sweep(ctx context.Context) (int, error) {
	return f(ctx)
}

// HandleSweepTask returns an asynq handler running the given sweep under
// job instrumentation. Sweeps are safe to re-run: each pass only touches
// rows still in the source state.
func HandleSweepTask(job string, sweeper Sweeper, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		tracker := metrics.Track(job)
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			logger.Error("sweep failed", slog.String("job", job), slog.Any("error", err))
			return tracker.End(err)
		}
		if n > 0 {
			logger.Info("sweep complete", slog.String("job", job), slog.Int("rows", n))
		}
		return tracker.End(nil)
	}
}
