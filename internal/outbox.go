package internal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DrGermanius/Paymart/internal/model"
)

const (
	outboxBatchSize   = 50
	outboxMaxAttempts = 10
)

type INotifier interface {
	Notify()
}

// OutboxRelay performs the side effects queued by SettlePayment. A failed
// job stays pending and is retried on the next tick until maxAttempts.
type OutboxRelay struct {
	repo        IRepository
	publisher   IEventPublisher
	logger      *zap.SugaredLogger
	interval    time.Duration
	batch       int
	maxAttempts int
	wake        chan struct{}
}

func NewOutboxRelay(repo IRepository, publisher IEventPublisher, logger *zap.SugaredLogger, interval time.Duration) *OutboxRelay {
	return &OutboxRelay{
		repo:        repo,
		publisher:   publisher,
		logger:      logger,
		interval:    interval,
		batch:       outboxBatchSize,
		maxAttempts: outboxMaxAttempts,
		wake:        make(chan struct{}, 1),
	}
}

// Notify wakes Run without waiting for the next tick. It never blocks.
func (r *OutboxRelay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}

		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Errorf("outbox flush error: %s", err.Error())
		}
	}
}

// Flush handles one batch of pending jobs and returns how many succeeded.
func (r *OutboxRelay) Flush(ctx context.Context) (int, error) {
	jobs, err := r.repo.PendingOutboxJobs(ctx, r.batch, r.maxAttempts)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, j := range jobs {
		if err = r.handle(ctx, j); err != nil {
			r.logger.Errorw("outbox job failed", "id", j.ID, "kind", j.Kind, "orderId", j.OrderID, "attempt", j.Attempts+1, "error", err)
			if err = r.repo.MarkOutboxJobFailed(ctx, j.ID, err.Error()); err != nil {
				return done, err
			}
			continue
		}

		if err = r.repo.MarkOutboxJobDone(ctx, j.ID); err != nil {
			return done, err
		}
		done++
	}

	return done, nil
}

func (r *OutboxRelay) handle(ctx context.Context, j model.OutboxJob) error {
	switch j.Kind {
	case model.JobKindClearCart:
		return r.repo.ClearCart(ctx, j.UserID)
	case model.JobKindPaymentEvent:
		return r.publisher.Publish(ctx, j.OrderID, j.Payload)
	}
	return fmt.Errorf("unknown outbox job kind %q", j.Kind)
}
