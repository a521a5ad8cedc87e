package internal

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type IReconciler interface {
	ReconcilePending(context.Context, time.Duration) (int, error)
}

// PaymentSweeper periodically settles checkouts whose callback was lost or
// could not be matched to an order.
type PaymentSweeper struct {
	reconciler IReconciler
	logger     *zap.SugaredLogger
	interval   time.Duration
	age        time.Duration
}

func NewPaymentSweeper(reconciler IReconciler, logger *zap.SugaredLogger, interval, age time.Duration) *PaymentSweeper {
	return &PaymentSweeper{
		reconciler: reconciler,
		logger:     logger,
		interval:   interval,
		age:        age,
	}
}

// Run sweeps every interval until ctx is done. A zero interval disables it.
func (s *PaymentSweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := s.reconciler.ReconcilePending(ctx, s.age)
		if err != nil && ctx.Err() == nil {
			s.logger.Errorf("payment sweep error: %s", err.Error())
			continue
		}
		if n > 0 {
			s.logger.Infow("payment sweep settled orders", "count", n)
		}
	}
}
