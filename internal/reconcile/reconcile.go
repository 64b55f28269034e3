// Package reconcile runs the periodic background sweep: ledger integrity
// verification and settlement of closed pool segments.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/integrity"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/pool"
)

const (
	sweepTimeout    = 5 * time.Minute
	defaultInterval = 5 * time.Minute
)

// Report summarises one sweep.
type Report struct {
	Integrity *integrity.Summary `json:"integrity"`
	Settled   int                `json:"settled"`
	Failed    int                `json:"settle_failed"`
}

type Reconciler struct {
	checker   *integrity.Checker
	pools     *pool.Manager
	batchSize int
	log       *logrus.Logger
}

func New(checker *integrity.Checker, pools *pool.Manager, batchSize int, log *logrus.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Reconciler{
		checker:   checker,
		pools:     pools,
		batchSize: batchSize,
		log:       log,
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.runSweep(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("stopping reconciler")
			return
		case <-ticker.C:
			r.runSweep(ctx)
		}
	}
}

func (r *Reconciler) runSweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.log.WithError(err).Error("reconcile sweep failed")
	}
}

// Sweep settles every closed segment and then verifies every ledger.
func (r *Reconciler) Sweep(ctx context.Context) (*Report, error) {
	report := &Report{}

	for {
		segments, err := r.pools.PendingSettlement(ctx, r.batchSize)
		if err != nil {
			return report, err
		}
		settled := 0
		for _, s := range segments {
			_, err := r.pools.SettleSegment(ctx, s.ID)
			switch {
			case err == nil:
				report.Settled++
				settled++
			case errors.Is(err, model.ErrSegmentAlreadySettled):
			default:
				report.Failed++
				r.log.WithError(err).WithField("segment_id", s.ID).Error("segment settlement failed")
			}
		}
		if len(segments) < r.batchSize || settled == 0 {
			break
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}

	summary, err := r.checker.VerifyAll(ctx, r.batchSize)
	report.Integrity = summary
	if err != nil {
		return report, err
	}

	r.log.WithFields(logrus.Fields{
		"checked":   summary.Checked,
		"drifted":   summary.Drifted,
		"corrected": summary.Corrected,
		"failed":    summary.Failed,
		"settled":   report.Settled,
	}).Info("reconcile sweep completed")
	return report, nil
}
