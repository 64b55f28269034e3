// Package processor dispatches tip events to the engine and settles each
// delivery according to the outcome.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/adjustment"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/allocation"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/chargeback"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/metrics"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
)

const (
	dbTimeout      = 10 * time.Second
	defaultBackoff = 100 * time.Millisecond
)

type Allocator interface {
	Allocate(ctx context.Context, ev allocation.PaymentCompleted) (*allocation.Result, error)
}

type Reverser interface {
	Reverse(ctx context.Context, req chargeback.Request) (*chargeback.Result, error)
}

type Adjuster interface {
	Adjust(ctx context.Context, req adjustment.Request) (*model.TipAdjustment, error)
}

type Handlers struct {
	Allocator Allocator
	Reverser  Reverser
	Adjuster  Adjuster
}

// Result is what happened to one delivery.
type Result string

const (
	ResultProcessed Result = "processed"
	ResultDuplicate Result = "duplicate"
	ResultRejected  Result = "rejected"
	ResultRetry     Result = "retry"
)

type Processor struct {
	handlers   Handlers
	reviews    *repository.ReviewRepository
	maxRetries int
	backoff    time.Duration
	log        *logrus.Logger
}

func New(handlers Handlers, reviews *repository.ReviewRepository, maxRetries int, log *logrus.Logger) *Processor {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Processor{
		handlers:   handlers,
		reviews:    reviews,
		maxRetries: maxRetries,
		backoff:    defaultBackoff,
		log:        log,
	}
}

// StartPool runs workers goroutines draining updates until ctx is cancelled
// or the channel is closed. The returned WaitGroup is done once every worker
// has settled its last delivery.
func (p *Processor) StartPool(ctx context.Context, updates <-chan IncomingUpdate, workers int) *sync.WaitGroup {
	if workers < 1 {
		workers = 1
	}
	p.log.WithField("workers", workers).Info("starting processor pool")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id, updates)
		}(i)
	}
	return &wg
}

func (p *Processor) runWorker(ctx context.Context, id int, updates <-chan IncomingUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			p.Process(ctx, upd)
		}
	}
}

// Process handles one delivery and acks or nacks it: duplicates and successes
// are acked, rejected requests are dropped and flagged for review, and
// retryable failures go back on the queue.
func (p *Processor) Process(ctx context.Context, upd IncomingUpdate) Result {
	env := upd.Envelope
	fields := logrus.Fields{"type": env.Type, "event_id": env.EventID}

	err := p.dispatchWithRetry(ctx, env)
	result := classify(err)
	metrics.EventsProcessed.WithLabelValues(env.Type, string(result)).Inc()

	switch result {
	case ResultProcessed, ResultDuplicate:
		if ackErr := upd.Delivery.Ack(false); ackErr != nil {
			p.log.WithError(ackErr).WithFields(fields).Warn("failed to ack message")
		}
		p.log.WithFields(fields).WithField("result", result).Debug("event handled")
	case ResultRejected:
		p.log.WithError(err).WithFields(fields).Warn("event rejected")
		if p.flags(env.Type, err) {
			p.flag(ctx, env, err)
		}
		_ = upd.Delivery.Nack(false, false)
	default:
		p.log.WithError(err).WithFields(fields).Error("event failed, requeueing")
		_ = upd.Delivery.Nack(false, true)
	}
	return result
}

func classify(err error) Result {
	switch {
	case err == nil:
		return ResultProcessed
	case errors.Is(err, model.ErrDuplicateKey), errors.Is(err, model.ErrSegmentAlreadySettled):
		return ResultDuplicate
	case model.IsRejected(err):
		return ResultRejected
	}
	return ResultRetry
}

func (p *Processor) dispatchWithRetry(ctx context.Context, env Envelope) error {
	var err error
	for i := 0; i < p.maxRetries; i++ {
		err = p.dispatch(ctx, env)
		if !model.IsRetryable(err) {
			return err
		}
		p.log.WithFields(logrus.Fields{
			"event_id": env.EventID,
			"attempt":  i + 1,
			"max":      p.maxRetries,
		}).Warn("lock conflict, retrying event")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.backoff * time.Duration(i+1)):
		}
	}
	return err
}

func (p *Processor) dispatch(ctx context.Context, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	switch env.Type {
	case TypePaymentCompleted:
		ev, err := env.payment()
		if err != nil {
			return err
		}
		_, err = p.handlers.Allocator.Allocate(ctx, ev)
		return err

	case TypePaymentVoided, TypePaymentChargedBack:
		req, err := env.reversal()
		if err != nil {
			return err
		}
		_, err = p.handlers.Reverser.Reverse(ctx, req)
		return err

	case TypeAdjustmentRequested:
		req, err := env.adjustment()
		if err != nil {
			return err
		}
		_, err = p.handlers.Adjuster.Adjust(ctx, req)
		return err
	}
	return unknownType(env.Type)
}

type unknownType string

func (t unknownType) Error() string { return "unknown event type " + string(t) }

func (t unknownType) Is(target error) bool { return target == model.ErrInvalidInput }

// flags reports whether the processor must write the review flag itself. The
// reversal resolver flags its own refusals.
func (p *Processor) flags(eventType string, err error) bool {
	if eventType == TypePaymentVoided || eventType == TypePaymentChargedBack {
		return !errors.Is(err, model.ErrReversalRejected) && !errors.Is(err, model.ErrTransactionNotFound)
	}
	return true
}

func (p *Processor) flag(ctx context.Context, env Envelope, cause error) {
	if p.reviews == nil {
		return
	}
	payload, _ := json.Marshal(env)
	f := &model.ReviewFlag{
		Kind:      env.Type,
		Reference: env.EventID,
		Reason:    cause.Error(),
		Payload:   datatypes.JSON(payload),
	}
	if f.Kind == "" {
		f.Kind = "unknown"
	}
	if len(f.Reason) > 512 {
		f.Reason = f.Reason[:512]
	}
	if err := p.reviews.Flag(ctx, f); err != nil {
		p.log.WithError(err).WithField("event_id", env.EventID).Error("failed to write review flag")
	}
}
