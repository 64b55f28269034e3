// Package allocation turns a completed payment's gratuity into ledger entries:
// ownership split, tip-outs and pool routing, posted as one guarded unit.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/collaborator"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/metrics"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ownership"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/pool"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/share"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/tipout"
)

// PaymentCompleted is the inbound event that starts an allocation.
type PaymentCompleted struct {
	PaymentID     string                `json:"payment_id"`
	OrderID       string                `json:"order_id"`
	TipAmount     int64                 `json:"tip_amount"`
	Kind          model.TransactionKind `json:"kind,omitempty"`
	ProcessingFee int64                 `json:"processing_fee,omitempty"`
	Timestamp     time.Time             `json:"timestamp"`
}

func (e *PaymentCompleted) validate() error {
	switch {
	case e.PaymentID == "" || e.OrderID == "":
		return fmt.Errorf("%w: payment and order ids required", model.ErrInvalidInput)
	case e.TipAmount < 0:
		return fmt.Errorf("%w: negative tip", model.ErrInvalidInput)
	case e.ProcessingFee < 0 || e.ProcessingFee > e.TipAmount:
		return fmt.Errorf("%w: processing fee %d outside tip %d", model.ErrInvalidInput, e.ProcessingFee, e.TipAmount)
	}
	if e.Kind == "" {
		e.Kind = model.TransactionTip
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: transaction kind %q", model.ErrInvalidInput, e.Kind)
	}
	return nil
}

// Key is the operation key of a payment allocation.
func Key(paymentID string) string {
	return "payment:" + paymentID + ":allocate"
}

type Result struct {
	TransactionID string                  `json:"transaction_id"`
	PaymentID     string                  `json:"payment_id"`
	Shares        []share.Share           `json:"shares,omitempty"`
	TipOuts       []tipout.Transfer       `json:"tip_outs,omitempty"`
	Routing       map[string]pool.Routing `json:"routing,omitempty"`
	Entries       []model.TipLedgerEntry  `json:"entries"`
	Duplicate     bool                    `json:"duplicate"`
}

type Options struct {
	// StaffBearsProcessingFee deducts the card processing fee from tips and
	// auto-gratuity before they are split. Service charges are never reduced.
	StaffBearsProcessingFee bool
}

type Pipeline struct {
	reader   *collaborator.Reader
	splitter *ownership.Splitter
	tipouts  *tipout.Engine
	pools    *pool.Manager
	store    *ledger.Store
	guard    *ledger.Guard
	txns     *repository.TransactionRepository
	opts     Options
	log      *logrus.Logger
}

func NewPipeline(
	db *gorm.DB,
	reader *collaborator.Reader,
	splitter *ownership.Splitter,
	tipouts *tipout.Engine,
	pools *pool.Manager,
	store *ledger.Store,
	guard *ledger.Guard,
	opts Options,
	log *logrus.Logger,
) *Pipeline {
	return &Pipeline{
		reader:   reader,
		splitter: splitter,
		tipouts:  tipouts,
		pools:    pools,
		store:    store,
		guard:    guard,
		txns:     repository.NewTransactionRepository(db, log),
		opts:     opts,
		log:      log,
	}
}

// plan is everything read from collaborators before the posting unit opens.
// transfers is filled inside the unit, once the payers' ledgers are locked.
type plan struct {
	order        *model.Order
	kind         model.TransactionKind
	at           time.Time
	businessDate string
	fee          int64
	shares       []share.Share
	schedules    []*tipout.Schedule
	transfers    []tipout.Transfer
	routing      map[string]pool.Routing
}

// Allocate posts a payment's gratuity. Every collaborator read happens before
// the database transaction; the writes happen under the payment's operation
// key so a redelivered event returns the original result.
func (p *Pipeline) Allocate(ctx context.Context, ev PaymentCompleted) (*Result, error) {
	if err := ev.validate(); err != nil {
		metrics.Allocations.WithLabelValues("rejected").Inc()
		return nil, err
	}
	key := Key(ev.PaymentID)

	prior, err := p.guard.Prior(ctx, key)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		metrics.Allocations.WithLabelValues("duplicate").Inc()
		return p.duplicate(ctx, ev, prior)
	}

	pl, err := p.plan(ctx, ev)
	if err != nil {
		outcome := "failed"
		if model.IsRejected(err) {
			outcome = "rejected"
		}
		metrics.Allocations.WithLabelValues(outcome).Inc()
		return nil, err
	}
	if ev.TipAmount == 0 {
		metrics.Allocations.WithLabelValues("empty").Inc()
		return &Result{PaymentID: ev.PaymentID}, nil
	}

	result := &Result{
		PaymentID: ev.PaymentID,
		Shares:    pl.shares,
		Routing:   pl.routing,
	}
	outcome, err := p.guard.Execute(ctx, nil, key, func(op *ledger.Operation) error {
		op.BusinessDate = pl.businessDate
		txn := &model.TipTransaction{
			PaymentID:     ev.PaymentID,
			OrderID:       ev.OrderID,
			LocationID:    pl.order.LocationID,
			Kind:          ev.Kind,
			TotalAmount:   ev.TipAmount,
			ProcessingFee: pl.fee,
			OperationKey:  key,
			BusinessDate:  pl.businessDate,
			OccurredAt:    pl.at,
		}
		if err := p.txns.Create(ctx, op.Tx, txn); err != nil {
			return err
		}
		op.TransactionID = txn.ID
		result.TransactionID = txn.ID
		if err := p.post(ctx, op, pl); err != nil {
			return err
		}
		result.TipOuts = pl.transfers
		return nil
	})
	if errors.Is(err, model.ErrDuplicateKey) {
		metrics.Allocations.WithLabelValues("duplicate").Inc()
		return p.duplicate(ctx, ev, outcome)
	}
	if err != nil {
		metrics.Allocations.WithLabelValues("failed").Inc()
		return nil, err
	}

	result.Entries = outcome.Entries
	metrics.Allocations.WithLabelValues("allocated").Inc()
	p.log.WithFields(logrus.Fields{
		"payment_id":     ev.PaymentID,
		"transaction_id": result.TransactionID,
		"tip":            ev.TipAmount,
		"owners":         len(pl.shares),
		"tip_outs":       len(pl.transfers),
		"entries":        len(outcome.Entries),
	}).Info("payment tip allocated")
	return result, nil
}

func (p *Pipeline) plan(ctx context.Context, ev PaymentCompleted) (*plan, error) {
	order, err := p.reader.Order(ctx, ev.OrderID)
	if err != nil {
		return nil, fmt.Errorf("read order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", ev.OrderID, model.ErrLedgerNotFound)
	}
	loc := order.LocationID

	pl := &plan{order: order, kind: ev.Kind, at: ev.Timestamp.UTC(), routing: make(map[string]pool.Routing)}
	if ev.Timestamp.IsZero() {
		pl.at = p.store.Now()
	}
	pl.businessDate = p.store.BusinessDate(pl.at)
	if p.opts.StaffBearsProcessingFee && ev.Kind != model.TransactionServiceCharge {
		pl.fee = ev.ProcessingFee
	}
	if ev.TipAmount == 0 {
		return pl, nil
	}
	if pl.fee > 0 {
		if err := p.store.Resolve(ctx, model.SuspenseKey(loc)); err != nil {
			return nil, err
		}
	}

	pl.shares, err = p.splitter.Split(ctx, ev.OrderID, ev.TipAmount-pl.fee)
	if err != nil {
		return nil, err
	}

	for _, s := range pl.shares {
		if s.Amount == 0 {
			continue
		}
		employee, err := p.reader.Employee(ctx, s.EmployeeID, loc)
		if err != nil {
			return nil, err
		}
		sales, err := p.reader.ShiftSales(ctx, s.EmployeeID, loc, pl.businessDate)
		if err != nil {
			return nil, fmt.Errorf("read shift sales: %w", err)
		}
		schedule, err := p.tipouts.Schedule(ctx, tipout.Payer{
			EmployeeID: s.EmployeeID,
			RoleID:     employee.RoleID,
			LocationID: loc,
			GrossTip:   s.Amount,
			Sales:      sales,
			At:         pl.at,
		})
		if err != nil {
			return nil, err
		}
		if schedule != nil {
			pl.schedules = append(pl.schedules, schedule)
		}
	}

	for _, id := range pl.recipients() {
		if err := p.store.Resolve(ctx, model.EmployeeKey(id, loc)); err != nil {
			return nil, err
		}
		routing, err := p.pools.Resolve(ctx, id, loc, pl.at)
		if err != nil {
			return nil, err
		}
		pl.routing[id] = routing
	}
	return pl, nil
}

// recipients lists every employee the allocation may touch, sorted: owners
// with a share and every payee a tip-out schedule could pay.
func (pl *plan) recipients() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, s := range pl.shares {
		if s.Amount > 0 {
			add(s.EmployeeID)
		}
	}
	for _, sched := range pl.schedules {
		for _, id := range sched.Payees() {
			add(id)
		}
	}
	sort.Strings(ids)
	return ids
}

// lock takes every ledger row the allocation may write, in key order, and
// works out the tip-outs against what each payer already paid today.
func (p *Pipeline) lock(ctx context.Context, op *ledger.Operation, pl *plan) error {
	loc := pl.order.LocationID
	keys := make([]model.LedgerKey, 0, len(pl.routing)+1)
	for _, id := range pl.recipients() {
		keys = append(keys, model.EmployeeKey(id, loc))
	}
	if pl.fee > 0 {
		keys = append(keys, model.SuspenseKey(loc))
	}
	locked, err := p.store.Lock(ctx, op.Tx, keys...)
	if err != nil {
		return err
	}

	pl.transfers = nil
	for _, sched := range pl.schedules {
		var paid map[uint]int64
		if sched.SalesBased() {
			payer := locked[model.EmployeeKey(sched.PayerID(), loc)]
			paid, err = p.store.Entries().TipOutPaid(ctx, op.Tx, payer.ID, pl.businessDate)
			if err != nil {
				return fmt.Errorf("read tip-outs paid: %w", err)
			}
		}
		pl.transfers = append(pl.transfers, sched.Apply(paid)...)
	}
	return nil
}

// post writes one entry set per employee: the owner share, tip-outs paid and
// received, and for pooled employees the hand-over of the net to the pool.
// Pool ledgers are written last, ordered by group.
func (p *Pipeline) post(ctx context.Context, op *ledger.Operation, pl *plan) error {
	if err := p.lock(ctx, op, pl); err != nil {
		return err
	}

	loc := pl.order.LocationID
	entries := make(map[string][]ledger.EntryInput)
	for _, s := range pl.shares {
		if s.Amount > 0 {
			entries[s.EmployeeID] = append(entries[s.EmployeeID], ledger.EntryInput{
				Amount:     s.Amount,
				SourceType: model.SourcePaymentTip,
			})
		}
	}
	for _, t := range pl.transfers {
		entries[t.PayeeID] = append(entries[t.PayeeID], ledger.EntryInput{
			Amount:     t.Amount,
			SourceType: model.SourceTipOut,
			RuleID:     t.RuleID,
			Memo:       fmt.Sprintf("rule %d from %s", t.RuleID, t.PayerID),
		})
		entries[t.PayerID] = append(entries[t.PayerID], ledger.EntryInput{
			Amount:     -t.Amount,
			SourceType: model.SourceTipOut,
			RuleID:     t.RuleID,
			Memo:       fmt.Sprintf("rule %d to %s", t.RuleID, t.PayeeID),
		})
	}

	type contribution struct {
		routing    pool.Routing
		employeeID string
		amount     int64
	}
	var pooled []contribution
	for _, id := range pl.recipients() {
		inputs := creditsFirst(entries[id])
		var net int64
		for _, in := range inputs {
			net += in.Amount
		}
		routing := pl.routing[id]
		if routing.Pooled && net > 0 {
			inputs = append(inputs, ledger.EntryInput{
				Amount:     -net,
				SourceType: model.SourcePoolContribution,
				Memo:       "to group " + routing.GroupID,
			})
			pooled = append(pooled, contribution{routing: routing, employeeID: id, amount: net})
		}
		if len(inputs) == 0 {
			continue
		}
		if _, err := op.Post(ctx, model.EmployeeKey(id, loc), "employee/"+id, inputs...); err != nil {
			return err
		}
	}

	if pl.fee > 0 {
		if _, err := op.Post(ctx, model.SuspenseKey(loc), "fee", ledger.EntryInput{
			Amount:     pl.fee,
			SourceType: model.SourcePaymentTip,
			Memo:       "processing fee",
		}); err != nil {
			return err
		}
	}

	sort.SliceStable(pooled, func(i, j int) bool { return pooled[i].routing.GroupID < pooled[j].routing.GroupID })
	for _, c := range pooled {
		if err := p.pools.Contribute(ctx, op, c.routing, c.employeeID, c.amount, pl.kind, "pool/"+c.employeeID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) duplicate(ctx context.Context, ev PaymentCompleted, prior *ledger.Outcome) (*Result, error) {
	result := &Result{PaymentID: ev.PaymentID, Duplicate: true}
	if prior != nil {
		result.Entries = prior.Entries
	}
	txn, err := p.txns.FindByOperation(ctx, nil, Key(ev.PaymentID))
	if err != nil && !errors.Is(err, model.ErrTransactionNotFound) {
		return nil, err
	}
	if txn != nil {
		result.TransactionID = txn.ID
	}
	p.log.WithField("payment_id", ev.PaymentID).Info("payment already allocated")
	return result, model.ErrDuplicateKey
}

func creditsFirst(in []ledger.EntryInput) []ledger.EntryInput {
	out := make([]ledger.EntryInput, 0, len(in))
	for _, e := range in {
		if e.Amount > 0 {
			out = append(out, e)
		}
	}
	for _, e := range in {
		if e.Amount < 0 {
			out = append(out, e)
		}
	}
	return out
}
