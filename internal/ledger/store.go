// Package ledger is the only writer of tip ledgers and their entries.
//
// Every write happens inside a database transaction that locks the target
// ledger row, inserts the entries and moves the cached balance by their sum,
// so a reader never sees part of an entry set. Callers that already hold a
// transaction pass it in; the store never opens a nested one.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/metrics"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
)

// Directory answers whether an owner is known to the rest of the system.
type Directory interface {
	EmployeeExists(ctx context.Context, employeeID, locationID string) (bool, error)
	LocationExists(ctx context.Context, locationID string) (bool, error)
}

// Calendar stamps entries with their business day.
type Calendar interface {
	BusinessDate(at time.Time) string
}

// CreditHook sees every credit landing on an employee ledger before the
// entries are written. It returns the part of the credit to divert into debt
// reclaim; the store appends the matching debt_reclaim entry.
type CreditHook interface {
	OnCredit(ctx context.Context, tx *gorm.DB, ledger *model.TipLedger, credited, balanceAfter int64, p Posting) (int64, error)
}

// EntryInput is one signed amount to post. Positive amounts become CREDIT
// entries and negative ones DEBIT entries.
type EntryInput struct {
	Amount        int64
	SourceType    model.SourceType
	TransactionID string
	RuleID        uint
	IncomeKind    model.TransactionKind
	Memo          string
}

// Posting carries the metadata shared by all entries of one Post call.
type Posting struct {
	IdempotencyKey string
	OperationKey   string
	BusinessDate   string
	TransactionID  string
}

type PostResult struct {
	Ledger        model.TipLedger
	Entries       []model.TipLedgerEntry
	BalanceBefore int64
	BalanceAfter  int64
	Reclaimed     int64
	Duplicate     bool
}

type PostOption func(*Posting)

// WithOperation stamps entries with the guard operation that produced them.
func WithOperation(key string) PostOption {
	return func(p *Posting) { p.OperationKey = key }
}

func WithBusinessDate(date string) PostOption {
	return func(p *Posting) { p.BusinessDate = date }
}

func WithTransaction(id string) PostOption {
	return func(p *Posting) { p.TransactionID = id }
}

type Store struct {
	db       *gorm.DB
	ledgers  *repository.LedgerRepository
	entries  *repository.EntryRepository
	dir      Directory
	calendar Calendar
	hook     CreditHook
	now      func() time.Time
	log      *logrus.Logger
}

func NewStore(db *gorm.DB, dir Directory, calendar Calendar, log *logrus.Logger) *Store {
	return &Store{
		db:       db,
		ledgers:  repository.NewLedgerRepository(db, log),
		entries:  repository.NewEntryRepository(db, log),
		dir:      dir,
		calendar: calendar,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// SetCreditHook registers the debt reclaim hook.
func (s *Store) SetCreditHook(h CreditHook) { s.hook = h }

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Now() time.Time { return s.now() }

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Entries() *repository.EntryRepository { return s.entries }

func (s *Store) Ledgers() *repository.LedgerRepository { return s.ledgers }

// BusinessDate is the business day of at.
func (s *Store) BusinessDate(at time.Time) string {
	return s.calendar.BusinessDate(at)
}

// Resolve checks that the owner behind key is known. It must run before the
// posting transaction because it queries the directory collaborator.
func (s *Store) Resolve(ctx context.Context, key model.LedgerKey) error {
	if key.OwnerID == "" || key.LocationID == "" {
		return fmt.Errorf("%w: empty ledger key", model.ErrInvalidInput)
	}

	var (
		known bool
		err   error
	)
	switch key.Kind {
	case model.LedgerEmployee:
		known, err = s.dir.EmployeeExists(ctx, key.OwnerID, key.LocationID)
	case model.LedgerSuspense:
		known, err = s.dir.LocationExists(ctx, key.LocationID)
	case model.LedgerPool:
		known = true
	default:
		return fmt.Errorf("%w: ledger kind %q", model.ErrInvalidInput, key.Kind)
	}
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("%s %s at %s: %w", key.Kind, key.OwnerID, key.LocationID, model.ErrLedgerNotFound)
	}
	return nil
}

// Post writes entries against one ledger as a single atomic unit. The ledger is
// created on first use. A reused idempotency key returns the prior result with
// ErrDuplicateKey and changes nothing.
func (s *Store) Post(ctx context.Context, tx *gorm.DB, key model.LedgerKey, inputs []EntryInput, idempotencyKey string, opts ...PostOption) (*PostResult, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key required", model.ErrInvalidInput)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no entries", model.ErrInvalidInput)
	}
	for _, in := range inputs {
		if in.Amount == 0 {
			return nil, fmt.Errorf("%w: zero amount entry", model.ErrInvalidInput)
		}
		if in.SourceType == "" {
			return nil, fmt.Errorf("%w: entry without source type", model.ErrInvalidInput)
		}
	}

	p := Posting{IdempotencyKey: idempotencyKey, OperationKey: idempotencyKey}
	for _, opt := range opts {
		opt(&p)
	}
	if p.BusinessDate == "" {
		p.BusinessDate = s.calendar.BusinessDate(s.now())
	}

	if tx != nil {
		return s.post(ctx, tx, key, inputs, p)
	}

	var result *PostResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.post(ctx, tx, key, inputs, p)
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a race against a concurrent post with the same key.
		return s.prior(ctx, nil, key, idempotencyKey)
	}
	if err != nil && !errors.Is(err, model.ErrDuplicateKey) {
		return nil, err
	}
	return result, err
}

func (s *Store) post(ctx context.Context, tx *gorm.DB, key model.LedgerKey, inputs []EntryInput, p Posting) (*PostResult, error) {
	prior, err := s.entries.FindByKeyPrefix(ctx, tx, entryPrefix(p.IdempotencyKey))
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 {
		return s.priorFrom(ctx, tx, key, prior)
	}

	ledger, err := s.ledgers.EnsureLocked(ctx, tx, key)
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}

	result := &PostResult{BalanceBefore: ledger.Balance}
	entries := make([]model.TipLedgerEntry, 0, len(inputs)+1)
	var total, credited int64
	for i, in := range inputs {
		txID := in.TransactionID
		if txID == "" {
			txID = p.TransactionID
		}
		entry := newEntry(ledger.ID, in.Amount, in.SourceType,
			entryKey(p.IdempotencyKey, fmt.Sprintf("%02d", i)), p.OperationKey, txID, p.BusinessDate, in.Memo)
		if in.RuleID != 0 {
			rule := in.RuleID
			entry.RuleID = &rule
		}
		entry.IncomeKind = in.IncomeKind
		entries = append(entries, entry)
		total += in.Amount
		if in.Amount > 0 {
			credited += in.Amount
		}
	}

	after := ledger.Balance + total
	if credited > 0 && ledger.Kind == model.LedgerEmployee && s.hook != nil {
		diverted, err := s.hook.OnCredit(ctx, tx, ledger, credited, after, p)
		if err != nil {
			return nil, fmt.Errorf("debt reclaim: %w", err)
		}
		if diverted > 0 {
			entries = append(entries, newEntry(ledger.ID, -diverted, model.SourceDebtReclaim,
				entryKey(p.IdempotencyKey, "reclaim"), p.OperationKey, p.TransactionID, p.BusinessDate, "debt reclaim"))
			total -= diverted
			after -= diverted
			result.Reclaimed = diverted
		}
	}

	if after < 0 && ledger.Kind != model.LedgerSuspense {
		return nil, fmt.Errorf("ledger %s balance %d, change %d: %w", ledger.ID, ledger.Balance, total, model.ErrInsufficientBalance)
	}

	if err := s.entries.InsertBatch(ctx, tx, entries); err != nil {
		return nil, err
	}
	if err := s.ledgers.ApplyDelta(ctx, tx, ledger.ID, total); err != nil {
		return nil, err
	}

	for _, e := range entries {
		metrics.EntriesPosted.WithLabelValues(string(e.SourceType)).Inc()
	}

	ledger.Balance = after
	result.Ledger = *ledger
	result.Entries = entries
	result.BalanceAfter = after
	return result, nil
}

// prior rebuilds the result of an already committed post.
func (s *Store) prior(ctx context.Context, tx *gorm.DB, key model.LedgerKey, idempotencyKey string) (*PostResult, error) {
	entries, err := s.entries.FindByKeyPrefix(ctx, tx, entryPrefix(idempotencyKey))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("idempotency key %s: %w", idempotencyKey, gorm.ErrDuplicatedKey)
	}
	return s.priorFrom(ctx, tx, key, entries)
}

func (s *Store) priorFrom(ctx context.Context, tx *gorm.DB, key model.LedgerKey, entries []model.TipLedgerEntry) (*PostResult, error) {
	ledger, err := s.ledgers.FindByID(ctx, tx, entries[0].LedgerID)
	if err != nil {
		return nil, err
	}
	metrics.DuplicateOperations.WithLabelValues(metrics.OperationLabel(entries[0].OperationKey)).Inc()
	s.log.WithFields(logrus.Fields{
		"ledger_id":       ledger.ID,
		"idempotency_key": entries[0].IdempotencyKey,
	}).Debug("duplicate post ignored")

	result := &PostResult{
		Ledger:        *ledger,
		Entries:       entries,
		BalanceBefore: ledger.Balance,
		BalanceAfter:  ledger.Balance,
		Duplicate:     true,
	}
	for _, e := range entries {
		if e.SourceType == model.SourceDebtReclaim {
			result.Reclaimed += -e.Amount
		}
	}
	return result, model.ErrDuplicateKey
}

// Lock takes the row locks of every key inside tx, creating missing ledgers,
// in the order of LedgerKey.Less. Writers that touch several ledgers call it
// before their first post.
func (s *Store) Lock(ctx context.Context, tx *gorm.DB, keys ...model.LedgerKey) (map[model.LedgerKey]*model.TipLedger, error) {
	ordered := append([]model.LedgerKey(nil), keys...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Less(ordered[j]) })

	locked := make(map[model.LedgerKey]*model.TipLedger, len(ordered))
	for _, key := range ordered {
		if _, ok := locked[key]; ok {
			continue
		}
		ledger, err := s.ledgers.EnsureLocked(ctx, tx, key)
		if err != nil {
			return nil, fmt.Errorf("lock ledger: %w", err)
		}
		locked[key] = ledger
	}
	return locked, nil
}

// Balance returns the cached balance of a ledger. A known owner without a
// ledger yet has a zero balance.
func (s *Store) Balance(ctx context.Context, key model.LedgerKey) (int64, error) {
	ledger, err := s.ledgers.FindByKey(ctx, nil, key)
	if errors.Is(err, model.ErrLedgerNotFound) {
		if rerr := s.Resolve(ctx, key); rerr != nil {
			return 0, rerr
		}
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ledger.Balance, nil
}

// Ledger returns a ledger by id.
func (s *Store) Ledger(ctx context.Context, id string) (*model.TipLedger, error) {
	return s.ledgers.FindByID(ctx, nil, id)
}

// Page is a slice of a ledger's history.
type Page struct {
	Entries []model.TipLedgerEntry `json:"entries"`
	Total   int64                  `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

// History returns entries newest first.
func (s *Store) History(ctx context.Context, ledgerID string, limit, offset int) (*Page, error) {
	if _, err := s.ledgers.FindByID(ctx, nil, ledgerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	entries, total, err := s.entries.ListByLedger(ctx, ledgerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return &Page{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

// Archive hides a ledger from active use without deleting anything.
func (s *Store) Archive(ctx context.Context, ledgerID string) error {
	return s.ledgers.Archive(ctx, ledgerID)
}

// Correct appends one integrity_correction entry of amount and resets the
// cached balance to the entry sum, all inside tx.
func (s *Store) Correct(ctx context.Context, tx *gorm.DB, ledgerID string, amount int64, idempotencyKey string) (*model.TipLedgerEntry, int64, error) {
	ledger, err := s.ledgers.LockByID(ctx, tx, ledgerID)
	if err != nil {
		return nil, 0, err
	}
	entry := newEntry(ledger.ID, amount, model.SourceIntegrityCorrection,
		entryKey(idempotencyKey, "00"), idempotencyKey, "", s.calendar.BusinessDate(s.now()), "integrity correction")
	if err := s.entries.InsertBatch(ctx, tx, []model.TipLedgerEntry{entry}); err != nil {
		return nil, 0, err
	}
	sum, _, err := s.entries.SumByLedger(ctx, tx, ledger.ID)
	if err != nil {
		return nil, 0, err
	}
	if err := s.ledgers.SetBalance(ctx, tx, ledger.ID, sum); err != nil {
		return nil, 0, err
	}
	metrics.EntriesPosted.WithLabelValues(string(model.SourceIntegrityCorrection)).Inc()
	return &entry, sum, nil
}

func newEntry(ledgerID string, amount int64, source model.SourceType, key, op, txID, date, memo string) model.TipLedgerEntry {
	kind := model.EntryCredit
	if amount < 0 {
		kind = model.EntryDebit
	}
	return model.TipLedgerEntry{
		LedgerID:       ledgerID,
		Amount:         amount,
		Kind:           kind,
		SourceType:     source,
		IdempotencyKey: key,
		OperationKey:   op,
		TransactionID:  txID,
		BusinessDate:   date,
		Memo:           memo,
	}
}

func entryPrefix(idempotencyKey string) string {
	return idempotencyKey + "#"
}

func entryKey(idempotencyKey, suffix string) string {
	return entryPrefix(idempotencyKey) + suffix
}
