// Package pool tracks tip groups as an append-only timeline of membership
// segments and settles each closed segment's pool across its members.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/share"
)

// Roles supplies the configured tip weight of a role.
type Roles interface {
	RoleWeight(ctx context.Context, roleID string) (decimal.Decimal, error)
}

// Routing says where a tip for an employee lands.
type Routing struct {
	Pooled     bool   `json:"pooled"`
	GroupID    string `json:"group_id,omitempty"`
	SegmentID  string `json:"segment_id,omitempty"`
	LocationID string `json:"location_id"`
}

// PoolKey is the ledger holding the group's undistributed pool.
func (r Routing) PoolKey() model.LedgerKey {
	return model.PoolKey(r.GroupID, r.LocationID)
}

type Member struct {
	EmployeeID string `json:"employee_id"`
	RoleID     string `json:"role_id"`
}

type NewGroup struct {
	LocationID string          `json:"location_id"`
	Name       string          `json:"name"`
	SplitMode  model.SplitMode `json:"split_mode"`
	Members    []Member        `json:"members"`
}

type Manager struct {
	db     *gorm.DB
	groups *repository.GroupRepository
	store  *ledger.Store
	guard  *ledger.Guard
	roles  Roles
	log    *logrus.Logger
}

func NewManager(db *gorm.DB, store *ledger.Store, guard *ledger.Guard, roles Roles, log *logrus.Logger) *Manager {
	return &Manager{
		db:     db,
		groups: repository.NewGroupRepository(db, log),
		store:  store,
		guard:  guard,
		roles:  roles,
		log:    log,
	}
}

// Resolve reports whether a tip earned by the employee at the instant belongs
// to a group pool. A group whose open segment has no members cannot take
// contributions, so its tips stay with the individual.
func (m *Manager) Resolve(ctx context.Context, employeeID, locationID string, at time.Time) (Routing, error) {
	individual := Routing{LocationID: locationID}

	membership, err := m.groups.MembershipAt(ctx, employeeID, locationID, at)
	if err != nil {
		return individual, fmt.Errorf("membership lookup: %w", err)
	}
	if membership == nil {
		return individual, nil
	}

	segment, err := m.groups.OpenSegment(ctx, membership.GroupID)
	if err != nil {
		return individual, fmt.Errorf("open segment lookup: %w", err)
	}
	if segment == nil || len(segment.Members) == 0 {
		return individual, nil
	}

	return Routing{
		Pooled:     true,
		GroupID:    membership.GroupID,
		SegmentID:  segment.ID,
		LocationID: locationID,
	}, nil
}

// Contribute credits amount to the group's pool ledger and adds it to the open
// segment, all inside the caller's operation. The contribution keeps the kind
// of money and the operation's business day so settlement can pay it back out
// the same way.
func (m *Manager) Contribute(ctx context.Context, op *ledger.Operation, r Routing, employeeID string, amount int64, kind model.TransactionKind, suffix string) error {
	if !r.Pooled {
		return fmt.Errorf("%w: contribution without a pool", model.ErrInvalidInput)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: contribution of %d", model.ErrInvalidInput, amount)
	}
	if kind == "" {
		kind = model.TransactionTip
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: contribution kind %q", model.ErrInvalidInput, kind)
	}

	segment, err := m.groups.LockSegment(ctx, op.Tx, r.SegmentID)
	if err != nil {
		return err
	}
	if segment.Status != model.SegmentOpen {
		return fmt.Errorf("segment %s is %s: %w", segment.ID, segment.Status, model.ErrSegmentNotOpen)
	}
	if len(segment.Members) == 0 {
		return fmt.Errorf("segment %s has no members: %w", segment.ID, model.ErrSegmentNotOpen)
	}

	res, err := op.Post(ctx, r.PoolKey(), suffix, ledger.EntryInput{
		Amount:     amount,
		SourceType: model.SourcePoolContribution,
		Memo:       "from " + employeeID,
	})
	if err != nil {
		return err
	}

	return m.groups.AddContribution(ctx, op.Tx, &model.TipGroupContribution{
		SegmentID:      segment.ID,
		EmployeeID:     employeeID,
		Amount:         amount,
		Kind:           kind,
		BusinessDate:   res.Entries[0].BusinessDate,
		IdempotencyKey: res.Entries[0].IdempotencyKey,
		TransactionID:  op.TransactionID,
	})
}

// CreateGroup opens a group and its first segment.
func (m *Manager) CreateGroup(ctx context.Context, req NewGroup, at time.Time) (*model.TipGroup, error) {
	if req.LocationID == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: group needs a location and a name", model.ErrInvalidInput)
	}
	if req.SplitMode == "" {
		req.SplitMode = model.SplitEqual
	}
	if !req.SplitMode.Valid() {
		return nil, fmt.Errorf("%w: split mode %q", model.ErrInvalidInput, req.SplitMode)
	}
	at = m.instant(at)

	memberships := make([]model.TipGroupMembership, 0, len(req.Members))
	seen := make(map[string]bool, len(req.Members))
	for _, mem := range req.Members {
		if seen[mem.EmployeeID] {
			return nil, fmt.Errorf("%w: %s listed twice", model.ErrInvalidInput, mem.EmployeeID)
		}
		seen[mem.EmployeeID] = true
		ms, err := m.membership(ctx, req.LocationID, mem, at)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, ms)
	}

	group := &model.TipGroup{
		LocationID: req.LocationID,
		Name:       req.Name,
		SplitMode:  req.SplitMode,
		Active:     true,
		StartedAt:  at,
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.groups.CreateGroup(ctx, tx, group); err != nil {
			return err
		}
		for i := range memberships {
			existing, err := m.groups.OpenMembershipForEmployee(ctx, tx, memberships[i].EmployeeID, req.LocationID)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%s: %w", memberships[i].EmployeeID, model.ErrAlreadyMember)
			}
			memberships[i].GroupID = group.ID
			if err := m.groups.CreateMembership(ctx, tx, &memberships[i]); err != nil {
				return err
			}
		}
		_, err := m.rotate(ctx, tx, group, at)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"group_id": group.ID,
		"location": group.LocationID,
		"members":  len(memberships),
	}).Info("tip group created")
	return group, nil
}

// Join adds an employee to a group and starts a new segment.
func (m *Manager) Join(ctx context.Context, groupID string, mem Member, at time.Time) (*model.TipGroupSegment, error) {
	at = m.instant(at)
	group, err := m.groups.FindGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ms, err := m.membership(ctx, group.LocationID, mem, at)
	if err != nil {
		return nil, err
	}
	ms.GroupID = groupID

	var segment *model.TipGroupSegment
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := m.lockActive(ctx, tx, groupID)
		if err != nil {
			return err
		}
		existing, err := m.groups.OpenMembershipForEmployee(ctx, tx, mem.EmployeeID, group.LocationID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%s: %w", mem.EmployeeID, model.ErrAlreadyMember)
		}
		if err := m.groups.CreateMembership(ctx, tx, &ms); err != nil {
			return err
		}
		segment, err = m.rotate(ctx, tx, group, at)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"group_id":    groupID,
		"employee_id": mem.EmployeeID,
		"segment_id":  segment.ID,
	}).Info("member joined tip group")
	return segment, nil
}

// Leave ends an employee's membership and starts a new segment without them.
func (m *Manager) Leave(ctx context.Context, groupID, employeeID string, at time.Time) (*model.TipGroupSegment, error) {
	at = m.instant(at)

	var segment *model.TipGroupSegment
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := m.lockActive(ctx, tx, groupID)
		if err != nil {
			return err
		}
		ms, err := m.groups.OpenMembershipForEmployee(ctx, tx, employeeID, group.LocationID)
		if err != nil {
			return err
		}
		if ms == nil || ms.GroupID != groupID {
			return fmt.Errorf("%s in %s: %w", employeeID, groupID, model.ErrNotMember)
		}
		if at.Before(ms.JoinedAt) {
			return fmt.Errorf("%w: leave before join", model.ErrInvalidInput)
		}
		if err := m.groups.EndMembership(ctx, tx, ms.ID, at); err != nil {
			return err
		}
		segment, err = m.rotate(ctx, tx, group, at)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"group_id":    groupID,
		"employee_id": employeeID,
	}).Info("member left tip group")
	return segment, nil
}

// CloseGroup ends every membership and closes the last segment. No segment
// follows a closed group.
func (m *Manager) CloseGroup(ctx context.Context, groupID string, at time.Time) error {
	at = m.instant(at)
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := m.lockActive(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if _, err := m.closeOpen(ctx, tx, group.ID, at); err != nil {
			return err
		}
		members, err := m.groups.ActiveMemberships(ctx, tx, group.ID)
		if err != nil {
			return err
		}
		for _, ms := range members {
			if err := m.groups.EndMembership(ctx, tx, ms.ID, at); err != nil {
				return err
			}
		}
		return m.groups.CloseGroup(ctx, tx, group.ID, at)
	})
	if err != nil {
		return err
	}
	m.log.WithField("group_id", groupID).Info("tip group closed")
	return nil
}

// CloseSegment closes an open segment so it can be settled. An active group
// continues in a new segment with the same members.
func (m *Manager) CloseSegment(ctx context.Context, segmentID string, at time.Time) (*model.TipGroupSegment, error) {
	at = m.instant(at)
	var next *model.TipGroupSegment
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		segment, err := m.groups.LockSegment(ctx, tx, segmentID)
		if err != nil {
			return err
		}
		if segment.Status != model.SegmentOpen {
			return fmt.Errorf("segment %s is %s: %w", segmentID, segment.Status, model.ErrSegmentNotOpen)
		}
		group, err := m.lockActive(ctx, tx, segment.GroupID)
		if err != nil {
			return err
		}
		next, err = m.rotate(ctx, tx, group, at)
		return err
	})
	return next, err
}

// SettleSegment distributes a closed segment's pool to its members. Each
// contribution bucket (kind of money and business day) is paid out on its own
// and the settlement entries carry that kind and day. Settling twice returns
// the same distribution together with ErrSegmentAlreadySettled.
func (m *Manager) SettleSegment(ctx context.Context, segmentID string) ([]share.Share, error) {
	segment, err := m.groups.FindSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	switch segment.Status {
	case model.SegmentOpen:
		return nil, fmt.Errorf("segment %s: %w", segmentID, model.ErrSegmentNotClosed)
	case model.SegmentSettled:
		return m.settled(ctx, segment)
	}
	group, err := m.groups.FindGroup(ctx, segment.GroupID)
	if err != nil {
		return nil, err
	}
	poolKey := model.PoolKey(group.ID, group.LocationID)

	var shares []share.Share
	_, err = m.guard.Execute(ctx, nil, SettleKey(segmentID), func(op *ledger.Operation) error {
		locked, err := m.groups.LockSegment(ctx, op.Tx, segmentID)
		if err != nil {
			return err
		}
		if locked.Status == model.SegmentSettled {
			return model.ErrSegmentAlreadySettled
		}
		if locked.Status != model.SegmentClosed {
			return model.ErrSegmentNotClosed
		}

		var parts []Part
		shares, parts, err = m.split(ctx, op.Tx, locked)
		if err != nil {
			return err
		}
		if err := m.payOut(ctx, op, group.LocationID, poolKey, segmentID, shares, parts); err != nil {
			return err
		}
		return m.groups.MarkSettled(ctx, op.Tx, segmentID, m.store.Now())
	})
	switch {
	case errors.Is(err, model.ErrDuplicateKey), errors.Is(err, model.ErrSegmentAlreadySettled):
		return m.settled(ctx, segment)
	case err != nil:
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"segment_id": segmentID,
		"pool":       segment.PoolAmount,
		"members":    len(shares),
	}).Info("segment settled")
	return shares, nil
}

// payOut credits members first, in employee order, and debits the pool last.
func (m *Manager) payOut(ctx context.Context, op *ledger.Operation, locationID string, poolKey model.LedgerKey, segmentID string, shares []share.Share, parts []Part) error {
	if len(parts) == 0 || len(shares) == 0 {
		return nil
	}
	keys := make([]model.LedgerKey, 0, len(shares))
	for _, s := range shares {
		if s.Amount > 0 {
			keys = append(keys, model.EmployeeKey(s.EmployeeID, locationID))
		}
	}
	if _, err := m.store.Lock(ctx, op.Tx, keys...); err != nil {
		return err
	}

	memo := "segment " + segmentID
	for i, s := range shares {
		if s.Amount == 0 {
			continue
		}
		for _, part := range parts {
			amount := part.Shares[i].Amount
			if amount == 0 {
				continue
			}
			suffix := s.EmployeeID + "/" + part.BusinessDate + "/" + string(part.Kind)
			if _, err := op.PostOn(ctx, part.BusinessDate, model.EmployeeKey(s.EmployeeID, locationID), suffix, ledger.EntryInput{
				Amount:     amount,
				SourceType: model.SourcePoolSettlement,
				IncomeKind: part.Kind,
				Memo:       memo,
			}); err != nil {
				return err
			}
		}
	}
	for _, part := range parts {
		if _, err := op.PostOn(ctx, part.BusinessDate, poolKey, "pool/"+part.BusinessDate+"/"+string(part.Kind), ledger.EntryInput{
			Amount:     -part.Amount,
			SourceType: model.SourcePoolSettlement,
			IncomeKind: part.Kind,
			Memo:       memo,
		}); err != nil {
			return err
		}
	}
	return nil
}

// split reads the segment's contribution buckets and distributes them. Pool
// money without a contribution record is paid out as tips on the day the
// segment ended.
func (m *Manager) split(ctx context.Context, tx *gorm.DB, segment *model.TipGroupSegment) ([]share.Share, []Part, error) {
	buckets, err := m.groups.ContributionBuckets(ctx, tx, segment.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("contribution buckets: %w", err)
	}
	ended := segment.StartedAt
	if segment.EndedAt != nil {
		ended = *segment.EndedAt
	}
	var recorded int64
	for i := range buckets {
		recorded += buckets[i].Amount
		if buckets[i].BusinessDate == "" {
			buckets[i].BusinessDate = m.store.BusinessDate(ended)
		}
	}
	if rest := segment.PoolAmount - recorded; rest > 0 {
		buckets = append(buckets, repository.ContributionBucket{
			Kind:         model.TransactionTip,
			BusinessDate: m.store.BusinessDate(ended),
			Amount:       rest,
		})
	}
	shares, parts := Split(segment, buckets)
	return shares, parts, nil
}

func (m *Manager) settled(ctx context.Context, segment *model.TipGroupSegment) ([]share.Share, error) {
	shares, _, err := m.split(ctx, nil, segment)
	if err != nil {
		return nil, err
	}
	return shares, fmt.Errorf("segment %s: %w", segment.ID, model.ErrSegmentAlreadySettled)
}

// Segments returns a group's timeline.
func (m *Manager) Segments(ctx context.Context, groupID string) ([]model.TipGroupSegment, error) {
	if _, err := m.groups.FindGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return m.groups.Segments(ctx, groupID)
}

// PendingSettlement lists closed segments not yet settled.
func (m *Manager) PendingSettlement(ctx context.Context, limit int) ([]model.TipGroupSegment, error) {
	return m.groups.ClosedUnsettled(ctx, limit)
}

// SettleKey is the operation key of a segment settlement.
func SettleKey(segmentID string) string {
	return "segment:" + segmentID + ":settle"
}

func (m *Manager) membership(ctx context.Context, locationID string, mem Member, at time.Time) (model.TipGroupMembership, error) {
	if err := m.store.Resolve(ctx, model.EmployeeKey(mem.EmployeeID, locationID)); err != nil {
		return model.TipGroupMembership{}, err
	}
	weight, err := m.roles.RoleWeight(ctx, mem.RoleID)
	if err != nil {
		return model.TipGroupMembership{}, fmt.Errorf("role weight: %w", err)
	}
	return model.TipGroupMembership{
		EmployeeID: mem.EmployeeID,
		RoleID:     mem.RoleID,
		Weight:     weight,
		JoinedAt:   at,
	}, nil
}

func (m *Manager) lockActive(ctx context.Context, tx *gorm.DB, groupID string) (*model.TipGroup, error) {
	group, err := m.groups.LockGroup(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	if !group.Active {
		return nil, fmt.Errorf("group %s: %w", groupID, model.ErrGroupClosed)
	}
	return group, nil
}

// closeOpen ends the current segment at at. Segments never run backwards, so
// at must not precede the open segment's start.
func (m *Manager) closeOpen(ctx context.Context, tx *gorm.DB, groupID string, at time.Time) (*model.TipGroupSegment, error) {
	open, err := m.groups.OpenSegmentLocked(ctx, tx, groupID)
	if err != nil || open == nil {
		return nil, err
	}
	if at.Before(open.StartedAt) {
		return nil, fmt.Errorf("%w: change at %s precedes segment start %s", model.ErrInvalidInput, at, open.StartedAt)
	}
	if err := m.groups.CloseSegment(ctx, tx, open.ID, at); err != nil {
		return nil, err
	}
	return open, nil
}

// rotate closes the open segment and opens the next one with the group's
// current members, starting exactly where the previous one ended.
func (m *Manager) rotate(ctx context.Context, tx *gorm.DB, group *model.TipGroup, at time.Time) (*model.TipGroupSegment, error) {
	if _, err := m.closeOpen(ctx, tx, group.ID, at); err != nil {
		return nil, err
	}
	seq, err := m.groups.LastSequence(ctx, tx, group.ID)
	if err != nil {
		return nil, err
	}
	memberships, err := m.groups.ActiveMemberships(ctx, tx, group.ID)
	if err != nil {
		return nil, err
	}

	segment := &model.TipGroupSegment{
		GroupID:   group.ID,
		Sequence:  seq + 1,
		SplitMode: group.SplitMode,
		Status:    model.SegmentOpen,
		StartedAt: at,
	}
	for _, ms := range memberships {
		segment.Members = append(segment.Members, model.TipGroupSegmentMember{
			EmployeeID: ms.EmployeeID,
			RoleID:     ms.RoleID,
			Weight:     ms.Weight,
			ActiveFrom: at,
		})
	}
	if err := m.groups.CreateSegment(ctx, tx, segment); err != nil {
		return nil, err
	}
	return segment, nil
}

func (m *Manager) instant(at time.Time) time.Time {
	if at.IsZero() {
		return m.store.Now()
	}
	return at.UTC()
}
