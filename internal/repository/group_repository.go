package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

type GroupRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewGroupRepository(db *gorm.DB, log *logrus.Logger) *GroupRepository {
	return &GroupRepository{
		db:  db,
		log: log,
	}
}

func (r *GroupRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *GroupRepository) CreateGroup(ctx context.Context, tx *gorm.DB, g *model.TipGroup) error {
	return tx.WithContext(ctx).Create(g).Error
}

func (r *GroupRepository) LockGroup(ctx context.Context, tx *gorm.DB, id string) (*model.TipGroup, error) {
	var g model.TipGroup
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrGroupNotFound
	}
	return &g, err
}

func (r *GroupRepository) FindGroup(ctx context.Context, id string) (*model.TipGroup, error) {
	var g model.TipGroup
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrGroupNotFound
	}
	return &g, err
}

func (r *GroupRepository) CloseGroup(ctx context.Context, tx *gorm.DB, id string, at time.Time) error {
	return tx.WithContext(ctx).Model(&model.TipGroup{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"active": false, "ended_at": at}).Error
}

// ActiveMemberships returns the group's memberships that have not ended.
func (r *GroupRepository) ActiveMemberships(ctx context.Context, tx *gorm.DB, groupID string) ([]model.TipGroupMembership, error) {
	var ms []model.TipGroupMembership
	err := r.conn(tx).WithContext(ctx).
		Where("group_id = ? AND left_at IS NULL", groupID).
		Order("employee_id").
		Find(&ms).Error
	return ms, err
}

// MembershipAt finds the membership covering an employee at an instant, if any.
// Groups are matched by location through the join.
func (r *GroupRepository) MembershipAt(ctx context.Context, employeeID, locationID string, at time.Time) (*model.TipGroupMembership, error) {
	var ms []model.TipGroupMembership
	err := r.db.WithContext(ctx).
		Table("tip_group_memberships AS m").
		Select("m.*").
		Joins("JOIN tip_groups AS g ON g.id = m.group_id").
		Where("m.employee_id = ? AND g.location_id = ?", employeeID, locationID).
		Order("m.joined_at DESC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	for i := range ms {
		if ms[i].ActiveAt(at) {
			return &ms[i], nil
		}
	}
	return nil, nil
}

// OpenMembershipForEmployee finds an employee's current membership at a location.
func (r *GroupRepository) OpenMembershipForEmployee(ctx context.Context, tx *gorm.DB, employeeID, locationID string) (*model.TipGroupMembership, error) {
	var m model.TipGroupMembership
	err := r.conn(tx).WithContext(ctx).
		Table("tip_group_memberships AS m").
		Select("m.*").
		Joins("JOIN tip_groups AS g ON g.id = m.group_id").
		Where("m.employee_id = ? AND g.location_id = ? AND m.left_at IS NULL", employeeID, locationID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &m, err
}

func (r *GroupRepository) CreateMembership(ctx context.Context, tx *gorm.DB, m *model.TipGroupMembership) error {
	return tx.WithContext(ctx).Create(m).Error
}

func (r *GroupRepository) EndMembership(ctx context.Context, tx *gorm.DB, id uint, at time.Time) error {
	return tx.WithContext(ctx).Model(&model.TipGroupMembership{}).
		Where("id = ?", id).
		Update("left_at", at).Error
}

// OpenSegmentLocked returns the group's OPEN segment, locked, or nil.
func (r *GroupRepository) OpenSegmentLocked(ctx context.Context, tx *gorm.DB, groupID string) (*model.TipGroupSegment, error) {
	var s model.TipGroupSegment
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("group_id = ? AND status = ?", groupID, model.SegmentOpen).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &s, err
}

func (r *GroupRepository) OpenSegment(ctx context.Context, groupID string) (*model.TipGroupSegment, error) {
	var s model.TipGroupSegment
	err := r.db.WithContext(ctx).
		Preload("Members").
		Where("group_id = ? AND status = ?", groupID, model.SegmentOpen).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &s, err
}

func (r *GroupRepository) LastSequence(ctx context.Context, tx *gorm.DB, groupID string) (int, error) {
	var seq int
	err := tx.WithContext(ctx).Model(&model.TipGroupSegment{}).
		Select("COALESCE(MAX(sequence), 0)").
		Where("group_id = ?", groupID).
		Scan(&seq).Error
	return seq, err
}

// CreateSegment inserts a segment together with its member snapshot.
func (r *GroupRepository) CreateSegment(ctx context.Context, tx *gorm.DB, s *model.TipGroupSegment) error {
	return tx.WithContext(ctx).Create(s).Error
}

func (r *GroupRepository) LockSegment(ctx context.Context, tx *gorm.DB, id string) (*model.TipGroupSegment, error) {
	var s model.TipGroupSegment
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrSegmentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Where("segment_id = ?", id).Order("employee_id").Find(&s.Members).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *GroupRepository) FindSegment(ctx context.Context, id string) (*model.TipGroupSegment, error) {
	var s model.TipGroupSegment
	err := r.db.WithContext(ctx).Preload("Members").Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrSegmentNotFound
	}
	return &s, err
}

func (r *GroupRepository) CloseSegment(ctx context.Context, tx *gorm.DB, id string, at time.Time) error {
	return tx.WithContext(ctx).Model(&model.TipGroupSegment{}).
		Where("id = ? AND status = ?", id, model.SegmentOpen).
		Updates(map[string]interface{}{"status": model.SegmentClosed, "ended_at": at}).Error
}

func (r *GroupRepository) MarkSettled(ctx context.Context, tx *gorm.DB, id string, at time.Time) error {
	return tx.WithContext(ctx).Model(&model.TipGroupSegment{}).
		Where("id = ? AND status = ?", id, model.SegmentClosed).
		Updates(map[string]interface{}{"status": model.SegmentSettled, "settled_at": at}).Error
}

// AddContribution records the contribution and grows the segment pool.
func (r *GroupRepository) AddContribution(ctx context.Context, tx *gorm.DB, c *model.TipGroupContribution) error {
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Model(&model.TipGroupSegment{}).
		Where("id = ?", c.SegmentID).
		Update("pool_amount", gorm.Expr("pool_amount + ?", c.Amount)).Error
}

// ContributionBucket is the part of a segment's pool that came in as one kind
// of money on one business day.
type ContributionBucket struct {
	Kind         model.TransactionKind
	BusinessDate string
	Amount       int64
}

// ContributionBuckets splits a segment's contributions by kind and business
// day, ordered by day and then kind.
func (r *GroupRepository) ContributionBuckets(ctx context.Context, tx *gorm.DB, segmentID string) ([]ContributionBucket, error) {
	var buckets []ContributionBucket
	err := r.conn(tx).WithContext(ctx).
		Model(&model.TipGroupContribution{}).
		Select("kind, business_date, SUM(amount) AS amount").
		Where("segment_id = ?", segmentID).
		Group("kind, business_date").
		Order("business_date, kind").
		Scan(&buckets).Error
	return buckets, err
}

// Segments returns a group's timeline, oldest first.
func (r *GroupRepository) Segments(ctx context.Context, groupID string) ([]model.TipGroupSegment, error) {
	var segments []model.TipGroupSegment
	err := r.db.WithContext(ctx).
		Preload("Members").
		Where("group_id = ?", groupID).
		Order("sequence").
		Find(&segments).Error
	return segments, err
}

// ClosedUnsettled lists segments waiting for settlement.
func (r *GroupRepository) ClosedUnsettled(ctx context.Context, limit int) ([]model.TipGroupSegment, error) {
	var segments []model.TipGroupSegment
	err := r.db.WithContext(ctx).
		Where("status = ?", model.SegmentClosed).
		Order("ended_at").
		Limit(limit).
		Find(&segments).Error
	return segments, err
}
