package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type SplitMode string

const (
	SplitEqual        SplitMode = "equal"
	SplitRoleWeighted SplitMode = "role_weighted"
)

func (m SplitMode) Valid() bool {
	return m == SplitEqual || m == SplitRoleWeighted
}

// SegmentStatus only ever moves forward: OPEN -> CLOSED -> SETTLED.
type SegmentStatus string

const (
	SegmentOpen    SegmentStatus = "OPEN"
	SegmentClosed  SegmentStatus = "CLOSED"
	SegmentSettled SegmentStatus = "SETTLED"
)

// TipGroup is a tip pool at one location.
type TipGroup struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	LocationID string     `gorm:"size:64;not null;index" json:"location_id"`
	Name       string     `gorm:"size:128;not null" json:"name"`
	SplitMode  SplitMode  `gorm:"size:16;not null" json:"split_mode"`
	Active     bool       `gorm:"not null;default:true" json:"active"`
	StartedAt  time.Time  `gorm:"not null" json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (TipGroup) TableName() string {
	return "tip_groups"
}

func (g *TipGroup) BeforeCreate(*gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return nil
}

// TipGroupMembership is one employee's stay in a group. LeftAt is nil while
// the employee is still a member.
type TipGroupMembership struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	GroupID    string          `gorm:"size:36;not null;index:idx_membership_group" json:"group_id"`
	EmployeeID string          `gorm:"size:64;not null;index:idx_membership_employee" json:"employee_id"`
	RoleID     string          `gorm:"size:64" json:"role_id"`
	Weight     decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"weight"`
	JoinedAt   time.Time       `gorm:"not null" json:"joined_at"`
	LeftAt     *time.Time      `gorm:"index:idx_membership_employee" json:"left_at,omitempty"`
}

func (TipGroupMembership) TableName() string {
	return "tip_group_memberships"
}

// ActiveAt reports whether the membership covers the instant at.
func (m *TipGroupMembership) ActiveAt(at time.Time) bool {
	if at.Before(m.JoinedAt) {
		return false
	}
	return m.LeftAt == nil || at.Before(*m.LeftAt)
}

// TipGroupSegment is a period of stable membership inside a group.
type TipGroupSegment struct {
	ID         string                  `gorm:"primaryKey;size:36" json:"id"`
	GroupID    string                  `gorm:"size:36;not null;uniqueIndex:idx_segment_seq" json:"group_id"`
	Sequence   int                     `gorm:"not null;uniqueIndex:idx_segment_seq" json:"sequence"`
	SplitMode  SplitMode               `gorm:"size:16;not null" json:"split_mode"`
	Status     SegmentStatus           `gorm:"size:8;not null;index" json:"status"`
	StartedAt  time.Time               `gorm:"not null" json:"started_at"`
	EndedAt    *time.Time              `json:"ended_at,omitempty"`
	PoolAmount int64                   `gorm:"not null;default:0" json:"pool_amount"`
	SettledAt  *time.Time              `json:"settled_at,omitempty"`
	Members    []TipGroupSegmentMember `gorm:"foreignKey:SegmentID" json:"members"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

func (TipGroupSegment) TableName() string {
	return "tip_group_segments"
}

func (s *TipGroupSegment) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// TipGroupSegmentMember is a member snapshot taken when the segment opened.
// ActiveFrom/ActiveUntil narrow the member's window inside the segment; nil
// ActiveUntil means until the segment end.
type TipGroupSegmentMember struct {
	ID          uint            `gorm:"primaryKey" json:"-"`
	SegmentID   string          `gorm:"size:36;not null;index" json:"segment_id"`
	EmployeeID  string          `gorm:"size:64;not null" json:"employee_id"`
	RoleID      string          `gorm:"size:64" json:"role_id"`
	Weight      decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"weight"`
	ActiveFrom  time.Time       `gorm:"not null" json:"active_from"`
	ActiveUntil *time.Time      `json:"active_until,omitempty"`
}

func (TipGroupSegmentMember) TableName() string {
	return "tip_group_segment_members"
}

// TipGroupContribution records an amount added to an open segment's pool.
type TipGroupContribution struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	SegmentID      string          `gorm:"size:36;not null;index" json:"segment_id"`
	EmployeeID     string          `gorm:"size:64;not null" json:"employee_id"`
	Amount         int64           `gorm:"not null" json:"amount"`
	Kind           TransactionKind `gorm:"size:16;not null;default:tip" json:"kind"`
	BusinessDate   string          `gorm:"size:10;not null" json:"business_date"`
	IdempotencyKey string          `gorm:"size:191;not null;uniqueIndex" json:"idempotency_key"`
	TransactionID  string          `gorm:"size:36;index" json:"transaction_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (TipGroupContribution) TableName() string {
	return "tip_group_contributions"
}
