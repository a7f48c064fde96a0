package models

import (
	"time"
)

// Follow status values
const (
	FollowStatusPending  = "PENDING"
	FollowStatusAccepted = "ACCEPTED"
	FollowStatusRejected = "REJECTED"
)

// Follow is a directed edge from follower to following. Edges are keyed by
// author FQIDs; the pair is unique so duplicate follow requests resolve
// deterministically at the storage layer.
type Follow struct {
	ID int64 `gorm:"primaryKey;autoIncrement;column:id"`

	FollowerURL  string `gorm:"type:varchar(512);not null;uniqueIndex:follows_pair_ux,priority:1;index:follows_follower_status_ix,priority:1;column:follower_url"`
	FollowingURL string `gorm:"type:varchar(512);not null;uniqueIndex:follows_pair_ux,priority:2;index:follows_following_status_ix,priority:1;column:following_url"`

	Status string `gorm:"type:varchar(10);not null;default:'PENDING';index:follows_follower_status_ix,priority:2;index:follows_following_status_ix,priority:2;column:status"`

	CreatedAt time.Time `gorm:"not null;column:created_at"`
	UpdatedAt time.Time `gorm:"not null;column:updated_at"`

	// Relationships
	Follower  *Author `gorm:"foreignKey:FollowerURL;references:URL"`
	Following *Author `gorm:"foreignKey:FollowingURL;references:URL"`
}

// TableName specifies the table name for Follow
func (Follow) TableName() string {
	return "follows"
}

// IsPending reports whether the follow request is awaiting approval.
func (f *Follow) IsPending() bool {
	return f.Status == FollowStatusPending
}

// IsAccepted reports whether the follow has been approved.
func (f *Follow) IsAccepted() bool {
	return f.Status == FollowStatusAccepted
}
