package models

import (
	"time"
)

// Like target kinds
const (
	LikeTargetEntry   = "entry"
	LikeTargetComment = "comment"
)

// Like marks an entry or comment as liked by an author. The target is a
// tagged union of kind and FQID rather than a reflective generic relation.
// The (author, target) pair is unique at the storage layer; the duplicate
// insert path maps to 409.
type Like struct {
	URL    string `gorm:"type:varchar(512);primaryKey;column:url"`
	Serial string `gorm:"type:varchar(64);not null;index:likes_serial_ix;column:serial"`

	AuthorURL string `gorm:"type:varchar(512);not null;uniqueIndex:likes_author_target_ux,priority:1;column:author_url"`

	TargetKind string `gorm:"type:varchar(10);not null;column:target_kind"`
	TargetURL  string `gorm:"type:varchar(512);not null;uniqueIndex:likes_author_target_ux,priority:2;index:likes_target_ix;column:target_url"`

	Published time.Time `gorm:"not null;column:published"`

	// Relationships
	Author *Author `gorm:"foreignKey:AuthorURL;references:URL"`
}

// TableName specifies the table name for Like
func (Like) TableName() string {
	return "likes"
}
