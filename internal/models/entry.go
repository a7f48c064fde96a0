package models

import (
	"time"
)

// Entry visibility values
const (
	VisibilityPublic   = "PUBLIC"
	VisibilityUnlisted = "UNLISTED"
	VisibilityFriends  = "FRIENDS"
	VisibilityDeleted  = "DELETED"
)

// Entry content types
const (
	ContentTypePlain    = "text/plain"
	ContentTypeMarkdown = "text/markdown"
	ContentTypeBase64   = "application/base64"
	ContentTypePNG      = "image/png;base64"
	ContentTypeJPEG     = "image/jpeg;base64"
)

// ValidVisibility reports whether v is a recognized visibility value.
func ValidVisibility(v string) bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityFriends, VisibilityDeleted:
		return true
	}
	return false
}

// Entry is a post. The FQID is the primary key so entries pushed from remote
// nodes upsert cleanly. Entries are soft-deleted only, keeping the FQID
// resolvable for late-arriving remote references.
type Entry struct {
	URL    string `gorm:"type:varchar(512);primaryKey;column:url"`
	Serial string `gorm:"type:varchar(64);not null;index:entries_serial_ix;column:serial"`

	AuthorURL string `gorm:"type:varchar(512);not null;index:entries_author_ix;column:author_url"`

	Title       string `gorm:"type:varchar(200);not null;default:'';column:title"`
	Description string `gorm:"type:text;not null;default:'';column:description"`
	Content     string `gorm:"type:text;not null;default:'';column:content"`
	ContentType string `gorm:"type:varchar(50);not null;default:'text/plain';column:content_type"`

	Visibility string `gorm:"type:varchar(10);not null;default:'PUBLIC';index:entries_visibility_ix;column:visibility"`
	IsDeleted  bool   `gorm:"not null;default:false;column:is_deleted"`

	Published time.Time `gorm:"not null;column:published"`
	Updated   time.Time `gorm:"not null;column:updated"`

	// Relationships
	Author *Author `gorm:"foreignKey:AuthorURL;references:URL"`
}

// TableName specifies the table name for Entry
func (Entry) TableName() string {
	return "entries"
}
