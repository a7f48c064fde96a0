package models

import (
	"time"
)

// Comment is attached to one entry and authored by one author.
type Comment struct {
	URL    string `gorm:"type:varchar(512);primaryKey;column:url"`
	Serial string `gorm:"type:varchar(64);not null;index:comments_serial_ix;column:serial"`

	AuthorURL string `gorm:"type:varchar(512);not null;index:comments_author_ix;column:author_url"`
	EntryURL  string `gorm:"type:varchar(512);not null;index:comments_entry_ix;column:entry_url"`

	Comment     string `gorm:"type:text;not null;default:'';column:comment"`
	ContentType string `gorm:"type:varchar(50);not null;default:'text/plain';column:content_type"`

	Published time.Time `gorm:"not null;column:published"`

	// Relationships
	Author *Author `gorm:"foreignKey:AuthorURL;references:URL"`
	Entry  *Entry  `gorm:"foreignKey:EntryURL;references:URL"`
}

// TableName specifies the table name for Comment
func (Comment) TableName() string {
	return "comments"
}
