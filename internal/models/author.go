package models

import (
	"time"
)

// Author represents a local user or a proxy record for an author hosted on
// a remote node. Proxies carry IsActive=false and can never authenticate.
type Author struct {
	ID int64 `gorm:"primaryKey;autoIncrement;column:id"`

	// URL is the FQID, e.g. "http://node-a/api/authors/{serial}".
	// It is globally unique and never reassigned.
	URL    string `gorm:"type:varchar(512);not null;uniqueIndex:authors_url_ux;column:url"`
	Serial string `gorm:"type:varchar(64);not null;uniqueIndex:authors_serial_ux;column:serial"`

	Username     string `gorm:"type:varchar(150);not null;uniqueIndex:authors_username_ux;column:username"`
	PasswordHash string `gorm:"type:varchar(255);not null;default:'';column:password_hash"`

	// Host is the base URL of the node that is authoritative for this author.
	Host         string `gorm:"type:varchar(500);not null;column:host"`
	DisplayName  string `gorm:"type:varchar(150);not null;default:'';column:display_name"`
	Github       string `gorm:"type:varchar(500);not null;default:'';column:github"`
	ProfileImage string `gorm:"type:varchar(1024);not null;default:'';column:profile_image"`

	// No column default: a default would make gorm omit the zero value on
	// insert, silently storing proxies as active.
	IsActive bool `gorm:"not null;column:is_active"`

	CreatedAt time.Time `gorm:"not null;column:created_at"`
	UpdatedAt time.Time `gorm:"not null;column:updated_at"`
}

// TableName specifies the table name for Author
func (Author) TableName() string {
	return "authors"
}
