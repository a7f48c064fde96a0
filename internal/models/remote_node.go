package models

import (
	"time"
)

// RemoteNode is a known peer node, not an author. It carries two independent
// credential pairs: outgoing (used when this node calls the peer, stored
// reversibly because it is replayed in Basic-Auth headers) and incoming
// (used to verify the peer's calls to this node, stored as a bcrypt hash).
type RemoteNode struct {
	ID int64 `gorm:"primaryKey;autoIncrement;column:id"`

	// Host is the base URL of the remote node, e.g. "http://node-b.example.com/".
	Host string `gorm:"type:varchar(500);not null;uniqueIndex:remote_nodes_host_ux;column:host"`

	OutgoingUsername string `gorm:"type:varchar(255);not null;default:'';column:outgoing_username"`
	OutgoingPassword string `gorm:"type:varchar(255);not null;default:'';column:outgoing_password"`

	IncomingUsername     string `gorm:"type:varchar(255);not null;default:'';index:remote_nodes_incoming_ix;column:incoming_username"`
	IncomingPasswordHash string `gorm:"type:varchar(255);not null;default:'';column:incoming_password_hash"`

	// IsActive gates all traffic in both directions.
	IsActive bool `gorm:"not null;default:true;column:is_active"`

	CreatedAt time.Time `gorm:"not null;column:created_at"`
	UpdatedAt time.Time `gorm:"not null;column:updated_at"`
}

// TableName specifies the table name for RemoteNode
func (RemoteNode) TableName() string {
	return "remote_nodes"
}
