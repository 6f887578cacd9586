package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleVoter Role = "voter"
)

// RoleFor maps the admin flag used on the wire to a Role.
func RoleFor(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RoleVoter
}

type PresenceStatus string

const (
	StatusActive PresenceStatus = "active"
	StatusAway   PresenceStatus = "away"
)

type Participant struct {
	ID       string         `json:"id"`
	Username string         `json:"username"`
	Role     Role           `json:"role"`
	IsAdmin  bool           `json:"isAdmin"`
	Status   PresenceStatus `json:"status,omitempty"`
}

// ParticipantRecord is one presence row. The pair (GameID, UsernameKey) is unique
// so two joins with the same name cannot both land.
type ParticipantRecord struct {
	GameID        string    `gorm:"primaryKey;size:64;uniqueIndex:idx_participants_username,priority:1"`
	ID            string    `gorm:"primaryKey;size:64"`
	Username      string    `gorm:"not null"`
	UsernameKey   string    `gorm:"not null;uniqueIndex:idx_participants_username,priority:2"`
	IsAdmin       bool      `gorm:"not null;default:false"`
	LastHeartbeat time.Time `gorm:"not null;index"`
	CreatedAt     time.Time
}

func (ParticipantRecord) TableName() string { return "participants" }

// UsernameKey normalizes a username for uniqueness checks.
func UsernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
