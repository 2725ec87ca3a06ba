package dto

import "time"

// AuditQuery filters audit trail listings.
type AuditQuery struct {
	ActorID    string     `form:"actor_id"`
	Action     string     `form:"action"`
	ResourceID string     `form:"resource_id"`
	From       *time.Time `form:"from" time_format:"2006-01-02"`
	To         *time.Time `form:"to" time_format:"2006-01-02"`
	Limit      int        `form:"limit"`
	Offset     int        `form:"offset"`
}
