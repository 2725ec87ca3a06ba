package models

import (
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const minutesPerDay = 24 * 60

// TimeWindow restricts a grant to a daily wall-clock interval, expressed in
// minutes since midnight, inclusive on both ends. The engine evaluates it
// against a single configured timezone.
type TimeWindow struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

// Contains reports whether the given minute-of-day falls inside the window.
func (w TimeWindow) Contains(minuteOfDay int) bool {
	return minuteOfDay >= w.StartMinute && minuteOfDay <= w.EndMinute
}

// Validate checks window bounds. Windows never wrap midnight; an overnight
// shift is expressed as two grants.
func (w TimeWindow) Validate() error {
	if w.StartMinute < 0 || w.StartMinute >= minutesPerDay {
		return fmt.Errorf("start_minute %d out of range", w.StartMinute)
	}
	if w.EndMinute < 0 || w.EndMinute >= minutesPerDay {
		return fmt.Errorf("end_minute %d out of range", w.EndMinute)
	}
	if w.StartMinute > w.EndMinute {
		return fmt.Errorf("start_minute %d after end_minute %d", w.StartMinute, w.EndMinute)
	}
	return nil
}

// PermissionGrant maps (role, module, action) to a permission with optional
// structured restrictions. At most one active grant exists per key.
type PermissionGrant struct {
	ID               string              `db:"id" json:"id"`
	RoleID           string              `db:"role_id" json:"role_id"`
	Module           string              `db:"module" json:"module"`
	Action           string              `db:"action" json:"action"`
	AllowedResources pq.StringArray      `db:"allowed_resources" json:"allowed_resources"`
	AmountCap        decimal.NullDecimal `db:"amount_cap" json:"amount_cap"`
	DailyCap         decimal.NullDecimal `db:"daily_cap" json:"daily_cap"`
	WindowStart      *int                `db:"window_start" json:"window_start,omitempty"`
	WindowEnd        *int                `db:"window_end" json:"window_end,omitempty"`
	RequiresApproval bool                `db:"requires_approval" json:"requires_approval"`
	Active           bool                `db:"active" json:"active"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time           `db:"updated_at" json:"updated_at"`
}

// Window returns the time window restriction, if any.
func (g *PermissionGrant) Window() *TimeWindow {
	if g.WindowStart == nil || g.WindowEnd == nil {
		return nil
	}
	return &TimeWindow{StartMinute: *g.WindowStart, EndMinute: *g.WindowEnd}
}

// AllowsResource reports whether the grant covers the given resource. An
// empty resource list means the grant is unrestricted.
func (g *PermissionGrant) AllowsResource(resourceID string) bool {
	if len(g.AllowedResources) == 0 {
		return true
	}
	for _, id := range g.AllowedResources {
		if id == resourceID {
			return true
		}
	}
	return false
}

// Validate enforces restriction invariants at creation time, never at
// evaluation time.
func (g *PermissionGrant) Validate() error {
	if g.RoleID == "" {
		return fmt.Errorf("role_id is required")
	}
	if g.Module == "" || g.Action == "" {
		return fmt.Errorf("module and action are required")
	}
	if g.AmountCap.Valid && g.AmountCap.Decimal.IsNegative() {
		return fmt.Errorf("amount_cap must not be negative")
	}
	if g.DailyCap.Valid && g.DailyCap.Decimal.IsNegative() {
		return fmt.Errorf("daily_cap must not be negative")
	}
	if (g.WindowStart == nil) != (g.WindowEnd == nil) {
		return fmt.Errorf("time window requires both start and end")
	}
	if w := g.Window(); w != nil {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// GrantFilter constrains grant listing queries.
type GrantFilter struct {
	RoleID string
	Module string
	Action string
	Active *bool
	Limit  int
	Offset int
}
