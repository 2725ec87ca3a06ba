package models

import "time"

// Role is a business role that permission grants attach to. Admin roles
// bypass every restriction check during evaluation.
type Role struct {
	ID        string    `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Name      string    `db:"name" json:"name"`
	IsAdmin   bool      `db:"is_admin" json:"is_admin"`
	Priority  int       `db:"priority" json:"priority"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RoleAssignment links an actor to a role. Position fixes the evaluation
// order: the evaluator walks assignments lowest position first and the first
// matching grant wins.
type RoleAssignment struct {
	ID        string    `db:"id" json:"id"`
	ActorID   string    `db:"actor_id" json:"actor_id"`
	RoleID    string    `db:"role_id" json:"role_id"`
	Position  int       `db:"position" json:"position"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RoleFilter constrains role listing queries.
type RoleFilter struct {
	Active *bool
	Search string
	Limit  int
	Offset int
}
