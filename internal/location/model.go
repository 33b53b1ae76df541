package location

import "time"

// Type distinguishes selling outlets from centers.
type Type string

const (
	// TypeOutlet is a retail location holding sellable stock.
	TypeOutlet Type = "outlet"
	// TypeCenter is a central location; only centers with CanTest receive testing stock.
	TypeCenter Type = "center"
)

// Location represents an outlet or center.
type Location struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Type      Type      `json:"type"`
	CanTest   bool      `json:"can_test"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
