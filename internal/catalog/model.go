package catalog

import "time"

// Product represents a catalog entry. TracksSerial is fixed at catalog time
// and decides whether the ledger tracks the product per unit or per quantity.
type Product struct {
	ID           int64     `json:"id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	TracksSerial bool      `json:"tracks_serial"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
