package domain

import "context"

// TipRepository is the abstraction for any kind of database intended to
// persist the last block tip announced to subscribers.
type TipRepository interface {
	// GetTip returns the last stored tip, or nil if none was ever stored.
	GetTip(ctx context.Context) (*BlockTip, error)
	// UpdateTip replaces the stored tip with the given one.
	UpdateTip(ctx context.Context, tip BlockTip) error
	// Close closes the connection with the database.
	Close()
}
