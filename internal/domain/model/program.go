package model

import "time"

// Program is a purchasable piece of content. RequiredTier, when set, is the
// subscription tier that grants access without a purchase.
type Program struct {
	ID              string
	Title           string
	Price           int64
	Currency        string
	RequiredTier    *Tier
	EnrollmentCount int64
	CreatedAt       time.Time
}

func (p *Program) IsZero() bool { return p == nil || p.ID == "" }
