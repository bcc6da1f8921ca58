package model

import (
	"strings"
	"time"

	"entitlement-service/internal/domain"

	"github.com/google/uuid"
)

// User is the account referenced by purchases and subscriptions. The
// subscription fields are a projection of the Subscription record and are
// never consulted for access decisions.
type User struct {
	ID                  string
	Email               string
	ExternalCustomerRef *string // processor customer id, set once
	TelegramChatID      *int64  // optional notification target
	SubscriptionTier    Tier
	SubscriptionStatus  string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func NewUser(id, email string) (*User, error) {
	if id == "" {
		id = uuid.NewString()
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &User{
		ID:               id,
		Email:            email,
		SubscriptionTier: TierFree,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (u *User) IsZero() bool { return u == nil || u.ID == "" }

// CustomerRef returns the processor customer id or "".
func (u *User) CustomerRef() string {
	if u == nil || u.ExternalCustomerRef == nil {
		return ""
	}
	return *u.ExternalCustomerRef
}

// ProjectSubscription refreshes the denormalized tier/status from sub.
func (u *User) ProjectSubscription(sub *Subscription) {
	if sub == nil || !sub.Status.Live() {
		u.SubscriptionTier = TierFree
		u.SubscriptionStatus = ""
		if sub != nil {
			u.SubscriptionStatus = string(sub.Status)
		}
		return
	}
	u.SubscriptionTier = sub.Tier
	u.SubscriptionStatus = string(sub.Status)
}
