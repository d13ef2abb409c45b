package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Pending is the only non-terminal status; every transition leaves it.
var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusSuccess:   {},
		StatusFailed:    {},
		StatusCancelled: {},
		StatusExpired:   {},
	},
	StatusSuccess:   {},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusExpired:   {},
}

// CanTransition reports whether a payment may move from one status to another.
func CanTransition(from, to Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

type Payment struct {
	ID         uuid.UUID       `json:"id"`
	MerchantID uuid.UUID       `json:"merchant_id"`
	CustomerID *uuid.UUID      `json:"customer_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     Status          `json:"status"`
	ExpiresAt  time.Time       `json:"expires_at"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ExpiredAt reports whether a pending payment has passed its deadline at now.
func (p Payment) ExpiredAt(now time.Time) bool {
	return p.Status == StatusPending && !now.Before(p.ExpiresAt)
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleMerchant Role = "merchant"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleMerchant, RoleAdmin:
		return true
	}
	return false
}

type User struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Role      Role            `json:"role"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Actor is the caller identity handed over by the external auth layer.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) Owns(p Payment) bool {
	return a.Role == RoleMerchant && a.ID == p.MerchantID
}

func (a Actor) CanCancel(p Payment) bool { return a.IsAdmin() || a.Owns(p) }

func (a Actor) CanListAll() bool { return a.IsAdmin() }

func (a Actor) CanListOwn() bool { return a.Role == RoleMerchant }
