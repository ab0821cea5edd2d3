// Package session binds one wallet identity and one spend guard to one
// logical client connection.
package session

import (
	"context"
	"time"

	"asrai-mcp/internal/spend"
	"asrai-mcp/internal/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

// Session is owned by a single connection. Paid calls made through it are
// serialized so the wallet never has two payment authorizations in flight.
type Session struct {
	id       string
	identity *wallet.Identity
	guard    *spend.Guard
	paid     *semaphore.Weighted
	created  time.Time
}

type Status struct {
	ID        string    `json:"session_id"`
	Address   string    `json:"address"`
	Spent     string    `json:"spent_usdc"`
	Ceiling   string    `json:"ceiling_usdc"`
	Remaining string    `json:"remaining_usdc"`
	CreatedAt time.Time `json:"created_at"`
}

func New(identity *wallet.Identity, ceiling decimal.Decimal) *Session {
	return &Session{
		id:       uuid.NewString(),
		identity: identity,
		guard:    spend.NewGuard(ceiling),
		paid:     semaphore.NewWeighted(1),
		created:  time.Now().UTC(),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Identity returns the session's signer, or wallet.ErrMissingIdentity for a
// session created without one.
func (s *Session) Identity() (*wallet.Identity, error) {
	if s.identity == nil {
		return nil, wallet.ErrMissingIdentity
	}
	return s.identity, nil
}

func (s *Session) Charge(amount decimal.Decimal) (decimal.Decimal, error) {
	return s.guard.Charge(amount)
}

// Acquire blocks until no other paid call of this session is in flight.
// The returned release func must be called exactly once.
func (s *Session) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.paid.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.paid.Release(1) }, nil
}

func (s *Session) Status() Status {
	st := Status{
		ID:        s.id,
		Spent:     s.guard.Total().String(),
		Ceiling:   s.guard.Ceiling().String(),
		Remaining: s.guard.Remaining().String(),
		CreatedAt: s.created,
	}
	if s.identity != nil {
		st.Address = s.identity.Address().Hex()
	}
	return st
}
