package auth

import (
	"context"
	"errors"
	"time"

	"github.com/surajsub/etl-run-portal/db"
	"github.com/surajsub/etl-run-portal/models"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 15 * time.Minute
)

// CredentialStore is the storage the engine needs. *db.Store implements it.
type CredentialStore interface {
	GetUserByEmail(ctx context.Context, email string) (*db.User, error)
	UpdateLoginState(ctx context.Context, id uint, fn func(u *db.User) error) (*db.User, error)
}

// Policy is the lockout threshold and duration.
type Policy struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, LockoutDuration: DefaultLockoutDuration}
}

type Option func(*Engine)

func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p.MaxAttempts > 0 {
			e.policy.MaxAttempts = p.MaxAttempts
		}
		if p.LockoutDuration > 0 {
			e.policy.LockoutDuration = p.LockoutDuration
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBcryptCost sets the cost of the dummy hash compared against for
// unknown emails. It should match the cost user hashes are created with.
func WithBcryptCost(cost int) Option {
	return func(e *Engine) { e.cost = cost }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine decides the outcome of every login attempt.
type Engine struct {
	store  CredentialStore
	policy Policy
	now    func() time.Time
	cost   int
	dummy  string
	log    *zap.Logger
}

func NewEngine(store CredentialStore, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:  store,
		policy: DefaultPolicy(),
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	dummy, err := HashPassword("not-a-real-password", e.cost)
	if err != nil {
		return nil, err
	}
	e.dummy = dummy
	return e, nil
}

func (e *Engine) Policy() Policy { return e.policy }

// Attempt authenticates email/password. On success the updated user is
// returned. Failures are *models.Error of kind InvalidCredentials,
// AccountLocked or Internal.
func (e *Engine) Attempt(ctx context.Context, email, password string) (*db.User, error) {
	const op = "login"

	u, err := e.store.GetUserByEmail(ctx, email)
	if errors.Is(err, db.ErrNotFound) {
		_, _ = CheckPassword(e.dummy, password)
		return nil, models.InvalidCredentials(op, e.policy.MaxAttempts)
	}
	if err != nil {
		e.log.Error("credential lookup failed", zap.Error(err))
		return nil, models.Internal(op, err)
	}
	if u.LockActive(e.now()) {
		return nil, models.AccountLocked(op, *u.LockedUntil)
	}

	ok, err := CheckPassword(u.PasswordHash, password)
	if err != nil {
		e.log.Error("stored password hash is unusable", zap.Uint("user_id", u.ID), zap.Error(err))
		return nil, models.Internal(op, err)
	}

	var rejected error
	updated, err := e.store.UpdateLoginState(ctx, u.ID, func(cur *db.User) error {
		now := e.now()
		// the row may have changed since the first read
		if cur.LockActive(now) {
			return models.AccountLocked(op, *cur.LockedUntil)
		}
		if !ok {
			remaining := applyFailure(cur, e.policy, now)
			rejected = models.InvalidCredentials(op, remaining)
			if cur.LockActive(now) {
				e.log.Warn("account locked",
					zap.Uint("user_id", cur.ID),
					zap.Time("locked_until", *cur.LockedUntil))
			}
			return nil
		}
		applySuccess(cur, now)
		return nil
	})
	if err != nil {
		if models.KindOf(err) == models.KindAccountLocked {
			return nil, err
		}
		e.log.Error("login state update failed", zap.Uint("user_id", u.ID), zap.Error(err))
		return nil, models.Internal(op, err)
	}
	if rejected != nil {
		return nil, rejected
	}
	return updated, nil
}

// applyFailure records one failed attempt and returns the attempts left.
// A counter that already reached the threshold belongs to an expired lock
// and starts over.
func applyFailure(u *db.User, p Policy, now time.Time) int {
	if u.FailedLoginAttempts >= p.MaxAttempts {
		u.FailedLoginAttempts = 0
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= p.MaxAttempts {
		until := now.Add(p.LockoutDuration)
		u.IsLocked = true
		u.LockedUntil = &until
	}
	return max(0, p.MaxAttempts-u.FailedLoginAttempts)
}

func applySuccess(u *db.User, now time.Time) {
	u.FailedLoginAttempts = 0
	u.IsLocked = false
	u.LockedUntil = nil
	u.LastLoginAt = &now
	u.LoginCount++
}
