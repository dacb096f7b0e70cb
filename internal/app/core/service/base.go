package service

import "context"

// AccountChecker answers whether an owning account/user exists. Services embed
// Base to share this check instead of depending on the user store directly.
type AccountChecker interface {
	AccountExists(ctx context.Context, accountID string) (bool, error)
}

// Base bundles the dependencies most domain services need regardless of the
// subsystem they belong to: an existence check for the owning account and a
// tracer for span emission. Embed it rather than repeating the two fields.
type Base struct {
	Accounts AccountChecker
	Tracer   Tracer
}

// NewBase returns a Base with a no-op tracer when none is supplied.
func NewBase(accounts AccountChecker, tracer Tracer) Base {
	if tracer == nil {
		tracer = NoopTracer
	}
	return Base{Accounts: accounts, Tracer: tracer}
}

// RequireAccount fails fast when the owning account does not exist.
func (b Base) RequireAccount(ctx context.Context, accountID string) (bool, error) {
	if b.Accounts == nil {
		return true, nil
	}
	return b.Accounts.AccountExists(ctx, accountID)
}
