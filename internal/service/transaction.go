package service

import "context"

// TransactionManager scopes a session write and its outbox entry to one
// commit. fn receives a context that repositories use to join the transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
