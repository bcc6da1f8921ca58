package repository

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

var NoTX interface{}

// TransactionManager executes fn inside a database transaction, passing the
// underlying handle as tx. Repositories accept a nil tx (non-transactional path)
// and switch to SELECT ... FOR UPDATE when they detect a real transaction.
//
//	tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
//		p, err := purchases.FindByID(ctx, tx, id)
//		...
//	})
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
	// LockUser serializes work for one user until tx ends (advisory xact lock).
	LockUser(ctx context.Context, tx Tx, userID string) error
}

type commitHooksKey struct{}

type commitHooks struct {
	mu  sync.Mutex
	fns []func()
}

// WithCommitHooks returns a context that collects AfterCommit callbacks and
// a function that runs them. Transaction managers call run only after a
// successful commit.
func WithCommitHooks(ctx context.Context) (context.Context, func()) {
	h := &commitHooks{}
	run := func() {
		h.mu.Lock()
		fns := h.fns
		h.fns = nil
		h.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
	return context.WithValue(ctx, commitHooksKey{}, h), run
}

// AfterCommit defers fn until the transaction carried by ctx commits. It is
// dropped on rollback. Without a transaction in ctx fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	h, ok := ctx.Value(commitHooksKey{}).(*commitHooks)
	if !ok {
		fn()
		return
	}
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}
