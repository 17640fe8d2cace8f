package fetcher

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/repograde/repograde/internal/evalerr"
)

// Budget tracks the aggregate content bytes a single evaluation may fetch.
// It is per-evaluation state, never shared across evaluations.
type Budget struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

// NewBudget returns a budget with the given byte limit; zero or negative
// disables the cap.
func NewBudget(limit int64) *Budget {
	return &Budget{limit: limit}
}

// Debit reserves n bytes. A debit that would push usage past the limit fails
// with BudgetExhausted and reserves nothing; a debit landing exactly on the
// limit succeeds.
func (b *Budget) Debit(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && b.used+n > b.limit {
		return evalerr.Errorf(evalerr.BudgetExhausted,
			"aggregate content budget exhausted: %s used of %s",
			humanize.Bytes(uint64(b.used)), humanize.Bytes(uint64(b.limit)))
	}
	b.used += n
	return nil
}

// Used returns the bytes debited so far.
func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
