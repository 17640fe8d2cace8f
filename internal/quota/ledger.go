package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/repograde/repograde/internal/db"
	"github.com/repograde/repograde/internal/evalerr"
)

// incrementAttempts bounds the optimistic-lock retry loop.
const incrementAttempts = 3

// Decision is the outcome of an admission check against the current window.
type Decision struct {
	Allowed bool
	Used    int64
	Limit   int64
	Tier    Tier
	ResetAt time.Time
	Reason  string
}

// ExceededError is the structured rejection returned when a window is at its
// cap. It carries the counters the admission response must echo.
type ExceededError struct {
	Used  int64
	Limit int64
	Tier  Tier
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("monthly evaluation limit reached: %d of %d used on the %s tier", e.Used, e.Limit, e.Tier)
}

// ErrorTag classifies the rejection for the error taxonomy.
func (e *ExceededError) ErrorTag() evalerr.Tag { return evalerr.QuotaExceeded }

// Options configure the ledger. Now and Sleep exist so tests can control
// time; both default to the real clock.
type Options struct {
	Now   func() time.Time
	Sleep func(time.Duration)
}

// Ledger tracks per-user monthly usage windows. Increments are serialized
// per (userId, month) through an optimistic version check; the window for
// the current month is created lazily on first contact.
type Ledger struct {
	q     *db.Queries
	now   func() time.Time
	sleep func(time.Duration)
	log   *slog.Logger
}

// NewLedger builds a ledger over the usage table.
func NewLedger(q *db.Queries, opts Options, log *slog.Logger) *Ledger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{q: q, now: opts.Now, sleep: opts.Sleep, log: log}
}

// MonthKey renders the UTC calendar month of t as YYYY-MM.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// nextReset returns the first instant of the UTC month after t.
func nextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// window loads the current month's window for the user, creating it when
// absent. A window keyed by the current month can never be expired, so any
// increment lands past the previous window's reset by construction. A tier
// change is synced onto the row so reporting reflects the live subscription.
func (l *Ledger) window(ctx context.Context, userID string, tier Tier) (db.UsageWindow, error) {
	now := l.now()
	month := MonthKey(now)

	w, err := l.q.GetUsageWindow(ctx, db.GetUsageWindowParams{UserID: userID, Month: month})
	if errors.Is(err, sql.ErrNoRows) {
		if err := l.q.InsertUsageWindow(ctx, db.InsertUsageWindowParams{
			UserID:           userID,
			Month:            month,
			SubscriptionTier: string(tier),
			ResetAt:          nextReset(now).UnixMilli(),
		}); err != nil {
			return db.UsageWindow{}, err
		}
		w, err = l.q.GetUsageWindow(ctx, db.GetUsageWindowParams{UserID: userID, Month: month})
	}
	if err != nil {
		return db.UsageWindow{}, fmt.Errorf("loading usage window: %w", err)
	}

	if w.SubscriptionTier != string(tier) {
		if err := l.q.UpdateUsageTier(ctx, db.UpdateUsageTierParams{
			UserID: userID, Month: month, SubscriptionTier: string(tier),
		}); err != nil {
			return db.UsageWindow{}, err
		}
		w, err = l.q.GetUsageWindow(ctx, db.GetUsageWindowParams{UserID: userID, Month: month})
		if err != nil {
			return db.UsageWindow{}, fmt.Errorf("reloading usage window: %w", err)
		}
	}
	return w, nil
}

// CanEvaluate decides whether the user may start another evaluation this
// month. The decision carries the counters either way, so callers can render
// usage without a second query.
func (l *Ledger) CanEvaluate(ctx context.Context, userID string, tier Tier) (Decision, error) {
	w, err := l.window(ctx, userID, tier)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Used:    w.EvaluationsCount,
		Limit:   tier.Cap(),
		Tier:    tier,
		ResetAt: time.UnixMilli(w.ResetAt),
	}
	if tier.Unbounded() || w.EvaluationsCount < d.Limit {
		d.Allowed = true
		return d, nil
	}
	d.Reason = "monthly evaluation limit reached"
	return d, nil
}

// Increment debits one evaluation from the user's current window, retrying
// version conflicts with exponential sleep. Callers gate the increment on
// winning the evaluation's terminal transition, so replays never double
// count.
func (l *Ledger) Increment(ctx context.Context, userID string, tier Tier) error {
	for attempt := 0; attempt < incrementAttempts; attempt++ {
		if attempt > 0 {
			l.sleep(time.Duration(25<<(attempt-1)) * time.Millisecond)
		}
		w, err := l.window(ctx, userID, tier)
		if err != nil {
			return err
		}
		ok, err := l.q.BumpUsageWindow(ctx, db.BumpUsageWindowParams{
			UserID: userID, Month: w.Month, Version: w.Version,
		})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		l.log.Debug("usage window version conflict, retrying", "user_id", userID, "attempt", attempt+1)
	}
	return evalerr.Errorf(evalerr.Internal, "usage window for %s kept changing under load", userID)
}

// ResetExpired opens a fresh zero-count window for every user whose latest
// window has passed its reset instant, carrying the tier forward. The sweep
// is idempotent: the second run in a row changes nothing.
func (l *Ledger) ResetExpired(ctx context.Context) (int64, error) {
	now := l.now()
	n, err := l.q.RollForwardExpiredUsage(ctx, db.RollForwardExpiredUsageParams{
		Month:   MonthKey(now),
		ResetAt: nextReset(now).UnixMilli(),
		Now:     now.UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Info("usage windows rolled forward", "windows", n, "month", MonthKey(now))
	}
	return n, nil
}
