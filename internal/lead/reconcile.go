package lead

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/quote-router/internal/resilience"
	"github.com/sells-group/quote-router/internal/routing"
)

// ActionReconcile is the activity recorded for each reconcile run.
const ActionReconcile = "routing.reconcile"

const maxReportedErrors = 100

// Resolver produces a routing decision for a raw postal code.
type Resolver interface {
	Resolve(ctx context.Context, raw string) routing.Resolution
}

// Options tunes a reconcile run.
type Options struct {
	// Force re-resolves leads that are already fully resolved.
	Force bool
	// DryRun computes and counts differences without writing.
	DryRun      bool
	PageSize    int
	Epsilon     float64
	Concurrency int
	Retry       resilience.RetryPolicy
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 500
	}
	if o.Epsilon <= 0 {
		o.Epsilon = 1e-4
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

// RecordError is a per-lead failure.
type RecordError struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

// Summary reports a reconcile run. Read = Processed + Skipped; Updated and
// Errored are subsets of Processed.
type Summary struct {
	RunID      string        `json:"run_id"`
	Force      bool          `json:"force"`
	DryRun     bool          `json:"dry_run"`
	Read       int           `json:"read"`
	Processed  int           `json:"processed"`
	Updated    int           `json:"updated"`
	Skipped    int           `json:"skipped"`
	Errored    int           `json:"errored"`
	Errors     []RecordError `json:"errors,omitempty"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// Reconciler re-applies routing to stored leads, writing only the ones whose
// routing changed.
type Reconciler struct {
	store    Store
	resolver Resolver
	activity ActivityRecorder
	opts     Options
}

// NewReconciler creates a Reconciler. activity may be nil.
func NewReconciler(store Store, resolver Resolver, activity ActivityRecorder, opts Options) *Reconciler {
	return &Reconciler{
		store:    store,
		resolver: resolver,
		activity: activity,
		opts:     opts.withDefaults(),
	}
}

// Run walks every lead in ID order. Per-lead failures are counted and the
// run continues; an error is returned only when a page cannot be read or
// ctx ends, together with the summary so far.
func (r *Reconciler) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sum := &Summary{RunID: uuid.NewString(), Force: r.opts.Force, DryRun: r.opts.DryRun}
	log := zap.L().With(zap.String("component", "lead.reconcile"), zap.String("run_id", sum.RunID))
	log.Info("reconcile started",
		zap.Bool("force", r.opts.Force),
		zap.Bool("dry_run", r.opts.DryRun),
		zap.Int("page_size", r.opts.PageSize),
	)

	runErr := r.walk(ctx, sum, log)

	sum.Duration = time.Since(start)
	sum.DurationMS = sum.Duration.Milliseconds()
	log.Info("reconcile finished",
		zap.Int("read", sum.Read),
		zap.Int("processed", sum.Processed),
		zap.Int("updated", sum.Updated),
		zap.Int("skipped", sum.Skipped),
		zap.Int("errored", sum.Errored),
		zap.Duration("duration", sum.Duration),
		zap.Error(runErr),
	)

	if r.activity != nil {
		if err := r.activity.RecordActivity(context.WithoutCancel(ctx), Activity{
			ID:        sum.RunID,
			Action:    ActionReconcile,
			Details:   sum,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			log.Warn("failed to record reconcile activity", zap.Error(err))
		}
	}
	return sum, runErr
}

func (r *Reconciler) walk(ctx context.Context, sum *Summary, log *zap.Logger) error {
	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "lead: reconcile interrupted")
		}

		var page []Record
		err := resilience.Retry(ctx, r.opts.Retry, "lead.list_page", func(ctx context.Context) error {
			var err error
			page, err = r.store.ListPage(ctx, cursor, r.opts.PageSize)
			return err
		})
		if err != nil {
			return eris.Wrapf(err, "lead: reconcile page after %d", cursor)
		}
		if len(page) == 0 {
			return nil
		}

		r.reconcilePage(ctx, page, sum)
		cursor = page[len(page)-1].ID
		log.Debug("reconciled page", zap.Int64("cursor", cursor), zap.Int("records", len(page)))

		if len(page) < r.opts.PageSize {
			return nil
		}
	}
}

func (r *Reconciler) reconcilePage(ctx context.Context, page []Record, sum *Summary) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for _, rec := range page {
		g.Go(func() error {
			outcome, err := r.reconcileRecord(gctx, rec)

			mu.Lock()
			defer mu.Unlock()
			sum.Read++
			switch outcome {
			case outcomeSkipped:
				sum.Skipped++
			case outcomeUnchanged:
				sum.Processed++
			case outcomeUpdated:
				sum.Processed++
				sum.Updated++
			case outcomeErrored:
				sum.Processed++
				sum.Errored++
				if len(sum.Errors) < maxReportedErrors {
					sum.Errors = append(sum.Errors, RecordError{ID: rec.ID, Error: err.Error()})
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

type recordOutcome int

const (
	outcomeSkipped recordOutcome = iota
	outcomeUnchanged
	outcomeUpdated
	outcomeErrored
)

func (r *Reconciler) reconcileRecord(ctx context.Context, rec Record) (recordOutcome, error) {
	if rec.Overridden {
		return outcomeSkipped, nil
	}
	if !r.opts.Force && rec.Resolution.FullyResolved() {
		return outcomeSkipped, nil
	}

	fresh := r.resolver.Resolve(ctx, rec.RawPostalCode)
	if !fresh.Differs(rec.Resolution, r.opts.Epsilon) {
		return outcomeUnchanged, nil
	}
	if r.opts.DryRun {
		return outcomeUpdated, nil
	}

	var written bool
	err := resilience.Retry(ctx, r.opts.Retry, "lead.update_routing", func(ctx context.Context) error {
		var err error
		written, err = r.store.UpdateRouting(ctx, rec.ID, fresh)
		return err
	})
	if err != nil {
		zap.L().Warn("reconcile: update failed", zap.Int64("lead_id", rec.ID), zap.Error(err))
		return outcomeErrored, err
	}
	if !written {
		// Overridden between read and write.
		return outcomeSkipped, nil
	}
	return outcomeUpdated, nil
}
