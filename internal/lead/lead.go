// Package lead reads stored leads and re-applies routing to them.
package lead

import (
	"context"
	"time"

	"github.com/sells-group/quote-router/internal/routing"
)

// Record is a stored lead's routing snapshot.
type Record struct {
	ID            int64
	RawPostalCode string
	Resolution    routing.Resolution
	// Overridden is set when a person rerouted the lead by hand. Such leads
	// are never recomputed.
	Overridden bool
}

// Store pages through leads and writes routing back.
type Store interface {
	// ListPage returns up to limit records with ID greater than afterID,
	// ordered by ID.
	ListPage(ctx context.Context, afterID int64, limit int) ([]Record, error)
	// UpdateRouting replaces the routing fields of a lead. It reports false
	// when the lead was overridden in the meantime and nothing was written.
	UpdateRouting(ctx context.Context, id int64, res routing.Resolution) (bool, error)
}

// Activity is an auditable event.
type Activity struct {
	ID        string
	Action    string
	Details   any
	CreatedAt time.Time
}

// ActivityRecorder persists activity events.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, a Activity) error
}
