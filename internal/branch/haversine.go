package branch

import (
	"context"

	"github.com/rotisserie/eris"
)

// HaversineLocator computes nearest-branch distances in process over any
// Lister. It backs stores without spatial functions, such as SQLite.
type HaversineLocator struct {
	lister Lister
}

// NewHaversineLocator creates a HaversineLocator.
func NewHaversineLocator(lister Lister) *HaversineLocator {
	return &HaversineLocator{lister: lister}
}

// Nearest implements Locator. Equal distances are broken by key.
func (l *HaversineLocator) Nearest(ctx context.Context, lat, lon float64) (*Match, error) {
	branches, err := l.lister.ListActive(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "branch: list active branches")
	}

	var best *Match
	for _, b := range branches {
		if !b.Active {
			continue
		}
		d := HaversineKM(lat, lon, b.Latitude, b.Longitude)
		if best == nil || d < best.DistanceKM || (d == best.DistanceKM && b.Key < best.Key) {
			best = &Match{Key: b.Key, DistanceKM: d}
		}
	}
	return best, nil
}
