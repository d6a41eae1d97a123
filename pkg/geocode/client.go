// Package geocode resolves normalized postal codes to coordinates through a
// throttled Nominatim client, with a Postgres-backed cache.
package geocode

import (
	"context"
)

// ProviderNominatim identifies results produced by the Nominatim client.
const ProviderNominatim = "nominatim"

// Client geocodes a normalized postal code. Upstream failures are reported as
// an unmatched Result, not as errors; an error means the caller's context
// ended before a result could be produced.
type Client interface {
	Geocode(ctx context.Context, postalCode string) (*Result, error)
}

// Result holds the geocoding output for a postal code.
type Result struct {
	Latitude         float64
	Longitude        float64
	Provider         string
	FormattedAddress string
	Query            string // "postalcode" or "q"
	Matched          bool
}
