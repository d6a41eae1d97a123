// Package routing turns a raw postal code into a branch routing decision.
package routing

import "math"

// Status explains how a Resolution was reached.
type Status string

// Resolution statuses. Every Resolution carries exactly one.
const (
	StatusResolved              Status = "resolved"
	StatusFallbackInvalidCP     Status = "fallback_invalid_cp"
	StatusFallbackGeocodeFailed Status = "fallback_geocode_failed"
)

// Statuses lists every status a Resolver can produce.
var Statuses = []Status{StatusResolved, StatusFallbackInvalidCP, StatusFallbackGeocodeFailed}

// Resolution is the routing decision embedded in a lead. Branch and
// RedirectTarget are always set; the pointer fields are nil when the step
// that produces them did not run or did not succeed.
type Resolution struct {
	Branch         string   `json:"branch"`
	DistanceKM     *float64 `json:"distance_km"`
	PostalCode     *string  `json:"postal_code"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	Provider       *string  `json:"provider"`
	Status         Status   `json:"status"`
	RedirectTarget string   `json:"redirect_target"`
}

// FullyResolved reports whether r is a successful resolution with the
// normalized code and provider recorded.
func (r Resolution) FullyResolved() bool {
	return r.Status == StatusResolved &&
		r.PostalCode != nil && *r.PostalCode != "" &&
		r.Provider != nil && *r.Provider != ""
}

// Differs reports whether any persisted field of r and o differs. Floats are
// compared within epsilon; RedirectTarget is derived from Branch and is not
// compared.
func (r Resolution) Differs(o Resolution, epsilon float64) bool {
	return r.Branch != o.Branch ||
		r.Status != o.Status ||
		!stringsEqual(r.PostalCode, o.PostalCode) ||
		!stringsEqual(r.Provider, o.Provider) ||
		!floatsClose(r.DistanceKM, o.DistanceKM, epsilon) ||
		!floatsClose(r.Latitude, o.Latitude, epsilon) ||
		!floatsClose(r.Longitude, o.Longitude, epsilon)
}

func stringsEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatsClose(a, b *float64, epsilon float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return math.Abs(*a-*b) <= epsilon
}

// RoundKM rounds a distance to two decimals.
func RoundKM(d float64) float64 {
	return math.Round(d*100) / 100
}

func ptr[T any](v T) *T { return &v }
