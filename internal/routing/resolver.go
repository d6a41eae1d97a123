package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/quote-router/internal/branch"
	"github.com/sells-group/quote-router/internal/postal"
	"github.com/sells-group/quote-router/pkg/geocode"
)

// fallbackReason says why a step could not produce its value.
type fallbackReason int

const (
	reasonNone fallbackReason = iota
	reasonInvalidPostalCode
	reasonGeocodeNoResult
	reasonGeocodeError
	reasonNoActiveBranch
	reasonLocatorError
	reasonUnknownBranch
)

func (r fallbackReason) String() string {
	switch r {
	case reasonNone:
		return "none"
	case reasonInvalidPostalCode:
		return "invalid_postal_code"
	case reasonGeocodeNoResult:
		return "geocode_no_result"
	case reasonGeocodeError:
		return "geocode_error"
	case reasonNoActiveBranch:
		return "no_active_branch"
	case reasonLocatorError:
		return "locator_error"
	case reasonUnknownBranch:
		return "unknown_branch"
	}
	return "unknown"
}

// status maps a fallback reason to the status reported for it.
func (r fallbackReason) status() Status {
	switch r {
	case reasonNone:
		return StatusResolved
	case reasonInvalidPostalCode:
		return StatusFallbackInvalidCP
	case reasonGeocodeNoResult, reasonGeocodeError,
		reasonNoActiveBranch, reasonLocatorError, reasonUnknownBranch:
		return StatusFallbackGeocodeFailed
	}
	return StatusFallbackGeocodeFailed
}

type geocodeOutcome struct {
	lat, lon float64
	provider string
	cached   bool
	reason   fallbackReason
}

type locateOutcome struct {
	match  branch.Match
	reason fallbackReason
}

// Resolver produces a Resolution for every input. It never returns an
// error: upstream failures become fallback statuses routed to the default
// branch.
type Resolver struct {
	policy  Policy
	cache   geocode.Cache
	client  geocode.Client
	locator branch.Locator
	log     *zap.Logger
}

// NewResolver creates a Resolver. The policy is assumed validated.
func NewResolver(policy Policy, cache geocode.Cache, client geocode.Client, locator branch.Locator) *Resolver {
	return &Resolver{
		policy:  policy,
		cache:   cache,
		client:  client,
		locator: locator,
		log:     zap.L().With(zap.String("component", "routing.resolver")),
	}
}

// Resolve routes a raw postal code.
func (r *Resolver) Resolve(ctx context.Context, raw string) Resolution {
	code, ok := postal.Normalize(raw)
	if !ok {
		r.log.Debug("postal code did not normalize", zap.String("raw", raw))
		return r.fallback(reasonInvalidPostalCode, nil, nil)
	}

	geo := r.geocode(ctx, code)
	if geo.reason != reasonNone {
		r.log.Warn("routing fallback",
			zap.String("postal_code", code),
			zap.Stringer("reason", geo.reason),
		)
		return r.fallback(geo.reason, &code, nil)
	}

	loc := r.locate(ctx, geo.lat, geo.lon)
	if loc.reason != reasonNone {
		r.log.Warn("routing fallback",
			zap.String("postal_code", code),
			zap.Stringer("reason", loc.reason),
			zap.Float64("lat", geo.lat),
			zap.Float64("lon", geo.lon),
		)
		return r.fallback(loc.reason, &code, &geo)
	}

	res, ok := r.resolved(code, geo, loc.match)
	if !ok {
		r.log.Warn("routing fallback",
			zap.String("postal_code", code),
			zap.Stringer("reason", reasonUnknownBranch),
			zap.String("branch", res.Branch),
		)
		return r.fallback(reasonUnknownBranch, &code, &geo)
	}
	r.log.Debug("routed",
		zap.String("postal_code", code),
		zap.String("branch", res.Branch),
		zap.Float64("distance_km", *res.DistanceKM),
		zap.Bool("cached", geo.cached),
	)
	return res
}

func (r *Resolver) geocode(ctx context.Context, code string) geocodeOutcome {
	entry, err := r.cache.Lookup(ctx, code)
	if err != nil {
		r.log.Warn("geocode cache lookup failed, treating as miss", zap.String("postal_code", code), zap.Error(err))
	}
	if entry != nil {
		return geocodeOutcome{lat: entry.Latitude, lon: entry.Longitude, provider: entry.Provider, cached: true}
	}

	res, err := r.client.Geocode(ctx, code)
	if err != nil {
		r.log.Debug("geocode aborted", zap.String("postal_code", code), zap.Error(err))
		return geocodeOutcome{reason: reasonGeocodeError}
	}
	if res == nil || !res.Matched {
		return geocodeOutcome{reason: reasonGeocodeNoResult}
	}

	if err := r.cache.Upsert(ctx, geocode.Entry{
		PostalCode:       code,
		Latitude:         res.Latitude,
		Longitude:        res.Longitude,
		Provider:         res.Provider,
		FormattedAddress: res.FormattedAddress,
	}); err != nil {
		r.log.Warn("geocode cache upsert failed", zap.String("postal_code", code), zap.Error(err))
	}
	return geocodeOutcome{lat: res.Latitude, lon: res.Longitude, provider: res.Provider}
}

func (r *Resolver) locate(ctx context.Context, lat, lon float64) locateOutcome {
	m, err := r.locator.Nearest(ctx, lat, lon)
	switch {
	case err != nil:
		r.log.Warn("nearest branch lookup failed", zap.Error(err))
		return locateOutcome{reason: reasonLocatorError}
	case m == nil:
		return locateOutcome{reason: reasonNoActiveBranch}
	}
	return locateOutcome{match: *m}
}

// resolved applies the threshold to the nearest match. It reports false when
// the branch finally chosen has no redirect target; Branch is still set so
// the caller can log it.
func (r *Resolver) resolved(code string, geo geocodeOutcome, m branch.Match) (Resolution, bool) {
	distance := RoundKM(m.DistanceKM)
	key := r.policy.DefaultBranch
	if distance <= r.policy.ThresholdKM {
		key = r.policy.Canonical(m.Key)
	}
	target, ok := r.policy.RedirectTarget(key)

	return Resolution{
		Branch:         key,
		DistanceKM:     &distance,
		PostalCode:     &code,
		Latitude:       ptr(geo.lat),
		Longitude:      ptr(geo.lon),
		Provider:       ptr(geo.provider),
		Status:         StatusResolved,
		RedirectTarget: target,
	}, ok
}

// fallback builds a default-branch Resolution. geo is set when coordinates
// were obtained before the failing step.
func (r *Resolver) fallback(reason fallbackReason, code *string, geo *geocodeOutcome) Resolution {
	target, _ := r.policy.RedirectTarget(r.policy.DefaultBranch)
	res := Resolution{
		Branch:         r.policy.DefaultBranch,
		PostalCode:     code,
		Status:         reason.status(),
		RedirectTarget: target,
	}
	if geo != nil {
		res.Latitude = ptr(geo.lat)
		res.Longitude = ptr(geo.lon)
		res.Provider = ptr(geo.provider)
	}
	return res
}
