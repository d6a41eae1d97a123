package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-router/internal/config"
	"github.com/sells-group/quote-router/internal/resilience"
	"github.com/sells-group/quote-router/internal/routing"
	"github.com/sells-group/quote-router/internal/store"
	"github.com/sells-group/quote-router/pkg/geocode"
)

// routingEnv holds the store and the resolver built on it, as needed by the
// route, reconcile and serve commands.
type routingEnv struct {
	Store    store.Store
	Resolver *routing.Resolver
}

// Close releases resources held by the routing environment.
func (re *routingEnv) Close() {
	if re.Store != nil {
		_ = re.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DatabaseURL: cfg.Store.DatabaseURL,
		Pool: store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// initRouting validates config for mode, opens and migrates the store,
// checks the routing policy covers every active branch and wires the
// resolver. Callers should defer env.Close().
func initRouting(ctx context.Context, mode string) (*routingEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &routingEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	branches, err := st.ListActive(ctx)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "list branches")
	}
	if len(branches) == 0 {
		zap.L().Warn("no active branches; every lead will fall back to the default branch",
			zap.String("default_branch", cfg.Routing.DefaultBranch))
	}
	keys := make([]string, 0, len(branches))
	for _, b := range branches {
		keys = append(keys, b.Key)
	}

	policy := cfg.Routing.Policy()
	if err := policy.Validate(keys); err != nil {
		env.Close()
		return nil, err
	}

	env.Resolver = routing.NewResolver(policy, st, newGeocoder(cfg.Geocode), st.Locator())
	return env, nil
}

// newGeocoder builds the Nominatim client. One throttle is shared by every
// lookup in the process.
func newGeocoder(gc config.GeocodeConfig) *geocode.NominatimClient {
	throttle := geocode.NewThrottle(gc.MinInterval, nil)
	zap.L().Debug("geocoder configured",
		zap.String("base_url", gc.BaseURL),
		zap.Duration("min_interval", throttle.Interval()),
		zap.Int("breaker_threshold", gc.BreakerThreshold),
	)
	opts := []geocode.NominatimOption{geocode.WithThrottle(throttle)}
	if gc.BreakerThreshold > 0 {
		opts = append(opts, geocode.WithBreaker(resilience.NewBreaker(resilience.BreakerConfig{
			Name:      "nominatim",
			Threshold: gc.BreakerThreshold,
			Cooldown:  gc.BreakerReset,
			Counts:    resilience.IsTransient,
		})))
	}
	return geocode.NewNominatimClient(geocode.NominatimConfig{
		BaseURL:     gc.BaseURL,
		Email:       gc.Email,
		UserAgent:   gc.UserAgent,
		CountryCode: gc.CountryCode,
		CountryName: gc.CountryName,
		Language:    gc.Language,
		Timeout:     gc.Timeout,
	}, opts...)
}
