package routing

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/quote-router/internal/branch"
	"github.com/sells-group/quote-router/pkg/geocode"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type memCache struct {
	mu        sync.Mutex
	entries   map[string]geocode.Entry
	lookups   int
	upserts   int
	lookupErr error
	upsertErr error
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]geocode.Entry)}
}

func (c *memCache) Lookup(_ context.Context, code string) (*geocode.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	e, ok := c.entries[code]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *memCache) Upsert(_ context.Context, e geocode.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts++
	if c.upsertErr != nil {
		return c.upsertErr
	}
	c.entries[e.PostalCode] = e
	return nil
}

type stubClient struct {
	result *geocode.Result
	err    error
	calls  atomic.Int32
}

func (c *stubClient) Geocode(context.Context, string) (*geocode.Result, error) {
	c.calls.Add(1)
	return c.result, c.err
}

type stubLocator struct {
	match *branch.Match
	err   error
	calls int
}

func (l *stubLocator) Nearest(context.Context, float64, float64) (*branch.Match, error) {
	l.calls++
	return l.match, l.err
}

func matched(lat, lon float64) *stubClient {
	return &stubClient{result: &geocode.Result{
		Latitude: lat, Longitude: lon, Provider: geocode.ProviderNominatim, Matched: true,
	}}
}

func TestResolve_InvalidPostalCode(t *testing.T) {
	for _, raw := range []string{"", "ABC", "12", "   ", "18701"} {
		t.Run(strconv.Quote(raw), func(t *testing.T) {
			cache := newMemCache()
			client := matched(-34.66, -58.36)
			loc := &stubLocator{match: &branch.Match{Key: "avellaneda", DistanceKM: 1}}

			res := NewResolver(testPolicy(), cache, client, loc).Resolve(context.Background(), raw)

			assert.Equal(t, StatusFallbackInvalidCP, res.Status)
			assert.Equal(t, "central", res.Branch)
			assert.Equal(t, "5491100000000", res.RedirectTarget)
			assert.Nil(t, res.DistanceKM)
			assert.Nil(t, res.PostalCode)
			assert.Nil(t, res.Latitude)
			assert.Nil(t, res.Provider)
			assert.Zero(t, cache.lookups)
			assert.Zero(t, client.calls.Load())
			assert.Zero(t, loc.calls)
		})
	}
}

func TestResolve_GeocodeNoResult(t *testing.T) {
	client := &stubClient{result: &geocode.Result{Provider: geocode.ProviderNominatim}}
	cache := newMemCache()
	loc := &stubLocator{}

	res := NewResolver(testPolicy(), cache, client, loc).Resolve(context.Background(), "CP 9999")

	assert.Equal(t, StatusFallbackGeocodeFailed, res.Status)
	assert.Equal(t, "central", res.Branch)
	require.NotNil(t, res.PostalCode)
	assert.Equal(t, "9999", *res.PostalCode)
	assert.Nil(t, res.DistanceKM)
	assert.Nil(t, res.Latitude)
	assert.Nil(t, res.Longitude)
	assert.Nil(t, res.Provider)
	assert.Zero(t, cache.upserts)
	assert.Zero(t, loc.calls)
}

func TestResolve_GeocodeError(t *testing.T) {
	client := &stubClient{err: context.Canceled}

	res := NewResolver(testPolicy(), newMemCache(), client, &stubLocator{}).Resolve(context.Background(), "1870")

	assert.Equal(t, StatusFallbackGeocodeFailed, res.Status)
	assert.Equal(t, "central", res.Branch)
	assert.Nil(t, res.Latitude)
}

func TestResolve_LocatorFailuresKeepCoordinates(t *testing.T) {
	tests := []struct {
		name string
		loc  *stubLocator
	}{
		{"query error", &stubLocator{err: assert.AnError}},
		{"no active branch", &stubLocator{}},
		{"branch without contact", &stubLocator{match: &branch.Match{Key: "lanus", DistanceKM: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewResolver(testPolicy(), newMemCache(), matched(-34.66, -58.36), tt.loc).
				Resolve(context.Background(), "1870")

			assert.Equal(t, StatusFallbackGeocodeFailed, res.Status)
			assert.Equal(t, "central", res.Branch)
			assert.Equal(t, "5491100000000", res.RedirectTarget)
			assert.Nil(t, res.DistanceKM)
			require.NotNil(t, res.Latitude)
			require.NotNil(t, res.Longitude)
			require.NotNil(t, res.Provider)
			assert.Equal(t, -34.66, *res.Latitude)
			assert.Equal(t, -58.36, *res.Longitude)
			assert.Equal(t, geocode.ProviderNominatim, *res.Provider)
			assert.Equal(t, "1870", *res.PostalCode)
		})
	}
}

func TestResolve_ThresholdBoundary(t *testing.T) {
	tests := []struct {
		distance   float64
		wantBranch string
		wantKM     float64
	}{
		{4.2, "avellaneda", 4.2},
		{5.0, "avellaneda", 5.0},
		{5.004, "avellaneda", 5.0},
		{5.01, "central", 5.01},
		{6.0, "central", 6.0},
	}
	for _, tt := range tests {
		t.Run(strconv.FormatFloat(tt.distance, 'f', -1, 64), func(t *testing.T) {
			loc := &stubLocator{match: &branch.Match{Key: "avellaneda", DistanceKM: tt.distance}}

			res := NewResolver(testPolicy(), newMemCache(), matched(-34.66, -58.36), loc).
				Resolve(context.Background(), "1870")

			assert.Equal(t, StatusResolved, res.Status)
			assert.Equal(t, tt.wantBranch, res.Branch)
			require.NotNil(t, res.DistanceKM)
			assert.Equal(t, tt.wantKM, *res.DistanceKM)
		})
	}
}

func TestResolve_FarBranchWithoutContactRoutesToDefault(t *testing.T) {
	loc := &stubLocator{match: &branch.Match{Key: "lanus", DistanceKM: 12.3}}

	res := NewResolver(testPolicy(), newMemCache(), matched(-34.70, -58.39), loc).
		Resolve(context.Background(), "1824")

	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "central", res.Branch)
	assert.Equal(t, "5491100000000", res.RedirectTarget)
	require.NotNil(t, res.DistanceKM)
	assert.Equal(t, 12.3, *res.DistanceKM)
}

func TestResolve_EquivalenceCollapse(t *testing.T) {
	near := &stubLocator{match: &branch.Match{Key: "annex", DistanceKM: 2}}
	res := NewResolver(testPolicy(), newMemCache(), matched(-34.66, -58.36), near).Resolve(context.Background(), "1870")
	assert.Equal(t, "avellaneda", res.Branch)
	assert.Equal(t, "5491111111111", res.RedirectTarget)

	far := &stubLocator{match: &branch.Match{Key: "annex", DistanceKM: 9}}
	res = NewResolver(testPolicy(), newMemCache(), matched(-34.66, -58.36), far).Resolve(context.Background(), "1870")
	assert.Equal(t, "central", res.Branch)
	assert.Equal(t, StatusResolved, res.Status)
}

func TestResolve_CacheHitSkipsClient(t *testing.T) {
	cache := newMemCache()
	client := matched(-34.66, -58.36)
	loc := &stubLocator{match: &branch.Match{Key: "quilmes", DistanceKM: 1.234}}
	r := NewResolver(testPolicy(), cache, client, loc)

	first := r.Resolve(context.Background(), "1870")
	require.Equal(t, int32(1), client.calls.Load())
	require.Equal(t, 1, cache.upserts)

	client.calls.Store(0)
	second := r.Resolve(context.Background(), "B1870XYZ")
	assert.Zero(t, client.calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, 1.23, *second.DistanceKM)
}

func TestResolve_CacheErrorsDoNotBlockRouting(t *testing.T) {
	cache := newMemCache()
	cache.lookupErr = assert.AnError
	cache.upsertErr = assert.AnError
	client := matched(-34.66, -58.36)
	loc := &stubLocator{match: &branch.Match{Key: "quilmes", DistanceKM: 1}}

	res := NewResolver(testPolicy(), cache, client, loc).Resolve(context.Background(), "1870")

	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "quilmes", res.Branch)
	assert.Equal(t, int32(1), client.calls.Load())
	assert.Equal(t, 1, cache.upserts)
	require.NotNil(t, res.Latitude)
	assert.Equal(t, -34.66, *res.Latitude)
}

func TestResolve_EveryStatusIsRoutable(t *testing.T) {
	scenarios := []struct {
		raw    string
		client *stubClient
		loc    *stubLocator
	}{
		{"", matched(0, 0), &stubLocator{}},
		{"1870", &stubClient{result: &geocode.Result{}}, &stubLocator{}},
		{"1870", matched(0, 0), &stubLocator{err: assert.AnError}},
		{"1870", matched(0, 0), &stubLocator{match: &branch.Match{Key: "quilmes", DistanceKM: 1}}},
		{"1870", matched(0, 0), &stubLocator{match: &branch.Match{Key: "quilmes", DistanceKM: 100}}},
	}

	seen := make(map[Status]bool)
	for _, s := range scenarios {
		res := NewResolver(testPolicy(), newMemCache(), s.client, s.loc).Resolve(context.Background(), s.raw)
		assert.NotEmpty(t, res.Branch)
		assert.NotEmpty(t, res.RedirectTarget)
		seen[res.Status] = true
	}
	for _, st := range Statuses {
		assert.True(t, seen[st], "status %s not exercised", st)
	}
}

// nominatimStub serves coordinates for known postal codes and an empty
// array for anything else.
func nominatimStub(t *testing.T, places map[string][2]float64) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		p, ok := places[r.URL.Query().Get("postalcode")]
		if !ok {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{
			"lat":          strconv.FormatFloat(p[0], 'f', -1, 64),
			"lon":          strconv.FormatFloat(p[1], 'f', -1, 64),
			"display_name": "Avellaneda, Buenos Aires, Argentina",
		}})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func endToEndResolver(t *testing.T, places map[string][2]float64) (*Resolver, *atomic.Int32) {
	t.Helper()
	srv, calls := nominatimStub(t, places)
	client := geocode.NewNominatimClient(geocode.NominatimConfig{
		BaseURL:     srv.URL,
		Email:       "ops@example.com",
		CountryCode: "ar",
		CountryName: "Argentina",
	}, geocode.WithThrottle(geocode.NewThrottle(0, nil)))

	locator := branch.NewHaversineLocator(staticBranches{
		{Key: "avellaneda", Latitude: -34.6623, Longitude: -58.3650, Active: true},
		{Key: "quilmes", Latitude: -34.7206, Longitude: -58.2546, Active: true},
	})
	return NewResolver(testPolicy(), newMemCache(), client, locator), calls
}

type staticBranches []branch.Branch

func (s staticBranches) ListActive(context.Context) ([]branch.Branch, error) { return s, nil }

func TestResolve_EndToEndWithinThreshold(t *testing.T) {
	kmPerDegree := branch.EarthRadiusKM * math.Pi / 180
	r, calls := endToEndResolver(t, map[string][2]float64{
		"1870": {-34.6623 + 3/kmPerDegree, -58.3650},
	})

	res := r.Resolve(context.Background(), "1870")

	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "avellaneda", res.Branch)
	require.NotNil(t, res.DistanceKM)
	assert.Equal(t, 3.0, *res.DistanceKM)
	assert.Equal(t, geocode.ProviderNominatim, *res.Provider)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolve_EndToEndNoGeocode(t *testing.T) {
	r, calls := endToEndResolver(t, nil)

	res := r.Resolve(context.Background(), "9999")

	assert.Equal(t, StatusFallbackGeocodeFailed, res.Status)
	assert.Equal(t, "central", res.Branch)
	assert.Nil(t, res.DistanceKM)
	require.NotNil(t, res.PostalCode)
	assert.Equal(t, "9999", *res.PostalCode)
	assert.Equal(t, int32(2), calls.Load(), "structured then free-text")
}

func TestResolve_Idempotent(t *testing.T) {
	kmPerDegree := branch.EarthRadiusKM * math.Pi / 180
	r, calls := endToEndResolver(t, map[string][2]float64{
		"1870": {-34.6623 + 3/kmPerDegree, -58.3650},
	})

	first, err := json.Marshal(r.Resolve(context.Background(), "1870"))
	require.NoError(t, err)
	second, err := json.Marshal(r.Resolve(context.Background(), "1870"))
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Equal(t, int32(1), calls.Load())
}
