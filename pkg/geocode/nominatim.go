package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-router/internal/resilience"
)

// DefaultNominatimURL is the public OpenStreetMap search endpoint.
const DefaultNominatimURL = "https://nominatim.openstreetmap.org/search"

const maxResponseBytes = 1 << 20

// NominatimConfig holds the request parameters sent on every search.
type NominatimConfig struct {
	BaseURL     string
	Email       string // contact address required by the usage policy
	UserAgent   string
	CountryCode string // e.g. "ar"
	CountryName string // appended to free-text queries, e.g. "Argentina"
	Language    string // accept-language, e.g. "es"
	Timeout     time.Duration
}

// NominatimOption configures a NominatimClient.
type NominatimOption func(*NominatimClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) NominatimOption {
	return func(c *NominatimClient) {
		c.httpClient = hc
	}
}

// WithThrottle shares an existing throttle. Every client that talks to the
// same provider must use the same Throttle.
func WithThrottle(t *Throttle) NominatimOption {
	return func(c *NominatimClient) {
		c.throttle = t
	}
}

// WithBreaker short-circuits searches to "no result" while the provider is
// failing.
func WithBreaker(b *resilience.Breaker) NominatimOption {
	return func(c *NominatimClient) {
		c.breaker = b
	}
}

// NominatimClient geocodes postal codes against a Nominatim search endpoint.
// A structured postalcode query is tried first, then a free-text query; each
// attempt takes its own throttle slot and its own timeout.
type NominatimClient struct {
	cfg        NominatimConfig
	httpClient *http.Client
	throttle   *Throttle
	breaker    *resilience.Breaker
}

// NewNominatimClient creates a client with the given config and options.
func NewNominatimClient(cfg NominatimConfig, opts ...NominatimOption) *NominatimClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNominatimURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	c := &NominatimClient{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.throttle == nil {
		c.throttle = NewThrottle(time.Second, nil)
	}
	return c
}

// Geocode implements Client.
func (c *NominatimClient) Geocode(ctx context.Context, postalCode string) (*Result, error) {
	log := zap.L().With(zap.String("component", "geocode.nominatim"), zap.String("postal_code", postalCode))

	attempts := []struct {
		name   string
		params url.Values
	}{
		{"postalcode", c.baseParams(url.Values{"postalcode": {postalCode}})},
		{"q", c.baseParams(url.Values{"q": {c.freeText(postalCode)}})},
	}

	for _, a := range attempts {
		result, err := c.attempt(ctx, a.params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "geocode: nominatim")
			}
			log.Debug("nominatim attempt failed", zap.String("query", a.name), zap.Error(err))
			continue
		}
		if result != nil {
			result.Query = a.name
			return result, nil
		}
		log.Debug("nominatim attempt returned no usable result", zap.String("query", a.name))
	}

	return &Result{Matched: false, Provider: ProviderNominatim}, nil
}

func (c *NominatimClient) attempt(ctx context.Context, params url.Values) (*Result, error) {
	return resilience.Guard(ctx, c.breaker, func(ctx context.Context) (*Result, error) {
		return c.search(ctx, params)
	})
}

func (c *NominatimClient) baseParams(extra url.Values) url.Values {
	params := url.Values{
		"format":         {"json"},
		"limit":          {"1"},
		"addressdetails": {"1"},
	}
	if c.cfg.CountryCode != "" {
		params.Set("countrycodes", c.cfg.CountryCode)
	}
	if c.cfg.Language != "" {
		params.Set("accept-language", c.cfg.Language)
	}
	if c.cfg.Email != "" {
		params.Set("email", c.cfg.Email)
	}
	for k, v := range extra {
		params[k] = v
	}
	return params
}

func (c *NominatimClient) freeText(postalCode string) string {
	if c.cfg.CountryName == "" {
		return postalCode
	}
	return postalCode + ", " + c.cfg.CountryName
}

// search performs one throttled request. It returns (nil, nil) when the
// response is well formed but holds no usable coordinates.
func (c *NominatimClient) search(ctx context.Context, params url.Values) (*Result, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "geocode: nominatim timeout"), 0)
		}
		return nil, eris.Wrap(err, "geocode: nominatim request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("geocode: nominatim returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim read body")
	}

	return parsePlaces(body)
}

// nominatimPlace mirrors the parts of a search hit we use. Nominatim encodes
// lat/lon as strings; plain JSON numbers are accepted too.
type nominatimPlace struct {
	Lat         coordinate `json:"lat"`
	Lon         coordinate `json:"lon"`
	DisplayName string     `json:"display_name"`
}

type coordinate struct {
	value float64
	valid bool
}

func (c *coordinate) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	c.value, c.valid = f, true
	return nil
}

func parsePlaces(body []byte) (*Result, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, eris.Wrap(err, "geocode: nominatim parse response")
	}

	for _, item := range raw {
		var p nominatimPlace
		if err := json.Unmarshal(item, &p); err != nil {
			continue
		}
		if !p.Lat.valid || !p.Lon.valid {
			continue
		}
		return &Result{
			Latitude:         p.Lat.value,
			Longitude:        p.Lon.value,
			Provider:         ProviderNominatim,
			FormattedAddress: p.DisplayName,
			Matched:          true,
		}, nil
	}
	return nil, nil
}
