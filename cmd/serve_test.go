package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-router/internal/routing"
)

type recordingResolver struct {
	got []string
}

func (r *recordingResolver) Resolve(_ context.Context, raw string) routing.Resolution {
	r.got = append(r.got, raw)
	return routing.Resolution{Branch: "central", Status: routing.StatusFallbackInvalidCP, RedirectTarget: "5491100000000"}
}

func TestRouter_Health(t *testing.T) {
	h := newRouter(&recordingResolver{}, []string{"*"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Routing(t *testing.T) {
	res := &recordingResolver{}
	h := newRouter(res, []string{"*"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/routing?postal_code=B1870ABC", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"B1870ABC"}, res.got)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "central", body["branch"])
	assert.Equal(t, "fallback_invalid_cp", body["status"])
	assert.Equal(t, "5491100000000", body["redirect_target"])
	assert.Contains(t, body, "distance_km")
	assert.Nil(t, body["distance_km"])
}

func TestRouter_RoutingEmptyPostalCodeStillRoutes(t *testing.T) {
	res := &recordingResolver{}
	h := newRouter(res, []string{"*"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/routing?postal_code=", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{""}, res.got)
}

func TestRouter_RoutingMissingParam(t *testing.T) {
	res := &recordingResolver{}
	h := newRouter(res, []string{"*"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/routing", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, res.got)
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	h := newRouter(&recordingResolver{}, []string{"*"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/routing", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRouter_CORS(t *testing.T) {
	h := newRouter(&recordingResolver{}, []string{"https://quotes.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/v1/routing", nil)
	req.Header.Set("Origin", "https://quotes.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "https://quotes.example.com", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
