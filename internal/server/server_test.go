package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kverko/fiatswap/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:     "0",
		Env:      "development",
		LogLevel: "error",

		BurnFeeBps:        25,
		ChainFeeBps:       25,
		WarchestFeeBps:    50,
		ArbitrationFeeBps: 100,

		BurnAddress:       "0x000000000000000000000000000000000000dead",
		ChainFeeAddress:   "0x0000000000000000000000000000000000000c4a",
		WarchestAddress:   "0x000000000000000000000000000000000000aaaa",
		ConversionAddress: "",

		TradeExpiry:   time.Hour,
		MinExpiry:     10 * time.Minute,
		MaxExpiry:     48 * time.Hour,
		DisputeWindow: 72 * time.Hour,
		QuoteMaxAge:   5 * time.Minute,
		SweepInterval: 30 * time.Second,

		RateLimitRPS: 1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestTradeRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	tradeRoutes := map[string]bool{
		"GET:/v1/trades/:id":                   false,
		"GET:/v1/parties/:address/trades":      false,
		"POST:/v1/trades":                      false,
		"POST:/v1/trades/:id/accept":           false,
		"POST:/v1/trades/:id/fund":             false,
		"POST:/v1/trades/:id/fiat-deposited":   false,
		"POST:/v1/trades/:id/release":          false,
		"POST:/v1/trades/:id/refund":           false,
		"POST:/v1/trades/:id/cancel":           false,
		"POST:/v1/trades/:id/dispute":          false,
		"POST:/v1/trades/:id/resolve":          false,
		"GET:/v1/trades/:id/escrow":            false,
		"POST:/v1/custody/withdraw":            false,
		"POST:/v1/arbitrators":                 false,
		"POST:/v1/arbitrators/:address/active": false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := tradeRoutes[key]; ok {
			tradeRoutes[key] = true
		}
	}

	for route, found := range tradeRoutes {
		if !found {
			t.Errorf("Route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/parties/register",
		"GET:/v1/offers",
		"GET:/v1/offers/:id",
		"POST:/v1/offers",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Registration + auth flow
// ---------------------------------------------------------------------------

func TestRegisterPartyIssuesKey(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]string{
		"address": "0x1111111111111111111111111111111111111111",
		"name":    "maker key",
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/parties/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	apiKey, _ := resp["apiKey"].(string)
	if apiKey == "" {
		t.Fatal("Expected an apiKey in the response")
	}

	// The issued key authenticates protected calls.
	offerBody, _ := json.Marshal(map[string]interface{}{
		"direction": "buy",
		"fiat":      "USD",
		"denom":     "uatom",
		"rateBps":   10000,
		"minAmount": 1000,
		"maxAmount": 1000000,
	})
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/offers", bytes.NewReader(offerBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating offer, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRegisterPartyRejectsBadAddress(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"address": "not-an-address"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/parties/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/trades", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}
