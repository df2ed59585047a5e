package routes

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mercato-dev/mercato-backend/pkg/auth"
	"github.com/mercato-dev/mercato-backend/pkg/config"
	"github.com/mercato-dev/mercato-backend/pkg/enums"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.Env = "test"
	cfg.JWT.Secret = "router-test-secret"
	cfg.JWT.Issuer = "mercato-test"
	cfg.JWT.ExpirationMinutes = 15
	return cfg
}

func bearerFor(t *testing.T, cfg *config.Config, role enums.Role) string {
	t.Helper()
	token, err := auth.MintAccessToken(cfg.JWT, time.Now(), auth.AccessTokenPayload{
		UserID: uuid.New(),
		Role:   role,
		JTI:    uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return "Bearer " + token
}

func TestHealthRoutesAreOpen(t *testing.T) {
	router := NewRouter(testConfig(), nil, nil, nil, Services{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("live: expected 200 got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("ready: expected 200 got %d", resp.Code)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	router := NewRouter(testConfig(), nil, nil, nil, Services{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.Code)
	}
}

func TestRoleGates(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(cfg, nil, nil, nil, Services{})

	// A buyer token reaches buyer routes (500 from the nil service, not 401/403).
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("Authorization", bearerFor(t, cfg, enums.RoleBuyer))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("buyer cart: expected 500 got %d", resp.Code)
	}

	// The same buyer is rejected from seller and admin subtrees.
	for _, path := range []string{"/api/v1/seller/balance", "/api/v1/admin/refunds"} {
		req = httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", bearerFor(t, cfg, enums.RoleBuyer))
		resp = httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 got %d", path, resp.Code)
		}
	}

	// Sellers pass the seller gate but not the admin gate.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/seller/balance", nil)
	req.Header.Set("Authorization", bearerFor(t, cfg, enums.RoleSeller))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("seller balance: expected 500 got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/payouts", nil)
	req.Header.Set("Authorization", bearerFor(t, cfg, enums.RoleSeller))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("seller on admin route: expected 403 got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/payouts", nil)
	req.Header.Set("Authorization", bearerFor(t, cfg, enums.RoleAdmin))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("admin payouts: expected 500 got %d", resp.Code)
	}
}
