package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/paychat-billing/internal/abuse"
	"github.com/wolfman30/paychat-billing/internal/events"
	"github.com/wolfman30/paychat-billing/internal/expiration"
	"github.com/wolfman30/paychat-billing/internal/ledger"
	"github.com/wolfman30/paychat-billing/internal/profiles"
	"github.com/wolfman30/paychat-billing/internal/roles"
	"github.com/wolfman30/paychat-billing/internal/session"
	"github.com/wolfman30/paychat-billing/internal/wallet"
	"github.com/wolfman30/paychat-billing/pkg/logging"
)

const testSecret = "router-secret"

type stubSweeper struct{ calls int }

func (s *stubSweeper) Sweep(context.Context) expiration.Result {
	s.calls++
	return expiration.Result{Scanned: 3, Expired: 1, NotDue: 2}
}

type stubDrainer struct{}

func (stubDrainer) Drain(context.Context) int { return 4 }

func newTestRouter(t *testing.T, mutate func(*Config)) http.Handler {
	t.Helper()
	logger := logging.Default()
	dir := profiles.NewMemoryDirectory(
		roles.Profile{UserID: "m1", Gender: "male", EarnOptIn: roles.Bool(false), PopularityTier: "standard"},
		roles.Profile{UserID: "f1", Gender: "female", EarnOptIn: roles.Bool(true), PopularityTier: "standard"},
	)
	svc := session.NewService(session.Options{
		Store:    session.NewMemoryStore(events.NewMemoryOutbox()),
		Profiles: dir,
		Resolver: roles.NewResolver(roles.DefaultRateTable(), logger),
		Ledger:   ledger.New(wallet.NewMemoryWallet(map[string]int64{"m1": 100}), logger),
		Guard:    abuse.NewMemoryGuard(abuse.DefaultConfig()),
		Logger:   logger,
	})
	cfg := &Config{
		Logger:        logger,
		Sessions:      session.NewHandler(svc, logger),
		UserJWTSecret: testSecret,
		OpsToken:      "ops",
		Sweeper:       &stubSweeper{},
		Outbox:        stubDrainer{},
	}
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg)
}

func bearer(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterHealthDegraded(t *testing.T) {
	router := newTestRouter(t, func(c *Config) {
		c.Health = func(context.Context) error { return errors.New("db down") }
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRouterSessionsRequireToken(t *testing.T) {
	router := newTestRouter(t, nil)
	body := []byte(`{"participant_a":"m1","participant_b":"f1"}`)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body))
	req.Header.Set("Authorization", bearer(t, "m1"))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var sess struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.ID == "" || sess.State != "FREE_ACTIVE" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	// f1 may not act as m1
	req = httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sess.ID+"/deposit",
		bytes.NewReader([]byte(`{"payer_id":"m1","amount":100}`)))
	req.Header.Set("Authorization", bearer(t, "f1"))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRouterAdminEndpoints(t *testing.T) {
	sweeper := &stubSweeper{}
	router := newTestRouter(t, func(c *Config) { c.Sweeper = sweeper })

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/sweep", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without ops token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/sweep", nil)
	req.Header.Set(opsTokenHeader, "ops")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var res map[string]int
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res["expired"] != 1 || res["scanned"] != 3 || sweeper.calls != 1 {
		t.Fatalf("unexpected sweep response %v (calls=%d)", res, sweeper.calls)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/outbox/drain", nil)
	req.Header.Set(opsTokenHeader, "ops")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !bytes.Contains(rr.Body.Bytes(), []byte(`"delivered":4`)) {
		t.Fatalf("unexpected drain response %d %s", rr.Code, rr.Body.String())
	}
}

func TestRouterAdminDisabledWithoutToken(t *testing.T) {
	router := newTestRouter(t, func(c *Config) { c.OpsToken = "" })
	req := httptest.NewRequest(http.MethodPost, "/admin/sweep", nil)
	req.Header.Set(opsTokenHeader, "anything")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
