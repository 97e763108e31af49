package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/backend"
	"github.com/relaygate/relaygate/internal/eventbus"
	"github.com/relaygate/relaygate/internal/gateway"
	"github.com/relaygate/relaygate/internal/store"
)

const testServiceKey = "__LOL_TESTING__"

func newTestApp(t *testing.T) (*fiber.App, *gateway.Manager) {
	t.Helper()

	be := backend.New(backend.Config{ServiceKey: testServiceKey}, zerolog.Nop())
	st := store.New()
	bus := eventbus.New(zerolog.Nop())
	manager := gateway.New(st, be, bus, gateway.Config{}, zerolog.Nop())

	h := New(manager, be, "dev", zerolog.Nop())

	app := fiber.New()
	group := app.Group("/nodejs")
	h.Register(group)

	return app, manager
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		t.Fatalf("decode body: %v\nraw: %s", err, body)
	}
}

func TestMissingServiceKeyRejected(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	req := httptest.NewRequest(http.MethodPost, "/nodejs/publish", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Error string `json:"error"`
	}
	decode(t, resp, &body)
	if body.Error != "Invalid service key." {
		t.Errorf("error = %q, want %q", body.Error, "Invalid service key.")
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)
	req := httptest.NewRequest(http.MethodGet, "/nodejs/fakepath", nil)
	req.Header.Set("NodejsServiceKey", testServiceKey)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestContentTokenRoundTrip(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/nodejs/content/token", strings.NewReader(`{"channel":"test_channel","token":"mytoken"}`))
	req.Header.Set("NodejsServiceKey", testServiceKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var setResp struct {
		Status string `json:"status"`
	}
	decode(t, resp, &setResp)
	if setResp.Status != "success" {
		t.Fatalf("set token status = %q, want success", setResp.Status)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/nodejs/health/check", nil)
	req2.Header.Set("NodejsServiceKey", testServiceKey)
	resp2, err := app.Test(req2)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp2.Body.Close() }()

	var health struct {
		ContentTokens map[string][]string `json:"contentTokens"`
	}
	decode(t, resp2, &health)
	if _, ok := health.ContentTokens["test_channel"]; !ok {
		t.Errorf("contentTokens = %v, want key test_channel", health.ContentTokens)
	}
}

func TestChannelCreateAndCheck(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/nodejs/channel/add/test_channel_2", nil)
	req.Header.Set("NodejsServiceKey", testServiceKey)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var addResp struct {
		Status string `json:"status"`
	}
	decode(t, resp, &addResp)
	if addResp.Status != "success" {
		t.Fatalf("add channel status = %q, want success", addResp.Status)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/nodejs/channel/check/test_channel_2", nil)
	req2.Header.Set("NodejsServiceKey", testServiceKey)
	resp2, err := app.Test(req2)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp2.Body.Close() }()

	var checkResp struct {
		Status string `json:"status"`
		Result bool   `json:"result"`
	}
	decode(t, resp2, &checkResp)
	if checkResp.Status != "success" || !checkResp.Result {
		t.Errorf("check = %+v, want status=success result=true", checkResp)
	}
}

func TestKickUserRequiresKnownUID(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/nodejs/user/kick/999", nil)
	req.Header.Set("NodejsServiceKey", testServiceKey)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Status string `json:"status"`
	}
	decode(t, resp, &body)
	if body.Status != "failed" {
		t.Errorf("status = %q, want failed for an unknown uid", body.Status)
	}
}

func TestAddUserToChannelFailsWithoutActiveSession(t *testing.T) {
	t.Parallel()

	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/nodejs/user/channel/add/lobby/42", nil)
	req.Header.Set("NodejsServiceKey", testServiceKey)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Status string `json:"status"`
	}
	decode(t, resp, &body)
	if body.Status != "failed" {
		t.Errorf("status = %q, want failed (uid has no active session)", body.Status)
	}
}
