package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"voice-gateway/internal/audit"
	"voice-gateway/internal/auth"
	"voice-gateway/internal/callmgr"
	"voice-gateway/internal/config"
	"voice-gateway/internal/health"
)

type fakeCalls struct {
	calls  []callmgr.Summary
	ended  []string
	endErr error
}

func (f *fakeCalls) List() []callmgr.Summary { return f.calls }

func (f *fakeCalls) Get(callID string) (callmgr.Detail, bool) {
	for _, c := range f.calls {
		if c.ID == callID {
			return callmgr.Detail{Summary: c}, true
		}
	}
	return callmgr.Detail{}, false
}

func (f *fakeCalls) ForceEnd(_ context.Context, callID string) error {
	if f.endErr != nil {
		return f.endErr
	}
	f.ended = append(f.ended, callID)
	return nil
}

type fakeBlocklist struct {
	blocked   []string
	unblocked []string
}

func (f *fakeBlocklist) Block(_ context.Context, callerID string, _ int, _ string) error {
	f.blocked = append(f.blocked, callerID)
	return nil
}

func (f *fakeBlocklist) Unblock(_ context.Context, callerID string) error {
	f.unblocked = append(f.unblocked, callerID)
	return nil
}

func sweptMonitor(status health.Status) *health.Monitor {
	m := health.NewMonitor(time.Minute, slog.Default())
	for _, name := range []string{
		health.ComponentEventSocket, health.ComponentEngine,
		health.ComponentConversation, health.ComponentStorage, health.ComponentCodec,
	} {
		s := health.StatusHealthy
		if name == health.ComponentEngine {
			s = status
		}
		m.Register(name, func(context.Context) (health.Status, string) { return s, "" })
	}
	m.Sweep(context.Background())
	return m
}

type apiRig struct {
	router    *gin.Engine
	calls     *fakeCalls
	blocklist *fakeBlocklist
	audit     *audit.MemoryRepo
	auth      *auth.Manager
}

func newAPIRig(t *testing.T, engineStatus health.Status) *apiRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authManager, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret-test-secret"})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	rig := &apiRig{
		calls:     &fakeCalls{calls: []callmgr.Summary{{ID: "call-1", CallerID: "+391234567", State: callmgr.StateListening}}},
		blocklist: &fakeBlocklist{},
		audit:     audit.NewMemoryRepo(),
		auth:      authManager,
	}
	h := Handlers{
		Health:    sweptMonitor(engineStatus),
		Calls:     rig.calls,
		Blocklist: rig.blocklist,
		Audit:     audit.NewService(rig.audit),
	}

	r := gin.New()
	r.GET("/healthz", h.Healthz)
	v1 := r.Group("/v1")
	read := v1.Group("/calls")
	read.Use(auth.RequireServiceToken(authManager, auth.ScopeRead))
	read.GET("", h.ListCalls)
	read.GET("/:call_id", h.GetCall)
	admin := v1.Group("")
	admin.Use(auth.RequireServiceToken(authManager, auth.ScopeAdmin))
	admin.DELETE("/calls/:call_id", h.ForceEndCall)
	admin.POST("/blocklist", h.BlockCaller)
	admin.DELETE("/blocklist/:caller_id", h.UnblockCaller)

	rig.router = r
	return rig
}

func (r *apiRig) request(t *testing.T, method, path, body, scope string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if scope != "" {
		tok, err := r.auth.Issue(time.Now(), "test-client", scope, time.Hour)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	return w
}

func TestHealthz_PublicAndReflectsStatus(t *testing.T) {
	rig := newAPIRig(t, health.StatusHealthy)
	w := rig.request(t, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"accept_calls":true`) {
		t.Fatalf("body = %s", w.Body.String())
	}

	down := newAPIRig(t, health.StatusUnhealthy)
	w = down.request(t, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy gateway should return 503, got %d", w.Code)
	}
}

func TestListCalls_RequiresToken(t *testing.T) {
	rig := newAPIRig(t, health.StatusHealthy)

	if w := rig.request(t, http.MethodGet, "/v1/calls", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should 401, got %d", w.Code)
	}
	w := rig.request(t, http.MethodGet, "/v1/calls", "", auth.ScopeRead)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "call-1") {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestGetCall(t *testing.T) {
	rig := newAPIRig(t, health.StatusHealthy)

	if w := rig.request(t, http.MethodGet, "/v1/calls/call-1", "", auth.ScopeRead); w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if w := rig.request(t, http.MethodGet, "/v1/calls/nope", "", auth.ScopeRead); w.Code != http.StatusNotFound {
		t.Fatalf("missing call should 404, got %d", w.Code)
	}
}

func TestForceEnd_RequiresAdminScope(t *testing.T) {
	rig := newAPIRig(t, health.StatusHealthy)

	if w := rig.request(t, http.MethodDelete, "/v1/calls/call-1", "", auth.ScopeRead); w.Code != http.StatusForbidden {
		t.Fatalf("read scope should 403, got %d", w.Code)
	}
	if w := rig.request(t, http.MethodDelete, "/v1/calls/call-1", "", auth.ScopeAdmin); w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if len(rig.calls.ended) != 1 || rig.calls.ended[0] != "call-1" {
		t.Fatalf("ended = %v", rig.calls.ended)
	}
	evs := rig.audit.Events()
	if len(evs) != 1 || evs[0].Type != audit.TypeForceEnd || evs[0].Actor != "test-client" {
		t.Fatalf("audit events = %+v", evs)
	}
}

func TestForceEnd_UnknownCall(t *testing.T) {
	rig := newAPIRig(t, health.StatusHealthy)
	rig.calls.endErr = fmt.Errorf("call nope not found")

	if w := rig.request(t, http.MethodDelete, "/v1/calls/nope", "", auth.ScopeAdmin); w.Code != http.StatusNotFound {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestBlocklist_AddAndRemove(t *testing.T) {
	rig := newAPIRig(t, health.StatusHealthy)

	w := rig.request(t, http.MethodPost, "/v1/blocklist",
		`{"caller_id":"+391234567","duration_minutes":60,"reason":"abuse"}`, auth.ScopeAdmin)
	if w.Code != http.StatusOK {
		t.Fatalf("block code = %d body=%s", w.Code, w.Body.String())
	}
	if len(rig.blocklist.blocked) != 1 {
		t.Fatalf("blocked = %v", rig.blocklist.blocked)
	}

	if w := rig.request(t, http.MethodPost, "/v1/blocklist", `{"reason":"abuse"}`, auth.ScopeAdmin); w.Code != http.StatusBadRequest {
		t.Fatalf("missing caller_id should 400, got %d", w.Code)
	}
	if w := rig.request(t, http.MethodPost, "/v1/blocklist",
		`{"caller_id":"+39","duration_minutes":-5}`, auth.ScopeAdmin); w.Code != http.StatusBadRequest {
		t.Fatalf("negative duration should 400, got %d", w.Code)
	}

	if w := rig.request(t, http.MethodDelete, "/v1/blocklist/+391234567", "", auth.ScopeAdmin); w.Code != http.StatusOK {
		t.Fatalf("unblock code = %d", w.Code)
	}
	if len(rig.blocklist.unblocked) != 1 {
		t.Fatalf("unblocked = %v", rig.blocklist.unblocked)
	}
}
