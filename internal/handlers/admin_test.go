package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"offline-gateway/internal/lifecycle"
	"offline-gateway/internal/store"
	"offline-gateway/internal/worker"
)

type mockLifecycle struct {
	status     worker.Status
	gens       []string
	upgradeErr error
	upgraded   string
}

func (m *mockLifecycle) Status() worker.Status { return m.status }

func (m *mockLifecycle) Generations(context.Context) ([]string, error) { return m.gens, nil }

func (m *mockLifecycle) Upgrade(_ context.Context, version string) error {
	m.upgraded = version
	if m.upgradeErr != nil {
		return m.upgradeErr
	}
	m.status = worker.Status{Version: version, State: "active"}
	return nil
}

func TestAdminGenerations(t *testing.T) {
	svc := &mockLifecycle{
		status: worker.Status{Version: "v1", State: "active", Generation: "gw-v1"},
		gens:   []string{"gw-v1"},
	}

	rr := httptest.NewRecorder()
	NewAdminHandler(svc).Generations(rr, httptest.NewRequest(http.MethodGet, "/_generations", nil))

	var body struct {
		Current     worker.Status `json:"current"`
		Generations []string      `json:"generations"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Current.Version != "v1" || len(body.Generations) != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestAdminUpgrade(t *testing.T) {
	svc := &mockLifecycle{}
	h := NewAdminHandler(svc)

	rr := httptest.NewRecorder()
	h.Upgrade(rr, httptest.NewRequest(http.MethodPost, "/_lifecycle/upgrade", strings.NewReader(`{"version":"v2"}`)))
	if rr.Code != http.StatusOK || svc.upgraded != "v2" {
		t.Fatalf("expected upgrade to v2, got %d %q", rr.Code, svc.upgraded)
	}

	rr = httptest.NewRecorder()
	h.Upgrade(rr, httptest.NewRequest(http.MethodPost, "/_lifecycle/upgrade", strings.NewReader(`{}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing version, got %d", rr.Code)
	}

	svc.upgradeErr = fmt.Errorf("install v3: %w: /: status 500", lifecycle.ErrPrewarmFailed)
	rr = httptest.NewRecorder()
	h.Upgrade(rr, httptest.NewRequest(http.MethodPost, "/_lifecycle/upgrade", strings.NewReader(`{"version":"v3"}`)))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for failed install, got %d", rr.Code)
	}
}

func TestAdminUpgradeInvalidVersion(t *testing.T) {
	svc := &mockLifecycle{upgradeErr: fmt.Errorf("%w: \"a/b\"", store.ErrInvalidGeneration)}

	rr := httptest.NewRecorder()
	NewAdminHandler(svc).Upgrade(rr, httptest.NewRequest(http.MethodPost, "/_lifecycle/upgrade", strings.NewReader(`{"version":"a/b"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminHealth(t *testing.T) {
	svc := &mockLifecycle{status: worker.Status{Version: "v1", State: "active"}}

	rr := httptest.NewRecorder()
	NewAdminHandler(svc).Health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body struct {
		Status    string        `json:"status"`
		Lifecycle worker.Status `json:"lifecycle"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Lifecycle.State != "active" {
		t.Fatalf("unexpected health body %+v", body)
	}
}
