package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"cdb.platformcommons.org/internal/audit"
)

func TestAdminEndpointsRequireAdminGrant(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser("user@example.org", "pa55word")
	tok := api.login("user@example.org", "pa55word")

	resp := api.post("/api/v1/admin/authorities", map[string]any{"code": "X"}, bearer(tok.AccessToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/api/v1/admin/authorities", map[string]any{"code": "X"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdminDirectoryFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := api.seedUser("admin@example.org", "pa55word")
	member := api.seedUser("member@example.org", "pa55word")
	headers := bearer(api.adminToken(admin))

	resp := api.post("/api/v1/admin/authorities", map[string]any{
		"code": "CASE.EDIT", "name": "Edit cases", "processArea": "cases",
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected authority status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/api/v1/admin/authorities", map[string]any{"code": "CASE.EDIT"}, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected duplicate authority conflict, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/api/v1/admin/roles", map[string]any{
		"code": "CASE_WORKER", "label": "Case worker", "type": "TENANT",
		"authorityCodes": []string{"CASE.EDIT", "CASE.EDIT"},
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected role status: %d", resp.StatusCode)
	}
	role := decode[roleView](t, resp)
	if len(role.Authorities) != 1 || role.Authorities[0].Code != "CASE.EDIT" {
		t.Fatalf("unexpected role: %+v", role)
	}

	resp = api.get("/api/v1/admin/roles/CASE_WORKER", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected get role status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/api/v1/admin/mappings", map[string]any{
		"userId": member.ID, "providerId": 12, "providerCode": "CITY", "status": "REQUESTED",
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected mapping status: %d", resp.StatusCode)
	}
	mapping := decode[mappingView](t, resp)
	base := "/api/v1/admin/mappings/" + strconv.FormatInt(mapping.ID, 10)

	resp = api.post(base+"/roles", map[string]any{"roleCodes": []string{"CASE_WORKER"}}, headers)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected assign status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	tok := api.login("member@example.org", "pa55word")
	resp = api.post("/api/v1/auth/context", map[string]any{"providerCode": "CITY"}, bearer(tok.AccessToken))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("requested mapping must not grant context, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post(base+"/status", map[string]any{"status": "active"}, headers)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status change: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/api/v1/auth/context", map[string]any{"providerCode": "CITY"}, bearer(tok.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected context after activation, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post(base+"/status", map[string]any{"status": "bogus"}, headers)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdminClientRegistration(t *testing.T) {
	api := newTestAPI(t)
	admin := api.seedUser("admin@example.org", "pa55word")
	headers := bearer(api.adminToken(admin))

	resp := api.post("/api/v1/oauth2/clients", map[string]any{
		"name":         "Portal",
		"redirectUris": []string{"https://portal.example.org/cb"},
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", resp.StatusCode)
	}
	created := decode[clientView](t, resp)
	if created.ClientSecret == "" || len(created.ClientID) < 5 || created.ClientID[:4] != "cdb_" {
		t.Fatalf("unexpected client: %+v", created)
	}
	if !created.RequirePKCE || !created.RequireConsent {
		t.Fatalf("expected secure defaults: %+v", created)
	}

	resp = api.get("/api/v1/oauth2/clients", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected list status: %d", resp.StatusCode)
	}
	list := decode[[]clientView](t, resp)
	if len(list) != 1 || list[0].ClientSecret != "" {
		t.Fatalf("unexpected client list: %+v", list)
	}

	resp = api.post("/api/v1/oauth2/clients", map[string]any{"name": "NoRedirect"}, headers)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdminAuditStream(t *testing.T) {
	api := newTestAPI(t)
	admin := api.seedUser("admin@example.org", "pa55word")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/api/v1/admin/audit/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+api.adminToken(admin))
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected stream response: %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || lines.Text() != ": stream started" {
		t.Fatalf("expected stream preamble, got %q", lines.Text())
	}

	if err := audit.LogEvent(context.Background(), audit.EventClientCreated, map[string]any{"client_id": "cdb_x"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	for lines.Scan() {
		data, ok := strings.CutPrefix(lines.Text(), "data: ")
		if !ok {
			continue
		}
		var evt audit.Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Name != audit.EventClientCreated || evt.Fields["client_id"] != "cdb_x" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		return
	}
	t.Fatalf("stream ended without event: %v", lines.Err())
}
