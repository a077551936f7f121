package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vkuzmin/fleetwatch/internal/cloud/cloudtest"
	"github.com/vkuzmin/fleetwatch/internal/eventbus"
	"github.com/vkuzmin/fleetwatch/internal/reconcile"
	"github.com/vkuzmin/fleetwatch/internal/resource"
)

func newTestServer(t *testing.T) (*httptest.Server, *cloudtest.Provider) {
	t.Helper()

	provider := cloudtest.NewSimulated()
	provider.SetResources(resource.Scope{Project: "acme", Location: "fsn1"},
		resource.Resource{ID: "c1", Kind: resource.KindCluster, State: resource.StateRunning})

	bus := eventbus.New()
	tracker := reconcile.NewTracker(provider, provider, bus, reconcile.Config{
		PollInterval:       time.Hour,
		ForcedRefreshDelay: 5 * time.Millisecond,
		CallTimeout:        time.Second,
		RateLimitRPS:       1000,
	})

	srv := httptest.NewServer(NewServer("127.0.0.1", 0, tracker).routes())
	t.Cleanup(func() {
		srv.Close()
		tracker.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bus.Close(ctx)
	})
	return srv, provider
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitForSnapshot(t *testing.T, srv *httptest.Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := do(t, http.MethodGet, srv.URL+"/v1/scopes/acme/fsn1/snapshot", nil)
		if resp.StatusCode == http.StatusOK {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for initial snapshot")
}

func TestScopeLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	if resp := do(t, http.MethodGet, srv.URL+"/v1/scopes/acme/fsn1/snapshot", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("snapshot before enter = %d, want 404", resp.StatusCode)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/v1/scopes/acme/fsn1", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("enter = %d, want 202", resp.StatusCode)
	}
	waitForSnapshot(t, srv)

	resp := do(t, http.MethodGet, srv.URL+"/v1/scopes/acme/fsn1/snapshot", nil)
	var snap struct {
		Seq       uint64              `json:"seq"`
		Polling   bool                `json:"polling"`
		Resources []resource.Resource `json:"resources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Resources) != 1 || snap.Resources[0].ID != "c1" {
		t.Fatalf("snapshot resources = %+v", snap.Resources)
	}
	if snap.Polling {
		t.Error("stable scope reported as polling")
	}

	if resp := do(t, http.MethodDelete, srv.URL+"/v1/scopes/acme/fsn1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("exit = %d, want 200", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/v1/scopes/acme/fsn1", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double exit = %d, want 404", resp.StatusCode)
	}
}

func TestSubmitCommandOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	do(t, http.MethodPost, srv.URL+"/v1/scopes/acme/fsn1", nil)
	waitForSnapshot(t, srv)

	resp := do(t, http.MethodPost, srv.URL+"/v1/scopes/acme/fsn1/commands", submitRequest{
		Kind: "stop", ResourceID: "c1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit = %d, want 200", resp.StatusCode)
	}
	var out struct {
		CommandID string `json:"command_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if out.CommandID == "" {
		t.Error("submit response missing command_id")
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/scopes/acme/fsn1/commands/c1/stop", nil)
	var status reconcile.CommandStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != reconcile.CommandSucceeded {
		t.Errorf("command state = %s, want succeeded", status.State)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, provider := newTestServer(t)

	do(t, http.MethodPost, srv.URL+"/v1/scopes/acme/fsn1", nil)
	waitForSnapshot(t, srv)

	// A lifecycle command against a transient resource is a conflict.
	provider.SetState(resource.Scope{Project: "acme", Location: "fsn1"}, "c1", resource.StateReconciling)
	do(t, http.MethodPost, srv.URL+"/v1/scopes/acme/fsn1/refresh", nil)

	resp := do(t, http.MethodPost, srv.URL+"/v1/scopes/acme/fsn1/commands", submitRequest{
		Kind: "delete", ResourceID: "c1",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete on transient = %d, want 409", resp.StatusCode)
	}

	// Commands for a scope nobody entered are not found.
	resp = do(t, http.MethodPost, srv.URL+"/v1/scopes/other/hel1/commands", submitRequest{
		Kind: "stop", ResourceID: "c1",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("submit on inactive scope = %d, want 404", resp.StatusCode)
	}

	// Malformed JSON is a plain bad request.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/scopes/acme/fsn1/commands", bytes.NewBufferString("{"))
	badResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("malformed submit: %v", err)
	}
	defer badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", badResp.StatusCode)
	}
}
