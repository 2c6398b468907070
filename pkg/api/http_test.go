package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raftkv/consensus-store/pkg/raftsim"
)

func newTestHandler(t *testing.T) (*HTTPHandler, *raftsim.Cluster) {
	t.Helper()

	c, err := raftsim.New(1)
	if err != nil {
		t.Fatalf("raftsim.New: %v", err)
	}
	t.Cleanup(c.Cleanup)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.WaitForStableLeader(5 * time.Second); err != nil {
		t.Fatalf("WaitForStableLeader: %v", err)
	}

	return NewHTTPHandler(c.Nodes[0], c.Stores[0], nil), c
}

func postCommand(t *testing.T, h *HTTPHandler, body interface{}) commandResponse {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/command", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp commandResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestCommandSetThenGetRoundTrips(t *testing.T) {
	h, _ := newTestHandler(t)

	value := "1"
	setResp := postCommand(t, h, commandRequest{Type: "SET", Key: "a", Value: &value})
	if !setResp.Success {
		t.Fatalf("SET failed: %+v", setResp)
	}
	if setResp.Result != nil {
		t.Fatalf("SET result = %v, want nil", *setResp.Result)
	}

	getResp := postCommand(t, h, commandRequest{Type: "GET", Key: "a"})
	if !getResp.Success {
		t.Fatalf("GET failed: %+v", getResp)
	}
	if getResp.Result == nil || *getResp.Result != "1" {
		t.Fatalf("GET result = %v, want \"1\"", getResp.Result)
	}
}

func TestCommandGetMissingKeyReturnsError(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := postCommand(t, h, commandRequest{Type: "GET", Key: "missing"})
	if resp.Success {
		t.Fatal("GET on a missing key reported success")
	}
	if resp.Error == nil {
		t.Fatal("GET on a missing key did not set an error")
	}
}

func TestCommandSetWithoutValueReturnsError(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := postCommand(t, h, commandRequest{Type: "SET", Key: "a"})
	if resp.Success {
		t.Fatal("SET without a value reported success")
	}
	if resp.Error == nil || *resp.Error != "SET command requires a value" {
		t.Fatalf("Error = %v, want \"SET command requires a value\"", resp.Error)
	}
}

func TestCommandUnknownTypeReturnsError(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := postCommand(t, h, commandRequest{Type: "BOGUS", Key: "a"})
	if resp.Success {
		t.Fatal("an unknown command type reported success")
	}
	if resp.Error == nil {
		t.Fatal("an unknown command type did not set an error")
	}
}

func TestCommandDeleteRemovesKey(t *testing.T) {
	h, _ := newTestHandler(t)

	value := "1"
	postCommand(t, h, commandRequest{Type: "SET", Key: "a", Value: &value})

	delResp := postCommand(t, h, commandRequest{Type: "DELETE", Key: "a"})
	if !delResp.Success {
		t.Fatalf("DELETE failed: %+v", delResp)
	}

	getResp := postCommand(t, h, commandRequest{Type: "GET", Key: "a"})
	if getResp.Success {
		t.Fatal("GET found a key after DELETE")
	}
}

func TestHealthReturnsPlainTextOK(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "OK" {
		t.Fatalf("body = %q, want \"OK\"", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}
