package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoRoundTripsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer header")
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["value"]})
	}))
	defer srv.Close()

	var out map[string]string
	err := Do(context.Background(), NewClient(time.Second), http.MethodPost, JoinURL(srv.URL+"/", "/echo"), Bearer("key"), map[string]string{"value": "x"}, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out["echo"] != "x" {
		t.Fatalf("unexpected response %v", out)
	}
}

func TestDoReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := Do(context.Background(), NewClient(time.Second), http.MethodGet, srv.URL, nil, nil, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || !statusErr.Retryable() {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}
