package masking

import (
	"net/http"
	"testing"
)

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                "",
		"abc":             "****",
		"client_abcdefgh": "client_****efgh",
		"0123456789":      "****6789",
		"trailing_":       "****ing_",
	}
	for input, want := range cases {
		if got := MaskSecret(input); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestMaskHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("X-Webhook-Client-Id", "gw_live_12345678")
	headers.Set("Content-Type", "application/json")

	got := MaskHeaders(headers, "X-Webhook-Client-Id", "X-Webhook-Signature")
	if len(got) != 1 {
		t.Fatalf("expected one masked header, got %v", got)
	}
	if got["x-webhook-client-id"] != "gw_live_****5678" {
		t.Fatalf("unexpected masked value %v", got["x-webhook-client-id"])
	}
	if MaskHeaders(http.Header{}, "X-Webhook-Client-Id") != nil {
		t.Fatalf("expected nil for empty headers")
	}
}

func TestMaskJSONNested(t *testing.T) {
	got := MaskJSON(map[string]any{
		"token": "sk_abcdefgh",
		"count": 3,
		"inner": map[string]any{"secret": "zzzzzzzz"},
		"":      "dropped",
	})
	if got["token"] != "sk_****efgh" || got["count"] != 3 {
		t.Fatalf("unexpected masked map %v", got)
	}
	inner, ok := got["inner"].(map[string]any)
	if !ok || inner["secret"] != "****zzzz" {
		t.Fatalf("unexpected nested value %v", got["inner"])
	}
	if _, ok := got[""]; ok {
		t.Fatalf("expected empty key to be dropped")
	}
}
