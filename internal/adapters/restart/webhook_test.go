package restart

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebhookSignalerSuccess(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	secret := "test-secret"
	s := NewWebhookSignaler(srv.URL, secret, 5*time.Second)

	if err := s.Restart(context.Background(), "created"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if action := gotHeaders.Get("X-Wsregistry-Action"); action != "restart" {
		t.Errorf("X-Wsregistry-Action = %q, want restart", action)
	}

	sigHeader := gotHeaders.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(sigHeader, "sha256=") {
		t.Fatalf("X-Hub-Signature-256 header missing or malformed: %q", sigHeader)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	if got, want := strings.TrimPrefix(sigHeader, "sha256="), hex.EncodeToString(mac.Sum(nil)); got != want {
		t.Errorf("signature mismatch: got %q, want %q", got, want)
	}

	var decoded webhookPayload
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Reason != "created" || decoded.Action != "restart" {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestWebhookSignalerNon2xxReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewWebhookSignaler(srv.URL, "secret", 5*time.Second).Restart(context.Background(), "updated")
	if err == nil {
		t.Fatal("expected error for 503 response, got nil")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error should mention status code 503, got: %v", err)
	}
}

func TestWebhookSignalerContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewWebhookSignaler(srv.URL, "secret", 5*time.Second).Restart(ctx, "deleted")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected error to wrap context.Canceled, got: %v", err)
	}
}

func TestWebhookSignalerZeroTimeoutUsesDefault(t *testing.T) {
	s := NewWebhookSignaler("http://localhost:9", "s", 0)
	if s.client.Timeout != defaultWebhookTimeout {
		t.Errorf("timeout = %v, want %v", s.client.Timeout, defaultWebhookTimeout)
	}
}
