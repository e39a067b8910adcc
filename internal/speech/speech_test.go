package speech_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/avrillon/liveterp/internal/speech"
)

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := speech.New("", "westeurope"); err == nil {
		t.Error("New with empty key returned nil error")
	}
	if _, err := speech.New("abc", ""); err == nil {
		t.Error("New with empty region returned nil error")
	}
}

func TestFetchToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Ocp-Apim-Subscription-Key"); got != "secret-key" {
			t.Errorf("subscription key header = %q", got)
		}
		w.Write([]byte("eyJ0b2tlbiJ9"))
	}))
	defer srv.Close()

	p, err := speech.New("secret-key", "westeurope", speech.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if tok.Value != "eyJ0b2tlbiJ9" {
		t.Errorf("token = %q", tok.Value)
	}
	if tok.Region != "westeurope" {
		t.Errorf("region = %q", tok.Region)
	}
}

func TestFetchTokenBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := speech.New("wrong-key", "westeurope", speech.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.Fetch(context.Background())
	if err == nil {
		t.Fatal("Fetch with 401 returned nil error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %q does not mention the status code", err)
	}
}

func TestFetchTokenEmptyBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	p, err := speech.New("secret-key", "westeurope", speech.WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := p.Fetch(context.Background()); err == nil {
		t.Fatal("Fetch with empty body returned nil error")
	}
}

func TestFetchTokenTimeout(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	p, err := speech.New("secret-key", "westeurope",
		speech.WithEndpoint(srv.URL),
		speech.WithTimeout(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	_, err = p.Fetch(context.Background())
	if err == nil {
		t.Fatal("Fetch against a stalled endpoint returned nil error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Fetch took %v, timeout not applied", elapsed)
	}
}
