package credentials

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type countingSource struct {
	id    int64
	calls *atomic.Int64
}

func (s countingSource) Token() (*oauth2.Token, error) {
	s.calls.Add(1)
	return &oauth2.Token{
		AccessToken: fmt.Sprintf("token-%d", s.id),
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

func TestTokenHeader(t *testing.T) {
	if got := (Token{TokenType: "Bearer", AccessToken: "abc"}).Header(); got != "Bearer abc" {
		t.Errorf("Expected 'Bearer abc', got '%s'", got)
	}
	if got := (Token{AccessToken: "abc"}).Header(); got != "Bearer abc" {
		t.Errorf("Expected default type, got '%s'", got)
	}
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider("Bearer", "fixed")
	tok, err := p.Token(context.Background(), ScopeReadWrite)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok.AccessToken != "fixed" {
		t.Errorf("Expected 'fixed', got '%s'", tok.AccessToken)
	}
	if _, err := NewStaticProvider("Bearer", "").Token(context.Background()); err == nil {
		t.Error("Expected error for empty static token")
	}
}

func TestOAuth2ProviderCachesAndRefreshes(t *testing.T) {
	var created, calls atomic.Int64
	p := NewOAuth2Provider(func(ctx context.Context, scopes []string) (oauth2.TokenSource, error) {
		return countingSource{id: created.Add(1), calls: &calls}, nil
	})
	ctx := context.Background()

	first, err := p.Token(ctx, ScopeReadWrite)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	second, err := p.Token(ctx, ScopeReadWrite)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if first != second {
		t.Errorf("Expected cached token, got %v then %v", first, second)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single mint, got %d", calls.Load())
	}

	refreshed, err := p.Refresh(ctx, ScopeReadWrite)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.AccessToken == first.AccessToken {
		t.Error("Expected refresh to mint a new token")
	}
	if created.Load() != 2 {
		t.Errorf("Expected 2 sources, got %d", created.Load())
	}
}

func TestOAuth2ProviderSourceError(t *testing.T) {
	p := NewOAuth2Provider(func(ctx context.Context, scopes []string) (oauth2.TokenSource, error) {
		return nil, errors.New("no credentials")
	})
	if _, err := p.Token(context.Background(), ScopeReadWrite); err == nil {
		t.Error("Expected error when source cannot be created")
	}
}

func TestOAuth2ProviderCanceled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := NewOAuth2Provider(func(ctx context.Context, scopes []string) (oauth2.TokenSource, error) {
		return blockingSource(block), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Token(ctx, ScopeReadWrite); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

type blockingSource chan struct{}

func (b blockingSource) Token() (*oauth2.Token, error) {
	<-b
	return nil, errors.New("unblocked")
}

func TestServiceAccountProvider(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if err := r.ParseForm(); err != nil || r.Form.Get("assertion") == "" {
			http.Error(w, "missing assertion", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"sa-token","token_type":"Bearer","expires_in":3600}`)
	}))
	defer server.Close()

	keyJSON, _ := json.Marshal(map[string]string{
		"type":           "service_account",
		"client_email":   "tester@example.iam.gserviceaccount.com",
		"private_key":    string(pemKey),
		"private_key_id": "key-1",
		"token_uri":      server.URL,
	})

	p, err := NewServiceAccountProvider(keyJSON)
	if err != nil {
		t.Fatalf("NewServiceAccountProvider failed: %v", err)
	}
	tok, err := p.Token(context.Background(), ScopeReadWrite)
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok.Header() != "Bearer sa-token" {
		t.Errorf("Unexpected token: %s", tok.Header())
	}
	if _, err := p.Token(context.Background(), ScopeReadWrite); err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("Expected one token exchange, got %d", hits.Load())
	}
}

func TestServiceAccountProviderInvalidKey(t *testing.T) {
	if _, err := NewServiceAccountProvider([]byte(`{}`)); err == nil {
		t.Error("Expected error for key without type")
	}
}
