package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/quincecloud/quince/internal/fserr"
	"github.com/quincecloud/quince/internal/metadata"
)

func newTestService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	store, err := metadata.Open(metadata.Config{
		Path:     filepath.Join(t.TempDir(), "meta.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("metadata.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, "test-secret", ttl)
}

func TestLoginAndValidate(t *testing.T) {
	svc := newTestService(t, time.Hour)
	ctx := context.Background()

	result, err := svc.Login(ctx, "  0xABCdef  ")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Account.Wallet != "0xabcdef" {
		t.Fatalf("wallet not normalized: %q", result.Account.Wallet)
	}
	if result.Token == "" {
		t.Fatal("empty token")
	}

	wallet, err := svc.Validate(ctx, result.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if wallet != "0xabcdef" {
		t.Fatalf("validated wallet = %q", wallet)
	}

	if _, err := svc.Login(ctx, "   "); !fserr.IsKind(err, fserr.KindInvalidName) {
		t.Fatalf("blank wallet: %v", err)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := newTestService(t, time.Hour)
	ctx := context.Background()

	for _, bad := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := svc.Validate(ctx, bad); !fserr.IsKind(err, fserr.KindNotFound) {
			t.Errorf("Validate(%q) = %v, want NotFound", bad, err)
		}
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	issuer := newTestService(t, time.Hour)
	verifier := newTestService(t, time.Hour)

	result, err := issuer.Login(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	// Same shape, different secret and store.
	verifier.secret = []byte("other-secret")
	if _, err := verifier.Validate(context.Background(), result.Token); err == nil {
		t.Fatal("token signed with another secret accepted")
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	svc := newTestService(t, time.Hour)
	ctx := context.Background()

	result, err := svc.Login(ctx, "0xabc")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(ctx, result.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Validate(ctx, result.Token); !fserr.IsKind(err, fserr.KindNotFound) {
		t.Fatalf("token valid after logout: %v", err)
	}
	// Logging out twice is fine; the session is simply gone.
	if err := svc.Logout(ctx, result.Token); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	svc := newTestService(t, 50*time.Millisecond)
	ctx := context.Background()

	result, err := svc.Login(ctx, "0xabc")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	if _, err := svc.Validate(ctx, result.Token); err == nil {
		t.Fatal("expired session accepted")
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t, time.Hour)

	var gotWallet string
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWallet = AccountFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	result, err := svc.Login(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Bearer header.
	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+result.Token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized request: status %d", rec.Code)
	}
	if gotWallet != "0xabc" {
		t.Fatalf("wallet on context = %q", gotWallet)
	}

	// Query-parameter fallback for EventSource clients.
	req = httptest.NewRequest("GET", "/api/v1/events?token="+result.Token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query-token request: status %d", rec.Code)
	}

	// No token.
	req = httptest.NewRequest("GET", "/api/v1/stats", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request: status %d", rec.Code)
	}

	// Bad token.
	req = httptest.NewRequest("GET", "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad-token request: status %d", rec.Code)
	}
}
