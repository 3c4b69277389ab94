package glasses

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenAuthenticator_RoundTrip(t *testing.T) {
	auth := NewTokenAuthenticator("test-secret")
	token := auth.Sign("user-1", time.Now().Add(time.Hour))

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	userID, err := auth.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("userID = %q, want user-1", userID)
	}
}

func TestTokenAuthenticator_RejectsExpired(t *testing.T) {
	auth := NewTokenAuthenticator("test-secret")
	token := auth.Sign("user-1", time.Now().Add(-time.Hour))

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	if _, err := auth.Authenticate(r); err != ErrInvalidToken {
		t.Errorf("Authenticate expired token: got %v, want ErrInvalidToken", err)
	}
}

func TestTokenAuthenticator_RejectsWrongSecret(t *testing.T) {
	issuer := NewTokenAuthenticator("secret-a")
	verifier := NewTokenAuthenticator("secret-b")
	token := issuer.Sign("user-1", time.Now().Add(time.Hour))

	r := httptest.NewRequest("GET", "/ws?token="+token, nil)
	if _, err := verifier.Authenticate(r); err != ErrInvalidToken {
		t.Errorf("Authenticate with mismatched secret: got %v, want ErrInvalidToken", err)
	}
}

func TestTokenAuthenticator_RejectsMissingToken(t *testing.T) {
	auth := NewTokenAuthenticator("test-secret")
	r := httptest.NewRequest("GET", "/ws", nil)
	if _, err := auth.Authenticate(r); err != ErrInvalidToken {
		t.Errorf("Authenticate with no token: got %v, want ErrInvalidToken", err)
	}
}
