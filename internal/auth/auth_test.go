package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atelierhq/atelier/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, "test-secret", time.Hour), store
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestService(t)

	u, err := svc.Register("alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.ID == 0 {
		t.Error("expected non-zero user ID")
	}
	if u.PasswordHash == "hunter22" {
		t.Error("password stored in plaintext")
	}

	token, err := svc.Login("alice@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	userID, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if userID != u.ID {
		t.Errorf("VerifyToken = %d, want %d", userID, u.ID)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Register("bob@example.com", "password1"); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := svc.Register("bob@example.com", "password2"); !errors.Is(err, storage.ErrEmailTaken) {
		t.Errorf("second Register = %v, want ErrEmailTaken", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Register("carol@example.com", "correct-horse"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Login("carol@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: Login = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login("nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: Login = %v, want ErrInvalidCredentials", err)
	}
}

func TestVerifyTokenRejectsTampering(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Register("dave@example.com", "password1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.Login("dave@example.com", "password1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := svc.VerifyToken(tampered); err == nil {
		t.Error("tampered token verified")
	}

	other := NewService(nil, "different-secret", time.Hour)
	if _, err := other.VerifyToken(token); err == nil {
		t.Error("token verified with wrong secret")
	}
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := NewService(store, "test-secret", time.Millisecond)
	if _, err := svc.Register("eve@example.com", "password1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.Login("eve@example.com", "password1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := svc.VerifyToken(token); err == nil || !strings.Contains(strings.ToLower(err.Error()), "expired") {
		t.Errorf("VerifyToken on expired token = %v, want expiry error", err)
	}
}
