package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testManager(expiry time.Duration) *JWTManager {
	cfg := DefaultJWTConfig("test-secret")
	cfg.Expiry = expiry
	return NewJWTManager(cfg)
}

func TestGenerateAndValidateToken(t *testing.T) {
	m := testManager(time.Hour)
	tenantID := uuid.New()

	token, err := m.GenerateToken(tenantID, "acme", []string{"docs:read", "wiki:read"})
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}

	gotID, err := claims.GetTenantID()
	if err != nil {
		t.Fatalf("GetTenantID() error = %v", err)
	}
	if gotID != tenantID {
		t.Errorf("tenant ID = %s, want %s", gotID, tenantID)
	}
	if claims.TenantName != "acme" {
		t.Errorf("tenant name = %q, want acme", claims.TenantName)
	}
	if len(claims.Permissions) != 2 {
		t.Errorf("permissions = %v, want 2 entries", claims.Permissions)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	m := testManager(time.Hour)
	token, err := m.GenerateToken(uuid.New(), "acme", nil)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	other := NewJWTManager(DefaultJWTConfig("different-secret"))
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	m := testManager(-time.Minute)
	token, err := m.GenerateToken(uuid.New(), "acme", nil)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	if _, err := m.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("ValidateToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestRefreshTokenPreservesPermissions(t *testing.T) {
	m := testManager(-time.Minute) // already expired
	tenantID := uuid.New()
	token, err := m.GenerateToken(tenantID, "acme", []string{"docs:read"})
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	fresh := testManager(time.Hour)
	refreshed, err := fresh.RefreshToken(token)
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}

	claims, err := fresh.ValidateToken(refreshed)
	if err != nil {
		t.Fatalf("ValidateToken() on refreshed token error = %v", err)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "docs:read" {
		t.Errorf("permissions = %v, want [docs:read]", claims.Permissions)
	}
}
