package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTService_RoundTrip(t *testing.T) {
	svc := NewJWTService("secret", "valet", time.Hour)

	token, err := svc.Generate("tenant-a")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tenantID, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if tenantID != "tenant-a" {
		t.Errorf("tenant = %s", tenantID)
	}
}

func TestJWTService_RejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret", "valet", time.Hour).Generate("tenant-a")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := NewJWTService("other", "valet", time.Hour).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTService_RejectsWrongIssuer(t *testing.T) {
	token, err := NewJWTService("secret", "someone-else", time.Hour).Generate("tenant-a")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := NewJWTService("secret", "valet", time.Hour).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTService_RejectsExpiredToken(t *testing.T) {
	token, err := NewJWTService("secret", "valet", -time.Hour).Generate("tenant-a")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := NewJWTService("secret", "valet", time.Hour).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTService_RejectsUnsignedToken(t *testing.T) {
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "tenant-a"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if _, err := NewJWTService("secret", "valet", time.Hour).Validate(raw); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTService_EmptySubject(t *testing.T) {
	if _, err := NewJWTService("secret", "valet", time.Hour).Generate("  "); err == nil {
		t.Error("blank tenant accepted")
	}
}

func TestJWTService_DisabledWithoutSecret(t *testing.T) {
	svc := NewJWTService("", "valet", time.Hour)
	if _, err := svc.Generate("tenant-a"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("Generate() error = %v, want ErrAuthDisabled", err)
	}
	if _, err := svc.Validate("anything"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("Validate() error = %v, want ErrAuthDisabled", err)
	}
}

func TestTenantFrom(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := TenantFrom(req.Context()); ok {
		t.Error("empty context carried a tenant")
	}
	ctx := WithTenant(req.Context(), "tenant-a")
	if tenantID, ok := TenantFrom(ctx); !ok || tenantID != "tenant-a" {
		t.Errorf("TenantFrom() = %s, %v", tenantID, ok)
	}
}

func TestMiddleware(t *testing.T) {
	svc := NewJWTService("secret", "valet", time.Hour)
	token, err := svc.Generate("tenant-a")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var seenTenant string
	handler := Middleware(svc, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTenant, _ = TenantFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("valid token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d", rec.Code)
		}
		if seenTenant != "tenant-a" {
			t.Errorf("tenant = %s", seenTenant)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("nil service passes through", func(t *testing.T) {
		open := Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		rec := httptest.NewRecorder()
		open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d", rec.Code)
		}
	})
}
