package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTokenService(t *testing.T) {
	const t0Unix = 1700000000

	// Helper to create service with fixed time
	createService := func(t *testing.T, secret string) (*TokenService, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte(secret)),
			TokenExpiry: time.Hour,
		}

		svc, err := NewTokenService(cfg)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}

		return svc, &currentTime
	}

	t.Run("IssueAndVerify", func(t *testing.T) {
		svc, _ := createService(t, "server-secret-0123456789")

		token, expiry, err := svc.Issue("alice")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}
		if !expiry.Equal(time.Unix(t0Unix, 0).Add(time.Hour)) {
			t.Errorf("Unexpected expiry %v", expiry)
		}
		if strings.ContainsAny(token, "+/=") {
			t.Errorf("Token is not url safe: %s", token)
		}

		userID, err := svc.GetUserID(token)
		if err != nil {
			t.Fatalf("Failed to verify token: %v", err)
		}
		if userID != "alice" {
			t.Errorf("Expected alice, got %s", userID)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		svc, now := createService(t, "server-secret-0123456789")

		token, _, err := svc.Issue("alice")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}

		*now = now.Add(time.Hour + time.Second)
		if _, err := svc.GetUserID(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("OtherSecret", func(t *testing.T) {
		svc, _ := createService(t, "server-secret-0123456789")
		other, _ := createService(t, "another-secret-0123456789")

		token, _, err := other.Issue("alice")
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}
		if _, err := svc.GetUserID(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		svc, _ := createService(t, "server-secret-0123456789")

		for _, token := range []string{"", "alice", "a.b.c"} {
			if _, err := svc.GetUserID(token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Token %q: expected ErrInvalidToken, got %v", token, err)
			}
		}
	})

	t.Run("EmptyUser", func(t *testing.T) {
		svc, _ := createService(t, "server-secret-0123456789")
		if _, _, err := svc.Issue(""); err == nil {
			t.Error("Expected error for empty user id")
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "Missing", cfg: Config{}, wantErr: true},
		{name: "NotBase64", cfg: Config{Secret: "%%%"}, wantErr: true},
		{name: "Short", cfg: Config{Secret: base64.StdEncoding.EncodeToString([]byte("short"))}, wantErr: true},
		{name: "Valid", cfg: Config{Secret: base64.StdEncoding.EncodeToString([]byte("long-enough-secret"))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.cfg.TokenExpiry != DefaultTokenExpiry {
				t.Errorf("Expected default expiry, got %v", tt.cfg.TokenExpiry)
			}
		})
	}
}
