package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("secret")
	tok, err := v.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	got, err := v.UserID(tok)
	if err != nil || got != "alice" {
		t.Fatalf("UserID() = %q, %v; want alice", got, err)
	}
	if _, err := NewVerifier("other").UserID(tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("UserID(wrong secret) error = %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	v := NewVerifier("secret")
	now := time.Now()
	v.SetClock(func() time.Time { return now })
	tok, _ := v.Issue("alice", time.Minute)
	v.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	if _, err := v.UserID(tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("UserID(expired) error = %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	v := NewVerifier("secret")
	tok, _ := v.Issue("bob", time.Hour)

	r := httptest.NewRequest("GET", "/ws?token="+tok, nil)
	if got, err := v.Authenticate(r); err != nil || got != "bob" {
		t.Fatalf("Authenticate(query) = %q, %v", got, err)
	}
	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	if got, err := v.Authenticate(r); err != nil || got != "bob" {
		t.Fatalf("Authenticate(header) = %q, %v", got, err)
	}
	r.Header.Set("Authorization", "Basic abc")
	if _, err := v.Authenticate(r); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Authenticate(basic) error = %v", err)
	}
}
