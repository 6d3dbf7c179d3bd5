package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDevMode(t *testing.T) {
	v, err := New("", "")
	if err != nil {
		t.Fatal(err)
	}
	p, err := v.FromHeader("Bearer ops:Admin")
	if err != nil || p.Role != RoleAdmin || p.Subject != "ops" {
		t.Fatalf("got %+v %v", p, err)
	}
	if _, err := v.FromHeader("ops:admin"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("got %v", err)
	}
	if _, err := v.Verify("nocolon"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v", err)
	}
}

func TestHMACRoundTrip(t *testing.T) {
	v, err := New("hmac", "topsecret")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := v.Issue(Principal{Subject: "ops", Role: RoleAdmin}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	p, err := v.Verify(tok)
	if err != nil || p.Role != RoleAdmin || p.Subject != "ops" {
		t.Fatalf("got %+v %v", p, err)
	}

	other, _ := New("hmac", "different")
	if _, err := other.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret accepted: %v", err)
	}
	segs := strings.Split(tok, ".")
	forged := segs[0] + "." + b64urlEncode([]byte(`{"sub":"ops","role":"admin","exp":9999999999}`)) + "." + segs[2]
	if _, err := v.Verify(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged claims accepted: %v", err)
	}
}

func TestHMACExpiry(t *testing.T) {
	v, _ := New("hmac", "topsecret")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return base }
	tok, _ := v.Issue(Principal{Subject: "ops", Role: RoleAdmin}, time.Minute)
	v.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := v.Verify(tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("got %v", err)
	}
}

func TestNewRejectsBadMode(t *testing.T) {
	if _, err := New("jwks", ""); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := New("hmac", ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
