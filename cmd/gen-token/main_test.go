package main

import (
	"testing"
	"time"

	"oikion-live/api"
)

func TestSessionTokenIsAcceptedBySharedSecretAuth(t *testing.T) {
	key := []byte("local-secret")
	tok, err := sessionToken(key, "agent-1", "o1", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sess, err := api.NewSharedSecretAuth(key, "", "").SessionFromToken(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sess.UserID != "agent-1" || sess.OrganizationID != "o1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestSecretPrefersLocalMode(t *testing.T) {
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "local")
	t.Setenv("TEST_JWT_SECRET", "test")
	if s, err := secret(); err != nil || s != "local" {
		t.Fatalf("unexpected secret %q: %v", s, err)
	}
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "")
	t.Setenv("TEST_JWT_SECRET", "")
	if _, err := secret(); err == nil {
		t.Fatalf("expected missing secret error")
	}
}
