package botcheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifier_Disabled(t *testing.T) {
	v := NewVerifier("", time.Second)
	if v.Enabled() {
		t.Error("Enabled() = true without a secret")
	}
	if err := v.Verify(context.Background(), "", ""); err != nil {
		t.Errorf("Verify() with verification disabled: %v", err)
	}
}

func TestVerifier_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("secret") != "s3cret" {
			t.Errorf("secret = %q", r.PostForm.Get("secret"))
		}
		if r.PostForm.Get("response") != "challenge-token" {
			t.Errorf("response = %q", r.PostForm.Get("response"))
		}
		if r.PostForm.Get("remoteip") != "203.0.113.9" {
			t.Errorf("remoteip = %q", r.PostForm.Get("remoteip"))
		}
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	v := NewVerifier("s3cret", time.Second)
	v.endpoint = srv.URL

	if err := v.Verify(context.Background(), "challenge-token", "203.0.113.9"); err != nil {
		t.Errorf("Verify() error: %v", err)
	}
}

func TestVerifier_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "error-codes": ["invalid-input-response"]}`))
	}))
	defer srv.Close()

	v := NewVerifier("s3cret", time.Second)
	v.endpoint = srv.URL

	if err := v.Verify(context.Background(), "bad-token", ""); !errors.Is(err, ErrChallengeFailed) {
		t.Errorf("Verify() error = %v, want ErrChallengeFailed", err)
	}
}

func TestVerifier_MissingToken(t *testing.T) {
	v := NewVerifier("s3cret", time.Second)
	if err := v.Verify(context.Background(), "", ""); !errors.Is(err, ErrChallengeFailed) {
		t.Errorf("Verify() error = %v, want ErrChallengeFailed", err)
	}
}

func TestVerifier_UnreachableFailsClosed(t *testing.T) {
	v := NewVerifier("s3cret", 100*time.Millisecond)
	v.endpoint = "http://127.0.0.1:1/siteverify"

	err := v.Verify(context.Background(), "challenge-token", "")
	if err == nil {
		t.Fatal("Verify() should fail when siteverify is unreachable")
	}
	if errors.Is(err, ErrChallengeFailed) {
		t.Error("network failure should be distinct from a rejected challenge")
	}
}
