package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAuthenticateSharedSecretHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/notify/demo", nil)
	r.Header.Set("X-Secret-Key", "the-secret")
	if err := AuthenticateSharedSecret(r, "the-secret"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestAuthenticateSharedSecretQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/notify/demo?key=the-secret", nil)
	if err := AuthenticateSharedSecret(r, "the-secret"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestAuthenticateSharedSecretRejectsWrongValue(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/notify/demo?key=wrong", nil)
	if err := AuthenticateSharedSecret(r, "the-secret"); err == nil {
		t.Fatal("expected failure for wrong secret")
	}
}

func TestAuthenticateSharedSecretRejectsMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/notify/demo", nil)
	if err := AuthenticateSharedSecret(r, "the-secret"); err == nil {
		t.Fatal("expected failure for missing secret")
	}
}

func signGitHub(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestAuthenticateGitHubSignatureValid(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/master","before":"a","after":"b"}`)
	r := httptest.NewRequest(http.MethodPost, "/notify/demo/github", bytes.NewReader(body))
	r.Header.Set("X-Hub-Signature", signGitHub("the-secret", body))

	got, err := AuthenticateGitHubSignature(r, "the-secret")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("expected verified body returned unchanged")
	}
}

func TestAuthenticateGitHubSignatureInvalid(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/master"}`)
	r := httptest.NewRequest(http.MethodPost, "/notify/demo/github", bytes.NewReader(body))
	r.Header.Set("X-Hub-Signature", signGitHub("wrong-secret", body))

	if _, err := AuthenticateGitHubSignature(r, "the-secret"); err == nil {
		t.Fatal("expected failure for mismatched signature")
	}
}

func TestAuthenticateGitHubSignatureMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/notify/demo/github", strings.NewReader("{}"))
	if _, err := AuthenticateGitHubSignature(r, "the-secret"); err == nil {
		t.Fatal("expected failure for missing signature header")
	}
}

func TestAuthenticateGitHubSignatureRejectsOversizedBody(t *testing.T) {
	body := make([]byte, maxWebhookBody+1)
	r := httptest.NewRequest(http.MethodPost, "/notify/demo/github", bytes.NewReader(body))
	r.Header.Set("X-Hub-Signature", signGitHub("the-secret", body))

	if _, err := AuthenticateGitHubSignature(r, "the-secret"); err == nil {
		t.Fatal("expected failure for oversized body")
	}
}

func TestAuthenticateGiteaSignatureValid(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/master","before":"a","after":"b"}`)
	r := httptest.NewRequest(http.MethodPost, "/notify/demo/gitea", bytes.NewReader(body))
	r.Header.Set("X-Hub-Signature", "the-secret")

	got, err := AuthenticateGiteaSignature(r, "the-secret")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("expected verified body returned unchanged")
	}
}

func TestAuthenticateGiteaSignatureInvalid(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/notify/demo/gitea", strings.NewReader("{}"))
	r.Header.Set("X-Hub-Signature", "wrong-secret")

	if _, err := AuthenticateGiteaSignature(r, "the-secret"); err == nil {
		t.Fatal("expected failure for mismatched shared secret")
	}
}
