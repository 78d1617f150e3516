package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ehrlich-b/littleci/internal/engine"
)

// maxWebhookBody caps provider webhook bodies. The GitHub path rejects an
// oversized body before computing the HMAC; the Gitea path compares the
// secret header first and rejects an oversized body after that.
const maxWebhookBody = 25 * 1024 * 1024 // 25 MiB

// AuthenticateSharedSecret implements the generic notify route's auth: the
// secret arrives either as the X-Secret-Key header or a key query
// parameter, compared constant-time against the repository's secret.
func AuthenticateSharedSecret(r *http.Request, repoSecret string) error {
	candidate := r.Header.Get("X-Secret-Key")
	if candidate == "" {
		candidate = r.URL.Query().Get("key")
	}
	if candidate == "" {
		return fmt.Errorf("%w: missing", engine.ErrBadSignature)
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(repoSecret)) != 1 {
		return fmt.Errorf("%w: invalid", engine.ErrBadSignature)
	}
	return nil
}

// AuthenticateGitHubSignature reads r's body (capped at 25 MiB), verifies
// the X-Hub-Signature HMAC-SHA1 header against repoSecret, and returns the
// raw body for the caller to JSON-decode only after verification succeeds.
func AuthenticateGitHubSignature(r *http.Request, repoSecret string) ([]byte, error) {
	header := r.Header.Get("X-Hub-Signature")
	if header == "" {
		return nil, fmt.Errorf("%w: missing", engine.ErrBadSignature)
	}
	sig := strings.TrimPrefix(header, "sha1=")

	body, err := readLimited(r.Body, maxWebhookBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", engine.ErrBadSignature, err)
	}

	want, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid", engine.ErrBadSignature)
	}

	mac := hmac.New(sha1.New, []byte(repoSecret))
	mac.Write(body)
	got := mac.Sum(nil)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, fmt.Errorf("%w: invalid", engine.ErrBadSignature)
	}
	return body, nil
}

// AuthenticateGiteaSignature reads X-Hub-Signature as the shared secret
// itself (not an HMAC) and compares it constant-time to repoSecret.
func AuthenticateGiteaSignature(r *http.Request, repoSecret string) ([]byte, error) {
	header := r.Header.Get("X-Hub-Signature")
	if header == "" {
		return nil, fmt.Errorf("%w: missing", engine.ErrBadSignature)
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(repoSecret)) != 1 {
		return nil, fmt.Errorf("%w: invalid", engine.ErrBadSignature)
	}
	return readLimited(r.Body, maxWebhookBody)
}

func readLimited(body io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(body, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}
