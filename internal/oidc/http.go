package oidc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	// DefaultHTTPTimeout bounds every request to a provider.
	DefaultHTTPTimeout = 30 * time.Second

	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// maxResponseBytes caps response body reads from providers.
	maxResponseBytes = 1024 * 1024
)

// NewHTTPClient returns the client used for provider calls: bounded
// timeout and redirects only within the original host.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so client credentials never leak
// to a third party.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// do sends req and returns the status and a capped body. Transport
// failures are classified as network errors.
func do(client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", apperrors.ErrNetwork, req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: reading response from %s: %v", apperrors.ErrNetwork, req.URL.Redacted(), err)
	}

	return resp.StatusCode, body, nil
}

// providerError builds a ProviderError from an OAuth error body.
func providerError(status int, body []byte) *apperrors.ProviderError {
	pe := &apperrors.ProviderError{Status: status}
	if gjson.ValidBytes(body) {
		pe.Code = gjson.GetBytes(body, "error").String()
		pe.Description = gjson.GetBytes(body, "error_description").String()
	}

	if pe.Code == "" && len(body) > 0 {
		pe.Description = sanitizeResponseBody(body)
	}

	return pe
}

// classify maps an error from the oauth2 package onto the agent's
// error taxonomy.
func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		pe := &apperrors.ProviderError{
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
		}
		if re.Response != nil {
			pe.Status = re.Response.StatusCode
		}

		if pe.Code == "" && len(re.Body) > 0 {
			pe.Description = sanitizeResponseBody(re.Body)
		}

		return pe
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	// Anything else from the token endpoint is a malformed response.
	return fmt.Errorf("%w: %v", apperrors.ErrProvider, err)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
