// Package transport holds the HTTP plumbing shared by the auth client
// and the REST query builder: the default client, capped body reads
// and conversion of non-success responses into typed errors.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	autherrors "github.com/alexjbarnes/pkce-session/internal/errors"
)

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout bounds every request when the caller configures none.
	DefaultTimeout = 30 * time.Second

	// MaxResponseBytes caps response body reads. Auth and REST
	// responses are small JSON payloads.
	MaxResponseBytes = 1024 * 1024
)

// messagePaths are tried in order to find a human-readable error in a
// GoTrue or PostgREST error body.
var messagePaths = []string{"error_description", "msg", "message", "error"}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the apikey and bearer headers
// never reach a third-party domain.
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

// NewClient returns an http.Client with the given timeout and the
// same-host redirect policy. A timeout of zero selects DefaultTimeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// Do sends req and returns the response body, capped at
// MaxResponseBytes. Transport failures come back as transient network
// errors and non-2xx statuses as *errors.HTTPError.
func Do(client *http.Client, req *http.Request, endpoint string) (*http.Response, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, autherrors.Transport(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return resp, nil, autherrors.Transport(endpoint, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, &autherrors.HTTPError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Message:  ErrorMessage(resp.StatusCode, body),
		}
	}

	return resp, body, nil
}

// ErrorMessage extracts the server-provided description from an error
// body, falling back to the HTTP status text.
func ErrorMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range messagePaths {
			if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
				return SanitizeBody([]byte(v.String()))
			}
		}
	}

	if text := http.StatusText(status); text != "" {
		return text
	}

	return fmt.Sprintf("status %d", status)
}

// SanitizeBody truncates and sanitizes a response body for inclusion
// in error messages. Limits to 256 bytes and replaces non-printable
// characters to prevent log injection.
func SanitizeBody(body []byte) string {
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
