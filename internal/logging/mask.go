package logging

import (
	"net/url"
	"strings"
)

// sensitiveParams are query and fragment keys whose values are masked
// before a URL is logged.
var sensitiveParams = []string{
	"code",
	"state",
	"code_verifier",
	"access_token",
	"refresh_token",
	"provider_token",
	"provider_refresh_token",
}

// MaskToken returns a loggable form of a secret: the first and last
// four characters around an ellipsis. Short values are fully masked.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}

	if len(token) <= 8 {
		return "****"
	}

	return token[:4] + "…" + token[len(token)-4:]
}

// SanitizeURL masks sensitive parameters in both the query string and
// the fragment of raw. The fragment may be a bare parameter list
// (#a=1&b=2) or a route with parameters (#/path?a=1).
func SanitizeURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}

	if u.RawQuery != "" {
		u.RawQuery = maskValues(u.Query()).Encode()
	}

	fragment := u.Fragment
	u.Fragment, u.RawFragment = "", ""

	if fragment == "" {
		return u.String()
	}

	return u.String() + "#" + sanitizeFragment(fragment)
}

func sanitizeFragment(fragment string) string {
	path, query, hasQuery := strings.Cut(fragment, "?")
	if !hasQuery {
		if !strings.Contains(fragment, "=") {
			return fragment
		}

		path, query = "", fragment
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return path
	}

	masked := maskValues(values).Encode()
	if path == "" {
		return masked
	}

	return path + "?" + masked
}

func maskValues(values url.Values) url.Values {
	for _, key := range sensitiveParams {
		if v := values.Get(key); v != "" {
			values.Set(key, MaskToken(v))
		}
	}

	return values
}
