package callback

import (
	"net/url"
	"slices"
	"strings"

	"github.com/alexjbarnes/pkce-session/internal/logging"
)

// Source names where the authorization result was found.
type Source string

const (
	SourceNone     Source = "none"
	SourceQuery    Source = "query"
	SourceFragment Source = "fragment"
)

// authKeys are stripped from the address after processing.
var authKeys = []string{"code", "state", "error", "error_description"}

// fragmentTokenKeys are implicit-flow tokens a misconfigured provider
// may put in the fragment instead of a code.
var fragmentTokenKeys = []string{"access_token", "refresh_token", "provider_token", "provider_refresh_token"}

// ParseResult is the authorization result read from a callback address.
type ParseResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	Source           Source
}

// HasError reports whether the provider returned an error.
func (p ParseResult) HasError() bool {
	return p.Error != "" || p.ErrorDescription != ""
}

// ErrorMessage returns error_description, else error.
func (p ParseResult) ErrorMessage() string {
	if p.ErrorDescription != "" {
		return p.ErrorDescription
	}

	return p.Error
}

// Parse reads code, state, error and error_description from href. The
// query and the fragment are parsed independently and the query wins
// when both carry a result. The fragment may be plain pairs
// ("#code=...") or a hash route ("#/route?code=..."). An unparsable
// href yields SourceNone.
func Parse(href string) ParseResult {
	u, err := url.Parse(href)
	if err != nil {
		return ParseResult{Source: SourceNone}
	}

	if q := u.Query(); hasAuthResult(q) {
		return fromValues(q, SourceQuery)
	}

	_, rawParams := splitFragment(u.EscapedFragment())
	if f := parseQueryLenient(rawParams); hasAuthResult(f) {
		return fromValues(f, SourceFragment)
	}

	return ParseResult{Source: SourceNone}
}

// CleanURL removes code, state, error and error_description from both
// the query and the fragment of href. The fragment route and unrelated
// fragment params are kept; a fragment left empty is dropped. An
// unparsable href is returned unchanged.
func CleanURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}

	u.RawQuery = stripPairs(u.RawQuery)

	path, rawParams := splitFragment(u.EscapedFragment())
	rawParams = stripPairs(rawParams)

	fragment := path
	if rawParams != "" {
		fragment += "?" + rawParams
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.ForceQuery = false

	out := u.String()
	if fragment != "" {
		out += "#" + fragment
	}

	return out
}

// InspectFragmentTokens returns masked values for any implicit-flow
// tokens present in fragment, keyed by parameter name. It exists for
// diagnostics only.
func InspectFragmentTokens(fragment string) map[string]string {
	_, rawParams := splitFragment(strings.TrimPrefix(fragment, "#"))
	params := parseQueryLenient(rawParams)

	found := make(map[string]string)

	for _, key := range fragmentTokenKeys {
		if v := params.Get(key); v != "" {
			found[key] = logging.MaskToken(v)
		}
	}

	return found
}

func hasAuthResult(v url.Values) bool {
	return v.Get("code") != "" || v.Get("error") != "" || v.Get("error_description") != ""
}

func fromValues(v url.Values, src Source) ParseResult {
	return ParseResult{
		Code:             v.Get("code"),
		State:            v.Get("state"),
		Error:            v.Get("error"),
		ErrorDescription: v.Get("error_description"),
		Source:           src,
	}
}

// splitFragment separates a raw fragment into its route and its
// parameter string. "/account?x=1" gives ("/account", "x=1"),
// "code=abc" gives ("", "code=abc") and "/account" gives ("/account", "").
func splitFragment(fragment string) (path, params string) {
	if i := strings.IndexByte(fragment, '?'); i >= 0 {
		return fragment[:i], fragment[i+1:]
	}

	if strings.Contains(fragment, "=") {
		return "", fragment
	}

	return fragment, ""
}

// parseQueryLenient keeps whatever pairs parse; a malformed pair does
// not discard the rest.
func parseQueryLenient(raw string) url.Values {
	v, _ := url.ParseQuery(raw)
	if v == nil {
		return url.Values{}
	}

	return v
}

// stripPairs removes the auth keys from a raw query string while
// keeping the order and encoding of the remaining pairs.
func stripPairs(raw string) string {
	if raw == "" {
		return ""
	}

	kept := make([]string, 0, strings.Count(raw, "&")+1)

	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}

		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil && slices.Contains(authKeys, k) {
			continue
		}

		kept = append(kept, pair)
	}

	return strings.Join(kept, "&")
}
