package callback

import "strings"

const (
	// CallbackPath is where the callback page is served below the base path.
	CallbackPath = "/auth/callback.html"

	legacyCallbackDir = "/auth/callback/"
)

// InferBasePath returns the deployment base path for a page served at
// pathname by cutting everything from the callback path onwards.
// "/app/auth/callback.html" gives "/app"; "/auth/callback/" gives "/".
func InferBasePath(pathname string) string {
	p := ensureLeadingSlash(pathname)

	if i := strings.Index(p, CallbackPath); i >= 0 {
		return normalizeBasePath(p[:i])
	}

	if i := strings.Index(p, legacyCallbackDir); i >= 0 {
		return normalizeBasePath(p[:i])
	}

	return normalizeBasePath(p)
}

// CallbackURL returns the absolute callback page URL for base and origin.
func CallbackURL(base, origin string) string {
	return origin + prefix(base) + CallbackPath
}

// AccountURL returns the account page URL, the post-sign-in destination.
func AccountURL(base, origin string) string {
	return origin + prefix(base) + "/#/account"
}

func prefix(base string) string {
	b := normalizeBasePath(base)
	if b == "/" {
		return ""
	}

	return b
}

func ensureLeadingSlash(p string) string {
	if p == "" {
		return "/"
	}

	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}

	return p
}

func normalizeBasePath(base string) string {
	b := ensureLeadingSlash(base)
	if b == "/" {
		return b
	}

	return strings.TrimSuffix(b, "/")
}
