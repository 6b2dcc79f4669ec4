package server

import (
	"mime"
	"net/http"
	"net/url"
)

// foreignOrigin reports whether r carries an Origin header naming a
// host other than the one it was sent to. An opaque "null" origin
// counts as foreign. POST routes use http.CrossOriginProtection; the
// callback is a GET, which that check always lets through.
func foreignOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return true
	}

	return u.Host != r.Host
}

// crossSite reports whether the browser labelled r as coming from
// another site. Clients that send no fetch metadata are not blocked.
func crossSite(r *http.Request) bool {
	switch r.Header.Get("Sec-Fetch-Site") {
	case "", "same-origin", "none":
		return false
	default:
		return true
	}
}

// sameOriginOnly rejects state-changing requests issued by pages on
// other origins.
func sameOriginOnly(next http.HandlerFunc) http.Handler {
	cop := http.NewCrossOriginProtection()
	cop.SetDenyHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "cross-origin request rejected", http.StatusForbidden)
	}))

	return cop.Handler(next)
}

// callbackAllowed reports whether a callback request with auth params
// may run the exchange. The provider's redirect is a cross-site
// top-level navigation, so only cross-site subresource and script
// requests are refused.
func callbackAllowed(r *http.Request) bool {
	if foreignOrigin(r) {
		return false
	}

	if !crossSite(r) {
		return true
	}

	mode := r.Header.Get("Sec-Fetch-Mode")

	return mode == "" || mode == "navigate"
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}
