package server

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/alexjbarnes/pkce-session/internal/callback"
)

// callbackResult is what the callback page applies once the run is
// done. It is rendered inline or returned by the resolve endpoint.
type callbackResult struct {
	State      string   `json:"state"`
	Trace      []string `json:"trace"`
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
	RetryHref  string   `json:"retry_href,omitempty"`
	ReplaceURL string   `json:"replace_url"`
	RedirectTo string   `json:"redirect_to,omitempty"`
	DelayMS    int64    `json:"delay_ms"`
}

func newCallbackResult(out callback.Outcome, snap callback.Snapshot) callbackResult {
	trace := make([]string, len(out.Trace))
	for i, s := range out.Trace {
		trace[i] = string(s)
	}

	return callbackResult{
		State:      string(out.State),
		Trace:      trace,
		Status:     snap.Status,
		Error:      snap.Error,
		RetryHref:  snap.RetryHref,
		ReplaceURL: snap.ReplacedURL,
		RedirectTo: snap.RedirectTo,
		DelayMS:    snap.Delay.Milliseconds(),
	}
}

type callbackPageData struct {
	ResolvePath string
	// Result is nil when the page must post its address to ResolvePath.
	Result *callbackResult
}

type accountPageData struct {
	DisplayName string
	Email       string
	SignedIn    bool
	ExpiresAt   string
	Error       string
}

const pageStyle = `
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.75rem; }
  .card p { font-size: 0.9rem; margin-bottom: 0.5rem; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-top: 1rem;
  }
  .error a { color: #991b1b; font-weight: 500; }
  button {
    padding: 0.5rem 0.9rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    cursor: pointer;
  }
`

// callbackPage renders the callback status. With a Result it applies
// it directly; without one it posts location.href, fragment included,
// to the resolve endpoint and applies the answer.
var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="referrer" content="no-referrer">
<title>Signing in</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>Signing in</h1>
  <p id="status">{{if .Result}}{{.Result.Status}}{{else}}Completing sign-in…{{end}}</p>
  <div id="error" class="error" style="display: {{if and .Result .Result.Error}}block{{else}}none{{end}}">
    <span id="error-text">{{if .Result}}{{.Result.Error}}{{end}}</span>
    <a id="retry" href="{{if .Result}}{{.Result.RetryHref}}{{else}}/{{end}}">Try again</a>
  </div>
</div>
<script>
(function () {
  function apply(r) {
    if (r.replace_url) { history.replaceState(null, "", r.replace_url); }
    document.getElementById("status").textContent = r.status || "";
    if (r.error) {
      document.getElementById("error").style.display = "block";
      document.getElementById("error-text").textContent = r.error;
      document.getElementById("retry").href = r.retry_href || "/";
    }
    if (r.redirect_to) {
      setTimeout(function () { location.replace(r.redirect_to); }, r.delay_ms);
    }
  }
{{if .Result}}
  apply({{.Result}});
{{else}}
  fetch({{.ResolvePath}}, {
    method: "POST",
    headers: {"Content-Type": "application/json"},
    body: JSON.stringify({href: location.href})
  })
    .then(function (resp) { return resp.json(); })
    .then(apply)
    .catch(function () {
      apply({status: "Sign-in failed.", error: "Unexpected error during sign-in. Please try again.", retry_href: "/"});
    });
{{end}}
})();
</script>
</body>
</html>`))

var accountPage = template.Must(template.New("account").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Account</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>{{.DisplayName}}</h1>
  {{if .SignedIn}}
  <p id="status">Signed in{{if .Email}} as {{.Email}}{{end}}.</p>
  <p>Session expires {{.ExpiresAt}}.</p>
  <form method="POST" action="/auth/logout"><button type="submit">Sign out</button></form>
  {{else}}
  <p id="status">Not signed in.</p>
  <p><a href="/auth/login">Sign in</a></p>
  {{end}}
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
</div>
</body>
</html>`))

// renderHTML executes t into a buffer first so a template error never
// sends a half-written page.
func renderHTML(w http.ResponseWriter, status int, t *template.Template, data any) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		http.Error(w, "rendering page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
