package callback

import (
	"context"
	"sync"
	"time"
)

// RecordedPage is a Page that records what the reconciler asked for
// instead of acting on it. The loopback server renders the recording
// as HTML, where the browser applies the address rewrite and the
// delayed redirect itself.
type RecordedPage struct {
	mu sync.Mutex

	href        string
	status      string
	errMsg      string
	retryHref   string
	replacedURL string
	redirectTo  string
	delay       time.Duration
}

// NewRecordedPage returns a page loaded at href.
func NewRecordedPage(href string) *RecordedPage {
	return &RecordedPage{href: href}
}

func (p *RecordedPage) Href() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.href
}

func (p *RecordedPage) SetStatus(msg string) {
	p.mu.Lock()
	p.status = msg
	p.mu.Unlock()
}

func (p *RecordedPage) ShowError(msg, retryHref string) {
	p.mu.Lock()
	p.errMsg = msg
	p.retryHref = retryHref
	p.mu.Unlock()
}

func (p *RecordedPage) ReplaceURL(href string) {
	p.mu.Lock()
	p.href = href
	p.replacedURL = href
	p.mu.Unlock()
}

// Redirect records the target and returns immediately; the delay is
// left to whoever renders the page.
func (p *RecordedPage) Redirect(ctx context.Context, href string, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.redirectTo = href
	p.delay = delay
	p.mu.Unlock()

	return nil
}

// Snapshot is a copy of everything recorded.
type Snapshot struct {
	Href        string
	Status      string
	Error       string
	RetryHref   string
	ReplacedURL string
	RedirectTo  string
	Delay       time.Duration
}

// Snapshot returns the current recording.
func (p *RecordedPage) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Snapshot{
		Href:        p.href,
		Status:      p.status,
		Error:       p.errMsg,
		RetryHref:   p.retryHref,
		ReplacedURL: p.replacedURL,
		RedirectTo:  p.redirectTo,
		Delay:       p.delay,
	}
}
