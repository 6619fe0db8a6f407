// Package session provides reusable browsing sessions and the bounded pool
// that hands them out to workers.
package session

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/chemdb/internal/resilience"
)

// Session is one reusable browsing handle. A session is never used by two
// workers at the same time; the Pool enforces that.
type Session interface {
	// Slot is the worker slot this session was created for.
	Slot() int
	// Get loads a page.
	Get(ctx context.Context, rawURL string) (*Page, error)
	// PostForm submits a form and returns the resulting page.
	PostForm(ctx context.Context, rawURL string, form url.Values) (*Page, error)
	// Do sends a prepared request, for callers that need custom headers.
	Do(req *http.Request) (*Page, error)
	// DownloadToFile stores the response body at path and returns bytes written.
	DownloadToFile(ctx context.Context, rawURL, path string) (int64, error)
	// Close releases the session's resources.
	Close() error
}

// Factory creates the session for a worker slot.
type Factory func(ctx context.Context, slot int) (Session, error)

// Page is a loaded response with its body decoded to UTF-8.
type Page struct {
	URL         *url.URL
	StatusCode  int
	ContentType string
	Body        []byte
}

// Text returns the decoded body.
func (p *Page) Text() string {
	return string(p.Body)
}

// HTML parses the body as an HTML document.
func (p *Page) HTML() (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(p.Text()))
	if err != nil {
		return nil, eris.Wrap(err, "session: parse html")
	}
	return doc, nil
}

// JSON decodes the body into v.
func (p *Page) JSON(v any) error {
	if err := json.Unmarshal(p.Body, v); err != nil {
		return eris.Wrap(err, "session: decode json")
	}
	return nil
}

// HTTPOptions configures HTTP-backed sessions.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// Settle is waited after every page load, standing in for a browser's
	// render wait. Zero disables it.
	Settle    time.Duration
	Transport http.RoundTripper
}

// HTTPSession is a cookie-carrying HTTP client bound to one worker slot.
type HTTPSession struct {
	slot   int
	client *http.Client
	opts   HTTPOptions
}

var _ Session = (*HTTPSession)(nil)

// NewHTTPSession creates a session with its own cookie jar.
func NewHTTPSession(slot int, opts HTTPOptions) (*HTTPSession, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "chemdb/1.0"
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, eris.Wrap(err, "session: create cookie jar")
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &HTTPSession{
		slot: slot,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			Jar:       jar,
		},
		opts: opts,
	}, nil
}

// NewHTTPFactory returns a Factory producing HTTPSessions.
func NewHTTPFactory(opts HTTPOptions) Factory {
	return func(_ context.Context, slot int) (Session, error) {
		return NewHTTPSession(slot, opts)
	}
}

// Slot implements Session.
func (s *HTTPSession) Slot() int { return s.slot }

// Get implements Session.
func (s *HTTPSession) Get(ctx context.Context, rawURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "session: create request")
	}
	return s.Do(req)
}

// PostForm implements Session.
func (s *HTTPSession) PostForm(ctx context.Context, rawURL string, form url.Values) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "session: create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.Do(req)
}

// DownloadToFile implements Session.
func (s *HTTPSession) DownloadToFile(ctx context.Context, rawURL, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, eris.Wrap(err, "session: create request")
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, classify(err, 0, rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return 0, classify(nil, resp.StatusCode, rawURL)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrap(err, "session: create download dir")
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "session: create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, resp.Body)
	if err != nil {
		return n, eris.Wrap(err, "session: write file")
	}
	return n, nil
}

// Close implements Session.
func (s *HTTPSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Do implements Session. Cookies from earlier responses are sent along.
func (s *HTTPSession) Do(req *http.Request) (*Page, error) {
	ctx := req.Context()
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classify(err, 0, req.URL.String())
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return nil, classify(nil, resp.StatusCode, req.URL.String())
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Transient(eris.Wrap(err, "session: read body"))
	}

	contentType := resp.Header.Get("Content-Type")
	body, err := decodeBody(raw, contentType)
	if err != nil {
		return nil, err
	}

	if s.opts.Settle > 0 {
		t := time.NewTimer(s.opts.Settle)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}

	zap.L().Debug("session: page loaded",
		zap.Int("slot", s.slot),
		zap.String("url", req.URL.String()),
		zap.Int("status", resp.StatusCode),
	)

	return &Page{
		URL:         resp.Request.URL,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        body,
	}, nil
}

// classify turns transport failures and retryable statuses into transient
// errors so the retry wrapper picks them up.
func classify(err error, status int, rawURL string) error {
	if err != nil {
		wrapped := eris.Wrapf(err, "session: request %s", rawURL)
		if resilience.IsTransient(err) {
			return resilience.Transient(wrapped)
		}
		return wrapped
	}
	statusErr := eris.Errorf("session: http %d from %s", status, rawURL)
	if resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(statusErr, status)
	}
	return statusErr
}

// decodeBody converts raw to UTF-8 using the charset named in contentType.
func decodeBody(raw []byte, contentType string) ([]byte, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return raw, nil
	}
	cs := strings.ToLower(params["charset"])
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return raw, nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		zap.L().Debug("session: unknown charset, keeping raw body", zap.String("charset", cs))
		return raw, nil
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "session: decode %s body", cs)
	}
	return decoded, nil
}

// NopSession satisfies Session for runs where no enabled backend needs one.
type NopSession struct {
	ID int
}

var _ Session = (*NopSession)(nil)

// NopFactory creates NopSessions.
func NopFactory(_ context.Context, slot int) (Session, error) {
	return &NopSession{ID: slot}, nil
}

// Slot implements Session.
func (n *NopSession) Slot() int { return n.ID }

// Get implements Session.
func (n *NopSession) Get(context.Context, string) (*Page, error) {
	return nil, eris.New("session: nop session cannot load pages")
}

// PostForm implements Session.
func (n *NopSession) PostForm(context.Context, string, url.Values) (*Page, error) {
	return nil, eris.New("session: nop session cannot submit forms")
}

// Do implements Session.
func (n *NopSession) Do(*http.Request) (*Page, error) {
	return nil, eris.New("session: nop session cannot send requests")
}

// DownloadToFile implements Session.
func (n *NopSession) DownloadToFile(context.Context, string, string) (int64, error) {
	return 0, eris.New("session: nop session cannot download")
}

// Close implements Session.
func (n *NopSession) Close() error { return nil }
