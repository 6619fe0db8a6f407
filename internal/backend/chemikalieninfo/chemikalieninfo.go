// Package chemikalieninfo scrapes the Chemikalieninfo public research portal
// through a browsing session.
package chemikalieninfo

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/cas"
	"github.com/sells-group/chemdb/internal/resilience"
	"github.com/sells-group/chemdb/internal/session"
)

// DefaultBaseURL is the public research portal.
const DefaultBaseURL = "https://recherche.chemikalieninfo.de/public"

const (
	searchKeyNumber = "CASRN.CASRN"
	searchKeyName   = "INDEX.NAME"
	noHitsText      = "Keine Treffer"
	singleSubstance = "Einzelinhaltsstoff"
)

var fields = backend.FieldNames(backend.Chemikalieninfo, dossierStems()...)

// Backend queries Chemikalieninfo.
type Backend struct {
	baseURL string
	now     backend.Clock
}

var _ backend.Backend = (*Backend)(nil)
var _ backend.RegistryNumberSource = (*Backend)(nil)

// New creates the backend. An empty baseURL uses DefaultBaseURL.
func New(baseURL string) *Backend {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Backend{baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

// WithClock pins query_time.
func (b *Backend) WithClock(c backend.Clock) *Backend {
	b.now = c
	return b
}

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.Chemikalieninfo }

// FieldNames implements backend.Backend.
func (b *Backend) FieldNames() []string { return append([]string(nil), fields...) }

// DefaultRecord implements backend.Backend.
func (b *Backend) DefaultRecord() backend.Record { return backend.DefaultRecord(fields) }

// NeedsSession implements backend.Backend.
func (b *Backend) NeedsSession() bool { return true }

// RegistryNumber implements backend.RegistryNumberSource.
func (b *Backend) RegistryNumber(rec backend.Record) string {
	rn := strings.TrimSpace(rec.Str(backend.Chemikalieninfo.Field("id_cas")))
	if cas.IsValid(rn) {
		return rn
	}
	return ""
}

type hit struct {
	text string
	href string
}

// Query implements backend.Backend.
func (b *Backend) Query(ctx context.Context, sess session.Session, term string) (backend.Record, error) {
	k := backend.Chemikalieninfo
	if sess == nil {
		return nil, eris.New("chemikalieninfo: session required")
	}

	searchPage, hits, err := b.search(ctx, sess, term)
	if err != nil {
		return nil, err
	}

	note := ""
	if len(hits) > 1 {
		total := len(hits)
		hits = singleSubstances(hits)
		if len(hits) == 1 {
			note = backend.SelectedNote(total, term)
		}
	}
	switch len(hits) {
	case 0:
		return backend.Stamp(b, backend.NoHit(k, term), term, b.now()), nil
	case 1:
	default:
		return backend.Stamp(b, backend.Ambiguous(k, term), term, b.now()), nil
	}

	link, err := dossierURL(searchPage.URL, hits[0].href)
	if err != nil {
		return nil, err
	}

	page, err := sess.Get(ctx, link)
	if err != nil {
		return nil, eris.Wrap(err, "chemikalieninfo: open dossier")
	}
	doc, err := page.HTML()
	if err != nil {
		return nil, resilience.Transient(err)
	}

	dossier := findFirst(doc, byID("dossier-content"))
	if dossier == nil {
		return nil, resilience.Transient(eris.New("chemikalieninfo: dossier not rendered"))
	}

	rec := backend.Stamp(b, backend.Success(k, note), term, b.now())
	rec[k.Field("query_finding")] = heading(doc)
	rec[k.Field("query_link")] = stripQuery(page.URL)
	extractDossier(dossier, rec)
	return rec, nil
}

func (b *Backend) search(ctx context.Context, sess session.Session, term string) (*session.Page, []hit, error) {
	key := searchKeyName
	if cas.IsValid(term) {
		key = searchKeyNumber
	}
	q := url.Values{key: {term}}

	page, err := sess.Get(ctx, b.baseURL+"/search?"+q.Encode())
	if err != nil {
		return nil, nil, eris.Wrap(err, "chemikalieninfo: search")
	}
	doc, err := page.HTML()
	if err != nil {
		return nil, nil, resilience.Transient(err)
	}

	results := findFirst(doc, byID("search-result"))
	if results == nil {
		return nil, nil, resilience.Transient(eris.New("chemikalieninfo: result list not rendered"))
	}
	if strings.Contains(text(results), noHitsText) {
		return page, nil, nil
	}

	// The first child is the result header.
	children := elementChildren(results)
	var hits []hit
	for _, c := range children[min(1, len(children)):] {
		a := findFirst(c, func(n *html.Node) bool {
			return isElem(n, "a") && n.Parent != nil && isElem(n.Parent, "span")
		})
		if a == nil {
			continue
		}
		hits = append(hits, hit{text: text(c), href: attr(a, "href")})
	}
	return page, hits, nil
}

func singleSubstances(hits []hit) []hit {
	var out []hit
	for _, h := range hits {
		if strings.Contains(h.text, singleSubstance) {
			out = append(out, h)
		}
	}
	return out
}

// dossierURL resolves href against the search page and requests the
// all-attributes view (dv=0).
func dossierURL(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", eris.Wrapf(err, "chemikalieninfo: parse hit link %q", href)
	}
	u := ref
	if base != nil {
		u = base.ResolveReference(ref)
	}
	q := u.Query()
	q.Set("dv", "0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func stripQuery(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.RawQuery = ""
	c.Fragment = ""
	return c.String()
}

func heading(doc *html.Node) string {
	nav := findFirst(doc, byID("navbar"))
	if h1 := findFirst(nav, byTag("h1")); h1 != nil {
		return text(h1)
	}
	return backend.NotListed
}
