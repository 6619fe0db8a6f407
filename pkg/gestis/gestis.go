// Package gestis describes the GESTIS substance database search and article
// API: endpoint URLs, authenticated requests and response types. Requests
// are sent by the caller so they can share a browsing session.
package gestis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// Hit is one search result.
type Hit struct {
	ZVG  string `json:"zvg_nr"`
	Name string `json:"name"`
	CAS  string `json:"cas_nr"`
	EG   string `json:"eg_nr"`
}

// Article is a substance dossier.
type Article struct {
	ZVG      string    `json:"zvg_nr"`
	Name     string    `json:"name"`
	Chapters []Chapter `json:"hauptkapitel"`
}

// Chapter is a top-level dossier section.
type Chapter struct {
	Number string `json:"drnr"`
	Title  string `json:"titel"`
}

// Endpoints builds URLs for one API deployment and language.
type Endpoints struct {
	APIBase  string
	SiteBase string
	Language string
}

// DefaultEndpoints returns the public DGUV deployment in German.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		APIBase:  "https://gestis-api.dguv.de/api",
		SiteBase: "https://gestis.dguv.de",
		Language: "de",
	}
}

func (e Endpoints) lang() string {
	if e.Language == "" {
		return "de"
	}
	return e.Language
}

// SearchURL returns the search URL for term. Registry numbers are searched
// in the number index, everything else by substance name.
func (e Endpoints) SearchURL(term string, isNumber bool) string {
	field := "stoffname"
	if isNumber {
		field = "nummern"
	}
	q := url.Values{field: {term}, "exact": {"false"}}
	return strings.TrimRight(e.APIBase, "/") + "/search/" + e.lang() + "?" + q.Encode()
}

// ArticleURL returns the dossier API URL for a ZVG number.
func (e Endpoints) ArticleURL(zvg string) string {
	return strings.TrimRight(e.APIBase, "/") + "/article/" + e.lang() + "/" + url.PathEscape(zvg)
}

// DossierURL returns the public dossier page for a ZVG number.
func (e Endpoints) DossierURL(zvg string) string {
	return strings.TrimRight(e.SiteBase, "/") + "/data?name=" + url.QueryEscape(zvg)
}

// SheetURL returns the safety data sheet PDF for a ZVG number.
func (e Endpoints) SheetURL(zvg string) string {
	return strings.TrimRight(e.APIBase, "/") + "/pdf/" + e.lang() + "/" + url.PathEscape(zvg)
}

// NewRequest prepares an authenticated GET. An empty token sends none.
func NewRequest(ctx context.Context, rawURL, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "gestis: create request")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// DecodeHits parses a search response.
func DecodeHits(body []byte) ([]Hit, error) {
	var hits []Hit
	if err := json.Unmarshal(body, &hits); err != nil {
		return nil, eris.Wrap(err, "gestis: decode search response")
	}
	return hits, nil
}

// DecodeArticle parses an article response.
func DecodeArticle(body []byte) (*Article, error) {
	var a Article
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, eris.Wrap(err, "gestis: decode article")
	}
	return &a, nil
}

// FilterExact keeps hits whose name or registry number equals term,
// ignoring case and surrounding whitespace.
func FilterExact(hits []Hit, term string) []Hit {
	term = strings.TrimSpace(term)
	var out []Hit
	for _, h := range hits {
		if strings.EqualFold(strings.TrimSpace(h.Name), term) || strings.EqualFold(strings.TrimSpace(h.CAS), term) {
			out = append(out, h)
		}
	}
	return out
}
