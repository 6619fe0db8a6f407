// Package pubchem provides a client for the PubChem PUG REST API.
package pubchem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the PubChem compound lookups.
type Client interface {
	// CIDsByName resolves a name or registry number to compound IDs. An
	// unknown name yields an empty slice, not an error.
	CIDsByName(ctx context.Context, name string) ([]int, error)
	// Properties fetches computed properties for one compound.
	Properties(ctx context.Context, cid int) (*Properties, error)
	// Synonyms lists the compound's synonyms.
	Synonyms(ctx context.Context, cid int) ([]string, error)
}

// Properties is the subset of PUG REST compound properties the tool reports.
type Properties struct {
	CID                int       `json:"CID"`
	IUPACName          string    `json:"IUPACName"`
	MolecularFormula   string    `json:"MolecularFormula"`
	MolecularWeight    FlexFloat `json:"MolecularWeight"`
	ExactMass          FlexFloat `json:"ExactMass"`
	MonoisotopicMass   FlexFloat `json:"MonoisotopicMass"`
	InChI              string    `json:"InChI"`
	InChIKey           string    `json:"InChIKey"`
	CanonicalSMILES    string    `json:"CanonicalSMILES"`
	IsomericSMILES     string    `json:"IsomericSMILES"`
	Complexity         FlexFloat `json:"Complexity"`
	HBondAcceptorCount *int      `json:"HBondAcceptorCount"`
	HBondDonorCount    *int      `json:"HBondDonorCount"`
	HeavyAtomCount     *int      `json:"HeavyAtomCount"`
	AtomStereoCount    *int      `json:"AtomStereoCount"`
	Charge             *int      `json:"Charge"`
	XLogP              FlexFloat `json:"XLogP"`
}

// PropertyList is the comma-separated property request path segment.
const PropertyList = "IUPACName,MolecularFormula,MolecularWeight,ExactMass,MonoisotopicMass," +
	"InChI,InChIKey,CanonicalSMILES,IsomericSMILES,Complexity,HBondAcceptorCount," +
	"HBondDonorCount,HeavyAtomCount,AtomStereoCount,Charge,XLogP"

// FlexFloat accepts JSON numbers and numeric strings. PubChem sends masses as
// strings and complexity as a number.
type FlexFloat struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = FlexFloat{}
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return eris.Wrapf(err, "pubchem: parse number %q", s)
	}
	*f = FlexFloat{Value: v, Valid: true}
	return nil
}

// APIError is a non-2xx PUG REST response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("pubchem: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pubchem: status %d", e.StatusCode)
}

// NotFound reports whether PubChem does not know the requested entity.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.Code == "PUGREST.NotFound"
}

type faultResponse struct {
	Fault struct {
		Code    string `json:"Code"`
		Message string `json:"Message"`
	} `json:"Fault"`
}

// Option configures the PubChem client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps requests per second. PubChem allows five.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new PubChem client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://pubchem.ncbi.nlm.nih.gov/rest/pug",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "pubchem: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return eris.Wrap(err, "pubchem: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "pubchem: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "pubchem: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var fault faultResponse
		if json.Unmarshal(body, &fault) == nil {
			apiErr.Code = fault.Fault.Code
			apiErr.Message = fault.Fault.Message
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "pubchem: decode response")
	}
	return nil
}

func (c *httpClient) CIDsByName(ctx context.Context, name string) ([]int, error) {
	var result struct {
		IdentifierList struct {
			CID []int `json:"CID"`
		} `json:"IdentifierList"`
	}
	path := "/compound/name/" + url.PathEscape(name) + "/cids/JSON"
	if err := c.get(ctx, path, &result); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.NotFound() {
			return nil, nil
		}
		return nil, err
	}

	// PubChem answers some misses with CID 0.
	var cids []int
	for _, cid := range result.IdentifierList.CID {
		if cid > 0 {
			cids = append(cids, cid)
		}
	}
	return cids, nil
}

func (c *httpClient) Properties(ctx context.Context, cid int) (*Properties, error) {
	var result struct {
		PropertyTable struct {
			Properties []Properties `json:"Properties"`
		} `json:"PropertyTable"`
	}
	path := fmt.Sprintf("/compound/cid/%d/property/%s/JSON", cid, PropertyList)
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	if len(result.PropertyTable.Properties) == 0 {
		return nil, eris.Errorf("pubchem: no properties for cid %d", cid)
	}
	return &result.PropertyTable.Properties[0], nil
}

func (c *httpClient) Synonyms(ctx context.Context, cid int) ([]string, error) {
	var result struct {
		InformationList struct {
			Information []struct {
				CID     int      `json:"CID"`
				Synonym []string `json:"Synonym"`
			} `json:"Information"`
		} `json:"InformationList"`
	}
	path := fmt.Sprintf("/compound/cid/%d/synonyms/JSON", cid)
	if err := c.get(ctx, path, &result); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.NotFound() {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, info := range result.InformationList.Information {
		out = append(out, info.Synonym...)
	}
	return out, nil
}

// CompoundURL is the public page of a compound.
func CompoundURL(cid int) string {
	return fmt.Sprintf("https://pubchem.ncbi.nlm.nih.gov/compound/%d", cid)
}

// ImageURL is the large 2D structure depiction of a compound.
func ImageURL(cid int) string {
	return fmt.Sprintf("https://pubchem.ncbi.nlm.nih.gov/image/imgsrv.fcgi?t=l&cid=%d", cid)
}
