// Package gestis queries the GESTIS substance database through a browsing
// session and optionally stores safety data sheets.
package gestis

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/cas"
	"github.com/sells-group/chemdb/internal/resilience"
	"github.com/sells-group/chemdb/internal/session"
	gt "github.com/sells-group/chemdb/pkg/gestis"
)

var fields = backend.FieldNames(backend.Gestis, "id_zvg", "file_sdb")

// SheetDir is the folder (below the input directory) receiving safety data sheets.
const SheetDir = "SDB"

// Options configures the backend.
type Options struct {
	Endpoints gt.Endpoints
	Token     string
	// DownloadSheets stores the safety data sheet PDF of every hit.
	DownloadSheets bool
}

// Backend queries GESTIS.
type Backend struct {
	opts Options
	now  backend.Clock

	mu       sync.Mutex
	sheetDir string
}

var (
	_ backend.Backend   = (*Backend)(nil)
	_ backend.Cacheable = (*Backend)(nil)
)

// New creates the GESTIS backend.
func New(opts Options) *Backend {
	if opts.Endpoints.APIBase == "" {
		opts.Endpoints = gt.DefaultEndpoints()
	}
	return &Backend{opts: opts, now: time.Now}
}

// WithClock pins query_time.
func (b *Backend) WithClock(c backend.Clock) *Backend {
	b.now = c
	return b
}

// SetInputDir sets the directory whose SDB subfolder receives downloads.
// Files are processed one at a time, so this is set once per file.
func (b *Backend) SetInputDir(dir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sheetDir = filepath.Join(dir, SheetDir)
}

func (b *Backend) currentSheetDir() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sheetDir == "" {
		return SheetDir
	}
	return b.sheetDir
}

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.Gestis }

// Cacheable implements backend.Cacheable. A hit that downloads a safety data
// sheet has to reach the service every time, since each input folder needs
// its own copy.
func (b *Backend) Cacheable() bool { return !b.opts.DownloadSheets }

// FieldNames implements backend.Backend.
func (b *Backend) FieldNames() []string { return append([]string(nil), fields...) }

// DefaultRecord implements backend.Backend.
func (b *Backend) DefaultRecord() backend.Record { return backend.DefaultRecord(fields) }

// NeedsSession implements backend.Backend.
func (b *Backend) NeedsSession() bool { return true }

// Query implements backend.Backend.
func (b *Backend) Query(ctx context.Context, sess session.Session, term string) (backend.Record, error) {
	k := backend.Gestis
	if sess == nil {
		return nil, eris.New("gestis: session required")
	}

	hits, err := b.search(ctx, sess, term)
	if err != nil {
		return nil, err
	}

	note := ""
	if len(hits) > 1 {
		total := len(hits)
		hits = gt.FilterExact(hits, term)
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

	hit := hits[0]
	finding := hit.Name
	if article, err := b.article(ctx, sess, hit.ZVG); err != nil {
		if resilience.IsTransient(err) {
			return nil, err
		}
		zap.L().Debug("gestis: article unavailable, using hit name", zap.String("zvg", hit.ZVG), zap.Error(err))
	} else if article.Name != "" {
		finding = article.Name
	}

	rec := backend.Stamp(b, backend.Success(k, note), term, b.now())
	rec[k.Field("query_finding")] = finding
	rec[k.Field("query_link")] = b.opts.Endpoints.DossierURL(hit.ZVG)
	rec[k.Field("id_zvg")] = hit.ZVG

	if b.opts.DownloadSheets {
		b.downloadSheet(ctx, sess, hit.ZVG, term, rec)
	}
	return rec, nil
}

func (b *Backend) get(ctx context.Context, sess session.Session, rawURL string) (*session.Page, error) {
	req, err := gt.NewRequest(ctx, rawURL, b.opts.Token)
	if err != nil {
		return nil, err
	}
	return sess.Do(req)
}

func (b *Backend) search(ctx context.Context, sess session.Session, term string) ([]gt.Hit, error) {
	page, err := b.get(ctx, sess, b.opts.Endpoints.SearchURL(term, cas.IsValid(term)))
	if err != nil {
		return nil, eris.Wrap(err, "gestis: search")
	}
	if page.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	hits, err := gt.DecodeHits(page.Body)
	if err != nil {
		// A half-rendered result list; try again.
		return nil, resilience.Transient(err)
	}
	return hits, nil
}

func (b *Backend) article(ctx context.Context, sess session.Session, zvg string) (*gt.Article, error) {
	page, err := b.get(ctx, sess, b.opts.Endpoints.ArticleURL(zvg))
	if err != nil {
		return nil, eris.Wrap(err, "gestis: article")
	}
	if page.StatusCode == http.StatusNotFound {
		return nil, eris.Errorf("gestis: article %s not found", zvg)
	}
	return gt.DecodeArticle(page.Body)
}

// downloadSheet stores the PDF and records its file name. Failures never
// cost the hit; a locked target is reported in the status.
func (b *Backend) downloadSheet(ctx context.Context, sess session.Session, zvg, term string, rec backend.Record) {
	k := backend.Gestis
	name := "SDB_" + zvg + ".pdf"
	path := filepath.Join(b.currentSheetDir(), name)

	_, err := sess.DownloadToFile(ctx, b.opts.Endpoints.SheetURL(zvg), path)
	switch {
	case err == nil:
		rec[k.Field("file_sdb")] = name
	case errors.Is(err, fs.ErrPermission):
		zap.L().Error("gestis: safety data sheet locked", zap.String("file", name), zap.Error(err))
		rec[k.StatusField()] = backend.Success(k, "Error writing SDB to <"+name+">! Is the file currently open?")
	default:
		zap.L().Warn("gestis: safety data sheet download failed",
			zap.String("term", term),
			zap.String("zvg", zvg),
			zap.Error(err),
		)
	}
}
