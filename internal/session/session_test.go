package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chemdb/internal/resilience"
)

func TestHTTPSession_GetKeepsCookies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = r.ParseForm()
		_, _ = w.Write([]byte("term=" + r.PostForm.Get("term")))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, err := NewHTTPSession(2, HTTPOptions{})
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	assert.Equal(t, 2, s.Slot())

	page, err := s.Get(context.Background(), srv.URL+"/login")
	require.NoError(t, err)
	doc, err := page.HTML()
	require.NoError(t, err)
	assert.NotNil(t, doc)

	page, err = s.PostForm(context.Background(), srv.URL+"/search", url.Values{"term": {"64-17-5"}})
	require.NoError(t, err)
	assert.Equal(t, "term=64-17-5", page.Text())
}

func TestHTTPSession_DecodesCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte{'W', 0xE4, 's', 's', 'e', 'r'}) // "Wässer" in latin-1
	}))
	defer srv.Close()

	s, err := NewHTTPSession(0, HTTPOptions{})
	require.NoError(t, err)

	page, err := s.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Wässer", page.Text())
}

func TestHTTPSession_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := NewHTTPSession(0, HTTPOptions{})
	require.NoError(t, err)

	_, err = s.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestHTTPSession_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s, err := NewHTTPSession(0, HTTPOptions{})
	require.NoError(t, err)

	_, err = s.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestHTTPSession_NotFoundReturnsPage(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s, err := NewHTTPSession(0, HTTPOptions{})
	require.NoError(t, err)

	page, err := s.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, page.StatusCode)
}

func TestHTTPSession_DownloadToFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 data"))
	}))
	defer srv.Close()

	s, err := NewHTTPSession(0, HTTPOptions{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "SDB", "SDB_10420.pdf")
	n, err := s.DownloadToFile(context.Background(), srv.URL, path)
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 data", string(data))
}

func TestPage_JSON(t *testing.T) {
	p := &Page{Body: []byte(`{"cid": 962}`)}
	var out struct {
		CID int `json:"cid"`
	}
	require.NoError(t, p.JSON(&out))
	assert.Equal(t, 962, out.CID)

	assert.Error(t, (&Page{Body: []byte("not json")}).JSON(&out))
}

func TestNopSession(t *testing.T) {
	s, err := NopFactory(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Slot())
	_, err = s.Get(context.Background(), "http://example.invalid")
	assert.Error(t, err)
	assert.NoError(t, s.Close())
}
