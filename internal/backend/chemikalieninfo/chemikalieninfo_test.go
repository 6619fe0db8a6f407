package chemikalieninfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/resilience"
	"github.com/sells-group/chemdb/internal/session"
)

const searchOne = `<html><body><div id="search-result">
<div>1 Treffer</div>
<div><div><img src="x.png"></div><div><span><a href="/public/dossier/4711?dv=18">Ethanol</a></span> Einzelinhaltsstoff</div></div>
</div></body></html>`

const searchTwo = `<html><body><div id="search-result">
<div>2 Treffer</div>
<div><div><span><a href="/public/dossier/4711">Natriumhydroxid</a></span> Einzelinhaltsstoff</div></div>
<div><div><span><a href="/public/dossier/9999">Natronlauge 50%</a></span> Gemisch</div></div>
</div></body></html>`

const searchMany = `<html><body><div id="search-result">
<div>2 Treffer</div>
<div><div><span><a href="/public/dossier/1">Salz A</a></span> Gemisch</div></div>
<div><div><span><a href="/public/dossier/2">Salz B</a></span> Gemisch</div></div>
</div></body></html>`

const searchNone = `<html><body><div id="search-result"><div>Keine Treffer</div></div></body></html>`

const dossier = `<html><body>
<nav id="navbar"><h1>Ethanol</h1></nav>
<main id="dossier-content">
  <div><h4 id="m98">CAS</h4><dl><dt>CAS-RN</dt><dd>64-17-5</dd></dl></div>
  <div><h4 id="m99">Nummern</h4><dl><dt>EG-Nummer</dt><dd>200-578-6</dd><dt>INDEX-Nummer</dt><dd>603-002-00-5</dd></dl></div>
  <div><h4 id="m157">GHS</h4><dl>
    <dt>Piktogramme</dt><dd><img alt="GHS02"><img alt="GHS07"></dd>
    <dt>Kennzeichnung H-Sätze</dt><dd>H225 Flüssigkeit und Dampf leicht entzündbar. H319 Verursacht schwere Augenreizung. H225</dd>
    <dt>Sicherheitshinweise - Prävention</dt><dd>P210 Von Hitze fernhalten. P233</dd>
    <dt>Sicherheitshinweise - Reaktion</dt><dd>P305 + P351 + P338 Bei Kontakt mit den Augen</dd>
  </dl></div>
  <div><h3 id="m86">Namen</h3><table><tbody>
    <tr><td>1</td><td>Ethanol</td><td>Deutsch</td></tr>
    <tr><td>2</td><td>Ethyl alcohol</td><td>Englisch</td></tr>
    <tr><td>3</td><td>Ethylalkohol</td><td>Deutsch</td></tr>
  </tbody></table></div>
  <div><h4 id="m30">Siedetemperatur</h4><dl>
    <dt>Siedetemperatur</dt><dd>78,3</dd>
    <dt>Siedetemperatur Einheit</dt><dd>°C</dd>
  </dl></div>
  <div><h4 id="m71">Geruch</h4><dl><dt>Geruch</dt><dd>alkoholisch</dd><dt>Geruch</dt><dd>angenehm</dd></dl></div>
</main></body></html>`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/public/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		q := r.URL.Query()
		switch {
		case q.Get(searchKeyNumber) == "64-17-5":
			_, _ = w.Write([]byte(searchOne))
		case q.Get(searchKeyName) == "Natriumhydroxid":
			_, _ = w.Write([]byte(searchTwo))
		case q.Get(searchKeyName) == "Salz":
			_, _ = w.Write([]byte(searchMany))
		case q.Get(searchKeyName) == "blank":
			_, _ = w.Write([]byte("<html><body>loading</body></html>"))
		default:
			_, _ = w.Write([]byte(searchNone))
		}
	})
	mux.HandleFunc("/public/dossier/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("dv") != "0" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(dossier))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setup(t *testing.T) (*Backend, session.Session) {
	srv := newServer(t)
	b := New(srv.URL + "/public").WithClock(func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) })
	sess, err := session.NewHTTPSession(0, session.HTTPOptions{})
	require.NoError(t, err)
	return b, sess
}

func TestQuery_Hit(t *testing.T) {
	b, sess := setup(t)

	rec, err := b.Query(context.Background(), sess, "64-17-5")
	require.NoError(t, err)

	assert.Equal(t, "Chemikalieninfo | Success!", rec["query_status_ci"])
	assert.Equal(t, "Chemikalieninfo Public", rec["query_database_ci"])
	assert.Equal(t, "2026-05-06 07:08:09", rec["query_time_ci"])
	assert.Equal(t, "Ethanol", rec["query_finding_ci"])
	assert.True(t, strings.HasSuffix(rec.Str("query_link_ci"), "/public/dossier/4711"))
	assert.Equal(t, "64-17-5", rec["id_cas_ci"])
	assert.Equal(t, "200-578-6", rec["id_eg_ci"])
	assert.Equal(t, "603-002-00-5", rec["id_index_ci"])
	assert.Equal(t, backend.NotListed, rec["id_gsbl_ci"])
	assert.Equal(t, "GHS02|GHS07", rec["ghs_class_ci"])
	assert.Equal(t, "H225|H319", rec["ghs_hazard_ci"])
	assert.Equal(t, "P210|P233|P305+P351+P338", rec["ghs_precautionary_ci"])
	assert.Equal(t, "Ethanol|Ethylalkohol", rec["name_registered_ger_ci"])
	assert.Equal(t, "Ethyl alcohol", rec["name_registered_eng_ci"])
	assert.Equal(t, "78,3", rec["pc_temperature_boiling_ci"])
	assert.Equal(t, "alkoholisch|angenehm", rec["pc_odour_ci"])
	assert.Equal(t, backend.NotListed, rec["pc_viscosity_ci"])
	assert.Len(t, rec, len(b.FieldNames()))

	assert.Equal(t, "64-17-5", b.RegistryNumber(rec))
}

func TestQuery_SingleSubstanceSelected(t *testing.T) {
	b, sess := setup(t)

	rec, err := b.Query(context.Background(), sess, "Natriumhydroxid")
	require.NoError(t, err)
	assert.Equal(t, "Chemikalieninfo | Success! Most probable out of 2 query hits selected for <Natriumhydroxid>.", rec["query_status_ci"])
}

func TestQuery_Ambiguous(t *testing.T) {
	b, sess := setup(t)

	rec, err := b.Query(context.Background(), sess, "Salz")
	require.NoError(t, err)
	assert.Equal(t, "Chemikalieninfo | Skipped <Salz>: No query hit found!", rec["query_status_ci"])
}

func TestQuery_NoHit(t *testing.T) {
	b, sess := setup(t)

	rec, err := b.Query(context.Background(), sess, "unknown-name")
	require.NoError(t, err)
	assert.Equal(t, "Chemikalieninfo | Skipped <unknown-name>: No query hit found!", rec["query_status_ci"])
	assert.Nil(t, rec["id_cas_ci"])
	assert.Equal(t, "", b.RegistryNumber(rec))
}

func TestQuery_UnrenderedPageIsTransient(t *testing.T) {
	b, sess := setup(t)

	_, err := b.Query(context.Background(), sess, "blank")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestFieldNames(t *testing.T) {
	b := New("")
	names := b.FieldNames()
	assert.Equal(t, "query_status_ci", names[0])
	assert.Equal(t, "id_cas_ci", names[6])
	assert.Contains(t, names, "name_registered_ger_ci")
	assert.Contains(t, names, "pc_viscosity_ci")
	seen := map[string]bool{}
	for _, n := range names {
		assert.False(t, seen[n], n)
		seen[n] = true
	}
	assert.True(t, b.NeedsSession())
}
