package query

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/backend/gestis"
	"github.com/sells-group/chemdb/internal/backend/pubchem"
	"github.com/sells-group/chemdb/internal/backend/stub"
	"github.com/sells-group/chemdb/internal/job"
	"github.com/sells-group/chemdb/internal/resilience"
	"github.com/sells-group/chemdb/internal/schema"
	"github.com/sells-group/chemdb/internal/session"
	gt "github.com/sells-group/chemdb/pkg/gestis"
	pc "github.com/sells-group/chemdb/pkg/pubchem"
)

var pinned = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func pinnedClock() time.Time { return pinned }

// mockBackend records every Query call.
type mockBackend struct {
	mock.Mock
	kind backend.Kind
}

func (m *mockBackend) Kind() backend.Kind { return m.kind }
func (m *mockBackend) FieldNames() []string {
	return backend.FieldNames(m.kind, "id_cas")
}
func (m *mockBackend) DefaultRecord() backend.Record { return backend.DefaultRecord(m.FieldNames()) }
func (m *mockBackend) NeedsSession() bool            { return false }
func (m *mockBackend) Query(ctx context.Context, sess session.Session, term string) (backend.Record, error) {
	args := m.Called(term)
	rec, _ := args.Get(0).(backend.Record)
	return rec, args.Error(1)
}

func hit(b backend.Backend, term, cas string) backend.Record {
	rec := backend.Stamp(b, backend.Success(b.Kind(), ""), term, pinned)
	rec[b.Kind().Field("id_cas")] = cas
	return rec
}

func miss(b backend.Backend, term string) backend.Record {
	return backend.Stamp(b, backend.NoHit(b.Kind(), term), term, pinned)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newCoordinator(t *testing.T, bs []backend.Backend, opts ...Option) *Coordinator {
	t.Helper()
	s, err := schema.Compose(bs)
	require.NoError(t, err)
	opts = append([]Option{
		WithRetry(resilience.RetryConfig{MaxAttempts: 3, Sleep: noSleep}),
		WithClock(pinnedClock),
		WithLogger(zap.NewNop()),
	}, opts...)
	return New(s, opts...)
}

func TestRunJob_EmptyJobMakesNoCalls(t *testing.T) {
	a := &mockBackend{kind: backend.Chemikalieninfo}
	b := &mockBackend{kind: backend.PubChem}
	c := newCoordinator(t, []backend.Backend{a, b})

	out := c.RunJob(context.Background(), job.Job{Row: 3, Empty: true}, nil, nil)

	assert.False(t, out.Cancelled)
	assert.Equal(t, c.Schema().DefaultRecord(), out.Record)
	a.AssertNotCalled(t, "Query", mock.Anything)
	b.AssertNotCalled(t, "Query", mock.Anything)
}

func TestRunJob_StopsAtFirstHit(t *testing.T) {
	a := &mockBackend{kind: backend.PubChem}
	a.On("Query", "64-17-5").Return(hit(a, "64-17-5", "64-17-5"), nil).Once()
	c := newCoordinator(t, []backend.Backend{a})

	out := c.RunJob(context.Background(), job.Job{Terms: []string{"64-17-5", "ethanol"}}, nil, nil)

	assert.True(t, backend.IsSuccess(out.Record, backend.PubChem))
	a.AssertExpectations(t)
	a.AssertNotCalled(t, "Query", "ethanol")
}

func TestRunJob_SkipsNullSlotAndFallsBackToNames(t *testing.T) {
	a := &mockBackend{kind: backend.PubChem}
	a.On("Query", "ethanol").Return(miss(a, "ethanol"), nil).Once()
	a.On("Query", "Ethylalkohol").Return(hit(a, "Ethylalkohol", "64-17-5"), nil).Once()
	c := newCoordinator(t, []backend.Backend{a})

	out := c.RunJob(context.Background(), job.Job{Terms: []string{"", "ethanol", "Ethylalkohol"}}, nil, nil)

	assert.Equal(t, "Ethylalkohol", out.Record["query_term_pc"])
	assert.Equal(t, "64-17-5", out.Record["id_cas_pc"])
	a.AssertExpectations(t)
}

func TestRunJob_MissKeepsStatusWithNullFields(t *testing.T) {
	a := &mockBackend{kind: backend.PubChem}
	rec := miss(a, "unknown")
	rec["id_cas_pc"] = "leftover"
	a.On("Query", "unknown").Return(rec, nil).Once()
	c := newCoordinator(t, []backend.Backend{a})

	out := c.RunJob(context.Background(), job.Job{Terms: []string{"", "unknown"}}, nil, nil)

	assert.Equal(t, "PubChem | Skipped <unknown>: No query hit found!", out.Record["query_status_pc"])
	assert.Nil(t, out.Record["id_cas_pc"])
	assert.Len(t, out.Record, c.Schema().Len())
}

const rewriteFixtures = `
backends:
  chemikalieninfo:
    session: true
    fields: [id_cas]
    hits:
      Wasser: {id_cas: "7732-18-5"}
  pubchem:
    fields: [id_cid]
    hits:
      "7732-18-5": {id_cid: 962}
  gestis:
    session: true
    fields: [id_zvg]
    hits:
      "7732-18-5": {id_zvg: "001140"}
`

func TestRunJob_RegistryNumberRewrite(t *testing.T) {
	set, err := stub.Parse([]byte(rewriteFixtures))
	require.NoError(t, err)
	set.WithClock(pinnedClock)
	c := newCoordinator(t, set.Backends(backend.AllKinds()))

	out := c.RunJob(context.Background(), job.Job{Terms: []string{"", "Wasser"}}, &session.NopSession{}, nil)

	assert.True(t, backend.IsSuccess(out.Record, backend.Chemikalieninfo))
	assert.True(t, backend.IsSuccess(out.Record, backend.PubChem))
	assert.Equal(t, "7732-18-5", out.Record["query_term_pc"])
	assert.True(t, backend.IsSuccess(out.Record, backend.Gestis))
	assert.Equal(t, "7732-18-5", out.Record["query_term_gt"])
	assert.EqualValues(t, 1, set[backend.PubChem].Calls())
}

func TestRunJob_NoRewriteWhenRowHasRegistryNumber(t *testing.T) {
	set, err := stub.Parse([]byte(rewriteFixtures))
	require.NoError(t, err)
	c := newCoordinator(t, set.Backends(backend.AllKinds()))

	out := c.RunJob(context.Background(), job.Job{Terms: []string{"64-17-5", "Wasser"}}, &session.NopSession{}, nil)

	assert.True(t, backend.IsSuccess(out.Record, backend.Chemikalieninfo))
	assert.False(t, backend.IsSuccess(out.Record, backend.PubChem))
	assert.Equal(t, "Wasser", out.Record["query_term_pc"])
}

func TestRunJob_TransientThenSuccess(t *testing.T) {
	a := &mockBackend{kind: backend.PubChem}
	a.On("Query", "64-17-5").Return(nil, resilience.Transient(assert.AnError)).Twice()
	a.On("Query", "64-17-5").Return(hit(a, "64-17-5", "64-17-5"), nil).Once()
	c := newCoordinator(t, []backend.Backend{a})

	out := c.RunJob(context.Background(), job.Job{Terms: []string{"64-17-5"}}, nil, nil)

	assert.True(t, backend.IsSuccess(out.Record, backend.PubChem))
	a.AssertNumberOfCalls(t, "Query", 3)
}

func TestRunJob_ExhaustionBecomesFailedStatus(t *testing.T) {
	a := &mockBackend{kind: backend.Chemikalieninfo}
	b := &mockBackend{kind: backend.PubChem}
	a.On("Query", "64-17-5").Return(nil, resilience.Transient(assert.AnError))
	b.On("Query", "64-17-5").Return(hit(b, "64-17-5", "64-17-5"), nil).Once()
	c := newCoordinator(t, []backend.Backend{a, b})

	out := c.RunJob(context.Background(), job.Job{Terms: []string{"64-17-5"}}, nil, nil)

	assert.Equal(t, backend.Failed(backend.Chemikalieninfo, "64-17-5"), out.Record["query_status_ci"])
	assert.Equal(t, "2026-02-03 04:05:06", out.Record["query_time_ci"])
	assert.True(t, backend.IsSuccess(out.Record, backend.PubChem))
	a.AssertNumberOfCalls(t, "Query", 3)
}

func TestRunJob_TerminalErrorIsNotRetried(t *testing.T) {
	a := &mockBackend{kind: backend.PubChem}
	a.On("Query", "x").Return(nil, assert.AnError).Once()
	c := newCoordinator(t, []backend.Backend{a})

	out := c.RunJob(context.Background(), job.Job{Terms: []string{"", "x"}}, nil, nil)

	assert.Contains(t, out.Record.Str("query_status_pc"), "Error!")
	a.AssertNumberOfCalls(t, "Query", 1)
}

type panicBackend struct{ mockBackend }

func (p *panicBackend) Query(context.Context, session.Session, string) (backend.Record, error) {
	panic("selector vanished")
}

func TestRunJob_PanicIsCaptured(t *testing.T) {
	p := &panicBackend{mockBackend{kind: backend.Gestis}}
	c := newCoordinator(t, []backend.Backend{p})

	out := c.RunJob(context.Background(), job.Job{Terms: []string{"64-17-5"}}, nil, nil)

	assert.Equal(t, backend.Failed(backend.Gestis, "64-17-5"), out.Record["query_status_gt"])
}

func TestRunJob_CircuitOpenSkipsBackend(t *testing.T) {
	a := &mockBackend{kind: backend.PubChem}
	a.On("Query", mock.Anything).Return(nil, resilience.Transient(assert.AnError))
	sb := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	c := newCoordinator(t, []backend.Backend{a}, WithRetry(resilience.RetryConfig{MaxAttempts: 1, Sleep: noSleep}), WithBreakers(sb))

	c.RunJob(context.Background(), job.Job{Terms: []string{"64-17-5"}}, nil, nil)
	out := c.RunJob(context.Background(), job.Job{Terms: []string{"64-17-5", "ethanol"}}, nil, nil)

	assert.Equal(t, backend.Unavailable(backend.PubChem, "64-17-5"), out.Record["query_status_pc"])
	a.AssertNumberOfCalls(t, "Query", 1)
}

func TestRunJob_CancelledBeforeBackend(t *testing.T) {
	a := &mockBackend{kind: backend.Chemikalieninfo}
	b := &mockBackend{kind: backend.PubChem}
	a.On("Query", "64-17-5").Return(hit(a, "64-17-5", "64-17-5"), nil).Once()
	c := newCoordinator(t, []backend.Backend{a, b})

	calls := 0
	probe := func() bool {
		calls++
		return calls > 1
	}
	out := c.RunJob(context.Background(), job.Job{Terms: []string{"64-17-5"}}, nil, probe)

	assert.True(t, out.Cancelled)
	assert.Equal(t, c.Schema().DefaultRecord(), out.Record)
	b.AssertNotCalled(t, "Query", mock.Anything)
}

type memCache struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

func (m *memCache) GetCachedResult(_ context.Context, b, term string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[b+"/"+term], nil
}

func (m *memCache) SetCachedResult(_ context.Context, b, term string, rec map[string]any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[b+"/"+term] = rec
	return nil
}

func TestRunJob_CacheServesRepeatHits(t *testing.T) {
	a := &mockBackend{kind: backend.PubChem}
	a.On("Query", "64-17-5").Return(hit(a, "64-17-5", "64-17-5"), nil).Once()
	a.On("Query", "unknown").Return(miss(a, "unknown"), nil).Twice()
	cache := &memCache{data: map[string]map[string]any{}}
	c := newCoordinator(t, []backend.Backend{a}, WithCache(cache, time.Hour))

	for i := 0; i < 2; i++ {
		out := c.RunJob(context.Background(), job.Job{Terms: []string{"64-17-5"}}, nil, nil)
		assert.True(t, backend.IsSuccess(out.Record, backend.PubChem))
		c.RunJob(context.Background(), job.Job{Terms: []string{"", "unknown"}}, nil, nil)
	}

	a.AssertExpectations(t)
	assert.Len(t, cache.data, 1)
}

func gestisServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sheets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search/de", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("nummern") == "7732-18-5" {
			_, _ = w.Write([]byte(`[{"zvg_nr":"001140","name":"Wasser","cas_nr":"7732-18-5"}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/api/article/de/001140", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"zvg_nr":"001140","name":"Wasser"}`))
	})
	mux.HandleFunc("/api/pdf/de/001140", func(w http.ResponseWriter, _ *http.Request) {
		sheets.Add(1)
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &sheets
}

func TestRunJob_SheetDownloadBypassesCache(t *testing.T) {
	srv, sheets := gestisServer(t)
	g := gestis.New(gestis.Options{
		Endpoints:      gt.Endpoints{APIBase: srv.URL + "/api", SiteBase: "https://gestis.example", Language: "de"},
		DownloadSheets: true,
	})
	sess, err := session.NewHTTPSession(0, session.HTTPOptions{})
	require.NoError(t, err)
	cache := &memCache{data: map[string]map[string]any{}}
	c := newCoordinator(t, []backend.Backend{g}, WithCache(cache, time.Hour))

	for _, dir := range []string{t.TempDir(), t.TempDir()} {
		g.SetInputDir(dir)
		out := c.RunJob(context.Background(), job.Job{Terms: []string{"7732-18-5"}}, sess, nil)

		assert.Equal(t, "SDB_001140.pdf", out.Record["file_sdb_gt"])
		assert.FileExists(t, filepath.Join(dir, gestis.SheetDir, "SDB_001140.pdf"))
	}
	assert.EqualValues(t, 2, sheets.Load())
	assert.Empty(t, cache.data)
}

func TestRunJob_GestisHitsCachedWithoutSheets(t *testing.T) {
	srv, _ := gestisServer(t)
	g := gestis.New(gestis.Options{
		Endpoints: gt.Endpoints{APIBase: srv.URL + "/api", SiteBase: "https://gestis.example", Language: "de"},
	})
	sess, err := session.NewHTTPSession(0, session.HTTPOptions{})
	require.NoError(t, err)
	cache := &memCache{data: map[string]map[string]any{}}
	c := newCoordinator(t, []backend.Backend{g}, WithCache(cache, time.Hour))

	c.RunJob(context.Background(), job.Job{Terms: []string{"7732-18-5"}}, sess, nil)

	assert.Contains(t, cache.data, "gestis/7732-18-5")
}

// fakePubChem answers like PUG REST for ethanol.
type fakePubChem struct{}

func (fakePubChem) CIDsByName(_ context.Context, name string) ([]int, error) {
	if name == "ethanol" {
		return []int{702}, nil
	}
	return nil, nil
}

func (fakePubChem) Properties(_ context.Context, cid int) (*pc.Properties, error) {
	return &pc.Properties{CID: cid, IUPACName: "ethanol"}, nil
}

func (fakePubChem) Synonyms(context.Context, int) ([]string, error) {
	return []string{"ethanol", "64-17-5"}, nil
}

func TestRunJob_PubChemRegistryNumberNotPassedOn(t *testing.T) {
	ci := &mockBackend{kind: backend.Chemikalieninfo}
	ci.On("Query", "ethanol").Return(miss(ci, "ethanol"), nil).Once()
	gs := &mockBackend{kind: backend.Gestis}
	gs.On("Query", "ethanol").Return(miss(gs, "ethanol"), nil).Once()
	c := newCoordinator(t, []backend.Backend{ci, pubchem.New(fakePubChem{}).WithClock(pinnedClock), gs})

	out := c.RunJob(context.Background(), job.Job{Terms: []string{"", "ethanol"}}, nil, nil)

	assert.True(t, backend.IsSuccess(out.Record, backend.PubChem))
	assert.Equal(t, "64-17-5", out.Record["cas_numbers_pc"])
	assert.Equal(t, "ethanol", out.Record["query_term_gt"])
	gs.AssertExpectations(t)
	gs.AssertNotCalled(t, "Query", "64-17-5")
}
