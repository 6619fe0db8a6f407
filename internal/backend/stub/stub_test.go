package stub

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/resilience"
	"github.com/sells-group/chemdb/internal/session"
)

func TestLoad_Defaults(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)
	require.Len(t, set, 3)

	bs := set.Backends([]backend.Kind{backend.Gestis, backend.Chemikalieninfo, backend.PubChem})
	require.Len(t, bs, 3)
	assert.Equal(t, backend.Chemikalieninfo, bs[0].Kind())
	assert.Equal(t, backend.PubChem, bs[1].Kind())
	assert.Equal(t, backend.Gestis, bs[2].Kind())
	assert.True(t, bs[0].NeedsSession())
	assert.False(t, bs[1].NeedsSession())
}

func TestQuery_HitAndMiss(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)
	pinned := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	set.WithClock(func() time.Time { return pinned })
	ci := set[backend.Chemikalieninfo]
	sess := &session.NopSession{}

	rec, err := ci.Query(context.Background(), sess, "7732-18-5")
	require.NoError(t, err)
	assert.True(t, backend.IsSuccess(rec, backend.Chemikalieninfo))
	assert.Equal(t, "Wasser", rec["query_finding_ci"])
	assert.Equal(t, "2026-03-01 12:00:00", rec["query_time_ci"])
	assert.Equal(t, "7732-18-5", ci.RegistryNumber(rec))
	assert.Len(t, rec, len(ci.FieldNames()))

	rec, err = ci.Query(context.Background(), sess, "unknown-name")
	require.NoError(t, err)
	assert.Equal(t, "Chemikalieninfo | Skipped <unknown-name>: No query hit found!", rec["query_status_ci"])
	assert.Nil(t, rec["id_cas_ci"])
	assert.Equal(t, "", ci.RegistryNumber(rec))
	assert.EqualValues(t, 2, ci.Calls())
}

func TestRegistryNumber_OnlyValidStrings(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)
	ci := set[backend.Chemikalieninfo]

	assert.Equal(t, "64-17-5", ci.RegistryNumber(backend.Record{"id_cas_ci": "64-17-5"}))
	assert.Equal(t, "", ci.RegistryNumber(backend.Record{"id_cas_ci": "64-17-6"}))
	assert.Equal(t, "", ci.RegistryNumber(backend.Record{"id_cas_ci": 7732185}))
}

func TestQuery_RequiresSession(t *testing.T) {
	set, err := Load("")
	require.NoError(t, err)

	_, err = set[backend.Gestis].Query(context.Background(), nil, "7732-18-5")
	assert.Error(t, err)

	_, err = set[backend.PubChem].Query(context.Background(), nil, "7732-18-5")
	assert.NoError(t, err)
}

const custom = `
backends:
  pc:
    fields: [id_cid]
    ambiguous: [salt]
    failures:
      flaky: transient
      broken: terminal
    hits:
      water: {id_cid: 962}
`

func TestParse_FailuresAndAmbiguity(t *testing.T) {
	set, err := Parse([]byte(custom))
	require.NoError(t, err)
	pc := set[backend.PubChem]
	require.NotNil(t, pc)

	rec, err := pc.Query(context.Background(), nil, "salt")
	require.NoError(t, err)
	assert.Contains(t, rec.Str("query_status_pc"), "More than one query hit found!")

	_, err = pc.Query(context.Background(), nil, "flaky")
	assert.True(t, resilience.IsTransient(err))

	_, err = pc.Query(context.Background(), nil, "broken")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))

	rec, err = pc.Query(context.Background(), nil, "water")
	require.NoError(t, err)
	assert.Equal(t, 962, rec["id_cid_pc"])
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown backend": "backends:\n  sigma:\n    fields: [a]\n",
		"undeclared":      "backends:\n  pubchem:\n    fields: [a]\n    hits:\n      x: {b: 1}\n",
		"duplicate":       "backends:\n  pubchem:\n    fields: [a, a]\n",
		"failure kind":    "backends:\n  pubchem:\n    failures: {x: sometimes}\n",
		"yaml":            "backends: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(custom), 0o644))

	set, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, set, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestQuery_DelayHonoursContext(t *testing.T) {
	set, err := Parse([]byte(custom))
	require.NoError(t, err)
	pc := set[backend.PubChem].WithDelay(func(string) time.Duration { return time.Hour })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pc.Query(ctx, nil, "water")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
