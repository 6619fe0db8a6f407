// Package pubchem adapts the PubChem PUG REST client to the backend contract.
package pubchem

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/cas"
	"github.com/sells-group/chemdb/internal/resilience"
	"github.com/sells-group/chemdb/internal/session"
	pc "github.com/sells-group/chemdb/pkg/pubchem"
)

var fields = backend.FieldNames(backend.PubChem,
	"id_cid",
	"cas_numbers",
	"mass_exact",
	"mass_molecular",
	"mass_monoisotopic",
	"mol_formula",
	"mol_image_2d",
	"mol_inchi",
	"mol_inchikey",
	"mol_smiles_canonical",
	"mol_smiles_isomeric",
	"name_iupac_eng",
	"pc_complexity",
	"pc_count_hydrogen_bond_acceptors",
	"pc_count_hydrogen_bond_donors",
	"pc_count_heavy_atoms",
	"pc_count_stereocenters",
	"pc_formal_charge",
	"pc_xlogp",
)

// Backend queries PubChem. It needs no session.
type Backend struct {
	client pc.Client
	now    backend.Clock
}

var _ backend.Backend = (*Backend)(nil)

// New creates the PubChem backend.
func New(client pc.Client) *Backend {
	return &Backend{client: client, now: time.Now}
}

// WithClock pins query_time.
func (b *Backend) WithClock(c backend.Clock) *Backend {
	b.now = c
	return b
}

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.PubChem }

// FieldNames implements backend.Backend.
func (b *Backend) FieldNames() []string { return append([]string(nil), fields...) }

// DefaultRecord implements backend.Backend.
func (b *Backend) DefaultRecord() backend.Record { return backend.DefaultRecord(fields) }

// NeedsSession implements backend.Backend.
func (b *Backend) NeedsSession() bool { return false }

// Query implements backend.Backend.
func (b *Backend) Query(ctx context.Context, _ session.Session, term string) (backend.Record, error) {
	k := backend.PubChem

	cids, err := b.client.CIDsByName(ctx, term)
	if err != nil {
		return nil, classify(err, "pubchem: resolve name")
	}

	switch len(cids) {
	case 0:
		return backend.Stamp(b, backend.NoHit(k, term), term, b.now()), nil
	case 1:
	default:
		return backend.Stamp(b, backend.Ambiguous(k, term), term, b.now()), nil
	}

	cid := cids[0]
	props, err := b.client.Properties(ctx, cid)
	if err != nil {
		return nil, classify(err, "pubchem: properties")
	}

	rec := backend.Stamp(b, backend.Success(k, ""), term, b.now())
	f := k.Field
	rec[f("query_finding")] = orNotListed(props.IUPACName)
	rec[f("query_link")] = pc.CompoundURL(cid)
	rec[f("id_cid")] = cid
	rec[f("cas_numbers")] = b.registryNumbers(ctx, cid, term)
	rec[f("mass_exact")] = flex(props.ExactMass)
	rec[f("mass_molecular")] = flex(props.MolecularWeight)
	rec[f("mass_monoisotopic")] = flex(props.MonoisotopicMass)
	rec[f("mol_formula")] = orNotListed(props.MolecularFormula)
	rec[f("mol_image_2d")] = pc.ImageURL(cid)
	rec[f("mol_inchi")] = orNotListed(props.InChI)
	rec[f("mol_inchikey")] = orNotListed(props.InChIKey)
	rec[f("mol_smiles_canonical")] = orNotListed(props.CanonicalSMILES)
	rec[f("mol_smiles_isomeric")] = orNotListed(props.IsomericSMILES)
	rec[f("name_iupac_eng")] = orNotListed(props.IUPACName)
	rec[f("pc_complexity")] = flex(props.Complexity)
	rec[f("pc_count_hydrogen_bond_acceptors")] = count(props.HBondAcceptorCount)
	rec[f("pc_count_hydrogen_bond_donors")] = count(props.HBondDonorCount)
	rec[f("pc_count_heavy_atoms")] = count(props.HeavyAtomCount)
	rec[f("pc_count_stereocenters")] = count(props.AtomStereoCount)
	rec[f("pc_formal_charge")] = count(props.Charge)
	rec[f("pc_xlogp")] = flex(props.XLogP)
	return rec, nil
}

// registryNumbers extracts registry numbers from the synonym list. Failing
// here does not cost the hit.
func (b *Backend) registryNumbers(ctx context.Context, cid int, term string) any {
	syn, err := b.client.Synonyms(ctx, cid)
	if err != nil {
		zap.L().Error("pubchem: synonyms lookup failed",
			zap.String("term", term),
			zap.Int("cid", cid),
			zap.Error(err),
		)
		return "Error while getting synonyms!"
	}
	found := cas.FindAll(syn)
	if len(found) == 0 {
		return backend.NotListed
	}
	return strings.Join(found, ", ")
}

func classify(err error, msg string) error {
	wrapped := eris.Wrap(err, msg)
	var apiErr *pc.APIError
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return resilience.NewTransientError(wrapped, apiErr.StatusCode)
	}
	if resilience.IsTransient(err) {
		return resilience.Transient(wrapped)
	}
	return wrapped
}

func orNotListed(s string) string {
	if s == "" {
		return backend.NotListed
	}
	return s
}

func flex(f pc.FlexFloat) any {
	if !f.Valid {
		return backend.NotListed
	}
	return f.Value
}

func count(n *int) any {
	if n == nil {
		return backend.NotListed
	}
	return *n
}
