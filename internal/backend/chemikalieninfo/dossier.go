package chemikalieninfo

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/cas"
)

type matchMode int

const (
	labelEquals matchMode = iota
	labelContains
)

type extractKind int

const (
	plainText extractKind = iota
	joinAll
	imageAlts
	hazards
	precautions
)

// rule locates one dossier value: the definition term matching label in the
// section headed by the element with id section.
type rule struct {
	stem        string
	section     string
	mode        matchMode
	label       string
	excludeUnit bool
	extract     extractKind
}

var rules = []rule{
	{stem: "id_cas", section: "m98", mode: labelEquals, label: "CAS-RN"},
	{stem: "id_gsbl", section: "m84", mode: labelEquals, label: "GSBL-RN"},
	{stem: "id_eg", section: "m99", mode: labelContains, label: "EG-Nummer"},
	{stem: "id_cus", section: "m99", mode: labelContains, label: "CUS"},
	{stem: "id_index", section: "m99", mode: labelContains, label: "INDEX"},
	{stem: "id_wgk", section: "m328", mode: labelEquals, label: "Kenn-Nummer"},
	{stem: "ghs_class", section: "m157", mode: labelContains, label: "Piktogramme", extract: imageAlts},
	{stem: "ghs_hazard", section: "m157", mode: labelContains, label: "H-Sätze", extract: hazards},
	{stem: "ghs_precautionary", section: "m157", mode: labelContains, label: "Sicherheitshinweise - ", extract: precautions},
	{stem: "nfpa_health", section: "m477", mode: labelContains, label: "Gesundheitsgefahr"},
	{stem: "nfpa_fire", section: "m477", mode: labelContains, label: "Brandgefahr"},
	{stem: "nfpa_reactivity", section: "m477", mode: labelContains, label: "Reaktionsgefahr"},
	{stem: "nfpa_specific", section: "m477", mode: labelContains, label: "Anweisungen"},
	{stem: "wgk_class", section: "m328", mode: labelEquals, label: "Kenn-Nummer"},
	{stem: "wgk_link", section: "m328", mode: labelContains, label: "Rigoletto"},
	{stem: "pc_colour", section: "m73", mode: labelEquals, label: "Farbe"},
	{stem: "pc_consistency", section: "m25", mode: labelEquals, label: "Stoffbeschaffenheit"},
	{stem: "pc_density", section: "m42", mode: labelContains, label: "Dichte", excludeUnit: true},
	{stem: "pc_energy_ionisation", section: "m61", mode: labelContains, label: "Ionisierungspotential", excludeUnit: true},
	{stem: "pc_enthalpy_vaporisation", section: "m58", mode: labelContains, label: "Verdampfungsenthalpie", excludeUnit: true},
	{stem: "pc_flammability_limit_lower", section: "m66", mode: labelContains, label: "Untere Explosion", excludeUnit: true},
	{stem: "pc_flammability_limit_upper", section: "m65", mode: labelContains, label: "Obere Explosion", excludeUnit: true},
	{stem: "pc_odour", section: "m71", mode: labelContains, label: "Geruch", extract: joinAll},
	{stem: "pc_pressure_critical", section: "m32", mode: labelContains, label: "Kritischer Druck", excludeUnit: true},
	{stem: "pc_pressure_vapor", section: "m45", mode: labelContains, label: "Dampfdruck", excludeUnit: true},
	{stem: "pc_refractive_index", section: "m34", mode: labelContains, label: "Brechungsindex"},
	{stem: "pc_refractive_index_wavelength", section: "m34", mode: labelContains, label: "Wellenlänge", excludeUnit: true},
	{stem: "pc_state_of_matter", section: "m24", mode: labelContains, label: "Aggregatzustand"},
	{stem: "pc_surface_tension", section: "m35", mode: labelContains, label: "Oberflächenspannung", excludeUnit: true},
	{stem: "pc_temperature_boiling", section: "m30", mode: labelContains, label: "Siedetemperatur", excludeUnit: true},
	{stem: "pc_temperature_critical", section: "m31", mode: labelContains, label: "Kritische Temperatur", excludeUnit: true},
	{stem: "pc_temperature_flash", section: "m62", mode: labelContains, label: "Flammpunkt", excludeUnit: true},
	{stem: "pc_temperature_melting", section: "m27", mode: labelContains, label: "Schmelztemperatur", excludeUnit: true},
	{stem: "pc_viscosity", section: "m36", mode: labelContains, label: "Viskosität", excludeUnit: true},
}

// namesSection holds the registered-names table.
const namesSection = "m86"

func dossierStems() []string {
	stems := make([]string, 0, len(rules)+2)
	for _, r := range rules[:9] {
		stems = append(stems, r.stem)
	}
	stems = append(stems, "name_registered_ger", "name_registered_eng")
	for _, r := range rules[9:] {
		stems = append(stems, r.stem)
	}
	return stems
}

func (r rule) matches(label string) bool {
	if r.excludeUnit && strings.Contains(label, "Einheit") {
		return false
	}
	if r.mode == labelEquals {
		return label == r.label
	}
	return strings.Contains(label, r.label)
}

// section returns the block containing the heading with the given id.
func section(dossier *html.Node, id string) *html.Node {
	h := findFirst(dossier, func(n *html.Node) bool {
		return (isElem(n, "h3") || isElem(n, "h4")) && attr(n, "id") == id
	})
	if h == nil || h.Parent == nil {
		return nil
	}
	return h.Parent
}

// values returns the definition descriptions whose term matches r.
func (r rule) values(sec *html.Node) []*html.Node {
	var out []*html.Node
	for _, dt := range findAll(sec, byTag("dt")) {
		if !r.matches(text(dt)) {
			continue
		}
		if dd := nextElement(dt); isElem(dd, "dd") {
			out = append(out, dd)
		}
	}
	return out
}

func (r rule) extractFrom(dds []*html.Node) string {
	switch r.extract {
	case imageAlts:
		var alts []string
		for _, img := range findAll(dds[0], byTag("img")) {
			if a := attr(img, "alt"); a != "" {
				alts = append(alts, a)
			}
		}
		return strings.Join(alts, "|")
	case hazards:
		return cas.HazardStatements(text(dds[0]))
	case precautions:
		return cas.PrecautionaryStatements(joinText(dds))
	case joinAll:
		return joinText(dds)
	default:
		return text(dds[0])
	}
}

func joinText(nodes []*html.Node) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, text(n))
	}
	return strings.Join(parts, "|")
}

// extractDossier fills the dossier fields of rec from the dossier element.
func extractDossier(dossier *html.Node, rec backend.Record) {
	f := backend.Chemikalieninfo.Field
	for _, r := range rules {
		sec := section(dossier, r.section)
		if sec == nil {
			rec[f(r.stem)] = backend.NotListed
			continue
		}
		dds := r.values(sec)
		if len(dds) == 0 {
			rec[f(r.stem)] = backend.NotListed
			continue
		}
		rec[f(r.stem)] = r.extractFrom(dds)
	}

	ger, eng := registeredNames(dossier)
	rec[f("name_registered_ger")] = ger
	rec[f("name_registered_eng")] = eng
}

// registeredNames reads the names table. Each row is "<no> <name...> <language>".
func registeredNames(dossier *html.Node) (string, string) {
	sec := section(dossier, namesSection)
	if sec == nil {
		return backend.NotListed, backend.NotListed
	}
	var ger, eng []string
	for _, tr := range findAll(sec, byTag("tr")) {
		words := strings.Fields(text(tr))
		if len(words) < 3 {
			continue
		}
		name := strings.Join(words[1:len(words)-1], " ")
		switch strings.ToLower(words[len(words)-1]) {
		case "deutsch":
			ger = append(ger, name)
		case "englisch":
			eng = append(eng, name)
		}
	}
	return strings.Join(ger, "|"), strings.Join(eng, "|")
}
