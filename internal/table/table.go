// Package table loads input spreadsheets, writes result workbooks and
// discovers input files.
package table

import (
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	// ErrLocked means the file exists but cannot be opened, usually because
	// another program holds it.
	ErrLocked = eris.New("file is locked")
	// ErrUnsupported means the file extension is not a readable table format.
	ErrUnsupported = eris.New("unsupported file type")
)

// Table is a loaded sheet: a header row plus data rows. Rows are padded to
// the header width.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string
}

// Cell returns the trimmed cell at row r, column c, or "" when out of range.
func (t *Table) Cell(r, c int) string {
	if r < 0 || r >= len(t.Rows) || c < 0 || c >= len(t.Rows[r]) {
		return ""
	}
	return strings.TrimSpace(t.Rows[r][c])
}

// Supported reports whether path has a loadable extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".csv":
		return true
	}
	return false
}

// Load reads the first sheet of an .xlsx file or a delimited .csv file.
func Load(path string) (*Table, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err = readXLSX(path)
	case ".csv":
		rows, err = readCSV(path)
	default:
		return nil, eris.Wrapf(ErrUnsupported, "table: load %s", filepath.Base(path))
	}
	if err != nil {
		return nil, err
	}
	return fromRows(filepath.Base(path), rows), nil
}

func fromRows(name string, rows [][]string) *Table {
	t := &Table{Name: name}
	if len(rows) == 0 {
		return t
	}
	t.Header = rows[0]
	width := len(t.Header)
	for _, r := range rows[1:] {
		if len(r) > width {
			width = len(r)
		}
	}
	for len(t.Header) < width {
		t.Header = append(t.Header, "")
	}
	for _, r := range rows[1:] {
		for len(r) < width {
			r = append(r, "")
		}
		t.Rows = append(t.Rows, r)
	}
	return t
}

func openErr(err error, path string) error {
	if errors.Is(err, fs.ErrPermission) {
		return eris.Wrapf(ErrLocked, "table: open %s", filepath.Base(path))
	}
	return eris.Wrapf(err, "table: open %s", filepath.Base(path))
}

func readXLSX(path string) ([][]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, openErr(err, path)
	}
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, openErr(err, path)
	}
	if len(f.Sheets) == 0 {
		return nil, nil
	}

	sheet := f.Sheets[0]
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func readCSV(path string) ([][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, openErr(err, path)
	}

	text, err := toUTF8(raw)
	if err != nil {
		return nil, eris.Wrapf(err, "table: decode %s", filepath.Base(path))
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sniffDelimiter(text)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "table: parse %s", filepath.Base(path))
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// toUTF8 strips a byte-order mark and falls back to windows-1252 for
// spreadsheets exported with a legacy code page.
func toUTF8(raw []byte) (string, error) {
	bom := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(bom, raw)
	if err != nil {
		return "", err
	}
	if utf8.Valid(out) {
		return string(out), nil
	}
	enc, err := htmlindex.Get("windows-1252")
	if err != nil {
		return "", err
	}
	out, err = enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// sniffDelimiter picks ';', '\t' or ',' based on the first line.
func sniffDelimiter(text string) rune {
	first, _, _ := strings.Cut(text, "\n")
	best, bestN := ',', strings.Count(first, ",")
	for _, d := range []rune{';', '\t'} {
		if n := strings.Count(first, string(d)); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

// isBlankRow reports whether every cell is whitespace.
func isBlankRow(r []string) bool {
	for _, c := range r {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// TrimTrailingBlankRows drops empty rows at the end of the sheet, which
// spreadsheet editors often leave behind.
func (t *Table) TrimTrailingBlankRows() {
	n := len(t.Rows)
	for n > 0 && isBlankRow(t.Rows[n-1]) {
		n--
	}
	t.Rows = t.Rows[:n]
}
