package table

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// OutputSheet is the name of the sheet written to result workbooks.
const OutputSheet = "Query Output"

// OutputPath returns the result workbook path for input: the input stem plus
// suffix, always as .xlsx, in the same directory.
func OutputPath(input, suffix string) string {
	dir := filepath.Dir(input)
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+suffix+".xlsx")
}

// WriteXLSX writes records as rows of a new workbook at path. The first
// column holds the zero-based row index; the remaining columns follow fields.
func WriteXLSX(path string, fields []string, records []map[string]any) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(OutputSheet)
	if err != nil {
		return eris.Wrap(err, "table: add sheet")
	}

	header := sheet.AddRow()
	header.AddCell().SetString("")
	for _, name := range fields {
		header.AddCell().SetString(name)
	}

	for i, rec := range records {
		row := sheet.AddRow()
		row.AddCell().SetInt(i)
		for _, name := range fields {
			setCell(row.AddCell(), rec[name])
		}
	}

	if err := f.Save(path); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return eris.Wrapf(ErrLocked, "table: save %s", filepath.Base(path))
		}
		return eris.Wrapf(err, "table: save %s", filepath.Base(path))
	}
	return nil
}

func setCell(c *xlsx.Cell, v any) {
	switch x := v.(type) {
	case nil:
		c.SetString("")
	case string:
		c.SetString(x)
	case int:
		c.SetInt(x)
	case int64:
		c.SetInt64(x)
	case float64:
		c.SetFloat(x)
	case bool:
		c.SetBool(x)
	case []string:
		c.SetString(strings.Join(x, "|"))
	default:
		c.SetString(fmt.Sprint(x))
	}
}

// Probe checks that path can be opened for writing without truncating it.
// A missing file is fine.
func Probe(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if errors.Is(err, fs.ErrPermission) {
			return eris.Wrapf(ErrLocked, "table: probe %s", filepath.Base(path))
		}
		return eris.Wrapf(err, "table: probe %s", filepath.Base(path))
	}
	return f.Close()
}
