package rowsource

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
)

// XLSXOptions configures the XLSX row parser.
type XLSXOptions struct {
	Mapping Mapping // column mapping and sheet selection; zero value uses DefaultMapping
}

// ReadXLSX reads an XLSX workbook and returns its ticker rows. The parser
// loads whole files, so XLSX input is eager rather than streamed; adapt the
// result with StreamRows.
func ReadXLSX(path string, opts XLSXOptions) ([]Row, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "rowsource: open xlsx")
	}

	m := opts.Mapping.withDefaults()

	sheet, err := pickSheet(f, m)
	if err != nil {
		return nil, err
	}

	var rows []Row
	tickerIdx, nameIdx := 0, 1
	for i, r := range sheet.Rows {
		cells := rowToStrings(r)
		line := i + 1

		if i == 0 && !m.NoHeader {
			ti, ni, err := m.columns(cells)
			if err != nil {
				return nil, err
			}
			tickerIdx, nameIdx = ti, ni
			continue
		}

		row, ok := rowFromRecord(cells, tickerIdx, nameIdx, line)
		if !ok {
			zap.L().Warn("rowsource: row has no ticker, skipping", zap.Int("line", line))
			continue
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func pickSheet(f *xlsx.File, m Mapping) (*xlsx.Sheet, error) {
	if m.Sheet != "" {
		sheet, ok := f.Sheet[m.Sheet]
		if !ok {
			return nil, eris.Errorf("rowsource: sheet %q not found", m.Sheet)
		}
		return sheet, nil
	}

	if len(f.Sheets) == 0 {
		return nil, eris.New("rowsource: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
