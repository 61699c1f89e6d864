package rowsource

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// Row is a single ticker entry parsed from an input file.
type Row struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
	// Line is the 1-based position of the record in the input, counting the
	// header row. Used for log context only.
	Line int `json:"line"`
}

// rowFromRecord builds a Row from a raw record using the resolved column
// indexes. Returns false when the record has no usable ticker.
func rowFromRecord(record []string, tickerIdx, nameIdx, line int) (Row, bool) {
	if tickerIdx >= len(record) {
		return Row{}, false
	}
	ticker := strings.TrimSpace(record[tickerIdx])
	if ticker == "" {
		return Row{}, false
	}

	name := ""
	if nameIdx >= 0 && nameIdx < len(record) {
		name = strings.TrimSpace(record[nameIdx])
	}

	return Row{Ticker: ticker, Name: name, Line: line}, true
}

// StreamRows adapts an eagerly parsed row slice to the channel shape that
// StreamCSV produces, so callers consume every input format the same way.
func StreamRows(ctx context.Context, rows []Row) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		for _, row := range rows {
			select {
			case rowCh <- row:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "rowsource: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
