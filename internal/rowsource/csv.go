// Package rowsource opens ticker list inputs from local files, HTTP, and FTP
// and parses CSV or XLSX content into ticker rows.
package rowsource

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CSVOptions configures the streaming CSV row parser.
type CSVOptions struct {
	Mapping    Mapping // column mapping; zero value uses DefaultMapping
	LazyQuotes bool
}

// StreamCSV reads CSV input and sends ticker rows to a channel.
// Caller must consume the returned row channel. Errors are sent on the error
// channel. Both channels are closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		m := opts.Mapping.withDefaults()

		reader := csv.NewReader(stripBOM(r))
		reader.Comma = m.delimiter()
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1 // allow ragged rows

		// Positional fallback for headerless files: ticker first, name second.
		tickerIdx, nameIdx := 0, 1
		line := 0
		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "rowsource: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "rowsource: read row")
				return
			}
			line++

			if first {
				first = false
				if !m.NoHeader {
					ti, ni, err := m.columns(record)
					if err != nil {
						errCh <- err
						return
					}
					tickerIdx, nameIdx = ti, ni
					continue
				}
			}

			row, ok := rowFromRecord(record, tickerIdx, nameIdx, line)
			if !ok {
				zap.L().Warn("rowsource: row has no ticker, skipping", zap.Int("line", line))
				continue
			}

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

// stripBOM removes a leading UTF-8 byte order mark. Excel exports commonly
// prepend one.
func stripBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	first3, err := br.Peek(3)
	if err == nil && first3[0] == 0xEF && first3[1] == 0xBB && first3[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	return br
}
