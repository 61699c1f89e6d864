package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/rowanalpha/ranksync/internal/pipeline"
	"github.com/rowanalpha/ranksync/internal/provider"
	"github.com/rowanalpha/ranksync/internal/resilience"
	"github.com/rowanalpha/ranksync/internal/rowsource"
)

var (
	ingestInput       string
	ingestFormat      string
	ingestMapping     string
	ingestEncoding    string
	ingestConcurrency int
	ingestLimit       int
	ingestTimeout     time.Duration
	ingestDryRun      bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a ticker list and record current rankings",
	Long: `Reads tickers from a CSV or XLSX file (local path, HTTP, or FTP URL),
fetches the current ranking for each one, and upserts the results.

Examples:
  # Local CSV, straight through
  ranksync ingest --input tickers.csv

  # Parse only, print the rows that would be processed
  ranksync ingest --input tickers.csv --dry-run

  # Vendor workbook over FTP, capped fan-out
  ranksync ingest --input ftp://feeds.example.com/lists/sp500.xlsx --concurrency 8`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		if ingestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, ingestTimeout)
			defer cancel()
		}

		source, cleanup, err := openRowSource(ctx, runInput{
			Source:   ingestInput,
			Format:   ingestFormat,
			Mapping:  ingestMapping,
			Encoding: ingestEncoding,
		})
		if err != nil {
			return err
		}
		defer cleanup()

		if ingestDryRun {
			return printRows(ctx, source)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		concurrency := ingestConcurrency
		if concurrency == 0 {
			concurrency = cfg.Ingest.Concurrency
		}
		limit := ingestLimit
		if limit == 0 {
			limit = cfg.Ingest.Limit
		}

		coord := pipeline.New(newProviderClient(), st, newRetryConfig(), pipeline.Options{
			Concurrency: concurrency,
			Limit:       limit,
		})

		start := time.Now()
		snap, runErr := coord.Run(ctx, source)

		// The summary prints even when the source failed partway; whatever
		// rows made it through are already persisted.
		formatRunSummary(os.Stdout, snap, time.Since(start))

		if runErr != nil {
			return eris.Wrap(runErr, "ingest aborted")
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestInput, "input", "", "ticker list: local path, http(s):// or ftp:// URL (required)")
	ingestCmd.Flags().StringVar(&ingestFormat, "format", "", "input format: csv or xlsx (default: by file extension)")
	ingestCmd.Flags().StringVar(&ingestMapping, "mapping", "", "path to a YAML column-mapping file")
	ingestCmd.Flags().StringVar(&ingestEncoding, "encoding", "", "input character encoding (e.g. windows-1252; default UTF-8)")
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 0, "max tickers in flight (0 = unbounded)")
	ingestCmd.Flags().IntVar(&ingestLimit, "limit", 0, "stop after this many rows (0 = all)")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 0, "overall run deadline (e.g. 10m; 0 = none)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "parse the input and print rows, skip fetching")
	_ = ingestCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(ingestCmd)
}

// runInput describes one ingestion input: where the rows come from and how to
// parse them. Shared between the ingest command and the serve API.
type runInput struct {
	Source   string
	Format   string
	Mapping  string
	Encoding string
}

// openRowSource resolves an input into a pipeline source plus a cleanup
// function. CSV inputs stream lazily; XLSX inputs are read eagerly (remote
// workbooks spill to a temp file first) and adapted onto the same channels.
func openRowSource(ctx context.Context, in runInput) (pipeline.Source, func(), error) {
	noop := func() {}

	mapping := rowsource.DefaultMapping()
	if in.Mapping != "" {
		m, err := rowsource.LoadMapping(in.Mapping)
		if err != nil {
			return nil, noop, err
		}
		mapping = m
	}

	format, err := resolveFormat(in.Source, in.Format)
	if err != nil {
		return nil, noop, err
	}

	switch format {
	case "xlsx":
		path := in.Source
		if isRemote(in.Source) {
			tmp, spillErr := spillWorkbook(ctx, in.Source, in.Encoding)
			if spillErr != nil {
				return nil, noop, spillErr
			}
			defer os.Remove(tmp) //nolint:errcheck
			path = tmp
		}
		rows, readErr := rowsource.ReadXLSX(path, rowsource.XLSXOptions{Mapping: mapping})
		if readErr != nil {
			return nil, noop, readErr
		}
		return func(ctx context.Context) (<-chan rowsource.Row, <-chan error) {
			return rowsource.StreamRows(ctx, rows)
		}, noop, nil

	case "csv":
		rc, openErr := rowsource.Open(ctx, in.Source, rowsource.OpenOptions{Encoding: in.Encoding})
		if openErr != nil {
			return nil, noop, openErr
		}
		return func(ctx context.Context) (<-chan rowsource.Row, <-chan error) {
			return rowsource.StreamCSV(ctx, rc, rowsource.CSVOptions{Mapping: mapping})
		}, func() { _ = rc.Close() }, nil

	default:
		return nil, noop, eris.Errorf("unsupported format %q (want csv or xlsx)", format)
	}
}

// resolveFormat picks the input format from the explicit flag or the source
// file extension. URLs are judged on their path with any query cut off.
func resolveFormat(source, explicit string) (string, error) {
	if explicit != "" {
		f := strings.ToLower(explicit)
		if f != "csv" && f != "xlsx" {
			return "", eris.Errorf("unsupported format %q (want csv or xlsx)", explicit)
		}
		return f, nil
	}

	path := source
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xls":
		return "xlsx", nil
	default:
		return "csv", nil
	}
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") ||
		strings.HasPrefix(source, "https://") ||
		strings.HasPrefix(source, "ftp://")
}

// spillWorkbook downloads a remote workbook to a temp file and returns its
// path. The workbook parser only reads from disk.
func spillWorkbook(ctx context.Context, source, encoding string) (string, error) {
	rc, err := rowsource.Open(ctx, source, rowsource.OpenOptions{Encoding: encoding})
	if err != nil {
		return "", err
	}
	defer rc.Close() //nolint:errcheck

	f, err := os.CreateTemp("", "ranksync-*.xlsx")
	if err != nil {
		return "", eris.Wrap(err, "create temp workbook")
	}

	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", eris.Wrapf(err, "download workbook %s", source)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", eris.Wrap(err, "close temp workbook")
	}
	return f.Name(), nil
}

// newProviderClient builds the ranking feed client from config.
func newProviderClient() provider.Client {
	return provider.NewClient(cfg.Provider.APIKey,
		provider.WithBaseURL(cfg.Provider.BaseURL),
		provider.WithTimeout(time.Duration(cfg.Provider.TimeoutSecs)*time.Second),
	)
}

func newRetryConfig() resilience.RetryConfig {
	return resilience.FromRetryConfig(cfg.Provider.MaxRetries, cfg.Provider.RetryDelayMs)
}

// printRows drains the source and prints the parsed rows as indented JSON.
func printRows(ctx context.Context, source pipeline.Source) error {
	rows, errs := source(ctx)

	out := []rowsource.Row{}
	for row := range rows {
		out = append(out, row)
	}
	for err := range errs {
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// formatRunSummary writes the run counters to w.
func formatRunSummary(out io.Writer, snap pipeline.Snapshot, elapsed time.Duration) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Processed:\t%d\n", snap.TotalProcessed)
	_, _ = fmt.Fprintf(w, "Saved:\t%d\n", snap.SuccessfulSaves)
	_, _ = fmt.Fprintf(w, "  Inserted:\t%d\n", snap.Inserted)
	_, _ = fmt.Fprintf(w, "  Updated:\t%d\n", snap.Updated)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", snap.FailedSaves)
	_, _ = fmt.Fprintf(w, "  Fetch errors:\t%d\n", snap.FailedRetrievals)
	_, _ = fmt.Fprintf(w, "No ranking:\t%d\n", snap.NoRankingStocks)
	_, _ = fmt.Fprintf(w, "  Rejected payloads:\t%d\n", snap.ValidationFailures)
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", elapsed.Round(time.Millisecond))
	_ = w.Flush()
}
