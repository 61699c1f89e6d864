package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/rowanalpha/ranksync/internal/model"
	"github.com/rowanalpha/ranksync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [ticker]",
	Short: "Show store contents",
	Long:  "Without arguments, prints aggregate store counts. With a ticker, prints that stock's ranking history.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("status"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if len(args) == 1 {
			return showTicker(ctx, st, args[0])
		}

		stats, err := st.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "store stats")
		}
		formatStoreStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// showTicker prints one stock's details and its ranking history.
func showTicker(ctx context.Context, st store.Store, ticker string) error {
	stock, err := st.GetStock(ctx, ticker)
	if err != nil {
		return eris.Wrap(err, "get stock")
	}
	if stock == nil {
		fmt.Fprintf(os.Stderr, "No stock found for ticker %s.\n", ticker)
		return nil
	}

	rankings, err := st.ListRankings(ctx, stock.ID)
	if err != nil {
		return eris.Wrap(err, "list rankings")
	}

	formatStock(os.Stdout, stock, rankings)
	return nil
}

// formatStoreStats writes aggregate store counts to w.
func formatStoreStats(out io.Writer, s *model.StoreStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Stocks:\t%d\n", s.Stocks)
	_, _ = fmt.Fprintf(w, "Rankings:\t%d\n", s.Rankings)
	if s.LastObservedAt != nil {
		_, _ = fmt.Fprintf(w, "Last observation:\t%s\n", s.LastObservedAt.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

// formatStock writes one stock and its ranking history to w, newest first.
func formatStock(out io.Writer, stock *model.Stock, rankings []model.Ranking) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Ticker:\t%s\n", stock.Ticker)
	if stock.Name != "" {
		_, _ = fmt.Fprintf(w, "Name:\t%s\n", stock.Name)
	}
	_, _ = fmt.Fprintf(w, "First seen:\t%s\n", stock.CreatedAt.Format("2006-01-02 15:04"))
	_ = w.Flush()

	if len(rankings) == 0 {
		_, _ = fmt.Fprintln(out, "\nNo rankings recorded.")
		return
	}

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "OBSERVED\tRANK\tLABEL")
	_, _ = fmt.Fprintln(w, "--------\t----\t-----")
	for _, r := range rankings {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n",
			r.ObservedAt.Format("2006-01-02 15:04"),
			r.Value,
			r.Label,
		)
	}
	_ = w.Flush()
}
