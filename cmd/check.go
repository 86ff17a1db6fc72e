package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/api"
	"github.com/JakeFAU/page-annotator/internal/dataset"
	"github.com/JakeFAU/page-annotator/internal/probe"
)

const defaultCheckParallel = 4

type checkResult struct {
	Row            annotator.Row
	Classification string
	Reason         string
	Err            error
}

func newCheckCmd() *cobra.Command {
	var (
		parallel    int
		onlyBlocked bool
	)
	cmd := &cobra.Command{
		Use:   "check [row-id...]",
		Short: "Probe rows for frame-embedding restrictions",
		Long: `Runs the same header probe as /api/frame-check against each row (all rows
when none are named) and prints whether the page can be embedded directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := selectRows(appInstance.Dataset(), args)
			if err != nil {
				return err
			}
			ua := appInstance.Config().HTTP.UserAgent
			results, err := checkRows(cmd.Context(), appInstance.Prober(), rows, ua, parallel)
			if err != nil {
				return err
			}
			appInstance.Logger().Info("frame check finished", zap.Int("rows", len(results)))
			return writeCheckTable(cmd.OutOrStdout(), results, onlyBlocked)
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", defaultCheckParallel, "concurrent probes")
	cmd.Flags().BoolVar(&onlyBlocked, "blocked", false, "print only rows that refuse framing")
	return cmd
}

func selectRows(ds *dataset.Dataset, ids []string) ([]annotator.Row, error) {
	if len(ids) == 0 {
		return ds.Rows, nil
	}
	rows := make([]annotator.Row, 0, len(ids))
	for _, id := range ids {
		row, ok := ds.Row(id)
		if !ok {
			return nil, fmt.Errorf("unknown row %q", id)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// checkRows probes every row with at most parallel requests in flight. Probe
// failures are recorded per row; only cancellation aborts the run.
func checkRows(ctx context.Context, prober api.Prober, rows []annotator.Row, ua string, parallel int) ([]checkResult, error) {
	if parallel <= 0 {
		parallel = 1
	}
	results := make([]checkResult, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, row := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := prober.Probe(gctx, row.URL, ua)
			results[i] = checkResult{
				Row:            row,
				Classification: string(res.Classification),
				Reason:         res.Reason,
				Err:            err,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("check rows: %w", err)
	}
	return results, nil
}

func writeCheckTable(out io.Writer, results []checkResult, onlyBlocked bool) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLASSIFICATION\tREASON\tURL")
	for _, r := range results {
		if onlyBlocked && r.Classification != string(probe.Blocked) {
			continue
		}
		reason := r.Reason
		if r.Err != nil {
			reason = r.Err.Error()
		}
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Row.ID, r.Classification, reason, r.Row.URL)
	}
	return tw.Flush()
}
