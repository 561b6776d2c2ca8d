package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/FranksOps/partprice/internal/app"
	"github.com/FranksOps/partprice/internal/httpapi"
	"github.com/FranksOps/partprice/internal/orchestrator"
	"github.com/FranksOps/partprice/internal/report"
	"github.com/FranksOps/partprice/internal/storage"
	"github.com/FranksOps/partprice/internal/stores"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve comparisons over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "API listen address")
	cmd.Flags().String("metrics-addr", "", "dedicated /metrics listen address")
	_ = c.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	_ = c.v.BindPFlag("metrics.addr", cmd.Flags().Lookup("metrics-addr"))
	return cmd
}

func newCompareCmd(c *cli) *cobra.Command {
	var (
		storeNames []string
		format     string
		deadline   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "compare PART",
		Short: "Compare offers for one part number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := report.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Orchestrator.Compare(cmd.Context(), orchestrator.Request{
				PartNumber: args[0],
				Stores:     storeNames,
				Deadline:   deadline,
			})
			var rejected *orchestrator.RejectedError
			if errors.As(err, &rejected) {
				return fmt.Errorf("%w (retry in %ds)", err, rejected.RetryAfterSeconds())
			}
			if err != nil {
				return err
			}
			return report.Write(cmd.OutOrStdout(), f, res)
		},
	}
	cmd.Flags().StringSliceVarP(&storeNames, "stores", "s", nil, "restrict to these store names or aliases")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, json or html")
	cmd.Flags().DurationVarP(&deadline, "deadline", "d", 0, "overall deadline (default from config)")
	return cmd
}

func newStoresCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stores",
		Short: "List the stores in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, _, err := app.NewFetcher(c.cfg.Fetch, c.logger)
			if err != nil {
				return err
			}
			cat, err := stores.Load(c.cfg.Catalog)
			if err != nil {
				return err
			}
			reg, err := cat.Build(f, c.logger)
			if err != nil {
				return err
			}
			defer reg.Close()

			infos := httpapi.Stores(reg)
			if asJSON {
				return report.WriteJSON(cmd.OutOrStdout(), infos)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tENABLED\tALIASES")
			for _, s := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", s.ID, s.Name, s.Type, s.Enabled, strings.Join(s.Aliases, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newHistoryCmd(c *cli) *cobra.Command {
	var (
		filter  storage.Filter
		errOnly bool
		okOnly  bool
		since   time.Duration
		summary bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query recorded offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if errOnly && okOnly {
				return errors.New("--errors and --ok are mutually exclusive")
			}
			switch {
			case errOnly:
				filter.HasError = &errOnly
			case okOnly:
				hasError := false
				filter.HasError = &hasError
			}
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}

			b, err := app.OpenHistory(cmd.Context(), c.cfg.History)
			if err != nil {
				return err
			}
			if b == nil {
				return errors.New("no history backend configured")
			}
			defer b.Close()

			recs, err := b.Query(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("query history: %w", err)
			}
			out := cmd.OutOrStdout()
			switch {
			case summary && asJSON:
				return report.WriteJSON(out, report.Summarize(recs))
			case summary:
				return report.WriteSummaryText(out, report.Summarize(recs))
			case asJSON:
				return report.WriteJSON(out, recs)
			default:
				return report.WriteRecordsText(out, recs)
			}
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&filter.PartNumber, "part", "p", "", "part number")
	fl.StringVarP(&filter.StoreID, "store", "s", "", "store id")
	fl.StringVar(&filter.RunID, "run", "", "run id")
	fl.BoolVar(&errOnly, "errors", false, "only failed quotes")
	fl.BoolVar(&okOnly, "ok", false, "only successful quotes")
	fl.DurationVar(&since, "since", 0, "only records newer than this")
	fl.IntVarP(&filter.Limit, "limit", "n", 50, "maximum records, 0 for all")
	fl.IntVar(&filter.Offset, "offset", 0, "records to skip")
	fl.BoolVar(&summary, "summary", false, "print aggregate statistics")
	fl.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
