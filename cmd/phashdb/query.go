package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/phashdb/pkg/core"
	"github.com/liliang-cn/phashdb/pkg/fingerprint"
)

func NewQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [<hex>]",
		Short: "Find items within a Hamming radius",
		Long: `Find items whose fingerprint is within --radius of the given fingerprint,
or of the fingerprint stored under --key. Results are ordered nearest first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runQuery,
	}

	cmd.Flags().Uint64P("radius", "r", 10, "Maximum distance, inclusive")
	cmd.Flags().IntP("limit", "n", 0, "Maximum results (0 = unbounded)")
	cmd.Flags().StringP("key", "k", "", "Query with the fingerprint of a stored item")
	cmd.Flags().Bool("explain", false, "Print the band plan instead of running the query")

	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")
	if (len(args) == 1) == (key != "") {
		return fmt.Errorf("give either a fingerprint or --key")
	}
	radius, _ := cmd.Flags().GetUint64("radius")
	limit, _ := cmd.Flags().GetInt("limit")
	explain, _ := cmd.Flags().GetBool("explain")

	db, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	index := db.Index()

	if explain {
		var q fingerprint.Fingerprint
		if key != "" {
			q, err = index.Lookup(ctx, key)
		} else {
			q, err = parseHexArg(args[0])
		}
		if err != nil {
			return err
		}
		plan, err := index.Explain(ctx, q, radius)
		if err != nil {
			return fmt.Errorf("explain: %w", err)
		}
		return outputPlan(cmd, plan)
	}

	opts := core.QueryOptions{Radius: radius, Limit: limit}
	var matches []core.Match
	if key != "" {
		matches, err = index.QueryItem(ctx, key, opts)
	} else {
		matches, err = db.QueryHex(ctx, args[0], radius, limit)
	}
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}

	if wantJSON(cmd) {
		if matches == nil {
			matches = []core.Match{}
		}
		return outputJSON(cmd, matches)
	}

	for _, m := range matches {
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", m.Distance, m.Key)
	}
	return nil
}

func outputPlan(cmd *cobra.Command, plan *core.Plan) error {
	if wantJSON(cmd) {
		return outputJSON(cmd, plan)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "strategy: %s\n", plan.Strategy)
	fmt.Fprintf(out, "points:   %d\n", plan.Points)
	if plan.Estimate < 0 {
		fmt.Fprintln(out, "estimate: full scan (no vantage points)")
	} else {
		fmt.Fprintf(out, "estimate: %d\n", plan.Estimate)
	}
	for _, b := range plan.Bands {
		fmt.Fprintf(out, "  vp %d: d=%d band [%d, %d]\n", b.VantagePointID, b.Distance, b.Lower, b.Upper)
	}
	return nil
}
